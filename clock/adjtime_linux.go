/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package clock

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/facebook/ptpd/ptp/internaltime"
)

// clock_adjtime modes from usr/include/linux/timex.h
const (
	// frequency offset
	AdjFrequency uint32 = 0x0002
	// maximum time error
	AdjMaxError uint32 = 0x0004
	// clock status
	AdjStatus uint32 = 0x0010
	// add 'time' to current time
	AdjSetOffset uint32 = 0x0100
	// select nanosecond resolution
	AdjNano uint32 = 0x2000
)

// FrequencyPPB reads clock frequency in PPB
func FrequencyPPB(clockid int32) (float64, error) {
	tx := &unix.Timex{}
	if _, err := unix.ClockAdjtime(clockid, tx); err != nil {
		return 0, fmt.Errorf("clock_adjtime: %w", err)
	}
	return getFreq(tx), nil
}

// AdjFreqPPB sets clock frequency in PPB
func AdjFreqPPB(clockid int32, freqPPB float64) error {
	tx := &unix.Timex{}
	setFreq(tx, freqPPB)
	tx.Modes = AdjFrequency
	if _, err := unix.ClockAdjtime(clockid, tx); err != nil {
		return fmt.Errorf("clock_adjtime frequency %.3f ppb: %w", freqPPB, err)
	}
	return nil
}

// Step moves clock by the given amount without touching its frequency
func Step(clockid int32, step internaltime.Time) error {
	step = step.Normalize()
	tx := &unix.Timex{}
	tx.Modes = AdjSetOffset | AdjNano
	// normalized value already keeps the nanosecond field non-negative, which is what the kernel wants
	setTime(tx, step.Seconds, int64(step.Nanoseconds))
	if _, err := unix.ClockAdjtime(clockid, tx); err != nil {
		return fmt.Errorf("clock_adjtime step %v: %w", step, err)
	}
	return nil
}

// MaxFreqPPB returns maximum frequency adjustment supported by the clock
func MaxFreqPPB(clockid int32) (float64, error) {
	tx := &unix.Timex{}
	if _, err := unix.ClockAdjtime(clockid, tx); err != nil {
		return 0, fmt.Errorf("clock_adjtime: %w", err)
	}
	freqPPB := float64(tx.Tolerance) / PPBToTimexPPM
	if freqPPB == 0 {
		freqPPB = DefaultMaxFreqPPB
	}
	return freqPPB, nil
}

// SetSync sets clock status to TIME_OK
func SetSync(clockid int32) error {
	tx := &unix.Timex{}
	tx.Modes = AdjStatus | AdjMaxError
	state, err := unix.ClockAdjtime(clockid, tx)
	if err != nil {
		return fmt.Errorf("clock_adjtime status: %w", err)
	}
	if state != unix.TIME_OK {
		return fmt.Errorf("clock state %d is not TIME_OK after setting sync state", state)
	}
	return nil
}
