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
	"os"

	"golang.org/x/sys/unix"

	"github.com/facebook/ptpd/ptp/internaltime"
)

// SysClock is a kernel clock: system realtime clock or a PHC device
type SysClock struct {
	clockID int32
	device  *os.File
	// threshold above which Set uses clock_settime instead of relative step
	setThreshold internaltime.Time
}

// NewSysClock returns CLOCK_REALTIME
func NewSysClock() *SysClock {
	return &SysClock{clockID: unix.CLOCK_REALTIME, setThreshold: internaltime.New(1, 0)}
}

// fdToClockID converts PHC file descriptor to dynamic clock id, see FD_TO_CLOCKID in linux/posix-timers.h
func fdToClockID(fd uintptr) int32 {
	return int32((int(^fd) << 3) | 3)
}

// OpenPHC opens PTP hardware clock device like /dev/ptp0
func OpenPHC(device string) (*SysClock, error) {
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", device, err)
	}
	return &SysClock{clockID: fdToClockID(f.Fd()), device: f, setThreshold: internaltime.New(1, 0)}, nil
}

// Get returns current time
func (c *SysClock) Get() (internaltime.Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(c.clockID, &ts); err != nil {
		return internaltime.Zero, fmt.Errorf("clock_gettime: %w", err)
	}
	sec, nsec := ts.Unix()
	return internaltime.New(sec, nsec), nil
}

// Set steps clock to t.
// Small corrections are applied as relative step so that time spent in this call doesn't add error.
func (c *SysClock) Set(t internaltime.Time) error {
	now, err := c.Get()
	if err != nil {
		return err
	}
	step := t.Sub(now)
	if step.Abs().Before(c.setThreshold) {
		return Step(c.clockID, step)
	}
	ts := unix.NsecToTimespec(t.Nanoseconds64())
	if err := unix.ClockSettime(c.clockID, &ts); err != nil {
		return fmt.Errorf("clock_settime %v: %w", t, err)
	}
	return nil
}

// AdjustRate sets frequency correction
func (c *SysClock) AdjustRate(ppb float64) error {
	return AdjFreqPPB(c.clockID, ppb)
}

// MaxFreqPPB returns maximum frequency correction supported by the clock
func (c *SysClock) MaxFreqPPB() (float64, error) {
	return MaxFreqPPB(c.clockID)
}

// Frequency returns frequency correction currently applied
func (c *SysClock) Frequency() (float64, error) {
	return FrequencyPPB(c.clockID)
}

// SetSync marks the clock synchronized
func (c *SysClock) SetSync() error {
	return SetSync(c.clockID)
}

// Close releases PHC device if one was opened
func (c *SysClock) Close() error {
	if c.device == nil {
		return nil
	}
	return c.device.Close()
}
