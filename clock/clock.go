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
	"sync"

	"github.com/facebook/ptpd/ptp/internaltime"
)

//go:generate mockgen -source=clock.go -destination=mock_clock.go -package=clock

// PPBToTimexPPM is what we use to conver PPB to PPM.
// man clock_adjtime(2):
// In struct timex, freq, ppsfreq, and stabil are ppm (parts per million) with a 16-bit fractional part.
// To covert value where 2^16=65536 is 1 ppm to ppb or back, we need this multiplier
const PPBToTimexPPM = 65.536

// DefaultMaxFreqPPB is used when clock doesn't report its tolerance
const DefaultMaxFreqPPB = 500000

// Clock is a clock we can read, step and slew
type Clock interface {
	Get() (internaltime.Time, error)
	Set(t internaltime.Time) error
	// AdjustRate sets frequency correction in parts per billion, positive makes clock run faster
	AdjustRate(ppb float64) error
	MaxFreqPPB() (float64, error)
}

// Serialized guards Clock with a mutex so several ports can share it
type Serialized struct {
	sync.Mutex
	clock Clock
}

// NewSerialized wraps c
func NewSerialized(c Clock) *Serialized {
	return &Serialized{clock: c}
}

// Get returns current time
func (s *Serialized) Get() (internaltime.Time, error) {
	s.Lock()
	defer s.Unlock()
	return s.clock.Get()
}

// Set steps the clock
func (s *Serialized) Set(t internaltime.Time) error {
	s.Lock()
	defer s.Unlock()
	return s.clock.Set(t)
}

// AdjustRate changes clock frequency
func (s *Serialized) AdjustRate(ppb float64) error {
	s.Lock()
	defer s.Unlock()
	return s.clock.AdjustRate(ppb)
}

// MaxFreqPPB returns maximum supported frequency correction
func (s *Serialized) MaxFreqPPB() (float64, error) {
	s.Lock()
	defer s.Unlock()
	return s.clock.MaxFreqPPB()
}
