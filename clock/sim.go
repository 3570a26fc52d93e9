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
	"math"
	"sync"
	"time"

	"github.com/facebook/ptpd/ptp/internaltime"
)

// SimClock is a simulated oscillator.
// It advances only when Advance is called: by the elapsed reference time scaled by
// its natural drift plus the frequency correction applied through AdjustRate.
type SimClock struct {
	sync.Mutex
	now      internaltime.Time
	driftPPB float64
	ratePPB  float64
	maxFreq  float64
	// sub-nanosecond remainder carried between Advance calls
	frac  float64
	steps int
}

// NewSimClock returns SimClock starting at start with natural drift in ppb
func NewSimClock(start internaltime.Time, driftPPB float64) *SimClock {
	return &SimClock{now: start.Normalize(), driftPPB: driftPPB, maxFreq: DefaultMaxFreqPPB}
}

// Advance moves the clock by reference duration d
func (c *SimClock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	scaled := float64(d) + float64(d)*(c.driftPPB+c.ratePPB)/1e9 + c.frac
	whole := math.Floor(scaled)
	c.frac = scaled - whole
	c.now = c.now.Add(internaltime.FromNanoseconds(int64(whole)))
}

// Get returns current simulated time
func (c *SimClock) Get() (internaltime.Time, error) {
	c.Lock()
	defer c.Unlock()
	return c.now, nil
}

// Set steps simulated time
func (c *SimClock) Set(t internaltime.Time) error {
	c.Lock()
	defer c.Unlock()
	c.now = t.Normalize()
	c.frac = 0
	c.steps++
	return nil
}

// AdjustRate sets frequency correction
func (c *SimClock) AdjustRate(ppb float64) error {
	c.Lock()
	defer c.Unlock()
	if math.Abs(ppb) > c.maxFreq {
		return fmt.Errorf("frequency %.3f ppb is outside of +-%.0f ppb", ppb, c.maxFreq)
	}
	c.ratePPB = ppb
	return nil
}

// MaxFreqPPB returns maximum frequency correction
func (c *SimClock) MaxFreqPPB() (float64, error) {
	c.Lock()
	defer c.Unlock()
	return c.maxFreq, nil
}

// SetMaxFreqPPB limits frequency correction
func (c *SimClock) SetMaxFreqPPB(ppb float64) {
	c.Lock()
	defer c.Unlock()
	c.maxFreq = ppb
}

// Rate returns frequency correction currently applied
func (c *SimClock) Rate() float64 {
	c.Lock()
	defer c.Unlock()
	return c.ratePPB
}

// Steps returns how many times clock was set
func (c *SimClock) Steps() int {
	c.Lock()
	defer c.Unlock()
	return c.steps
}
