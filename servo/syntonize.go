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

package servo

import (
	"math"

	"github.com/eclesh/welford"
)

// number of consecutive stable evaluations needed to declare syntonization
const syntonizeStableRuns = 3

// Syntonizer tracks whether applied frequency alone has converged
type Syntonizer struct {
	window    int
	threshold float64
	deadBand  float64

	history []float64
	next    int
	full    bool
	stable  int
	done    bool
	stddev  float64
	// two most recent applied values, z1 is the latest
	z1, z2 float64
}

// NewSyntonizer returns Syntonizer evaluating stddev of last window ppb values against threshold
func NewSyntonizer(window int, threshold, deadBand float64) *Syntonizer {
	if window < 2 {
		window = 2
	}
	return &Syntonizer{
		window:    window,
		threshold: threshold,
		deadBand:  deadBand,
		history:   make([]float64, window),
	}
}

// Add records applied frequency and reports whether frequency is syntonized
func (s *Syntonizer) Add(ppb float64) bool {
	s.z2, s.z1 = s.z1, ppb
	s.history[s.next] = ppb
	s.next = (s.next + 1) % s.window
	if s.next == 0 {
		s.full = true
	}
	if !s.full {
		return s.done
	}
	w := welford.New()
	for _, v := range s.history {
		w.Add(v)
	}
	s.stddev = w.Stddev()
	if s.stddev < s.threshold {
		s.stable++
	} else {
		s.stable = 0
	}
	s.done = s.stable >= syntonizeStableRuns
	return s.done
}

// Syntonized reports whether frequency has converged
func (s *Syntonizer) Syntonized() bool {
	return s.done
}

// Skip reports whether ppb is close enough to last applied value to not bother the clock
func (s *Syntonizer) Skip(ppb, last float64) bool {
	return s.done && math.Abs(ppb-last) < s.deadBand
}

// Stddev returns standard deviation of the last full window
func (s *Syntonizer) Stddev() float64 {
	return s.stddev
}

// Trend returns difference between two most recent applied values
func (s *Syntonizer) Trend() float64 {
	return s.z1 - s.z2
}

// Reset forgets history
func (s *Syntonizer) Reset() {
	s.next = 0
	s.full = false
	s.stable = 0
	s.done = false
	s.stddev = 0
	s.z1, s.z2 = 0, 0
}
