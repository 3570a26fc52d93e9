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
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/eclesh/welford"
)

// Weighting is how samples in the Filter window are combined
type Weighting uint8

// Supported weightings
const (
	WeightingMean Weighting = iota
	WeightingMedian
	// WeightingExponential is exponential moving average, window size only bounds the history
	WeightingExponential
)

var weightingToString = map[Weighting]string{
	WeightingMean:        "mean",
	WeightingMedian:      "median",
	WeightingExponential: "exponential",
}

func (w Weighting) String() string {
	return weightingToString[w]
}

// UnmarshalText parses weighting name
func (w *Weighting) UnmarshalText(text []byte) error {
	for k, v := range weightingToString {
		if v == strings.ToLower(string(text)) {
			*w = k
			return nil
		}
	}
	return fmt.Errorf("unknown filter weighting %q", text)
}

// MarshalText implements encoding.TextMarshaler
func (w Weighting) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// FilterConfig configures a Filter
type FilterConfig struct {
	Size      int       `yaml:"size"`
	Weighting Weighting `yaml:"weighting"`
	// Stiffness is log2 of exponential smoothing divisor
	Stiffness uint8 `yaml:"stiffness"`
}

// Filter is a bounded circular buffer of nanosecond samples
type Filter struct {
	cfg     FilterConfig
	samples []int64
	next    int
	count   int
	ewma    float64
	value   int64
}

// NewFilter returns empty Filter
func NewFilter(cfg FilterConfig) *Filter {
	if cfg.Size < 1 {
		cfg.Size = 1
	}
	return &Filter{
		cfg:     cfg,
		samples: make([]int64, cfg.Size),
	}
}

// Add pushes sample and returns new filtered value
func (f *Filter) Add(ns int64) int64 {
	f.samples[f.next] = ns
	f.next = (f.next + 1) % len(f.samples)
	if f.count < len(f.samples) {
		f.count++
	}
	switch f.cfg.Weighting {
	case WeightingMedian:
		f.value = f.median()
	case WeightingExponential:
		if f.count == 1 {
			f.ewma = float64(ns)
		} else {
			f.ewma += (float64(ns) - f.ewma) / float64(uint64(1)<<f.cfg.Stiffness)
		}
		f.value = int64(math.Round(f.ewma))
	default:
		var sum float64
		for _, v := range f.window() {
			sum += float64(v)
		}
		f.value = int64(math.Round(sum / float64(f.count)))
	}
	return f.value
}

// window returns stored samples, order is not preserved
func (f *Filter) window() []int64 {
	return f.samples[:f.count]
}

func (f *Filter) median() int64 {
	c := make([]int64, f.count)
	copy(c, f.window())
	sort.Slice(c, func(i, j int) bool { return c[i] < c[j] })
	l := len(c)
	if l%2 == 0 {
		return (c[l/2-1] + c[l/2]) / 2
	}
	return c[l/2]
}

// Value returns last filtered value
func (f *Filter) Value() int64 {
	return f.value
}

// Len returns number of samples in the window
func (f *Filter) Len() int {
	return f.count
}

// Stddev returns standard deviation of samples in the window
func (f *Filter) Stddev() float64 {
	s := welford.New()
	for _, v := range f.window() {
		s.Add(float64(v))
	}
	return s.Stddev()
}

// Reset drops all samples
func (f *Filter) Reset() {
	f.next = 0
	f.count = 0
	f.ewma = 0
	f.value = 0
}
