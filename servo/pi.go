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
)

const (
	kpScale = 0.7
	kiScale = 0.3

	maxKpNormMax = 1.0
	maxKiNormMax = 2.0
)

// PiServoCfg is a proportional-integral servo config
type PiServoCfg struct {
	PiKpScale    float64 `yaml:"kp_scale"`
	PiKpExponent float64 `yaml:"kp_exponent"`
	PiKpNormMax  float64 `yaml:"kp_norm_max"`
	PiKiScale    float64 `yaml:"ki_scale"`
	PiKiExponent float64 `yaml:"ki_exponent"`
	PiKiNormMax  float64 `yaml:"ki_norm_max"`
}

// PiServo is a proportional-integral controller turning offset into frequency correction
type PiServo struct {
	maxFreq  float64
	drift    float64
	kp       float64
	ki       float64
	lastFreq float64
	cfg      *PiServoCfg
}

// SetLastFreq function to reset last freq
func (s *PiServo) SetLastFreq(freq float64) {
	s.lastFreq = freq
	s.drift = freq
}

// SetMaxFreq is to adjust frequency range supported by the clock
func (s *PiServo) SetMaxFreq(freq float64) {
	s.maxFreq = freq
}

// Sample returns frequency correction in ppb for offset in ns, and whether it hit maxFreq.
// Positive offset yields positive correction, which has to be subtracted from clock frequency.
func (s *PiServo) Sample(offset int64) (float64, bool) {
	kiTerm := s.ki * float64(offset)
	ppb := s.kp*float64(offset) + s.drift + kiTerm
	saturated := false
	if ppb < -s.maxFreq {
		ppb = -s.maxFreq
		saturated = true
	} else if ppb > s.maxFreq {
		ppb = s.maxFreq
		saturated = true
	} else {
		s.drift += kiTerm
	}
	s.lastFreq = ppb
	return ppb, saturated
}

// SyncInterval inform a clock servo about the master's sync interval in seconds
func (s *PiServo) SyncInterval(interval float64) {
	s.kp = s.cfg.PiKpScale * math.Pow(interval, s.cfg.PiKpExponent)
	if s.kp > s.cfg.PiKpNormMax/interval {
		s.kp = s.cfg.PiKpNormMax / interval
	}

	s.ki = s.cfg.PiKiScale * math.Pow(interval, s.cfg.PiKiExponent)
	if s.ki > s.cfg.PiKiNormMax/interval {
		s.ki = s.cfg.PiKiNormMax / interval
	}
}

// Drift returns integrated frequency error
func (s *PiServo) Drift() float64 {
	return s.drift
}

// LastFreq returns last computed correction
func (s *PiServo) LastFreq() float64 {
	return s.lastFreq
}

// NewPiServo to create servo structure
func NewPiServo(cfg *PiServoCfg, maxFreq float64, freq float64) *PiServo {
	pi := &PiServo{
		cfg:      cfg,
		maxFreq:  maxFreq,
		lastFreq: freq,
		drift:    freq,
	}
	pi.SyncInterval(1)
	return pi
}

// DefaultPiServoCfg to create default pi servo config
func DefaultPiServoCfg() *PiServoCfg {
	return &PiServoCfg{
		PiKpScale:    kpScale,
		PiKpExponent: 0.0,
		PiKpNormMax:  maxKpNormMax,
		PiKiScale:    kiScale,
		PiKiExponent: 0.0,
		PiKiNormMax:  maxKiNormMax,
	}
}
