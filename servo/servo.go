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

/*
Package servo turns PTP timestamps into clock corrections.

Servo filters one-way delay and offset from master samples, decides between stepping
and slewing the clock, and drives the frequency through a PI controller.
*/
package servo

import (
	"fmt"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ptpd/ptp/internaltime"
)

// Action is what UpdateClock did to the clock
type Action uint8

// All the actions of servo
const (
	ActionNone Action = iota
	ActionStep
	ActionSlew
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "NONE"
	case ActionStep:
		return "STEP"
	case ActionSlew:
		return "SLEW"
	}
	return "UNSUPPORTED"
}

// Clock is what Servo adjusts
type Clock interface {
	Get() (internaltime.Time, error)
	Set(t internaltime.Time) error
	AdjustRate(ppb float64) error
}

// Config is a servo configuration
type Config struct {
	// StepThreshold is the raw offset above which clock is stepped, 0 disables steps after the first one
	StepThreshold time.Duration `yaml:"step_threshold"`
	// NoReset disables steps entirely
	NoReset bool `yaml:"no_reset"`
	// MaxFreqPPB limits frequency adjustment
	MaxFreqPPB float64 `yaml:"max_freq_ppb"`
	// MaxDelay drops delay samples above it, 0 means no limit
	MaxDelay           time.Duration `yaml:"max_delay"`
	CalibrationSamples int           `yaml:"calibration_samples"`
	DelayFilter        FilterConfig  `yaml:"delay_filter"`
	OffsetFilter       FilterConfig  `yaml:"offset_filter"`
	SyntonizeWindow    int           `yaml:"syntonize_window"`
	SyntonizeThreshold float64       `yaml:"syntonize_threshold"`
	DeadBand           float64       `yaml:"dead_band"`
	PI                 PiServoCfg    `yaml:"pi"`
}

// DefaultConfig returns servo defaults
func DefaultConfig() Config {
	return Config{
		StepThreshold:      time.Second,
		MaxFreqPPB:         500000,
		CalibrationSamples: 3,
		DelayFilter:        FilterConfig{Size: 8, Weighting: WeightingMedian},
		OffsetFilter:       FilterConfig{Size: 4, Weighting: WeightingMean},
		SyntonizeWindow:    8,
		SyntonizeThreshold: 10,
		DeadBand:           1,
		PI:                 *DefaultPiServoCfg(),
	}
}

// Validate checks the config
func (c *Config) Validate() error {
	if c.StepThreshold < 0 {
		return fmt.Errorf("step_threshold must be non-negative")
	}
	if c.MaxFreqPPB <= 0 {
		return fmt.Errorf("max_freq_ppb must be positive")
	}
	if c.MaxDelay < 0 {
		return fmt.Errorf("max_delay must be non-negative")
	}
	if c.CalibrationSamples < 0 {
		return fmt.Errorf("calibration_samples must be non-negative")
	}
	if c.DelayFilter.Size < 1 || c.OffsetFilter.Size < 1 {
		return fmt.Errorf("filter size must be positive")
	}
	if c.DelayFilter.Stiffness > 16 || c.OffsetFilter.Stiffness > 16 {
		return fmt.Errorf("filter stiffness must be at most 16")
	}
	return nil
}

// Servo holds synchronization state of one port
type Servo struct {
	cfg   Config
	pi    *PiServo
	owd   *Filter
	ofm   *Filter
	synt  *Syntonizer
	warnf func(format string, args ...any)

	delay     internaltime.Time
	haveDelay bool

	rawOffset internaltime.Time
	offset    internaltime.Time
	pending   bool

	// first valid offset is stepped unless NoReset
	first      bool
	slews      int
	lastPPB    float64
	saturated  bool
	steps      int
	discarded  int
	rateErrors int
}

// New creates Servo. freq is the current frequency correction of the clock in ppb.
func New(cfg Config, freq float64) *Servo {
	piCfg := cfg.PI
	s := &Servo{
		cfg:     cfg,
		pi:      NewPiServo(&piCfg, cfg.MaxFreqPPB, -freq),
		owd:     NewFilter(cfg.DelayFilter),
		ofm:     NewFilter(cfg.OffsetFilter),
		synt:    NewSyntonizer(cfg.SyntonizeWindow, cfg.SyntonizeThreshold, cfg.DeadBand),
		warnf:   log.Warningf,
		first:   true,
		lastPPB: freq,
	}
	return s
}

// SetWarner replaces the function operator warnings go to
func (s *Servo) SetWarner(f func(format string, args ...any)) {
	s.warnf = f
}

// SetMaxFreq limits frequency adjustment to what clock supports
func (s *Servo) SetMaxFreq(ppb float64) {
	if ppb > 0 && ppb < s.cfg.MaxFreqPPB {
		s.cfg.MaxFreqPPB = ppb
		s.pi.SetMaxFreq(ppb)
	}
}

// SyncInterval informs servo about sync interval of the master
func (s *Servo) SyncInterval(d time.Duration) {
	if d > 0 {
		s.pi.SyncInterval(d.Seconds())
	}
}

func (s *Servo) acceptDelay(d internaltime.Time) bool {
	if d.IsNegative() {
		s.discarded++
		s.warnf("discarding negative path delay %v", d)
		return false
	}
	if s.cfg.MaxDelay > 0 && d.Duration() > s.cfg.MaxDelay {
		s.discarded++
		s.warnf("discarding path delay %v above %v", d, s.cfg.MaxDelay)
		return false
	}
	s.delay = internaltime.FromNanoseconds(s.owd.Add(d.Nanoseconds64()))
	s.haveDelay = true
	return true
}

// UpdateDelay feeds end to end measurement:
// t1 Sync origin, t2 Sync arrival, t3 Delay_Req origin, t4 Delay_Req receipt from Delay_Resp.
// correction is the sum of Sync and Delay_Resp correction fields.
func (s *Servo) UpdateDelay(t1, t2, t3, t4, correction internaltime.Time) bool {
	m2s := t2.Sub(t1)
	s2m := t4.Sub(t3)
	return s.acceptDelay(m2s.Add(s2m).Sub(correction).Div2())
}

// UpdatePeerDelay feeds peer delay measurement:
// t1 Pdelay_Req origin, t2 Pdelay_Req receipt, t3 Pdelay_Resp origin, t4 Pdelay_Resp arrival.
// correction is the sum of Pdelay_Resp and Pdelay_Resp_Follow_Up correction fields.
func (s *Servo) UpdatePeerDelay(t1, t2, t3, t4, correction internaltime.Time) bool {
	turnaround := t3.Sub(t2)
	return s.acceptDelay(t4.Sub(t1).Sub(turnaround).Sub(correction).Div2())
}

// UpdateOffset feeds Sync measurement: send is origin timestamp, recv is local arrival
func (s *Servo) UpdateOffset(send, recv, correction internaltime.Time) internaltime.Time {
	s.rawOffset = recv.Sub(send).Sub(correction).Sub(s.delay)
	s.offset = internaltime.FromNanoseconds(s.ofm.Add(s.rawOffset.Nanoseconds64()))
	s.pending = true
	return s.offset
}

func (s *Servo) stepAllowed() bool {
	if s.cfg.NoReset {
		return false
	}
	if s.first {
		return true
	}
	return s.cfg.StepThreshold > 0 && s.rawOffset.Abs().Duration() > s.cfg.StepThreshold
}

// UpdateClock applies pending offset to the clock
func (s *Servo) UpdateClock(clk Clock) (Action, error) {
	if !s.pending {
		return ActionNone, nil
	}
	s.pending = false

	if s.stepAllowed() {
		now, err := clk.Get()
		if err != nil {
			return ActionNone, fmt.Errorf("reading clock: %w", err)
		}
		if err := clk.Set(now.Sub(s.rawOffset)); err != nil {
			return ActionNone, fmt.Errorf("stepping clock by %v: %w", s.rawOffset.Neg(), err)
		}
		log.Infof("stepped clock by %v", s.rawOffset.Neg())
		s.first = false
		s.steps++
		s.slews = 0
		s.owd.Reset()
		s.ofm.Reset()
		s.synt.Reset()
		s.pi.SetLastFreq(-s.lastPPB)
		s.offset = internaltime.Zero
		s.rawOffset = internaltime.Zero
		return ActionStep, nil
	}
	s.first = false

	corr, saturated := s.pi.Sample(s.offset.Nanoseconds64())
	ppb := -corr
	if saturated && !s.saturated {
		s.warnf("frequency adjustment clamped to %.0f ppb, offset %v", ppb, s.offset)
	}
	s.saturated = saturated
	if !s.synt.Skip(ppb, s.lastPPB) {
		if err := clk.AdjustRate(ppb); err != nil {
			s.rateErrors++
			return ActionNone, fmt.Errorf("adjusting frequency to %.3f ppb: %w", ppb, err)
		}
		s.lastPPB = ppb
	}
	s.synt.Add(s.lastPPB)
	s.slews++
	return ActionSlew, nil
}

// SyntonizeFrequency reports whether frequency alone has converged
func (s *Servo) SyntonizeFrequency() bool {
	return s.synt.Syntonized()
}

// Calibrated reports whether servo has enough samples since the last step
func (s *Servo) Calibrated() bool {
	return s.haveDelay && s.slews >= s.cfg.CalibrationSamples
}

// Reset forgets measurements, used on role change
func (s *Servo) Reset() {
	s.owd.Reset()
	s.ofm.Reset()
	s.synt.Reset()
	s.delay = internaltime.Zero
	s.haveDelay = false
	s.offset = internaltime.Zero
	s.rawOffset = internaltime.Zero
	s.pending = false
	s.first = true
	s.slews = 0
	s.saturated = false
	s.pi.SetLastFreq(-s.lastPPB)
}

// MeanPathDelay returns filtered path delay
func (s *Servo) MeanPathDelay() internaltime.Time {
	return s.delay
}

// HaveDelay reports whether at least one delay sample was accepted
func (s *Servo) HaveDelay() bool {
	return s.haveDelay
}

// OffsetFromMaster returns filtered offset
func (s *Servo) OffsetFromMaster() internaltime.Time {
	return s.offset
}

// RawOffset returns last unfiltered offset
func (s *Servo) RawOffset() internaltime.Time {
	return s.rawOffset
}

// Frequency returns last applied frequency adjustment in ppb
func (s *Servo) Frequency() float64 {
	return s.lastPPB
}

// Saturated reports whether last frequency adjustment was clamped
func (s *Servo) Saturated() bool {
	return s.saturated
}

// Stats is a snapshot of servo counters
type Stats struct {
	Steps       int
	Discarded   int
	RateErrors  int
	DelayStddev float64
	FreqStddev  float64
	Syntonized  bool
}

// Stats returns servo counters
func (s *Servo) Stats() Stats {
	st := Stats{
		Steps:      s.steps,
		Discarded:  s.discarded,
		RateErrors: s.rateErrors,
		FreqStddev: s.synt.Stddev(),
		Syntonized: s.synt.Syntonized(),
	}
	if s.owd.Len() > 1 {
		st.DelayStddev = s.owd.Stddev()
	}
	if math.IsNaN(st.DelayStddev) {
		st.DelayStddev = 0
	}
	return st
}
