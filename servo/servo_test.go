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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/facebook/ptpd/ptp/internaltime"
)

type fakeClock struct {
	now     internaltime.Time
	sets    []internaltime.Time
	rates   []float64
	rateErr error
}

func (c *fakeClock) Get() (internaltime.Time, error) {
	return c.now, nil
}

func (c *fakeClock) Set(t internaltime.Time) error {
	c.sets = append(c.sets, t)
	c.now = t
	return nil
}

func (c *fakeClock) AdjustRate(ppb float64) error {
	if c.rateErr != nil {
		return c.rateErr
	}
	c.rates = append(c.rates, ppb)
	return nil
}

func us(v int64) internaltime.Time {
	return internaltime.FromNanoseconds(v * 1000)
}

func TestUpdateDelay(t *testing.T) {
	s := New(DefaultConfig(), 0)
	// master is 100us ahead, path delay is 10us each way
	t1 := internaltime.New(1000, 0)
	t2 := t1.Add(us(10)).Sub(us(100))
	t3 := t2.Add(us(500))
	t4 := t3.Add(us(10)).Add(us(100))
	require.True(t, s.UpdateDelay(t1, t2, t3, t4, internaltime.Zero))
	require.Equal(t, us(10), s.MeanPathDelay())
	require.True(t, s.HaveDelay())

	// correction fields are removed from the round trip
	require.True(t, s.UpdateDelay(t1, t2.Add(us(2)), t3, t4.Add(us(2)), us(4)))
	require.Equal(t, us(10), s.MeanPathDelay())

	// negative delay is discarded
	require.False(t, s.UpdateDelay(t2, t1, t4, t3, internaltime.Zero))
	require.Equal(t, us(10), s.MeanPathDelay())
	require.Equal(t, 1, s.Stats().Discarded)
}

func TestUpdateDelayTruncatesOddNanoseconds(t *testing.T) {
	s := New(DefaultConfig(), 0)
	t1 := internaltime.New(0, 0)
	require.True(t, s.UpdateDelay(t1, internaltime.New(0, 3), t1, internaltime.New(0, 0), internaltime.Zero))
	require.Equal(t, internaltime.New(0, 1), s.MeanPathDelay())
}

func TestUpdateDelayMaxDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDelay = time.Millisecond
	s := New(cfg, 0)
	t1 := internaltime.New(0, 0)
	require.False(t, s.UpdateDelay(t1, internaltime.New(0, 3000000), t1, internaltime.New(0, 3000000), internaltime.Zero))
	require.False(t, s.HaveDelay())
}

func TestUpdatePeerDelay(t *testing.T) {
	s := New(DefaultConfig(), 0)
	t1 := internaltime.New(50, 0)
	// peer clock is 1s off, link delay is 700ns, turnaround 3us
	t2 := t1.Add(internaltime.New(1, 700))
	t3 := t2.Add(us(3))
	t4 := t3.Sub(internaltime.New(1, 0)).Add(internaltime.FromNanoseconds(700))
	require.True(t, s.UpdatePeerDelay(t1, t2, t3, t4, internaltime.Zero))
	require.Equal(t, internaltime.FromNanoseconds(700), s.MeanPathDelay())
}

func TestUpdateOffset(t *testing.T) {
	s := New(DefaultConfig(), 0)
	send := internaltime.New(100, 0)
	recv := internaltime.New(100, 5000)
	got := s.UpdateOffset(send, recv, internaltime.FromNanoseconds(1000))
	require.Equal(t, internaltime.FromNanoseconds(4000), got)
	require.Equal(t, internaltime.FromNanoseconds(4000), s.RawOffset())
}

func TestFirstOffsetSteps(t *testing.T) {
	clk := &fakeClock{now: internaltime.New(500, 0)}
	s := New(DefaultConfig(), 0)
	action, err := s.UpdateClock(clk)
	require.NoError(t, err)
	require.Equal(t, ActionNone, action)

	s.UpdateOffset(internaltime.New(100, 0), internaltime.New(100, 300), internaltime.Zero)
	action, err = s.UpdateClock(clk)
	require.NoError(t, err)
	require.Equal(t, ActionStep, action)
	require.Equal(t, []internaltime.Time{internaltime.New(499, 999999700)}, clk.sets)
	require.Empty(t, clk.rates)

	// nothing pending anymore
	action, err = s.UpdateClock(clk)
	require.NoError(t, err)
	require.Equal(t, ActionNone, action)
}

func TestStepVersusSlew(t *testing.T) {
	clk := &fakeClock{now: internaltime.New(500, 0)}
	s := New(DefaultConfig(), 0)
	s.first = false

	// above threshold: exactly one step and no rate change
	s.UpdateOffset(internaltime.New(100, 0), internaltime.New(102, 0), internaltime.Zero)
	action, err := s.UpdateClock(clk)
	require.NoError(t, err)
	require.Equal(t, ActionStep, action)
	require.Len(t, clk.sets, 1)
	require.Equal(t, internaltime.New(498, 0), clk.now)
	require.Empty(t, clk.rates)

	// below threshold: rate change and no step
	s.UpdateOffset(internaltime.New(100, 0), internaltime.New(100, 1000), internaltime.Zero)
	action, err = s.UpdateClock(clk)
	require.NoError(t, err)
	require.Equal(t, ActionSlew, action)
	require.Len(t, clk.sets, 1)
	require.Len(t, clk.rates, 1)
	// local clock is ahead, it has to slow down
	require.Less(t, clk.rates[0], 0.0)
	require.InDelta(t, -1000.0, clk.rates[0], 0.001)
	require.InDelta(t, -1000.0, s.Frequency(), 0.001)
}

func TestNoResetNeverSteps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NoReset = true
	clk := &fakeClock{}
	s := New(cfg, 0)
	for _, off := range []int64{int64(5 * time.Second), int64(3 * time.Second)} {
		s.UpdateOffset(internaltime.Zero, internaltime.FromNanoseconds(off), internaltime.Zero)
		action, err := s.UpdateClock(clk)
		require.NoError(t, err)
		require.Equal(t, ActionSlew, action)
	}
	require.Empty(t, clk.sets)
	require.Len(t, clk.rates, 2)
}

func TestSaturationWarnsOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StepThreshold = 0
	clk := &fakeClock{}
	s := New(cfg, 0)
	s.first = false
	s.SetMaxFreq(100)
	warnings := []string{}
	s.SetWarner(func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	})
	for i := 0; i < 3; i++ {
		s.UpdateOffset(internaltime.Zero, us(-50), internaltime.Zero)
		_, err := s.UpdateClock(clk)
		require.NoError(t, err)
		require.True(t, s.Saturated())
	}
	require.Equal(t, []float64{100, 100, 100}, clk.rates)
	require.Len(t, warnings, 1)
}

func TestCalibratedAndReset(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CalibrationSamples = 2
	clk := &fakeClock{}
	s := New(cfg, 0)
	s.first = false
	require.False(t, s.Calibrated())
	for i := 0; i < 2; i++ {
		s.UpdateOffset(internaltime.Zero, internaltime.FromNanoseconds(100), internaltime.Zero)
		_, err := s.UpdateClock(clk)
		require.NoError(t, err)
	}
	// no delay measured yet
	require.False(t, s.Calibrated())
	require.True(t, s.UpdateDelay(internaltime.Zero, us(1), internaltime.Zero, us(1), internaltime.Zero))
	require.True(t, s.Calibrated())

	s.Reset()
	require.False(t, s.Calibrated())
	require.False(t, s.HaveDelay())
	require.Equal(t, internaltime.Zero, s.OffsetFromMaster())
}

func TestUpdateClockRateError(t *testing.T) {
	clk := &fakeClock{rateErr: errors.New("EPERM")}
	s := New(DefaultConfig(), 0)
	s.first = false
	s.UpdateOffset(internaltime.Zero, internaltime.FromNanoseconds(100), internaltime.Zero)
	_, err := s.UpdateClock(clk)
	require.Error(t, err)
	require.Equal(t, 1, s.Stats().RateErrors)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.MaxFreqPPB = 0
	require.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.OffsetFilter.Size = 0
	require.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.StepThreshold = -1
	require.Error(t, cfg.Validate())
	require.Equal(t, "SLEW", ActionSlew.String())
}
