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

package internaltime

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func randomTimes(n int) []Time {
	r := rand.New(rand.NewSource(42))
	res := []Time{
		{},
		{Seconds: 0, Nanoseconds: 1},
		{Seconds: -1, Nanoseconds: 999999999},
		{Seconds: 1 << 40, Nanoseconds: 999999999},
		{Seconds: -(1 << 40), Nanoseconds: 0},
	}
	for i := 0; i < n; i++ {
		res = append(res, New(r.Int63n(1<<33)-(1<<32), r.Int63n(4e9)-2e9))
	}
	return res
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   Time
		want Time
	}{
		{in: Time{Seconds: 0, Nanoseconds: 1500000000}, want: Time{Seconds: 1, Nanoseconds: 500000000}},
		{in: Time{Seconds: 0, Nanoseconds: -1}, want: Time{Seconds: -1, Nanoseconds: 999999999}},
		{in: Time{Seconds: 2, Nanoseconds: -1500000000}, want: Time{Seconds: 0, Nanoseconds: 500000000}},
		{in: Time{Seconds: -2, Nanoseconds: 1000000000}, want: Time{Seconds: -1, Nanoseconds: 0}},
		{in: Time{Seconds: 5, Nanoseconds: 0}, want: Time{Seconds: 5, Nanoseconds: 0}},
	}
	for _, tt := range tests {
		got := tt.in.Normalize()
		require.Equal(t, tt.want, got)
		require.Equal(t, got, got.Normalize(), "normalize must be idempotent")
		require.GreaterOrEqual(t, got.Nanoseconds, int32(0))
		require.Less(t, got.Nanoseconds, int32(1000000000))
	}
}

func TestAddSub(t *testing.T) {
	a := Time{Seconds: 1, Nanoseconds: 700000000}
	b := Time{Seconds: 0, Nanoseconds: 600000000}
	require.Equal(t, Time{Seconds: 2, Nanoseconds: 300000000}, a.Add(b))
	require.Equal(t, Time{Seconds: 1, Nanoseconds: 100000000}, a.Sub(b))
	require.Equal(t, Time{Seconds: -2, Nanoseconds: 900000000}, b.Sub(a))
	require.Equal(t, "-1.100000000", b.Sub(a).String())
}

func TestAddNegIsZero(t *testing.T) {
	for _, x := range randomTimes(1000) {
		require.True(t, x.Add(x.Neg()).IsZero(), "%v", x)
		require.Equal(t, Zero, x.Add(x.Neg()))
	}
}

func TestCompareTotalOrder(t *testing.T) {
	times := randomTimes(200)
	for _, x := range times {
		require.Equal(t, 0, x.Compare(x))
		for _, y := range times {
			c := x.Compare(y)
			require.Equal(t, -c, y.Compare(x))
			d := x.Sub(y)
			switch {
			case c < 0:
				require.True(t, d.IsNegative())
			case c > 0:
				require.False(t, d.IsNegative())
				require.False(t, d.IsZero())
			default:
				require.True(t, d.IsZero())
			}
		}
	}
}

func TestDiv2TruncatesTowardZero(t *testing.T) {
	tests := []struct {
		in   int64
		want int64
	}{
		{in: 0, want: 0},
		{in: 1, want: 0},
		{in: -1, want: 0},
		{in: 3, want: 1},
		{in: -3, want: -1},
		{in: 1000000001, want: 500000000},
		{in: -1999999999, want: -999999999},
		{in: -500000000, want: -250000000},
		{in: 3000000000, want: 1500000000},
	}
	for _, tt := range tests {
		got := FromNanoseconds(tt.in).Div2()
		require.Equal(t, tt.want, got.Nanoseconds64(), "div2(%d)", tt.in)
		require.GreaterOrEqual(t, got.Nanoseconds, int32(0))
	}
}

func TestWithin(t *testing.T) {
	a := FromNanoseconds(1000)
	b := FromNanoseconds(1100)
	require.True(t, a.Within(b, 100))
	require.True(t, b.Within(a, 100))
	require.False(t, a.Within(b, 99))
	require.False(t, Time{Seconds: 1 << 50}.Within(Zero, 1000))
}

func TestConversions(t *testing.T) {
	require.Equal(t, Time{Seconds: 0, Nanoseconds: 2}, FromScaledNanoseconds(0x28000))
	require.Equal(t, int64(0x20000), FromNanoseconds(2).ScaledNanoseconds())
	require.Equal(t, -1500*time.Millisecond, FromDuration(-1500*time.Millisecond).Duration())

	now := time.Unix(1653574589, 123456789)
	it := FromTime(now)
	require.Equal(t, int64(1653574589), it.Seconds)
	require.True(t, now.Equal(it.Time()))
	require.Equal(t, Zero, FromTime(time.Time{}))
	require.InDelta(t, -0.25, FromNanoseconds(-250000000).Float64(), 1e-12)
}

func TestAbs(t *testing.T) {
	require.Equal(t, FromNanoseconds(250), FromNanoseconds(-250).Abs())
	require.Equal(t, FromNanoseconds(250), FromNanoseconds(250).Abs())
}
