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
Package internaltime implements the signed seconds+nanoseconds time representation
used by the PTP engine for timestamps, offsets and path delays.

Nanoseconds are always kept in [0, 1e9) and the sign is carried by Seconds,
so -0.25s is represented as {Seconds: -1, Nanoseconds: 750000000}.
*/
package internaltime

import (
	"fmt"
	"math"
	"time"
)

const nsPerSecond = int64(time.Second)

// 2 ** 16, scaling used by correctionField and TimeInterval on the wire
const twoPow16 = 65536

// Time is a signed seconds+nanoseconds value
type Time struct {
	Seconds     int64
	Nanoseconds int32
}

// Zero is the zero Time
var Zero = Time{}

// New returns normalized Time from seconds and nanoseconds
func New(seconds int64, nanoseconds int64) Time {
	return normalize(seconds, nanoseconds)
}

func normalize(sec, nsec int64) Time {
	sec += nsec / nsPerSecond
	nsec %= nsPerSecond
	if nsec < 0 {
		sec--
		nsec += nsPerSecond
	}
	return Time{Seconds: sec, Nanoseconds: int32(nsec)}
}

// Normalize brings nanoseconds into [0, 1e9) range
func (t Time) Normalize() Time {
	return normalize(t.Seconds, int64(t.Nanoseconds))
}

// Add returns t+u
func (t Time) Add(u Time) Time {
	return normalize(t.Seconds+u.Seconds, int64(t.Nanoseconds)+int64(u.Nanoseconds))
}

// Sub returns t-u
func (t Time) Sub(u Time) Time {
	return normalize(t.Seconds-u.Seconds, int64(t.Nanoseconds)-int64(u.Nanoseconds))
}

// Neg returns -t
func (t Time) Neg() Time {
	return normalize(-t.Seconds, -int64(t.Nanoseconds))
}

// IsNegative reports whether t < 0
func (t Time) IsNegative() bool {
	t = t.Normalize()
	return t.Seconds < 0
}

// IsZero reports whether t == 0
func (t Time) IsZero() bool {
	t = t.Normalize()
	return t.Seconds == 0 && t.Nanoseconds == 0
}

// Abs returns |t|
func (t Time) Abs() Time {
	if t.IsNegative() {
		return t.Neg()
	}
	return t.Normalize()
}

// Compare returns -1 if t < u, 0 if t == u and +1 if t > u
func (t Time) Compare(u Time) int {
	t, u = t.Normalize(), u.Normalize()
	switch {
	case t.Seconds < u.Seconds:
		return -1
	case t.Seconds > u.Seconds:
		return 1
	case t.Nanoseconds < u.Nanoseconds:
		return -1
	case t.Nanoseconds > u.Nanoseconds:
		return 1
	}
	return 0
}

// Before reports whether t < u
func (t Time) Before(u Time) bool { return t.Compare(u) < 0 }

// After reports whether t > u
func (t Time) After(u Time) bool { return t.Compare(u) > 0 }

// Equal reports whether t == u
func (t Time) Equal(u Time) bool { return t.Compare(u) == 0 }

// Within reports whether |t-u| is not greater than tolerance nanoseconds
func (t Time) Within(u Time, toleranceNs int64) bool {
	d := t.Sub(u).Abs()
	if d.Seconds > math.MaxInt64/nsPerSecond-1 {
		return false
	}
	return d.Nanoseconds64() <= toleranceNs
}

// Div2 halves t, truncating toward zero
func (t Time) Div2() Time {
	t = t.Normalize()
	neg := t.Seconds < 0
	if neg {
		t = t.Neg()
	}
	ns := int64(t.Nanoseconds) + (t.Seconds%2)*nsPerSecond
	r := normalize(t.Seconds/2, ns/2)
	if neg {
		return r.Neg()
	}
	return r
}

// Nanoseconds64 returns t as a number of nanoseconds. Values beyond ±292 years overflow.
func (t Time) Nanoseconds64() int64 {
	return t.Seconds*nsPerSecond + int64(t.Nanoseconds)
}

// FromNanoseconds converts nanoseconds to Time
func FromNanoseconds(ns int64) Time {
	return normalize(0, ns)
}

// ScaledNanoseconds returns t in nanoseconds multiplied by 2**16, saturating at the int64 range
func (t Time) ScaledNanoseconds() int64 {
	ns := t.Nanoseconds64()
	if ns > math.MaxInt64/twoPow16 {
		return math.MaxInt64
	}
	if ns < math.MinInt64/twoPow16 {
		return math.MinInt64
	}
	return ns * twoPow16
}

// FromScaledNanoseconds converts nanoseconds multiplied by 2**16 to Time, dropping sub-nanosecond part
func FromScaledNanoseconds(scaled int64) Time {
	return FromNanoseconds(scaled / twoPow16)
}

// FromDuration converts time.Duration to Time
func FromDuration(d time.Duration) Time {
	return FromNanoseconds(int64(d))
}

// Duration converts t to time.Duration
func (t Time) Duration() time.Duration {
	return time.Duration(t.Nanoseconds64())
}

// FromTime converts wall clock time.Time to Time
func FromTime(tm time.Time) Time {
	if tm.IsZero() {
		return Zero
	}
	return Time{Seconds: tm.Unix(), Nanoseconds: int32(tm.Nanosecond())}
}

// Time converts t to time.Time
func (t Time) Time() time.Time {
	t = t.Normalize()
	return time.Unix(t.Seconds, int64(t.Nanoseconds))
}

// Float64 returns t in seconds
func (t Time) Float64() float64 {
	t = t.Normalize()
	return float64(t.Seconds) + float64(t.Nanoseconds)/float64(nsPerSecond)
}

func (t Time) String() string {
	t = t.Normalize()
	if t.Seconds < 0 {
		a := t.Neg()
		return fmt.Sprintf("-%d.%09d", a.Seconds, a.Nanoseconds)
	}
	return fmt.Sprintf("%d.%09d", t.Seconds, t.Nanoseconds)
}
