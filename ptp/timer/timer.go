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
Package timer implements the bank of interval timers a PTP port is driven by.

Timers hold no reference to wall clock. They are aged by Tick with the elapsed
time reported by an external periodic source, and expiry is observed by polling Expired.
*/
package timer

import (
	"fmt"
	"math/rand"
	"time"
)

// Index names a timer in the Set
type Index int

// Timers of a port
const (
	PDelayReq Index = iota
	DelayReq
	Sync
	AnnounceReceipt
	AnnounceInterval
	Qualification
	OperatorMessages
	// Count is the number of timers in a Set
	Count
)

var indexToString = map[Index]string{
	PDelayReq:        "PDELAYREQ_INTERVAL",
	DelayReq:         "DELAYREQ_INTERVAL",
	Sync:             "SYNC_INTERVAL",
	AnnounceReceipt:  "ANNOUNCE_RECEIPT",
	AnnounceInterval: "ANNOUNCE_INTERVAL",
	Qualification:    "QUALIFICATION",
	OperatorMessages: "OPERATOR_MESSAGES",
}

func (i Index) String() string {
	if s, ok := indexToString[i]; ok {
		return s
	}
	return fmt.Sprintf("TIMER(%d)", int(i))
}

type interval struct {
	left    time.Duration
	running bool
	expired bool
}

// Set is a fixed bank of one-shot countdown timers.
// It is not safe for concurrent use, the owning port serializes all access.
type Set struct {
	timers [Count]interval
	rng    *rand.Rand
}

// NewSet returns Set with all timers stopped. rng is used by StartRandom, nil means random seed.
func NewSet(rng *rand.Rand) *Set {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Set{rng: rng}
}

func (s *Set) get(i Index) *interval {
	return &s.timers[i]
}

// Start arms timer i to expire after d
func (s *Set) Start(i Index, d time.Duration) {
	t := s.get(i)
	t.left = d
	t.running = true
	t.expired = false
}

// StartRandom arms timer i with uniform jitter in [d, 2*d)
func (s *Set) StartRandom(i Index, d time.Duration) {
	if d > 0 {
		d += time.Duration(s.rng.Int63n(int64(d)))
	}
	s.Start(i, d)
}

// Stop disarms timer i and forgets pending expiry
func (s *Set) Stop(i Index) {
	*s.get(i) = interval{}
}

// StopAll disarms every timer
func (s *Set) StopAll() {
	s.timers = [Count]interval{}
}

// Tick ages running timers by elapsed
func (s *Set) Tick(elapsed time.Duration) {
	for i := range s.timers {
		t := &s.timers[i]
		if !t.running {
			continue
		}
		t.left -= elapsed
		if t.left <= 0 {
			t.left = 0
			t.running = false
			t.expired = true
		}
	}
}

// Expired reports whether timer i expired since it was armed.
// It returns true once per arm cycle.
func (s *Set) Expired(i Index) bool {
	t := s.get(i)
	if !t.expired {
		return false
	}
	t.expired = false
	return true
}

// Running reports whether timer i is armed and not yet expired
func (s *Set) Running(i Index) bool {
	return s.get(i).running
}

// Remaining returns time left until timer i expires
func (s *Set) Remaining(i Index) time.Duration {
	return s.get(i).left
}
