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

package bmc

import (
	"time"

	ptp "github.com/facebook/ptpd/ptp/protocol"
)

// Defaults per IEEE 1588 9.3.2.4.4 and 9.3.2.5
const (
	DefaultForeignMasterCapacity  = 5
	DefaultForeignMasterThreshold = 2
	// DefaultForeignMasterTimeWindow is in announce intervals
	DefaultForeignMasterTimeWindow = 4
)

// maximal steps removed of a qualified announce
const maxStepsRemoved = 255

// ForeignMaster is a record about announcing port
type ForeignMaster struct {
	Sender   ptp.PortIdentity
	Dataset  Dataset
	Announce *ptp.Announce
	// receipt times of recent announces, oldest first
	receipts []time.Duration
}

// LastSeen returns when the last Announce from this master was received
func (f *ForeignMaster) LastSeen() time.Duration {
	if len(f.receipts) == 0 {
		return 0
	}
	return f.receipts[len(f.receipts)-1]
}

// ForeignMasterTable is a bounded set of foreign masters.
// Time is expressed as elapsed time of the owning port.
type ForeignMasterTable struct {
	capacity  int
	threshold int
	window    time.Duration
	records   []*ForeignMaster
	evictions int
}

// NewForeignMasterTable returns table holding up to capacity records.
// A record is qualified after threshold announces within window.
func NewForeignMasterTable(capacity, threshold int, window time.Duration) *ForeignMasterTable {
	if capacity <= 0 {
		capacity = DefaultForeignMasterCapacity
	}
	if threshold <= 0 {
		threshold = 1
	}
	return &ForeignMasterTable{
		capacity:  capacity,
		threshold: threshold,
		window:    window,
	}
}

// SetWindow changes qualification window, used when announce interval changes
func (t *ForeignMasterTable) SetWindow(window time.Duration) {
	t.window = window
}

func (t *ForeignMasterTable) find(sender ptp.PortIdentity) int {
	for i, r := range t.records {
		if r.Sender == sender {
			return i
		}
	}
	return -1
}

// Add inserts or refreshes record of announce sender. It returns true if another record was evicted to make room.
func (t *ForeignMasterTable) Add(a *ptp.Announce, now time.Duration) bool {
	evicted := false
	var r *ForeignMaster
	if i := t.find(a.SourcePortIdentity); i >= 0 {
		r = t.records[i]
	} else {
		if len(t.records) >= t.capacity {
			t.evictOldest()
			evicted = true
		}
		r = &ForeignMaster{Sender: a.SourcePortIdentity}
		t.records = append(t.records, r)
	}
	announce := *a
	r.Announce = &announce
	r.Dataset = DatasetFromAnnounce(a)
	r.receipts = append(r.receipts, now)
	if len(r.receipts) > t.threshold {
		r.receipts = r.receipts[len(r.receipts)-t.threshold:]
	}
	return evicted
}

func (t *ForeignMasterTable) evictOldest() {
	oldest := 0
	for i, r := range t.records {
		if r.LastSeen() < t.records[oldest].LastSeen() {
			oldest = i
		}
	}
	t.records = append(t.records[:oldest], t.records[oldest+1:]...)
	t.evictions++
}

func (t *ForeignMasterTable) qualified(r *ForeignMaster, now time.Duration) bool {
	if r.Dataset.StepsRemoved >= maxStepsRemoved {
		return false
	}
	n := 0
	for _, at := range r.receipts {
		if now-at <= t.window {
			n++
		}
	}
	return n >= t.threshold
}

// Qualified returns records with enough recent announces
func (t *ForeignMasterTable) Qualified(now time.Duration) []*ForeignMaster {
	res := []*ForeignMaster{}
	for _, r := range t.records {
		if t.qualified(r, now) {
			res = append(res, r)
		}
	}
	return res
}

// Expire drops records not refreshed within timeout and returns how many were dropped
func (t *ForeignMasterTable) Expire(now, timeout time.Duration) int {
	kept := t.records[:0]
	for _, r := range t.records {
		if now-r.LastSeen() <= timeout {
			kept = append(kept, r)
		}
	}
	dropped := len(t.records) - len(kept)
	for i := len(kept); i < len(t.records); i++ {
		t.records[i] = nil
	}
	t.records = kept
	return dropped
}

// Get returns record of sender or nil
func (t *ForeignMasterTable) Get(sender ptp.PortIdentity) *ForeignMaster {
	if i := t.find(sender); i >= 0 {
		return t.records[i]
	}
	return nil
}

// Remove drops record of sender
func (t *ForeignMasterTable) Remove(sender ptp.PortIdentity) {
	if i := t.find(sender); i >= 0 {
		t.records = append(t.records[:i], t.records[i+1:]...)
	}
}

// Clear drops all records
func (t *ForeignMasterTable) Clear() {
	t.records = nil
}

// Len returns number of records
func (t *ForeignMasterTable) Len() int {
	return len(t.records)
}

// Records returns all records, qualified or not
func (t *ForeignMasterTable) Records() []*ForeignMaster {
	return t.records
}

// Evictions returns how many records were evicted because table was full
func (t *ForeignMasterTable) Evictions() int {
	return t.evictions
}
