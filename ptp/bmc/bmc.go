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
Package bmc implements the best master clock algorithm of an ordinary clock:
dataset comparison, selection of the best master and the state decision.
*/
package bmc

import (
	ptp "github.com/facebook/ptpd/ptp/protocol"
)

// ComparisonResult is the type to represent comparisons
type ComparisonResult int8

const (
	// ABetter means A wins
	ABetter ComparisonResult = 1
	// Same means datasets are indistinguishable
	Same ComparisonResult = 0
	// BBetter means B wins
	BBetter ComparisonResult = -1
)

func (r ComparisonResult) String() string {
	switch r {
	case ABetter:
		return "A_BETTER"
	case BBetter:
		return "B_BETTER"
	}
	return "SAME"
}

// Dataset is what two clocks are compared by
type Dataset struct {
	Priority1    uint8
	ClockQuality ptp.ClockQuality
	Priority2    uint8
	Identity     ptp.ClockIdentity
	StepsRemoved uint16
	// Sender is the port this dataset came from, own port for local dataset
	Sender ptp.PortIdentity
}

// SlaveOnly reports whether dataset belongs to slave-only clock
func (d Dataset) SlaveOnly() bool {
	return d.ClockQuality.ClockClass == ptp.ClockClassSlaveOnly
}

// DatasetFromAnnounce builds Dataset advertised by Announce
func DatasetFromAnnounce(a *ptp.Announce) Dataset {
	return Dataset{
		Priority1:    a.GrandmasterPriority1,
		ClockQuality: a.GrandmasterClockQuality,
		Priority2:    a.GrandmasterPriority2,
		Identity:     a.GrandmasterIdentity,
		StepsRemoved: a.StepsRemoved,
		Sender:       a.SourcePortIdentity,
	}
}

func cmp[T ~uint8 | ~uint16 | ~uint64](a, b T) ComparisonResult {
	if a < b {
		return ABetter
	}
	if a > b {
		return BBetter
	}
	return Same
}

// Compare orders datasets. Lower values win in every field. Slave-only clocks lose to anyone else.
// Steps removed and sender are only consulted when both datasets describe the same grandmaster.
func Compare(a, b Dataset) ComparisonResult {
	if a.SlaveOnly() != b.SlaveOnly() {
		if b.SlaveOnly() {
			return ABetter
		}
		return BBetter
	}
	if r := cmp(a.Priority1, b.Priority1); r != Same {
		return r
	}
	if r := cmp(a.ClockQuality.ClockClass, b.ClockQuality.ClockClass); r != Same {
		return r
	}
	if r := cmp(a.ClockQuality.ClockAccuracy, b.ClockQuality.ClockAccuracy); r != Same {
		return r
	}
	if r := cmp(a.ClockQuality.OffsetScaledLogVariance, b.ClockQuality.OffsetScaledLogVariance); r != Same {
		return r
	}
	if r := cmp(a.Priority2, b.Priority2); r != Same {
		return r
	}
	if r := cmp(a.Identity, b.Identity); r != Same {
		return r
	}
	// same grandmaster, prefer shorter path
	if r := cmp(a.StepsRemoved, b.StepsRemoved); r != Same {
		return r
	}
	switch a.Sender.Compare(b.Sender) {
	case -1:
		return ABetter
	case 1:
		return BBetter
	}
	return Same
}

// SelectBest folds qualified foreign master records and local dataset into the best one.
// It returns the winner and whether the winner is the local clock.
func SelectBest(local Dataset, records []*ForeignMaster) (Dataset, bool) {
	best := local
	localIsBest := true
	for _, r := range records {
		if Compare(r.Dataset, best) == ABetter {
			best = r.Dataset
			localIsBest = false
		}
	}
	return best, localIsBest
}

// StateDecision returns recommended state of the single port of an ordinary clock
func StateDecision(local, _ Dataset, localIsBest bool, slaveOnly bool) ptp.PortState {
	if slaveOnly || local.SlaveOnly() {
		if localIsBest {
			return ptp.PortStateListening
		}
		return ptp.PortStateSlave
	}
	if localIsBest {
		// M1 or M2
		return ptp.PortStateMaster
	}
	if local.ClockQuality.ClockClass <= 127 {
		// P1
		return ptp.PortStatePassive
	}
	// S1
	return ptp.PortStateSlave
}

// Code returns IEEE 1588 decision code of the StateDecision outcome
func Code(local Dataset, state ptp.PortState) string {
	switch state {
	case ptp.PortStateMaster:
		if local.ClockQuality.ClockClass <= 127 {
			return "M1"
		}
		return "M2"
	case ptp.PortStatePassive:
		return "P1"
	case ptp.PortStateSlave:
		return "S1"
	}
	return ""
}
