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

package port

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ptpd/ptp/bmc"
	ptp "github.com/facebook/ptpd/ptp/protocol"
	"github.com/facebook/ptpd/ptp/ptpd/stats"
	"github.com/facebook/ptpd/ptp/timer"
)

// parentDS is the parent data set, IEEE 1588 8.2.3
type parentDS struct {
	portIdentity         ptp.PortIdentity
	grandmasterIdentity  ptp.ClockIdentity
	grandmasterPriority1 uint8
	grandmasterPriority2 uint8
	grandmasterQuality   ptp.ClockQuality
	stepsRemoved         uint16
}

// timePropertiesDS is the time properties data set, IEEE 1588 8.2.4.
// flags use the bit layout of the lower octet of flagField.
type timePropertiesDS struct {
	currentUTCOffset int16
	flags            uint8
	timeSource       ptp.TimeSource
}

// localDataset is what this clock advertises when it is the grandmaster
func (p *Port) localDataset() bmc.Dataset {
	return bmc.Dataset{
		Priority1: p.cfg.Clock.Priority1,
		ClockQuality: ptp.ClockQuality{
			ClockClass:              p.cfg.Clock.ClockClass,
			ClockAccuracy:           p.cfg.Clock.ClockAccuracy,
			OffsetScaledLogVariance: p.cfg.Clock.OffsetScaledLogVariance,
		},
		Priority2: p.cfg.Clock.Priority2,
		Identity:  p.identity.ClockIdentity,
		Sender:    p.identity,
	}
}

// leap flags are advertised during the last 12 hours before the event
const leapWindow = 12 * time.Hour

const (
	utcFlagsMask   = ptp.MgmtFlagLeap61 | ptp.MgmtFlagLeap59 | ptp.MgmtFlagUtcOffsetValid
	traceFlagsMask = ptp.MgmtFlagTimeTraceable | ptp.MgmtFlagFrequencyTraceable
)

func (p *Port) localTimeProperties() timePropertiesDS {
	flags := p.utcFlags&utcFlagsMask | p.traceFlags&traceFlagsMask
	offset := p.cfg.Clock.CurrentUTCOffset
	if p.cfg.Clock.PTPTimescale {
		flags |= ptp.MgmtFlagPTPTimescale
		if p.leaps != nil {
			offset, flags = p.leapProperties(offset, flags)
		}
	}
	return timePropertiesDS{
		currentUTCOffset: offset,
		flags:            flags,
		timeSource:       p.cfg.Clock.TimeSource,
	}
}

// leapProperties derives UTC offset and leap flags from the leap second table at current time
func (p *Port) leapProperties(offset int16, flags uint8) (int16, uint8) {
	now := p.now()
	if now.IsZero() {
		return offset, flags
	}
	utc := now.Time().Add(-time.Duration(offset) * time.Second)
	offset = p.leaps.UTCOffset(utc)
	leap61, leap59 := p.leaps.Pending(utc, leapWindow)
	flags = flags&^(ptp.MgmtFlagLeap61|ptp.MgmtFlagLeap59) | ptp.MgmtFlagUtcOffsetValid
	if leap61 {
		flags |= ptp.MgmtFlagLeap61
	}
	if leap59 {
		flags |= ptp.MgmtFlagLeap59
	}
	return offset, flags
}

// applyLocalDatasets makes this clock its own parent, decision M1 or M2
func (p *Port) applyLocalDatasets() {
	local := p.localDataset()
	p.parent = parentDS{
		portIdentity:         p.identity,
		grandmasterIdentity:  local.Identity,
		grandmasterPriority1: local.Priority1,
		grandmasterPriority2: local.Priority2,
		grandmasterQuality:   local.ClockQuality,
	}
	p.timeProps = p.localTimeProperties()
}

// applyParentFromAnnounce follows the master that sent a, decision S1
func (p *Port) applyParentFromAnnounce(a *ptp.Announce) {
	p.parent = parentDS{
		portIdentity:         a.SourcePortIdentity,
		grandmasterIdentity:  a.GrandmasterIdentity,
		grandmasterPriority1: a.GrandmasterPriority1,
		grandmasterPriority2: a.GrandmasterPriority2,
		grandmasterQuality:   a.GrandmasterClockQuality,
		stepsRemoved:         a.StepsRemoved + 1,
	}
	p.timeProps = timePropertiesDS{
		currentUTCOffset: a.CurrentUTCOffset,
		flags:            uint8(a.FlagField & 0xff),
		timeSource:       a.TimeSource,
	}
}

func (p *Port) handleAnnounce(a *ptp.Announce) {
	p.logReceive(ptp.MessageAnnounce, "seq=%d, gm=%s, p1=%d, class=%d, stepsRemoved=%d",
		a.SequenceID, a.GrandmasterIdentity, a.GrandmasterPriority1, a.GrandmasterClockQuality.ClockClass, a.StepsRemoved)
	if a.GrandmasterIdentity == p.identity.ClockIdentity {
		// our own announce came back through another clock
		p.stats.IncDropped()
		return
	}
	if p.foreign.Add(a, p.uptime) {
		p.stats.UpdateCounterBy(stats.CounterEvictions, 1)
	}
	if p.slaveLike() && a.SourcePortIdentity == p.parent.portIdentity {
		p.applyParentFromAnnounce(a)
		p.timers.Start(timer.AnnounceReceipt, p.announceReceiptTimeout())
	}
	for _, r := range p.foreign.Qualified(p.uptime) {
		if r.Sender == a.SourcePortIdentity {
			p.stateDecision()
			p.refreshPassive(a.SourcePortIdentity)
			return
		}
	}
}

// refreshPassive restarts announce receipt while the clock that keeps us passive is still announcing
func (p *Port) refreshPassive(sender ptp.PortIdentity) {
	if p.state != ptp.PortStatePassive {
		return
	}
	best, localIsBest := bmc.SelectBest(p.localDataset(), p.foreign.Qualified(p.uptime))
	if !localIsBest && best.Sender == sender {
		p.timers.Start(timer.AnnounceReceipt, p.announceReceiptTimeout())
	}
}

// stateDecision runs BMCA over qualified foreign masters and moves the port accordingly
func (p *Port) stateDecision() {
	local := p.localDataset()
	qualified := p.foreign.Qualified(p.uptime)
	best, localIsBest := bmc.SelectBest(local, qualified)
	rec := bmc.StateDecision(local, best, localIsBest, p.cfg.Clock.SlaveOnly)
	p.decision = bmc.Code(local, rec)

	switch rec {
	case ptp.PortStateMaster:
		p.applyLocalDatasets()
		if p.state != ptp.PortStateMaster && p.state != ptp.PortStatePreMaster {
			p.toState(ptp.PortStatePreMaster)
		}
	case ptp.PortStatePassive:
		p.toState(ptp.PortStatePassive)
	case ptp.PortStateSlave:
		var winner *bmc.ForeignMaster
		for _, r := range qualified {
			if r.Sender == best.Sender {
				winner = r
				break
			}
		}
		if winner == nil {
			return
		}
		newParent := winner.Sender != p.parent.portIdentity
		p.applyParentFromAnnounce(winner.Announce)
		switch {
		case !p.slaveLike():
			p.toState(ptp.PortStateUncalibrated)
		case newParent:
			log.Infof("port %d: master changed to %s", p.identity.PortNumber, winner.Sender)
			if p.state == ptp.PortStateUncalibrated {
				p.restartCalibration()
			} else {
				p.toState(ptp.PortStateUncalibrated)
			}
		}
	case ptp.PortStateListening:
		if p.state != ptp.PortStateListening {
			p.applyLocalDatasets()
			p.toState(ptp.PortStateListening)
		}
	}
}

// restartCalibration forgets measurements of the previous master without leaving UNCALIBRATED
func (p *Port) restartCalibration() {
	p.servo.Reset()
	p.resetSyncCorrelation()
	p.timers.Start(timer.AnnounceReceipt, p.announceReceiptTimeout())
}

// Status returns snapshot of port data sets
func (p *Port) Status() stats.PortStatus {
	return stats.PortStatus{
		PortNumber:              p.identity.PortNumber,
		PortIdentity:            p.identity.String(),
		State:                   p.state.String(),
		Decision:                p.decision,
		DomainNumber:            p.cfg.Clock.DomainNumber,
		DelayMechanism:          p.cfg.Port.DelayMechanism.String(),
		ParentIdentity:          p.parent.portIdentity.String(),
		GrandmasterIdentity:     p.parent.grandmasterIdentity.String(),
		GrandmasterPriority1:    p.parent.grandmasterPriority1,
		GrandmasterPriority2:    p.parent.grandmasterPriority2,
		GrandmasterClockQuality: p.parent.grandmasterQuality,
		StepsRemoved:            p.parent.stepsRemoved,
		OffsetFromMaster:        p.servo.OffsetFromMaster().Nanoseconds64(),
		MeanPathDelay:           p.servo.MeanPathDelay().Nanoseconds64(),
		Frequency:               p.servo.Frequency(),
		Syntonized:              p.servo.SyntonizeFrequency(),
		ForeignMasters:          p.foreign.Len(),
	}
}

func (p *Port) publishStatus() {
	p.stats.SetPortStatus(p.Status())
	p.stats.SetCounter(stats.CounterState, int64(p.state))
	p.stats.SetCounter(stats.CounterSteps, int64(p.servo.Stats().Steps))
}
