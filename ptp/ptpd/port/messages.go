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
	"encoding/binary"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ptpd/ptp/internaltime"
	ptp "github.com/facebook/ptpd/ptp/protocol"
	"github.com/facebook/ptpd/servo"
)

// logMessageInterval of messages not sent periodically
const noInterval ptp.LogInterval = 0x7f

var (
	announceSize           = uint16(binary.Size(ptp.Announce{}))
	syncDelayReqSize       = uint16(binary.Size(ptp.SyncDelayReq{}))
	followUpSize           = uint16(binary.Size(ptp.FollowUp{}))
	delayRespSize          = uint16(binary.Size(ptp.DelayResp{}))
	pdelayReqSize          = uint16(binary.Size(ptp.PDelayReq{}))
	pdelayRespSize         = uint16(binary.Size(ptp.PDelayResp{}))
	pdelayRespFollowUpSize = uint16(binary.Size(ptp.PDelayRespFollowUp{}))
)

func (p *Port) header(t ptp.MessageType, size uint16, seq uint16, interval ptp.LogInterval) ptp.Header {
	return ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(t, 0),
		Version:            ptp.Version,
		MessageLength:      size,
		DomainNumber:       p.cfg.Clock.DomainNumber,
		SourcePortIdentity: p.identity,
		SequenceID:         seq,
		ControlField:       ptp.ControlFieldFor(t),
		LogMessageInterval: interval,
	}
}

func (p *Port) twoStepFlag() uint16 {
	if p.cfg.Clock.TwoStep {
		return ptp.FlagTwoStep
	}
	return 0
}

// send encodes and transmits the message, returning its egress timestamp
func (p *Port) send(pkt ptp.Packet) (internaltime.Time, error) {
	msgType := pkt.MessageType()
	b, err := ptp.Bytes(pkt)
	if err != nil {
		p.stats.IncTXError()
		return internaltime.Zero, fmt.Errorf("encoding %s: %w", msgType, err)
	}
	ts, err := p.tr.Send(msgType, b)
	if err != nil {
		p.stats.IncTXError()
		log.Errorf("port %d: sending %s: %v", p.identity.PortNumber, msgType, err)
		return internaltime.Zero, fmt.Errorf("sending %s: %w", msgType, err)
	}
	p.stats.IncTX(msgType)
	p.logSent(msgType, "seq=%d, ts=%v", pkt.Head().SequenceID, ts)
	return ts, nil
}

// now reads the clock for origin timestamps, falling back to zero which receivers treat as unknown
func (p *Port) now() internaltime.Time {
	t, err := p.clock.Get()
	if err != nil {
		log.Errorf("port %d: reading clock: %v", p.identity.PortNumber, err)
		return internaltime.Zero
	}
	return t
}

func (p *Port) issueAnnounce() {
	if p.leaps != nil {
		p.timeProps = p.localTimeProperties()
	}
	seq := p.seq.announce
	p.seq.announce++
	a := &ptp.Announce{
		Header: p.header(ptp.MessageAnnounce, announceSize, seq, p.cfg.Port.LogAnnounceInterval),
		AnnounceBody: ptp.AnnounceBody{
			OriginTimestamp:         ptp.NewTimestamp(p.now()),
			CurrentUTCOffset:        p.timeProps.currentUTCOffset,
			GrandmasterPriority1:    p.parent.grandmasterPriority1,
			GrandmasterClockQuality: p.parent.grandmasterQuality,
			GrandmasterPriority2:    p.parent.grandmasterPriority2,
			GrandmasterIdentity:     p.parent.grandmasterIdentity,
			StepsRemoved:            p.parent.stepsRemoved,
			TimeSource:              p.timeProps.timeSource,
		},
	}
	a.FlagField = uint16(p.timeProps.flags)
	_, _ = p.send(a)
}

func (p *Port) issueSync() {
	seq := p.seq.sync
	p.seq.sync++
	s := &ptp.SyncDelayReq{
		Header: p.header(ptp.MessageSync, syncDelayReqSize, seq, p.cfg.Port.LogSyncInterval),
		SyncDelayReqBody: ptp.SyncDelayReqBody{
			OriginTimestamp: ptp.NewTimestamp(p.now()),
		},
	}
	s.FlagField = p.twoStepFlag()
	ts, err := p.send(s)
	if err != nil || !p.cfg.Clock.TwoStep {
		return
	}
	fu := &ptp.FollowUp{
		Header: p.header(ptp.MessageFollowUp, followUpSize, seq, p.cfg.Port.LogSyncInterval),
		FollowUpBody: ptp.FollowUpBody{
			PreciseOriginTimestamp: ptp.NewTimestamp(ts),
		},
	}
	_, _ = p.send(fu)
}

func (p *Port) issueDelayReq() {
	seq := p.seq.delayReq
	p.seq.delayReq++
	req := &ptp.SyncDelayReq{
		Header: p.header(ptp.MessageDelayReq, syncDelayReqSize, seq, noInterval),
		SyncDelayReqBody: ptp.SyncDelayReqBody{
			OriginTimestamp: ptp.NewTimestamp(p.now()),
		},
	}
	ts, err := p.send(req)
	if err != nil {
		p.delayReq = pendingDelayReq{}
		return
	}
	p.delayReq = pendingDelayReq{seq: seq, sent: ts, outstanding: true}
}

func (p *Port) issuePDelayReq() {
	seq := p.seq.pdelayReq
	p.seq.pdelayReq++
	req := &ptp.PDelayReq{
		Header: p.header(ptp.MessagePDelayReq, pdelayReqSize, seq, noInterval),
		PDelayReqBody: ptp.PDelayReqBody{
			OriginTimestamp: ptp.NewTimestamp(p.now()),
		},
	}
	ts, err := p.send(req)
	if err != nil {
		p.pdelay = pendingPDelayReq{}
		return
	}
	p.pdelay = pendingPDelayReq{seq: seq, t1: ts, outstanding: true}
}

func (p *Port) handleSync(m *ptp.SyncDelayReq, arrival internaltime.Time) {
	p.logReceive(ptp.MessageSync, "seq=%d, T1=%v, T2=%v, CF=%v", m.SequenceID, m.OriginTimestamp, arrival, m.CorrectionField)
	if !p.slaveLike() || m.SourcePortIdentity != p.parent.portIdentity {
		p.stats.IncDropped()
		return
	}
	if li := m.LogMessageInterval; li >= -7 && li <= 5 {
		p.servo.SyncInterval(li.Duration())
	}
	p.sync = pendingSync{
		seq:      m.SequenceID,
		source:   m.SourcePortIdentity,
		arrival:  arrival,
		corr:     m.CorrectionField.Internal(),
		awaiting: m.TwoStep(),
	}
	if !m.TwoStep() {
		p.updateOffset(m.OriginTimestamp.Internal(), arrival, p.sync.corr)
	}
}

func (p *Port) handleFollowUp(m *ptp.FollowUp) {
	p.logReceive(ptp.MessageFollowUp, "seq=%d, T1=%v, CF=%v", m.SequenceID, m.PreciseOriginTimestamp, m.CorrectionField)
	if !p.slaveLike() || !p.sync.awaiting || m.SequenceID != p.sync.seq || m.SourcePortIdentity != p.sync.source {
		log.Debugf("port %d: Follow_Up seq=%d from %s does not match Sync seq=%d from %s",
			p.identity.PortNumber, m.SequenceID, m.SourcePortIdentity, p.sync.seq, p.sync.source)
		p.stats.IncDropped()
		return
	}
	p.sync.awaiting = false
	corr := p.sync.corr.Add(m.CorrectionField.Internal())
	p.updateOffset(m.PreciseOriginTimestamp.Internal(), p.sync.arrival, corr)
}

// updateOffset feeds one offset sample to the servo and applies the result to the clock
func (p *Port) updateOffset(t1, t2, corr internaltime.Time) {
	p.sample = syncSample{t1: t1, t2: t2, corr: corr, valid: true}
	offset := p.servo.UpdateOffset(t1, t2, corr)
	log.Debugf("port %d: offset %v, raw %v, delay %v", p.identity.PortNumber, offset, p.servo.RawOffset(), p.servo.MeanPathDelay())
	action, err := p.servo.UpdateClock(p.clock)
	if err != nil {
		log.Errorf("port %d: %v", p.identity.PortNumber, err)
		return
	}
	if action == servo.ActionStep {
		// timestamps taken before the step are meaningless now
		p.sample = syncSample{}
		p.delayReq = pendingDelayReq{}
		p.pdelay = pendingPDelayReq{}
	}
	p.checkCalibrated()
}

func (p *Port) checkCalibrated() {
	if p.state == ptp.PortStateUncalibrated && p.servo.Calibrated() {
		p.toState(ptp.PortStateSlave)
	}
}

func (p *Port) handleDelayReq(m *ptp.SyncDelayReq, arrival internaltime.Time) {
	p.logReceive(ptp.MessageDelayReq, "seq=%d, from=%s, T4=%v", m.SequenceID, m.SourcePortIdentity, arrival)
	if p.state != ptp.PortStateMaster || p.p2p() {
		p.stats.IncDropped()
		return
	}
	resp := &ptp.DelayResp{
		Header: p.header(ptp.MessageDelayResp, delayRespSize, m.SequenceID, p.cfg.Port.LogMinDelayReqInterval),
		DelayRespBody: ptp.DelayRespBody{
			ReceiveTimestamp:       ptp.NewTimestamp(arrival),
			RequestingPortIdentity: m.SourcePortIdentity,
		},
	}
	resp.CorrectionField = m.CorrectionField
	_, _ = p.send(resp)
}

func (p *Port) handleDelayResp(m *ptp.DelayResp) {
	p.logReceive(ptp.MessageDelayResp, "seq=%d, T4=%v, requester=%s", m.SequenceID, m.ReceiveTimestamp, m.RequestingPortIdentity)
	if !p.slaveLike() || p.p2p() ||
		!p.delayReq.outstanding ||
		m.SequenceID != p.delayReq.seq ||
		m.RequestingPortIdentity != p.identity ||
		m.SourcePortIdentity != p.parent.portIdentity {
		p.stats.IncDropped()
		return
	}
	p.delayReq.outstanding = false
	if !p.sample.valid {
		log.Debugf("port %d: no Sync measurement to pair Delay_Resp seq=%d with", p.identity.PortNumber, m.SequenceID)
		return
	}
	corr := p.sample.corr.Add(m.CorrectionField.Internal())
	if p.servo.UpdateDelay(p.sample.t1, p.sample.t2, p.delayReq.sent, m.ReceiveTimestamp.Internal(), corr) {
		log.Debugf("port %d: mean path delay %v", p.identity.PortNumber, p.servo.MeanPathDelay())
	}
	p.checkCalibrated()
}

func (p *Port) handlePDelayReq(m *ptp.PDelayReq, t2 internaltime.Time) {
	p.logReceive(ptp.MessagePDelayReq, "seq=%d, from=%s, T2=%v", m.SequenceID, m.SourcePortIdentity, t2)
	if !p.p2p() {
		p.stats.IncDropped()
		return
	}
	resp := &ptp.PDelayResp{
		Header: p.header(ptp.MessagePDelayResp, pdelayRespSize, m.SequenceID, noInterval),
		PDelayRespBody: ptp.PDelayRespBody{
			RequestingPortIdentity: m.SourcePortIdentity,
		},
	}
	if !p.cfg.Clock.TwoStep {
		// one-step: turnaround time travels in correctionField
		turnaround := p.now().Sub(t2)
		resp.CorrectionField = ptp.NewCorrectionFromInternal(m.CorrectionField.Internal().Add(turnaround))
		_, _ = p.send(resp)
		return
	}
	resp.FlagField = ptp.FlagTwoStep
	resp.RequestReceiptTimestamp = ptp.NewTimestamp(t2)
	t3, err := p.send(resp)
	if err != nil {
		return
	}
	fu := &ptp.PDelayRespFollowUp{
		Header: p.header(ptp.MessagePDelayRespFollowUp, pdelayRespFollowUpSize, m.SequenceID, noInterval),
		PDelayRespFollowUpBody: ptp.PDelayRespFollowUpBody{
			ResponseOriginTimestamp: ptp.NewTimestamp(t3),
			RequestingPortIdentity:  m.SourcePortIdentity,
		},
	}
	fu.CorrectionField = m.CorrectionField
	_, _ = p.send(fu)
}

func (p *Port) handlePDelayResp(m *ptp.PDelayResp, t4 internaltime.Time) {
	p.logReceive(ptp.MessagePDelayResp, "seq=%d, T2=%v, T4=%v, CF=%v", m.SequenceID, m.RequestReceiptTimestamp, t4, m.CorrectionField)
	if !p.p2p() || !p.pdelay.outstanding || p.pdelay.awaiting ||
		m.SequenceID != p.pdelay.seq || m.RequestingPortIdentity != p.identity {
		p.stats.IncDropped()
		return
	}
	p.pdelay.t4 = t4
	p.pdelay.corr = m.CorrectionField.Internal()
	p.pdelay.responder = m.SourcePortIdentity
	if m.TwoStep() {
		p.pdelay.t2 = m.RequestReceiptTimestamp.Internal()
		p.pdelay.awaiting = true
		return
	}
	p.pdelay.outstanding = false
	p.updatePeerDelay(internaltime.Zero, internaltime.Zero)
}

func (p *Port) handlePDelayRespFollowUp(m *ptp.PDelayRespFollowUp) {
	p.logReceive(ptp.MessagePDelayRespFollowUp, "seq=%d, T3=%v, CF=%v", m.SequenceID, m.ResponseOriginTimestamp, m.CorrectionField)
	if !p.p2p() || !p.pdelay.awaiting ||
		m.SequenceID != p.pdelay.seq ||
		m.RequestingPortIdentity != p.identity ||
		m.SourcePortIdentity != p.pdelay.responder {
		p.stats.IncDropped()
		return
	}
	p.pdelay.outstanding = false
	p.pdelay.awaiting = false
	p.pdelay.corr = p.pdelay.corr.Add(m.CorrectionField.Internal())
	p.updatePeerDelay(p.pdelay.t2, m.ResponseOriginTimestamp.Internal())
}

func (p *Port) updatePeerDelay(t2, t3 internaltime.Time) {
	if p.servo.UpdatePeerDelay(p.pdelay.t1, t2, t3, p.pdelay.t4, p.pdelay.corr) {
		log.Debugf("port %d: peer mean path delay %v", p.identity.PortNumber, p.servo.MeanPathDelay())
	}
	p.checkCalibrated()
}
