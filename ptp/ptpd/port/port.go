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
Package port implements the state machine of a single PTP ordinary clock port.

Port owns all protocol state of one port: data sets, foreign masters, interval timers
and request correlation. It is driven by exactly one goroutine, either through Run or
by calling HandleTick and HandleFrame directly, and never needs internal locking.
*/
package port

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/ptpd/clock"
	"github.com/facebook/ptpd/leapsectz"
	"github.com/facebook/ptpd/ptp/bmc"
	"github.com/facebook/ptpd/ptp/internaltime"
	ptp "github.com/facebook/ptpd/ptp/protocol"
	"github.com/facebook/ptpd/ptp/ptpd/config"
	"github.com/facebook/ptpd/ptp/ptpd/stats"
	"github.com/facebook/ptpd/ptp/timer"
	"github.com/facebook/ptpd/ptp/transport"
	"github.com/facebook/ptpd/servo"
)

// ErrFaulty is returned by Run when port could not be initialized
var ErrFaulty = errors.New("port is faulty")

// ErrInboundClosed is returned by Run when inbound queue is closed
var ErrInboundClosed = errors.New("inbound queue closed")

// Sender is what port needs from the frame transport
type Sender interface {
	Send(msgType ptp.MessageType, payload []byte) (internaltime.Time, error)
	Parse(frame []byte) (*transport.Frame, error)
	Ready() error
}

// StatsServer is a stats server interface
type StatsServer interface {
	UpdateCounterBy(key string, count int64)
	SetCounter(key string, val int64)
	IncRX(t ptp.MessageType)
	IncTX(t ptp.MessageType)
	IncRXError()
	IncTXError()
	IncDropped()
	IncStateChange()
	IncManagement()
	SetPortStatus(st stats.PortStatus)
}

// Deps are collaborators of a Port. Timers, Servo and Stats are created when nil.
type Deps struct {
	Clock        clock.Clock
	Timers       *timer.Set
	Transport    Sender
	Inbound      <-chan transport.Inbound
	HardwareAddr net.HardwareAddr
	Servo        *servo.Servo
	Stats        StatsServer
	PortNumber   uint16
}

// sequences of issued messages, wrapping at 65536
type sequences struct {
	announce  uint16
	sync      uint16
	delayReq  uint16
	pdelayReq uint16
}

// sync waiting for its Follow_Up
type pendingSync struct {
	seq      uint16
	source   ptp.PortIdentity
	arrival  internaltime.Time
	corr     internaltime.Time
	awaiting bool
}

// last complete Sync measurement, used for delay computation
type syncSample struct {
	t1    internaltime.Time
	t2    internaltime.Time
	corr  internaltime.Time
	valid bool
}

type pendingDelayReq struct {
	seq         uint16
	sent        internaltime.Time
	outstanding bool
}

type pendingPDelayReq struct {
	seq         uint16
	t1          internaltime.Time
	t2          internaltime.Time
	t4          internaltime.Time
	corr        internaltime.Time
	responder   ptp.PortIdentity
	outstanding bool
	awaiting    bool
}

// Port is a PTP ordinary clock port
type Port struct {
	cfg     config.Config
	clock   clock.Clock
	timers  *timer.Set
	tr      Sender
	inbound <-chan transport.Inbound
	mac     net.HardwareAddr
	servo   *servo.Servo
	stats   StatsServer

	identity ptp.PortIdentity
	state    ptp.PortState
	decision string
	fault    error
	uptime   time.Duration

	foreign   *bmc.ForeignMasterTable
	parent    parentDS
	timeProps timePropertiesDS
	seq       sequences

	sync     pendingSync
	sample   syncSample
	delayReq pendingDelayReq
	pdelay   pendingPDelayReq

	userDescription string
	// utc and traceability flags advertised when this clock is the grandmaster
	utcFlags   uint8
	traceFlags uint8
	leaps      *leapsectz.Table
}

// New creates Port in INITIALIZING state. Initialization happens on the first tick.
func New(cfg *config.Config, deps Deps) (*Port, error) {
	if deps.Clock == nil {
		return nil, fmt.Errorf("port needs a clock")
	}
	if deps.Transport == nil {
		return nil, fmt.Errorf("port needs a transport")
	}
	if deps.PortNumber == 0 {
		deps.PortNumber = 1
	}
	if deps.Timers == nil {
		deps.Timers = timer.NewSet(nil)
	}
	if deps.Servo == nil {
		deps.Servo = servo.New(cfg.Servo, 0)
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewStats(deps.PortNumber)
	}
	p := &Port{
		cfg:             *cfg,
		clock:           deps.Clock,
		timers:          deps.Timers,
		tr:              deps.Transport,
		inbound:         deps.Inbound,
		mac:             deps.HardwareAddr,
		servo:           deps.Servo,
		stats:           deps.Stats,
		identity:        ptp.PortIdentity{PortNumber: deps.PortNumber},
		state:           ptp.PortStateInitializing,
		userDescription: cfg.Clock.UserDescription,
	}
	if cfg.Clock.PTPTimescale && cfg.Clock.CurrentUTCOffset != 0 {
		p.utcFlags = ptp.MgmtFlagUtcOffsetValid
	}
	if cfg.Clock.LeapFile != "" {
		leaps, err := leapsectz.Load(cfg.Clock.LeapFile)
		if err != nil {
			return nil, fmt.Errorf("loading leap seconds: %w", err)
		}
		p.leaps = leaps
	}
	p.foreign = bmc.NewForeignMasterTable(cfg.BMC.ForeignMasterCapacity, cfg.BMC.ForeignMasterThreshold, p.foreignWindow())
	p.servo.SetWarner(p.operatorWarning)
	return p, nil
}

// State returns current port state
func (p *Port) State() ptp.PortState {
	return p.state
}

// Identity returns port identity, valid after initialization
func (p *Port) Identity() ptp.PortIdentity {
	return p.identity
}

// Parent returns identity of the port we are synchronized to, own identity when master
func (p *Port) Parent() ptp.PortIdentity {
	return p.parent.portIdentity
}

// Decision returns code of the last state decision
func (p *Port) Decision() string {
	return p.decision
}

// Servo returns servo of the port
func (p *Port) Servo() *servo.Servo {
	return p.servo
}

// Err returns initialization failure of a FAULTY port
func (p *Port) Err() error {
	return p.fault
}

// Run handles ticks and inbound frames until ctx is done
func (p *Port) Run(ctx context.Context, ticks <-chan time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			p.timers.StopAll()
			return ctx.Err()
		case elapsed := <-ticks:
			p.HandleTick(elapsed)
		case in, ok := <-p.inbound:
			if !ok {
				return ErrInboundClosed
			}
			p.HandleFrame(in)
		}
		if p.fault != nil {
			return p.fault
		}
	}
}

// Enable re-initializes DISABLED or FAULTY port
func (p *Port) Enable() {
	if p.state != ptp.PortStateDisabled && p.state != ptp.PortStateFaulty {
		return
	}
	p.initialize()
}

// Disable stops all protocol activity until Enable
func (p *Port) Disable() {
	p.toState(ptp.PortStateDisabled)
}

func (p *Port) initialize() {
	p.fault = nil
	p.toState(ptp.PortStateInitializing)
	p.doInit()
}

func (p *Port) doInit() {
	if err := p.tr.Ready(); err != nil {
		p.setFault(fmt.Errorf("transport is not ready: %w", err))
		return
	}
	clockID, err := ptp.NewClockIdentity(p.mac)
	if err != nil {
		p.setFault(fmt.Errorf("deriving clock identity: %w", err))
		return
	}
	p.identity.ClockIdentity = clockID
	if maxFreq, err := p.clock.MaxFreqPPB(); err == nil {
		p.servo.SetMaxFreq(maxFreq)
	} else {
		log.Warningf("port %d: reading max frequency: %v", p.identity.PortNumber, err)
	}
	p.foreign.Clear()
	p.foreign.SetWindow(p.foreignWindow())
	p.servo.Reset()
	p.resetCorrelation()
	p.applyLocalDatasets()
	p.toState(ptp.PortStateListening)
}

func (p *Port) setFault(err error) {
	log.Errorf("port %d: %v", p.identity.PortNumber, err)
	p.fault = fmt.Errorf("%w: %w", ErrFaulty, err)
	p.toState(ptp.PortStateFaulty)
}

func (p *Port) resetCorrelation() {
	p.sync = pendingSync{}
	p.sample = syncSample{}
	p.delayReq = pendingDelayReq{}
	p.pdelay = pendingPDelayReq{}
}

func (p *Port) announceInterval() time.Duration {
	return p.cfg.Port.LogAnnounceInterval.Duration()
}

func (p *Port) announceReceiptTimeout() time.Duration {
	return time.Duration(p.cfg.Port.AnnounceReceiptTimeout) * p.announceInterval()
}

func (p *Port) foreignWindow() time.Duration {
	return time.Duration(p.cfg.BMC.ForeignMasterTimeWindow) * p.announceInterval()
}

func (p *Port) p2p() bool {
	return p.cfg.Port.DelayMechanism == ptp.DelayMechanismP2P
}

func (p *Port) slaveLike() bool {
	return p.state == ptp.PortStateSlave || p.state == ptp.PortStateUncalibrated
}

// protocol states, where the port exchanges messages other than management
func (p *Port) active() bool {
	switch p.state {
	case ptp.PortStateInitializing, ptp.PortStateFaulty, ptp.PortStateDisabled:
		return false
	}
	return true
}

// toState is the only place port state changes
func (p *Port) toState(s ptp.PortState) {
	if p.state == s {
		return
	}
	log.Infof("port %d: %s -> %s", p.identity.PortNumber, p.state, s)
	prev := p.state
	p.state = s
	p.stats.IncStateChange()

	switch s {
	case ptp.PortStateInitializing, ptp.PortStateFaulty, ptp.PortStateDisabled:
		p.timers.StopAll()
		p.foreign.Clear()
		p.servo.Reset()
		p.resetCorrelation()
	case ptp.PortStateListening:
		p.stopMasterTimers()
		p.timers.Stop(timer.DelayReq)
		p.timers.StartRandom(timer.AnnounceReceipt, p.announceReceiptTimeout())
		if prev == ptp.PortStateSlave || prev == ptp.PortStateUncalibrated {
			p.servo.Reset()
			p.resetSyncCorrelation()
		}
	case ptp.PortStatePreMaster:
		p.timers.Stop(timer.AnnounceReceipt)
		p.timers.Stop(timer.DelayReq)
		p.timers.Start(timer.Qualification, p.qualificationTimeout())
	case ptp.PortStateMaster:
		p.timers.Stop(timer.AnnounceReceipt)
		p.timers.Stop(timer.DelayReq)
		p.timers.Stop(timer.Qualification)
		p.timers.Start(timer.AnnounceInterval, 0)
		p.timers.Start(timer.Sync, 0)
		p.servo.Reset()
		p.resetSyncCorrelation()
	case ptp.PortStatePassive:
		p.stopMasterTimers()
		p.timers.Stop(timer.DelayReq)
		p.timers.Start(timer.AnnounceReceipt, p.announceReceiptTimeout())
	case ptp.PortStateUncalibrated:
		p.stopMasterTimers()
		p.servo.Reset()
		p.resetSyncCorrelation()
		p.timers.Start(timer.AnnounceReceipt, p.announceReceiptTimeout())
		if !p.p2p() {
			p.timers.StartRandom(timer.DelayReq, p.cfg.Port.LogMinDelayReqInterval.Duration())
		}
	case ptp.PortStateSlave:
	}
	if p.active() && p.p2p() && !p.timers.Running(timer.PDelayReq) {
		p.timers.StartRandom(timer.PDelayReq, p.cfg.Port.LogMinPdelayReqInterval.Duration())
	}
	p.publishStatus()
}

func (p *Port) stopMasterTimers() {
	p.timers.Stop(timer.AnnounceInterval)
	p.timers.Stop(timer.Sync)
	p.timers.Stop(timer.Qualification)
}

// sync correlation is dropped on master change, peer delay survives it
func (p *Port) resetSyncCorrelation() {
	p.sync = pendingSync{}
	p.sample = syncSample{}
	p.delayReq = pendingDelayReq{}
}

// qualificationTimeout of PRE_MASTER. An ordinary clock only gets here with M1 or M2, which need no qualification.
func (p *Port) qualificationTimeout() time.Duration {
	if p.decision == "M1" || p.decision == "M2" {
		return 0
	}
	return time.Duration(p.parent.stepsRemoved+1) * p.announceInterval()
}

// HandleTick ages timers by elapsed and acts on expired ones
func (p *Port) HandleTick(elapsed time.Duration) {
	p.uptime += elapsed
	p.timers.Tick(elapsed)

	switch p.state {
	case ptp.PortStateInitializing:
		p.doInit()
		return
	case ptp.PortStateFaulty, ptp.PortStateDisabled:
		return
	}

	if n := p.foreign.Expire(p.uptime, p.announceReceiptTimeout()); n > 0 {
		log.Debugf("port %d: %d foreign masters expired", p.identity.PortNumber, n)
	}

	if p.timers.Expired(timer.AnnounceReceipt) {
		p.handleAnnounceReceiptTimeout()
	}
	if p.timers.Expired(timer.Qualification) && p.state == ptp.PortStatePreMaster {
		p.toState(ptp.PortStateMaster)
	}
	if p.state == ptp.PortStateMaster {
		if p.timers.Expired(timer.AnnounceInterval) {
			p.issueAnnounce()
			p.timers.Start(timer.AnnounceInterval, p.announceInterval())
		}
		if p.timers.Expired(timer.Sync) {
			p.issueSync()
			p.timers.Start(timer.Sync, p.cfg.Port.LogSyncInterval.Duration())
		}
	}
	if p.timers.Expired(timer.DelayReq) && p.slaveLike() && !p.p2p() {
		p.issueDelayReq()
		p.timers.StartRandom(timer.DelayReq, p.cfg.Port.LogMinDelayReqInterval.Duration())
	}
	if p.timers.Expired(timer.PDelayReq) && p.p2p() {
		p.issuePDelayReq()
		p.timers.StartRandom(timer.PDelayReq, p.cfg.Port.LogMinPdelayReqInterval.Duration())
	}
	p.publishStatus()
}

func (p *Port) handleAnnounceReceiptTimeout() {
	switch p.state {
	case ptp.PortStateListening:
		if len(p.foreign.Qualified(p.uptime)) > 0 {
			p.stateDecision()
			if p.state != ptp.PortStateListening {
				return
			}
		}
		if p.eligibleMaster() {
			log.Infof("port %d: no master heard within %v, taking over", p.identity.PortNumber, p.announceReceiptTimeout())
			p.decision = bmc.Code(p.localDataset(), ptp.PortStateMaster)
			p.applyLocalDatasets()
			p.toState(ptp.PortStateMaster)
			return
		}
		p.timers.StartRandom(timer.AnnounceReceipt, p.announceReceiptTimeout())
	case ptp.PortStateSlave, ptp.PortStateUncalibrated:
		log.Warningf("port %d: lost master %s", p.identity.PortNumber, p.parent.portIdentity)
		p.foreign.Remove(p.parent.portIdentity)
		p.applyLocalDatasets()
		p.toState(ptp.PortStateListening)
	case ptp.PortStatePassive:
		p.toState(ptp.PortStateListening)
	}
}

func (p *Port) eligibleMaster() bool {
	return !p.cfg.Clock.SlaveOnly && p.cfg.Clock.ClockClass != ptp.ClockClassSlaveOnly
}

// HandleFrame validates inbound frame and dispatches the message it carries
func (p *Port) HandleFrame(in transport.Inbound) {
	if p.state == ptp.PortStateInitializing {
		p.stats.IncDropped()
		return
	}
	f, err := p.tr.Parse(in.Data)
	if err != nil {
		p.stats.IncRXError()
		log.Debugf("port %d: dropping frame: %v", p.identity.PortNumber, err)
		return
	}
	pkt, err := ptp.DecodeForDomain(f.Payload, p.cfg.Clock.DomainNumber)
	if err != nil {
		if errors.Is(err, ptp.ErrDomainMismatch) || errors.Is(err, ptp.ErrVersionMismatch) {
			p.stats.IncDropped()
		} else {
			p.stats.IncRXError()
		}
		log.Debugf("port %d: dropping %s message: %v", p.identity.PortNumber, f.MessageType, err)
		return
	}
	msgType := pkt.MessageType()
	p.stats.IncRX(msgType)
	if pkt.Head().SourcePortIdentity.ClockIdentity == p.identity.ClockIdentity {
		log.Debugf("port %d: ignoring own %s", p.identity.PortNumber, msgType)
		return
	}
	if !p.active() && msgType != ptp.MessageManagement {
		p.stats.IncDropped()
		return
	}
	p.dispatch(pkt, in.Timestamp)
}

func (p *Port) dispatch(pkt ptp.Packet, arrival internaltime.Time) {
	switch m := pkt.(type) {
	case *ptp.Announce:
		p.handleAnnounce(m)
	case *ptp.SyncDelayReq:
		if m.MessageType() == ptp.MessageSync {
			p.handleSync(m, arrival)
		} else {
			p.handleDelayReq(m, arrival)
		}
	case *ptp.FollowUp:
		p.handleFollowUp(m)
	case *ptp.DelayResp:
		p.handleDelayResp(m)
	case *ptp.PDelayReq:
		p.handlePDelayReq(m, arrival)
	case *ptp.PDelayResp:
		p.handlePDelayResp(m, arrival)
	case *ptp.PDelayRespFollowUp:
		p.handlePDelayRespFollowUp(m)
	case *ptp.Management:
		p.handleManagement(m)
	case *ptp.Signaling:
		p.logReceive(m.MessageType(), "seq=%d, tlvs=%d, not acted upon", m.SequenceID, len(m.TLVs))
	}
}

// couple of helpers to log nice lines about happening communication
func (p *Port) logSent(t ptp.MessageType, msg string, v ...interface{}) {
	log.Debugf(color.GreenString("[port %d] %s -> (%s)", p.identity.PortNumber, t, fmt.Sprintf(msg, v...)))
}
func (p *Port) logReceive(t ptp.MessageType, msg string, v ...interface{}) {
	log.Debugf(color.BlueString("[port %d] %s <- (%s)", p.identity.PortNumber, t, fmt.Sprintf(msg, v...)))
}

// operatorWarning logs servo warnings no more often than OperatorMessageInterval
func (p *Port) operatorWarning(format string, args ...any) {
	if p.timers.Running(timer.OperatorMessages) {
		log.Debugf("port %d: "+format, append([]any{p.identity.PortNumber}, args...)...)
		return
	}
	log.Warningf("port %d: "+format, append([]any{p.identity.PortNumber}, args...)...)
	p.timers.Start(timer.OperatorMessages, p.cfg.Port.OperatorMessageInterval)
}
