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
	"errors"
	"fmt"
	"net"

	log "github.com/sirupsen/logrus"

	ptp "github.com/facebook/ptpd/ptp/protocol"
)

// maximal length of userDescription, IEEE 1588 15.5.3.1.2
const maxUserDescription = 128

var (
	profileDefaultE2E = [6]uint8{0x00, 0x1b, 0x19, 0x00, 0x01, 0x00}
	profileDefaultP2P = [6]uint8{0x00, 0x1b, 0x19, 0x00, 0x02, 0x00}
)

// mgmtHandler serves one management id. A nil function means the action is not allowed.
type mgmtHandler struct {
	get     func(p *Port) ptp.ManagementData
	set     func(p *Port, d ptp.ManagementData) error
	command func(p *Port, d ptp.ManagementData) error
}

var mgmtHandlers = map[ptp.ManagementID]mgmtHandler{
	ptp.IDNullManagement: {
		get:     func(*Port) ptp.ManagementData { return nil },
		set:     func(*Port, ptp.ManagementData) error { return nil },
		command: func(*Port, ptp.ManagementData) error { return nil },
	},
	ptp.IDClockDescription: {get: (*Port).clockDescription},
	ptp.IDUserDescription: {
		get: func(p *Port) ptp.ManagementData {
			return &ptp.UserDescriptionTLV{UserDescription: ptp.PTPText(p.userDescription)}
		},
		set: func(p *Port, d ptp.ManagementData) error {
			desc := string(d.(*ptp.UserDescriptionTLV).UserDescription)
			if len(desc) > maxUserDescription {
				return fmt.Errorf("user description of %d bytes: %w", len(desc), ptp.ErrorWrongValue)
			}
			p.userDescription = desc
			return nil
		},
	},
	ptp.IDSaveInNonVolatileStorage: {},
	ptp.IDResetNonVolatileStorage:  {},
	ptp.IDInitialize: {
		command: func(p *Port, d ptp.ManagementData) error {
			if key := d.(*ptp.InitializeTLV).InitializationKey; key != ptp.InitializeEventKey {
				return fmt.Errorf("initialization key %d: %w", key, ptp.ErrorWrongValue)
			}
			p.initialize()
			return nil
		},
	},
	ptp.IDDefaultDataSet:        {get: (*Port).defaultDataSet},
	ptp.IDCurrentDataSet:        {get: (*Port).currentDataSet},
	ptp.IDParentDataSet:         {get: (*Port).parentDataSet},
	ptp.IDTimePropertiesDataSet: {get: (*Port).timePropertiesDataSet},
	ptp.IDPortDataSet:           {get: (*Port).portDataSet},
	ptp.IDPriority1: {
		get: func(p *Port) ptp.ManagementData { return &ptp.Priority1TLV{Priority1: p.cfg.Clock.Priority1} },
		set: func(p *Port, d ptp.ManagementData) error {
			p.cfg.Clock.Priority1 = d.(*ptp.Priority1TLV).Priority1
			p.datasetsChanged()
			return nil
		},
	},
	ptp.IDPriority2: {
		get: func(p *Port) ptp.ManagementData { return &ptp.Priority2TLV{Priority2: p.cfg.Clock.Priority2} },
		set: func(p *Port, d ptp.ManagementData) error {
			p.cfg.Clock.Priority2 = d.(*ptp.Priority2TLV).Priority2
			p.datasetsChanged()
			return nil
		},
	},
	ptp.IDDomain: {
		get: func(p *Port) ptp.ManagementData { return &ptp.DomainTLV{DomainNumber: p.cfg.Clock.DomainNumber} },
		set: func(p *Port, d ptp.ManagementData) error {
			domain := d.(*ptp.DomainTLV).DomainNumber
			if domain == p.cfg.Clock.DomainNumber {
				return nil
			}
			p.cfg.Clock.DomainNumber = domain
			p.initialize()
			return nil
		},
	},
	ptp.IDSlaveOnly: {
		get: func(p *Port) ptp.ManagementData {
			var flags uint8
			if p.cfg.Clock.SlaveOnly {
				flags = ptp.MgmtFlagSlaveOnly
			}
			return &ptp.SlaveOnlyTLV{Flags: flags}
		},
		set: func(p *Port, d ptp.ManagementData) error {
			p.setSlaveOnly(d.(*ptp.SlaveOnlyTLV).Flags&ptp.MgmtFlagSlaveOnly != 0)
			return nil
		},
	},
	ptp.IDLogAnnounceInterval: {
		get: func(p *Port) ptp.ManagementData {
			return &ptp.LogAnnounceIntervalTLV{LogAnnounceInterval: p.cfg.Port.LogAnnounceInterval}
		},
		set: func(p *Port, d ptp.ManagementData) error {
			li := d.(*ptp.LogAnnounceIntervalTLV).LogAnnounceInterval
			if err := checkLogInterval(li, -3, 4); err != nil {
				return err
			}
			p.cfg.Port.LogAnnounceInterval = li
			p.foreign.SetWindow(p.foreignWindow())
			return nil
		},
	},
	ptp.IDAnnounceReceiptTimeout: {
		get: func(p *Port) ptp.ManagementData {
			return &ptp.AnnounceReceiptTimeoutTLV{AnnounceReceiptTimeout: p.cfg.Port.AnnounceReceiptTimeout}
		},
		set: func(p *Port, d ptp.ManagementData) error {
			t := d.(*ptp.AnnounceReceiptTimeoutTLV).AnnounceReceiptTimeout
			if t < 2 {
				return fmt.Errorf("announce receipt timeout %d: %w", t, ptp.ErrorWrongValue)
			}
			p.cfg.Port.AnnounceReceiptTimeout = t
			return nil
		},
	},
	ptp.IDLogSyncInterval: {
		get: func(p *Port) ptp.ManagementData {
			return &ptp.LogSyncIntervalTLV{LogSyncInterval: p.cfg.Port.LogSyncInterval}
		},
		set: func(p *Port, d ptp.ManagementData) error {
			li := d.(*ptp.LogSyncIntervalTLV).LogSyncInterval
			if err := checkLogInterval(li, -7, 5); err != nil {
				return err
			}
			p.cfg.Port.LogSyncInterval = li
			return nil
		},
	},
	ptp.IDVersionNumber: {
		get: func(*Port) ptp.ManagementData { return &ptp.VersionNumberTLV{VersionNumber: ptp.Version} },
	},
	ptp.IDEnablePort: {
		command: func(p *Port, _ ptp.ManagementData) error {
			p.Enable()
			return nil
		},
	},
	ptp.IDDisablePort: {
		command: func(p *Port, _ ptp.ManagementData) error {
			p.Disable()
			return nil
		},
	},
	ptp.IDTime: {
		get: func(p *Port) ptp.ManagementData { return &ptp.TimeTLV{CurrentTime: ptp.NewTimestamp(p.now())} },
		set: func(p *Port, d ptp.ManagementData) error {
			if p.slaveLike() {
				return fmt.Errorf("clock is synchronized to %s: %w", p.parent.portIdentity, ptp.ErrorNotSetable)
			}
			if err := p.clock.Set(d.(*ptp.TimeTLV).CurrentTime.Internal()); err != nil {
				return fmt.Errorf("setting clock: %w: %w", ptp.ErrorGeneralError, err)
			}
			return nil
		},
	},
	ptp.IDClockAccuracy: {
		get: func(p *Port) ptp.ManagementData {
			return &ptp.ClockAccuracyTLV{ClockAccuracy: p.cfg.Clock.ClockAccuracy}
		},
		set: func(p *Port, d ptp.ManagementData) error {
			p.cfg.Clock.ClockAccuracy = d.(*ptp.ClockAccuracyTLV).ClockAccuracy
			p.datasetsChanged()
			return nil
		},
	},
	ptp.IDUtcProperties: {
		get: func(p *Port) ptp.ManagementData {
			return &ptp.UtcPropertiesTLV{
				CurrentUTCOffset: p.timeProps.currentUTCOffset,
				Flags:            p.timeProps.flags & utcFlagsMask,
			}
		},
		set: func(p *Port, d ptp.ManagementData) error {
			u := d.(*ptp.UtcPropertiesTLV)
			p.cfg.Clock.CurrentUTCOffset = u.CurrentUTCOffset
			p.utcFlags = u.Flags & utcFlagsMask
			p.datasetsChanged()
			return nil
		},
	},
	ptp.IDTraceabilityProperties: {
		get: func(p *Port) ptp.ManagementData {
			return &ptp.TraceabilityPropertiesTLV{Flags: p.timeProps.flags & traceFlagsMask}
		},
		set: func(p *Port, d ptp.ManagementData) error {
			p.traceFlags = d.(*ptp.TraceabilityPropertiesTLV).Flags & traceFlagsMask
			p.datasetsChanged()
			return nil
		},
	},
	ptp.IDDelayMechanism: {
		get: func(p *Port) ptp.ManagementData {
			return &ptp.DelayMechanismTLV{DelayMechanism: p.cfg.Port.DelayMechanism}
		},
		set: func(p *Port, d ptp.ManagementData) error {
			dm := d.(*ptp.DelayMechanismTLV).DelayMechanism
			if dm != ptp.DelayMechanismE2E && dm != ptp.DelayMechanismP2P {
				return fmt.Errorf("delay mechanism %s: %w", dm, ptp.ErrorWrongValue)
			}
			if dm == p.cfg.Port.DelayMechanism {
				return nil
			}
			p.cfg.Port.DelayMechanism = dm
			p.initialize()
			return nil
		},
	},
	ptp.IDLogMinPdelayReqInterval: {
		get: func(p *Port) ptp.ManagementData {
			return &ptp.LogMinPdelayReqIntervalTLV{LogMinPdelayReqInterval: p.cfg.Port.LogMinPdelayReqInterval}
		},
		set: func(p *Port, d ptp.ManagementData) error {
			li := d.(*ptp.LogMinPdelayReqIntervalTLV).LogMinPdelayReqInterval
			if err := checkLogInterval(li, -7, 5); err != nil {
				return err
			}
			p.cfg.Port.LogMinPdelayReqInterval = li
			return nil
		},
	},
}

func checkLogInterval(li ptp.LogInterval, lo, hi ptp.LogInterval) error {
	if li < lo || li > hi {
		return fmt.Errorf("log interval %d outside [%d, %d]: %w", li, lo, hi, ptp.ErrorWrongValue)
	}
	return nil
}

// handleManagement answers GET, SET and COMMAND addressed to this port
func (p *Port) handleManagement(m *ptp.Management) {
	action := m.Action()
	p.logReceive(ptp.MessageManagement, "seq=%d, action=%s, from=%s", m.SequenceID, action, m.SourcePortIdentity)
	if action != ptp.GET && action != ptp.SET && action != ptp.COMMAND {
		p.stats.IncDropped()
		return
	}
	if !p.identity.Matches(m.TargetPortIdentity) || len(m.TLVs) == 0 {
		p.stats.IncDropped()
		return
	}
	tlv, ok := m.TLVs[0].(*ptp.ManagementTLV)
	if !ok {
		p.stats.IncDropped()
		return
	}
	p.stats.IncManagement()

	replyAction := ptp.RESPONSE
	if action == ptp.COMMAND {
		replyAction = ptp.ACKNOWLEDGE
	}
	var reply ptp.TLV
	data, err := p.manage(action, tlv)
	if err == nil {
		out := &ptp.ManagementTLV{ManagementID: tlv.ManagementID}
		if data != nil {
			out.Data, err = ptp.EncodeManagementData(data)
		}
		reply = out
	}
	if err != nil {
		var id ptp.ManagementErrorID
		if !errors.As(err, &id) {
			id = ptp.ErrorGeneralError
		}
		log.Debugf("port %d: management %s %s failed: %v", p.identity.PortNumber, action, tlv.ManagementID, err)
		reply = &ptp.ManagementErrorStatusTLV{ManagementErrorID: id, ManagementID: tlv.ManagementID}
	}
	resp := ptp.NewManagement(p.identity, m.SourcePortIdentity, m.DomainNumber, m.SequenceID, replyAction, reply)
	resp.StartingBoundaryHops = m.StartingBoundaryHops - m.BoundaryHops
	resp.BoundaryHops = resp.StartingBoundaryHops
	_, _ = p.send(resp)
}

// manage performs action on the id and returns data to respond with
func (p *Port) manage(action ptp.Action, tlv *ptp.ManagementTLV) (ptp.ManagementData, error) {
	id := tlv.ManagementID
	h, ok := mgmtHandlers[id]
	if !ok {
		if ptp.KnownManagementID(id) {
			return nil, ptp.ErrorNotSupported
		}
		return nil, ptp.ErrorNoSuchID
	}
	switch action {
	case ptp.GET:
		if h.get == nil {
			return nil, ptp.ErrorNotSupported
		}
		return h.get(p), nil
	case ptp.SET:
		if h.set == nil {
			if h.get != nil {
				return nil, ptp.ErrorNotSetable
			}
			return nil, ptp.ErrorNotSupported
		}
		d, err := ptp.DecodeManagementData(id, tlv.Data)
		if err != nil {
			return nil, err
		}
		if err := h.set(p, d); err != nil {
			return nil, err
		}
		return h.get(p), nil
	case ptp.COMMAND:
		if h.command == nil {
			return nil, ptp.ErrorNotSupported
		}
		d, err := ptp.DecodeManagementData(id, tlv.Data)
		if err != nil {
			return nil, err
		}
		return d, h.command(p, d)
	}
	return nil, ptp.ErrorNotSupported
}

// datasetsChanged re-advertises local data sets and re-runs state decision
func (p *Port) datasetsChanged() {
	if p.state == ptp.PortStateMaster || p.state == ptp.PortStatePreMaster {
		p.applyLocalDatasets()
	}
	if len(p.foreign.Qualified(p.uptime)) > 0 {
		p.stateDecision()
	}
}

func (p *Port) setSlaveOnly(slaveOnly bool) {
	p.cfg.Clock.SlaveOnly = slaveOnly
	switch {
	case slaveOnly:
		p.cfg.Clock.ClockClass = ptp.ClockClassSlaveOnly
	case p.cfg.Clock.ClockClass == ptp.ClockClassSlaveOnly:
		p.cfg.Clock.ClockClass = ptp.ClockClassDefault
	}
	p.datasetsChanged()
	if slaveOnly && (p.state == ptp.PortStateMaster || p.state == ptp.PortStatePreMaster) {
		p.toState(ptp.PortStateListening)
	}
}

func (p *Port) clockDescription() ptp.ManagementData {
	addr := ptp.PortAddress{NetworkProtocol: p.cfg.Network.Transport}
	switch p.cfg.Network.Transport {
	case ptp.TransportTypeUDPIPV4:
		addr.AddressField = net.ParseIP(p.cfg.Network.SourceIP).To4()
	case ptp.TransportTypeUDPIPV6:
		addr.AddressField = net.ParseIP(p.cfg.Network.SourceIP).To16()
	default:
		addr.NetworkProtocol = ptp.TransportTypeIEEE8023
		addr.AddressField = []byte(p.mac)
	}
	addr.AddressLength = uint16(len(addr.AddressField))
	profile := profileDefaultE2E
	if p.p2p() {
		profile = profileDefaultP2P
	}
	return &ptp.ClockDescriptionTLV{
		ClockType:             ptp.ClockTypeOrdinary,
		PhysicalLayerProtocol: "IEEE 802.3",
		PhysicalAddress:       []byte(p.mac),
		ProtocolAddress:       addr,
		ProductDescription:    ";;ptpd",
		RevisionData:          ";;2.3",
		UserDescription:       ptp.PTPText(p.userDescription),
		ProfileIdentity:       profile,
	}
}

func (p *Port) defaultDataSet() ptp.ManagementData {
	local := p.localDataset()
	var sotsc uint8
	if p.cfg.Clock.TwoStep {
		sotsc |= ptp.DefaultDataSetTwoStep
	}
	if p.cfg.Clock.SlaveOnly {
		sotsc |= ptp.DefaultDataSetSlaveOnly
	}
	return &ptp.DefaultDataSetTLV{
		SoTSC:         sotsc,
		NumberPorts:   1,
		Priority1:     local.Priority1,
		ClockQuality:  local.ClockQuality,
		Priority2:     local.Priority2,
		ClockIdentity: local.Identity,
		DomainNumber:  p.cfg.Clock.DomainNumber,
	}
}

func (p *Port) currentDataSet() ptp.ManagementData {
	return &ptp.CurrentDataSetTLV{
		StepsRemoved:     p.parent.stepsRemoved,
		OffsetFromMaster: ptp.NewTimeIntervalFromInternal(p.servo.OffsetFromMaster()),
		MeanPathDelay:    ptp.NewTimeIntervalFromInternal(p.servo.MeanPathDelay()),
	}
}

func (p *Port) parentDataSet() ptp.ManagementData {
	return &ptp.ParentDataSetTLV{
		ParentPortIdentity:                    p.parent.portIdentity,
		ObservedParentOffsetScaledLogVariance: 0xffff,
		ObservedParentClockPhaseChangeRate:    0x7fffffff,
		GrandmasterPriority1:                  p.parent.grandmasterPriority1,
		GrandmasterClockQuality:               p.parent.grandmasterQuality,
		GrandmasterPriority2:                  p.parent.grandmasterPriority2,
		GrandmasterIdentity:                   p.parent.grandmasterIdentity,
	}
}

func (p *Port) timePropertiesDataSet() ptp.ManagementData {
	return &ptp.TimePropertiesDataSetTLV{
		CurrentUTCOffset: p.timeProps.currentUTCOffset,
		Flags:            p.timeProps.flags,
		TimeSource:       p.timeProps.timeSource,
	}
}

func (p *Port) portDataSet() ptp.ManagementData {
	ds := &ptp.PortDataSetTLV{
		PortIdentity:            p.identity,
		PortState:               p.state,
		LogMinDelayReqInterval:  p.cfg.Port.LogMinDelayReqInterval,
		LogAnnounceInterval:     p.cfg.Port.LogAnnounceInterval,
		AnnounceReceiptTimeout:  p.cfg.Port.AnnounceReceiptTimeout,
		LogSyncInterval:         p.cfg.Port.LogSyncInterval,
		DelayMechanism:          p.cfg.Port.DelayMechanism,
		LogMinPdelayReqInterval: p.cfg.Port.LogMinPdelayReqInterval,
		VersionNumber:           ptp.Version,
	}
	if p.p2p() {
		ds.PeerMeanPathDelay = ptp.NewTimeIntervalFromInternal(p.servo.MeanPathDelay())
	}
	return ds
}
