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

package protocol

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"
)

// ManagementData is a typed dataField of a MANAGEMENT TLV
type ManagementData interface {
	MgmtID() ManagementID
}

// flags used by SLAVE_ONLY, UTC_PROPERTIES and TRACEABILITY_PROPERTIES data fields
const (
	MgmtFlagSlaveOnly          uint8 = 1 << 0
	MgmtFlagLeap61             uint8 = 1 << 0
	MgmtFlagLeap59             uint8 = 1 << 1
	MgmtFlagUtcOffsetValid     uint8 = 1 << 2
	MgmtFlagPTPTimescale       uint8 = 1 << 3
	MgmtFlagTimeTraceable      uint8 = 1 << 4
	MgmtFlagFrequencyTraceable uint8 = 1 << 5
)

// flags of DefaultDataSetTLV SoTSC field
const (
	DefaultDataSetTwoStep   uint8 = 1 << 0
	DefaultDataSetSlaveOnly uint8 = 1 << 1
)

// DefaultDataSetTLV Table 50 DEFAULT_DATA_SET management TLV data field
// size = 20 bytes
type DefaultDataSetTLV struct {
	SoTSC         uint8
	Reserved0     uint8
	NumberPorts   uint16
	Priority1     uint8
	ClockQuality  ClockQuality
	Priority2     uint8
	ClockIdentity ClockIdentity
	DomainNumber  uint8
	Reserved1     uint8
}

// MgmtID implements ManagementData
func (*DefaultDataSetTLV) MgmtID() ManagementID { return IDDefaultDataSet }

// CurrentDataSetTLV Table 55 CURRENT_DATA_SET management TLV data field
// size = 18 bytes
type CurrentDataSetTLV struct {
	StepsRemoved     uint16
	OffsetFromMaster TimeInterval
	MeanPathDelay    TimeInterval
}

// MgmtID implements ManagementData
func (*CurrentDataSetTLV) MgmtID() ManagementID { return IDCurrentDataSet }

// ParentDataSetTLV Table 56 PARENT_DATA_SET management TLV data field
// size = 32 bytes
type ParentDataSetTLV struct {
	ParentPortIdentity                    PortIdentity
	PS                                    uint8
	Reserved                              uint8
	ObservedParentOffsetScaledLogVariance uint16
	ObservedParentClockPhaseChangeRate    uint32
	GrandmasterPriority1                  uint8
	GrandmasterClockQuality               ClockQuality
	GrandmasterPriority2                  uint8
	GrandmasterIdentity                   ClockIdentity
}

// MgmtID implements ManagementData
func (*ParentDataSetTLV) MgmtID() ManagementID { return IDParentDataSet }

// TimePropertiesDataSetTLV Table 57 TIME_PROPERTIES_DATA_SET management TLV data field
type TimePropertiesDataSetTLV struct {
	CurrentUTCOffset int16
	Flags            uint8
	TimeSource       TimeSource
}

// MgmtID implements ManagementData
func (*TimePropertiesDataSetTLV) MgmtID() ManagementID { return IDTimePropertiesDataSet }

// PortDataSetTLV Table 61 PORT_DATA_SET management TLV data field
// size = 26 bytes
type PortDataSetTLV struct {
	PortIdentity            PortIdentity
	PortState               PortState
	LogMinDelayReqInterval  LogInterval
	PeerMeanPathDelay       TimeInterval
	LogAnnounceInterval     LogInterval
	AnnounceReceiptTimeout  uint8
	LogSyncInterval         LogInterval
	DelayMechanism          DelayMechanism
	LogMinPdelayReqInterval LogInterval
	VersionNumber           uint8 // lower nibble only
}

// MgmtID implements ManagementData
func (*PortDataSetTLV) MgmtID() ManagementID { return IDPortDataSet }

// Priority1TLV Table 51 PRIORITY1 management TLV data field
type Priority1TLV struct {
	Priority1 uint8
	Reserved  uint8
}

// MgmtID implements ManagementData
func (*Priority1TLV) MgmtID() ManagementID { return IDPriority1 }

// Priority2TLV Table 52 PRIORITY2 management TLV data field
type Priority2TLV struct {
	Priority2 uint8
	Reserved  uint8
}

// MgmtID implements ManagementData
func (*Priority2TLV) MgmtID() ManagementID { return IDPriority2 }

// DomainTLV Table 53 DOMAIN management TLV data field
type DomainTLV struct {
	DomainNumber uint8
	Reserved     uint8
}

// MgmtID implements ManagementData
func (*DomainTLV) MgmtID() ManagementID { return IDDomain }

// SlaveOnlyTLV Table 54 SLAVE_ONLY management TLV data field
type SlaveOnlyTLV struct {
	Flags    uint8
	Reserved uint8
}

// MgmtID implements ManagementData
func (*SlaveOnlyTLV) MgmtID() ManagementID { return IDSlaveOnly }

// LogAnnounceIntervalTLV Table 62 LOG_ANNOUNCE_INTERVAL management TLV data field
type LogAnnounceIntervalTLV struct {
	LogAnnounceInterval LogInterval
	Reserved            uint8
}

// MgmtID implements ManagementData
func (*LogAnnounceIntervalTLV) MgmtID() ManagementID { return IDLogAnnounceInterval }

// AnnounceReceiptTimeoutTLV Table 63 ANNOUNCE_RECEIPT_TIMEOUT management TLV data field
type AnnounceReceiptTimeoutTLV struct {
	AnnounceReceiptTimeout uint8
	Reserved               uint8
}

// MgmtID implements ManagementData
func (*AnnounceReceiptTimeoutTLV) MgmtID() ManagementID { return IDAnnounceReceiptTimeout }

// LogSyncIntervalTLV Table 64 LOG_SYNC_INTERVAL management TLV data field
type LogSyncIntervalTLV struct {
	LogSyncInterval LogInterval
	Reserved        uint8
}

// MgmtID implements ManagementData
func (*LogSyncIntervalTLV) MgmtID() ManagementID { return IDLogSyncInterval }

// VersionNumberTLV Table 67 VERSION_NUMBER management TLV data field
type VersionNumberTLV struct {
	VersionNumber uint8 // lower nibble only
	Reserved      uint8
}

// MgmtID implements ManagementData
func (*VersionNumberTLV) MgmtID() ManagementID { return IDVersionNumber }

// TimeTLV Table 48 TIME management TLV data field
type TimeTLV struct {
	CurrentTime Timestamp
}

// MgmtID implements ManagementData
func (*TimeTLV) MgmtID() ManagementID { return IDTime }

// ClockAccuracyTLV Table 49 CLOCK_ACCURACY management TLV data field
type ClockAccuracyTLV struct {
	ClockAccuracy ClockAccuracy
	Reserved      uint8
}

// MgmtID implements ManagementData
func (*ClockAccuracyTLV) MgmtID() ManagementID { return IDClockAccuracy }

// UtcPropertiesTLV Table 58 UTC_PROPERTIES management TLV data field
type UtcPropertiesTLV struct {
	CurrentUTCOffset int16
	Flags            uint8
	Reserved         uint8
}

// MgmtID implements ManagementData
func (*UtcPropertiesTLV) MgmtID() ManagementID { return IDUtcProperties }

// TraceabilityPropertiesTLV Table 59 TRACEABILITY_PROPERTIES management TLV data field
type TraceabilityPropertiesTLV struct {
	Flags    uint8
	Reserved uint8
}

// MgmtID implements ManagementData
func (*TraceabilityPropertiesTLV) MgmtID() ManagementID { return IDTraceabilityProperties }

// DelayMechanismTLV Table 65 DELAY_MECHANISM management TLV data field
type DelayMechanismTLV struct {
	DelayMechanism DelayMechanism
	Reserved       uint8
}

// MgmtID implements ManagementData
func (*DelayMechanismTLV) MgmtID() ManagementID { return IDDelayMechanism }

// LogMinPdelayReqIntervalTLV Table 66 LOG_MIN_PDELAY_REQ_INTERVAL management TLV data field
type LogMinPdelayReqIntervalTLV struct {
	LogMinPdelayReqInterval LogInterval
	Reserved                uint8
}

// MgmtID implements ManagementData
func (*LogMinPdelayReqIntervalTLV) MgmtID() ManagementID { return IDLogMinPdelayReqInterval }

// initialization keys, Table 45
const (
	InitializeEventKey uint16 = 0x0000
)

// InitializeTLV Table 44 INITIALIZE management TLV data field
type InitializeTLV struct {
	InitializationKey uint16
}

// MgmtID implements ManagementData
func (*InitializeTLV) MgmtID() ManagementID { return IDInitialize }

// UserDescriptionTLV Table 43 USER_DESCRIPTION management TLV data field
type UserDescriptionTLV struct {
	UserDescription PTPText
}

// MgmtID implements ManagementData
func (*UserDescriptionTLV) MgmtID() ManagementID { return IDUserDescription }

// MarshalBinary converts UserDescriptionTLV to []bytes
func (t *UserDescriptionTLV) MarshalBinary() ([]byte, error) {
	return t.UserDescription.MarshalBinary()
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *UserDescriptionTLV) UnmarshalBinary(b []byte) error {
	return t.UserDescription.UnmarshalBinary(b)
}

// ClockDescriptionTLV Table 41 CLOCK_DESCRIPTION management TLV data field
type ClockDescriptionTLV struct {
	ClockType             uint16
	PhysicalLayerProtocol PTPText
	PhysicalAddress       []byte
	ProtocolAddress       PortAddress
	ManufacturerIdentity  [3]uint8
	Reserved              uint8
	ProductDescription    PTPText
	RevisionData          PTPText
	UserDescription       PTPText
	ProfileIdentity       [6]uint8
}

// clockType bits, Table 42
const (
	ClockTypeOrdinary uint16 = 1 << 15
)

// MgmtID implements ManagementData
func (*ClockDescriptionTLV) MgmtID() ManagementID { return IDClockDescription }

// MarshalBinary converts ClockDescriptionTLV to []bytes
func (t *ClockDescriptionTLV) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	writeText := func(p PTPText) error {
		b, err := p.MarshalBinary()
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
	_ = binary.Write(&buf, binary.BigEndian, t.ClockType)
	if err := writeText(t.PhysicalLayerProtocol); err != nil {
		return nil, fmt.Errorf("writing physicalLayerProtocol: %w", err)
	}
	_ = binary.Write(&buf, binary.BigEndian, uint16(len(t.PhysicalAddress)))
	buf.Write(t.PhysicalAddress)
	pa, err := t.ProtocolAddress.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("writing protocolAddress: %w", err)
	}
	buf.Write(pa)
	buf.Write(t.ManufacturerIdentity[:])
	buf.WriteByte(t.Reserved)
	for _, p := range []PTPText{t.ProductDescription, t.RevisionData, t.UserDescription} {
		if err := writeText(p); err != nil {
			return nil, fmt.Errorf("writing description: %w", err)
		}
	}
	buf.Write(t.ProfileIdentity[:])
	return buf.Bytes(), nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *ClockDescriptionTLV) UnmarshalBinary(b []byte) error {
	pos := 0
	need := func(n int) error {
		if pos+n > len(b) {
			return fmt.Errorf("decoding CLOCK_DESCRIPTION at %d: %w", pos, ErrShortPacket)
		}
		return nil
	}
	readText := func(p *PTPText) error {
		if err := p.UnmarshalBinary(b[pos:]); err != nil {
			return err
		}
		pos += p.Size()
		return nil
	}
	if err := need(2); err != nil {
		return err
	}
	t.ClockType = binary.BigEndian.Uint16(b)
	pos = 2
	if err := readText(&t.PhysicalLayerProtocol); err != nil {
		return err
	}
	if err := need(2); err != nil {
		return err
	}
	l := int(binary.BigEndian.Uint16(b[pos:]))
	pos += 2
	if err := need(l); err != nil {
		return err
	}
	t.PhysicalAddress = append([]byte{}, b[pos:pos+l]...)
	pos += l
	if err := t.ProtocolAddress.UnmarshalBinary(b[pos:]); err != nil {
		return err
	}
	pos += 4 + int(t.ProtocolAddress.AddressLength)
	if err := need(4); err != nil {
		return err
	}
	copy(t.ManufacturerIdentity[:], b[pos:])
	t.Reserved = b[pos+3]
	pos += 4
	for _, p := range []*PTPText{&t.ProductDescription, &t.RevisionData, &t.UserDescription} {
		if err := readText(p); err != nil {
			return err
		}
	}
	if err := need(6); err != nil {
		return err
	}
	copy(t.ProfileIdentity[:], b[pos:])
	return nil
}

// constructors of typed data per management id. IDs with empty dataField are mapped to nil.
var mgmtDataFactory = map[ManagementID]func() ManagementData{
	IDNullManagement:           nil,
	IDSaveInNonVolatileStorage: nil,
	IDResetNonVolatileStorage:  nil,
	IDEnablePort:               nil,
	IDDisablePort:              nil,
	IDClockDescription:         func() ManagementData { return &ClockDescriptionTLV{} },
	IDUserDescription:          func() ManagementData { return &UserDescriptionTLV{} },
	IDInitialize:               func() ManagementData { return &InitializeTLV{} },
	IDDefaultDataSet:           func() ManagementData { return &DefaultDataSetTLV{} },
	IDCurrentDataSet:           func() ManagementData { return &CurrentDataSetTLV{} },
	IDParentDataSet:            func() ManagementData { return &ParentDataSetTLV{} },
	IDTimePropertiesDataSet:    func() ManagementData { return &TimePropertiesDataSetTLV{} },
	IDPortDataSet:              func() ManagementData { return &PortDataSetTLV{} },
	IDPriority1:                func() ManagementData { return &Priority1TLV{} },
	IDPriority2:                func() ManagementData { return &Priority2TLV{} },
	IDDomain:                   func() ManagementData { return &DomainTLV{} },
	IDSlaveOnly:                func() ManagementData { return &SlaveOnlyTLV{} },
	IDLogAnnounceInterval:      func() ManagementData { return &LogAnnounceIntervalTLV{} },
	IDAnnounceReceiptTimeout:   func() ManagementData { return &AnnounceReceiptTimeoutTLV{} },
	IDLogSyncInterval:          func() ManagementData { return &LogSyncIntervalTLV{} },
	IDVersionNumber:            func() ManagementData { return &VersionNumberTLV{} },
	IDTime:                     func() ManagementData { return &TimeTLV{} },
	IDClockAccuracy:            func() ManagementData { return &ClockAccuracyTLV{} },
	IDUtcProperties:            func() ManagementData { return &UtcPropertiesTLV{} },
	IDTraceabilityProperties:   func() ManagementData { return &TraceabilityPropertiesTLV{} },
	IDDelayMechanism:           func() ManagementData { return &DelayMechanismTLV{} },
	IDLogMinPdelayReqInterval:  func() ManagementData { return &LogMinPdelayReqIntervalTLV{} },
}

// KnownManagementID reports whether we have a layout for the id
func KnownManagementID(id ManagementID) bool {
	_, ok := mgmtDataFactory[id]
	return ok
}

// DecodeManagementData decodes dataField of a MANAGEMENT TLV into typed struct.
// It returns nil data for ids that carry no dataField.
func DecodeManagementData(id ManagementID, data []byte) (ManagementData, error) {
	f, ok := mgmtDataFactory[id]
	if !ok {
		return nil, fmt.Errorf("decoding %s: %w", id, ErrorNoSuchID)
	}
	if f == nil {
		return nil, nil
	}
	d := f()
	if u, ok := d.(encoding.BinaryUnmarshaler); ok {
		if err := u.UnmarshalBinary(data); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", id, ErrorWrongLength)
		}
		return d, nil
	}
	if len(data) < binary.Size(d) {
		return nil, fmt.Errorf("decoding %s from %d bytes: %w", id, len(data), ErrorWrongLength)
	}
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, d); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", id, err)
	}
	return d, nil
}

// EncodeManagementData converts typed data to dataField bytes, padded to even length
func EncodeManagementData(d ManagementData) ([]byte, error) {
	var b []byte
	if m, ok := d.(encoding.BinaryMarshaler); ok {
		var err error
		if b, err = m.MarshalBinary(); err != nil {
			return nil, fmt.Errorf("encoding %s: %w", d.MgmtID(), err)
		}
	} else {
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.BigEndian, d); err != nil {
			return nil, fmt.Errorf("encoding %s: %w", d.MgmtID(), err)
		}
		b = buf.Bytes()
	}
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	return b, nil
}

// NewManagementTLV builds a MANAGEMENT TLV carrying typed data
func NewManagementTLV(d ManagementData) (*ManagementTLV, error) {
	b, err := EncodeManagementData(d)
	if err != nil {
		return nil, err
	}
	return &ManagementTLV{ManagementID: d.MgmtID(), Data: b}, nil
}
