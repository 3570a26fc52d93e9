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
	"encoding/binary"
	"fmt"
)

// size of ManagementMsgHead on the wire
const mgmtHeadSize = HeaderSize + 14

// Action indicate the action to be taken on receipt of the PTP message as defined in Table 38
type Action uint8

// actions as in Table 38 Values of the actionField
const (
	GET Action = iota
	SET
	RESPONSE
	COMMAND
	ACKNOWLEDGE
)

// ActionToString is a map from Action to string
var ActionToString = map[Action]string{
	GET:         "GET",
	SET:         "SET",
	RESPONSE:    "RESPONSE",
	COMMAND:     "COMMAND",
	ACKNOWLEDGE: "ACKNOWLEDGE",
}

func (a Action) String() string {
	if s, ok := ActionToString[a]; ok {
		return s
	}
	return fmt.Sprintf("ACTION(%d)", uint8(a))
}

// ManagementID is type for Management IDs
type ManagementID uint16

// Management IDs, from Table 40 managementId values
const (
	IDNullManagement           ManagementID = 0x0000
	IDClockDescription         ManagementID = 0x0001
	IDUserDescription          ManagementID = 0x0002
	IDSaveInNonVolatileStorage ManagementID = 0x0003
	IDResetNonVolatileStorage  ManagementID = 0x0004
	IDInitialize               ManagementID = 0x0005
	IDFaultLog                 ManagementID = 0x0006
	IDFaultLogReset            ManagementID = 0x0007

	IDDefaultDataSet          ManagementID = 0x2000
	IDCurrentDataSet          ManagementID = 0x2001
	IDParentDataSet           ManagementID = 0x2002
	IDTimePropertiesDataSet   ManagementID = 0x2003
	IDPortDataSet             ManagementID = 0x2004
	IDPriority1               ManagementID = 0x2005
	IDPriority2               ManagementID = 0x2006
	IDDomain                  ManagementID = 0x2007
	IDSlaveOnly               ManagementID = 0x2008
	IDLogAnnounceInterval     ManagementID = 0x2009
	IDAnnounceReceiptTimeout  ManagementID = 0x200A
	IDLogSyncInterval         ManagementID = 0x200B
	IDVersionNumber           ManagementID = 0x200C
	IDEnablePort              ManagementID = 0x200D
	IDDisablePort             ManagementID = 0x200E
	IDTime                    ManagementID = 0x200F
	IDClockAccuracy           ManagementID = 0x2010
	IDUtcProperties           ManagementID = 0x2011
	IDTraceabilityProperties  ManagementID = 0x2012
	IDDelayMechanism          ManagementID = 0x6000
	IDLogMinPdelayReqInterval ManagementID = 0x6001
)

// ManagementIDToString is a map from ManagementID to string
var ManagementIDToString = map[ManagementID]string{
	IDNullManagement:           "NULL_MANAGEMENT",
	IDClockDescription:         "CLOCK_DESCRIPTION",
	IDUserDescription:          "USER_DESCRIPTION",
	IDSaveInNonVolatileStorage: "SAVE_IN_NON_VOLATILE_STORAGE",
	IDResetNonVolatileStorage:  "RESET_NON_VOLATILE_STORAGE",
	IDInitialize:               "INITIALIZE",
	IDFaultLog:                 "FAULT_LOG",
	IDFaultLogReset:            "FAULT_LOG_RESET",
	IDDefaultDataSet:           "DEFAULT_DATA_SET",
	IDCurrentDataSet:           "CURRENT_DATA_SET",
	IDParentDataSet:            "PARENT_DATA_SET",
	IDTimePropertiesDataSet:    "TIME_PROPERTIES_DATA_SET",
	IDPortDataSet:              "PORT_DATA_SET",
	IDPriority1:                "PRIORITY1",
	IDPriority2:                "PRIORITY2",
	IDDomain:                   "DOMAIN",
	IDSlaveOnly:                "SLAVE_ONLY",
	IDLogAnnounceInterval:      "LOG_ANNOUNCE_INTERVAL",
	IDAnnounceReceiptTimeout:   "ANNOUNCE_RECEIPT_TIMEOUT",
	IDLogSyncInterval:          "LOG_SYNC_INTERVAL",
	IDVersionNumber:            "VERSION_NUMBER",
	IDEnablePort:               "ENABLE_PORT",
	IDDisablePort:              "DISABLE_PORT",
	IDTime:                     "TIME",
	IDClockAccuracy:            "CLOCK_ACCURACY",
	IDUtcProperties:            "UTC_PROPERTIES",
	IDTraceabilityProperties:   "TRACEABILITY_PROPERTIES",
	IDDelayMechanism:           "DELAY_MECHANISM",
	IDLogMinPdelayReqInterval:  "LOG_MIN_PDELAY_REQ_INTERVAL",
}

func (m ManagementID) String() string {
	if s, ok := ManagementIDToString[m]; ok {
		return s
	}
	return fmt.Sprintf("MANAGEMENT_ID(0x%04x)", uint16(m))
}

// ManagementErrorID is an enum for possible management errors
type ManagementErrorID uint16

// Table 72 managementErrorId values
const (
	ErrorResponseTooBig ManagementErrorID = 0x0001 // The requested operation could not fit in a single response message
	ErrorNoSuchID       ManagementErrorID = 0x0002 // The managementId is not recognized
	ErrorWrongLength    ManagementErrorID = 0x0003 // The managementId was identified but the length of the data was wrong
	ErrorWrongValue     ManagementErrorID = 0x0004 // The managementId and length were correct but one or more values were wrong
	ErrorNotSetable     ManagementErrorID = 0x0005 // Some of the variables in the set command were not updated because they are not configurable
	ErrorNotSupported   ManagementErrorID = 0x0006 // The requested operation is not supported in this PTP Instance
	ErrorGeneralError   ManagementErrorID = 0xFFFE // An error occurred that is not covered by other ManagementErrorID values
)

// ManagementErrorIDToString is a map from ManagementErrorID to string
var ManagementErrorIDToString = map[ManagementErrorID]string{
	ErrorResponseTooBig: "RESPONSE_TOO_BIG",
	ErrorNoSuchID:       "NO_SUCH_ID",
	ErrorWrongLength:    "WRONG_LENGTH",
	ErrorWrongValue:     "WRONG_VALUE",
	ErrorNotSetable:     "NOT_SETABLE",
	ErrorNotSupported:   "NOT_SUPPORTED",
	ErrorGeneralError:   "GENERAL_ERROR",
}

func (t ManagementErrorID) String() string {
	s := ManagementErrorIDToString[t]
	if s == "" {
		return fmt.Sprintf("UNKNOWN_ERROR_ID=%d", t)
	}
	return s
}

func (t ManagementErrorID) Error() string {
	return t.String()
}

// ManagementMsgHead Table 37 Management message fields
type ManagementMsgHead struct {
	Header

	TargetPortIdentity   PortIdentity
	StartingBoundaryHops uint8
	BoundaryHops         uint8
	ActionField          Action // lower nibble only
	Reserved             uint8
}

// Action returns ActionField
func (p *ManagementMsgHead) Action() Action {
	return p.ActionField & 0x0f
}

// Management is a full Management packet, carrying any number of TLVs
type Management struct {
	ManagementMsgHead
	TLVs []TLV
}

// MarshalBinaryTo marshals Management to bytes and fills MessageLength
func (p *Management) MarshalBinaryTo(b []byte) (int, error) {
	size := mgmtHeadSize + tlvsSize(p.TLVs)
	if len(b) < size {
		return 0, fmt.Errorf("writing Management: %w", ErrShortPacket)
	}
	p.MessageLength = uint16(size)
	n := headerMarshalBinaryTo(&p.Header, b)
	binary.BigEndian.PutUint64(b[n:], uint64(p.TargetPortIdentity.ClockIdentity))
	binary.BigEndian.PutUint16(b[n+8:], p.TargetPortIdentity.PortNumber)
	b[n+10] = p.StartingBoundaryHops
	b[n+11] = p.BoundaryHops
	b[n+12] = byte(p.ActionField)
	b[n+13] = p.Reserved
	tlvLen, err := writeTLVs(p.TLVs, b[mgmtHeadSize:])
	return mgmtHeadSize + tlvLen, err
}

// MarshalBinary converts packet to []bytes
func (p *Management) MarshalBinary() ([]byte, error) {
	buf := make([]byte, mgmtHeadSize+tlvsSize(p.TLVs))
	n, err := p.MarshalBinaryTo(buf)
	return buf[:n], err
}

// UnmarshalBinary parses []byte and populates struct fields
func (p *Management) UnmarshalBinary(b []byte) error {
	if err := unmarshalHeader(&p.Header, b); err != nil {
		return err
	}
	if err := checkPacketLength(&p.Header, len(b)); err != nil {
		return err
	}
	if p.MessageType() != MessageManagement {
		return fmt.Errorf("not a management message: %s", p.MessageType())
	}
	if len(b) < mgmtHeadSize {
		return fmt.Errorf("decoding Management head: %w", ErrShortPacket)
	}
	n := HeaderSize
	p.TargetPortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b[n:]))
	p.TargetPortIdentity.PortNumber = binary.BigEndian.Uint16(b[n+8:])
	p.StartingBoundaryHops = b[n+10]
	p.BoundaryHops = b[n+11]
	p.ActionField = Action(b[n+12])
	p.Reserved = b[n+13]

	var err error
	p.TLVs, err = readTLVs(p.TLVs[:0], int(p.MessageLength)-mgmtHeadSize, b[mgmtHeadSize:])
	return err
}

// ManagementTLV Table 39 Management TLV fields, with dataField kept raw
type ManagementTLV struct {
	TLVHead
	ManagementID ManagementID
	Data         []byte
}

// Size implements TLV interface
func (t *ManagementTLV) Size() int {
	l := 2 + len(t.Data)
	return tlvHeadSize + l + l%2
}

// MarshalBinaryTo marshals ManagementTLV into b, padding data to even length
func (t *ManagementTLV) MarshalBinaryTo(b []byte) (int, error) {
	size := t.Size()
	if len(b) < size {
		return 0, fmt.Errorf("writing MANAGEMENT TLV: %w", ErrShortPacket)
	}
	t.TLVType = TLVManagement
	t.LengthField = uint16(size - tlvHeadSize)
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	binary.BigEndian.PutUint16(b[tlvHeadSize:], uint16(t.ManagementID))
	copy(b[tlvHeadSize+2:], t.Data)
	if (2+len(t.Data))%2 != 0 {
		b[size-1] = 0
	}
	return size, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *ManagementTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 2, false); err != nil {
		return err
	}
	t.ManagementID = ManagementID(binary.BigEndian.Uint16(b[tlvHeadSize:]))
	t.Data = make([]byte, int(t.LengthField)-2)
	copy(t.Data, b[tlvHeadSize+2:])
	return nil
}

// ManagementErrorStatusTLV Table 71 MANAGEMENT_ERROR_STATUS TLV format
type ManagementErrorStatusTLV struct {
	TLVHead

	ManagementErrorID ManagementErrorID
	ManagementID      ManagementID
	Reserved          int32
	DisplayData       PTPText
}

// Size implements TLV interface
func (t *ManagementErrorStatusTLV) Size() int {
	l := 8
	if t.DisplayData != "" {
		l += t.DisplayData.Size()
	}
	return tlvHeadSize + l + l%2
}

// MarshalBinaryTo marshals ManagementErrorStatusTLV into b
func (t *ManagementErrorStatusTLV) MarshalBinaryTo(b []byte) (int, error) {
	size := t.Size()
	if len(b) < size {
		return 0, fmt.Errorf("writing MANAGEMENT_ERROR_STATUS TLV: %w", ErrShortPacket)
	}
	t.TLVType = TLVManagementErrorStatus
	t.LengthField = uint16(size - tlvHeadSize)
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	binary.BigEndian.PutUint16(b[tlvHeadSize:], uint16(t.ManagementErrorID))
	binary.BigEndian.PutUint16(b[tlvHeadSize+2:], uint16(t.ManagementID))
	binary.BigEndian.PutUint32(b[tlvHeadSize+4:], uint32(t.Reserved))
	if t.DisplayData != "" {
		dd, err := t.DisplayData.MarshalBinary()
		if err != nil {
			return 0, fmt.Errorf("writing MANAGEMENT_ERROR_STATUS DisplayData: %w", err)
		}
		copy(b[tlvHeadSize+8:], dd)
		if len(dd)%2 != 0 {
			b[size-1] = 0
		}
	}
	return size, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *ManagementErrorStatusTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 8, false); err != nil {
		return err
	}
	t.ManagementErrorID = ManagementErrorID(binary.BigEndian.Uint16(b[tlvHeadSize:]))
	t.ManagementID = ManagementID(binary.BigEndian.Uint16(b[tlvHeadSize+2:]))
	t.Reserved = int32(binary.BigEndian.Uint32(b[tlvHeadSize+4:]))
	t.DisplayData = ""
	// DisplayData is completely optional
	if t.LengthField > 8 {
		if err := t.DisplayData.UnmarshalBinary(b[tlvHeadSize+8 : tlvHeadSize+int(t.LengthField)]); err != nil {
			return fmt.Errorf("reading MANAGEMENT_ERROR_STATUS DisplayData: %w", err)
		}
	}
	return nil
}

// NewManagement builds a management message with a single TLV
func NewManagement(source, target PortIdentity, domain uint8, seq uint16, action Action, tlv TLV) *Management {
	return &Management{
		ManagementMsgHead: ManagementMsgHead{
			Header: Header{
				SdoIDAndMsgType:    NewSdoIDAndMsgType(MessageManagement, 0),
				Version:            Version,
				DomainNumber:       domain,
				SourcePortIdentity: source,
				SequenceID:         seq,
				ControlField:       ControlManagement,
				LogMessageInterval: mgmtLogMessageInterval,
			},
			TargetPortIdentity: target,
			ActionField:        action,
		},
		TLVs: []TLV{tlv},
	}
}

// ManagementRequest builds a GET/SET/COMMAND request addressed to target. data can be nil.
func ManagementRequest(source, target PortIdentity, domain uint8, seq uint16, action Action, id ManagementID, data ManagementData) (*Management, error) {
	tlv := &ManagementTLV{ManagementID: id}
	if data != nil {
		b, err := EncodeManagementData(data)
		if err != nil {
			return nil, err
		}
		tlv.Data = b
	}
	return NewManagement(source, target, domain, seq, action, tlv), nil
}
