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
Package protocol implements the PTPv2 (IEEE 1588-2008) wire format.

All packets are split in two parts: Header (which is common) and body that is unique
for most packets (both in length and structure). Fixed size packets are plain structs
consumed by binary.Read/binary.Write, variable size ones (Signaling, Management)
implement encoding.BinaryMarshaler and encoding.BinaryUnmarshaler.
*/
package protocol

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
)

// Version is what version of PTP protocol we implement
const Version uint8 = 2

// MajorVersionMask selects versionPTP out of the version octet, upper nibble is minorVersionPTP
const MajorVersionMask uint8 = 0x0f

/* UDP port numbers
The UDP destination port of a PTP event message shall be 319.
The UDP destination port of a multicast PTP general message shall be 320.
*/
const (
	PortEvent   = 319
	PortGeneral = 320
)

// HeaderSize is the size of common PTP header
const HeaderSize = 34

const mgmtLogMessageInterval LogInterval = 0x7f // as per Table 24 Values of logMessageInterval field

// errors returned by decoding functions
var (
	ErrShortPacket        = errors.New("packet is too short")
	ErrLengthMismatch     = errors.New("messageLength exceeds packet size")
	ErrVersionMismatch    = errors.New("unsupported PTP version")
	ErrDomainMismatch     = errors.New("domain number mismatch")
	ErrUnsupportedMessage = errors.New("unsupported message type")
)

// minimal wire length of each message type, header included
var minMessageLength = map[MessageType]int{
	MessageSync:               44,
	MessageDelayReq:           44,
	MessagePDelayReq:          54,
	MessagePDelayResp:         54,
	MessageFollowUp:           44,
	MessageDelayResp:          54,
	MessagePDelayRespFollowUp: 54,
	MessageAnnounce:           64,
	MessageSignaling:          44,
	MessageManagement:         48,
}

// Header Table 18 Common message header
type Header struct {
	SdoIDAndMsgType     SdoIDAndMsgType // first 4 bits is transportSpecific, next 4 bytes are msgtype
	Version             uint8
	MessageLength       uint16
	DomainNumber        uint8
	MinorSdoID          uint8
	FlagField           uint16
	CorrectionField     Correction
	MessageTypeSpecific uint32
	SourcePortIdentity  PortIdentity
	SequenceID          uint16
	ControlField        uint8       // the use of this field is obsolete according to IEEE, unless it's ipv4
	LogMessageInterval  LogInterval // see Table 24 Values of logMessageInterval field
}

// MessageType returns MessageType
func (p *Header) MessageType() MessageType {
	return p.SdoIDAndMsgType.MsgType()
}

// SetSequence populates sequence field
func (p *Header) SetSequence(sequence uint16) {
	p.SequenceID = sequence
}

// Head returns the common header
func (p *Header) Head() *Header {
	return p
}

// TwoStep reports whether twoStepFlag is set
func (p *Header) TwoStep() bool {
	return p.FlagField&FlagTwoStep != 0
}

// flags used in FlagField as per Table 20 Values of flagField
const (
	// first octet
	FlagAlternateMaster  uint16 = 1 << (8 + 0)
	FlagTwoStep          uint16 = 1 << (8 + 1)
	FlagUnicast          uint16 = 1 << (8 + 2)
	FlagProfileSpecific1 uint16 = 1 << (8 + 5)
	FlagProfileSpecific2 uint16 = 1 << (8 + 6)
	// second octet
	FlagLeap61                uint16 = 1 << 0
	FlagLeap59                uint16 = 1 << 1
	FlagCurrentUtcOffsetValid uint16 = 1 << 2
	FlagPTPTimescale          uint16 = 1 << 3
	FlagTimeTraceable         uint16 = 1 << 4
	FlagFrequencyTraceable    uint16 = 1 << 5
)

// controlField values, Table 23
const (
	ControlSync       uint8 = 0x0
	ControlDelayReq   uint8 = 0x1
	ControlFollowUp   uint8 = 0x2
	ControlDelayResp  uint8 = 0x3
	ControlManagement uint8 = 0x4
	ControlOther      uint8 = 0x5
)

// ControlFieldFor returns controlField value the message type is sent with
func ControlFieldFor(t MessageType) uint8 {
	switch t {
	case MessageSync:
		return ControlSync
	case MessageDelayReq:
		return ControlDelayReq
	case MessageFollowUp:
		return ControlFollowUp
	case MessageDelayResp:
		return ControlDelayResp
	case MessageManagement:
		return ControlManagement
	}
	return ControlOther
}

// AnnounceBody Table 25 Announce message fields
type AnnounceBody struct {
	OriginTimestamp         Timestamp
	CurrentUTCOffset        int16
	Reserved                uint8
	GrandmasterPriority1    uint8
	GrandmasterClockQuality ClockQuality
	GrandmasterPriority2    uint8
	GrandmasterIdentity     ClockIdentity
	StepsRemoved            uint16
	TimeSource              TimeSource
}

// Announce is a full Announce packet
type Announce struct {
	Header
	AnnounceBody
}

// SyncDelayReqBody Table 26 Sync and Delay_Req message fields
type SyncDelayReqBody struct {
	OriginTimestamp Timestamp
}

// SyncDelayReq is a full Sync/Delay_Req packet
type SyncDelayReq struct {
	Header
	SyncDelayReqBody
}

// FollowUpBody Table 27 Follow_Up message fields
type FollowUpBody struct {
	PreciseOriginTimestamp Timestamp
}

// FollowUp is a full Follow_Up packet
type FollowUp struct {
	Header
	FollowUpBody
}

// DelayRespBody Table 28 Delay_Resp message fields
type DelayRespBody struct {
	ReceiveTimestamp       Timestamp
	RequestingPortIdentity PortIdentity
}

// DelayResp is a full Delay_Resp packet
type DelayResp struct {
	Header
	DelayRespBody
}

// PDelayReqBody Table 29 Pdelay_Req message fields
type PDelayReqBody struct {
	OriginTimestamp Timestamp
	Reserved        [10]uint8
}

// PDelayReq is a full Pdelay_Req packet
type PDelayReq struct {
	Header
	PDelayReqBody
}

// PDelayRespBody Table 30 Pdelay_Resp message fields
type PDelayRespBody struct {
	RequestReceiptTimestamp Timestamp
	RequestingPortIdentity  PortIdentity
}

// PDelayResp is a full Pdelay_Resp packet
type PDelayResp struct {
	Header
	PDelayRespBody
}

// PDelayRespFollowUpBody Table 31 Pdelay_Resp_Follow_Up message fields
type PDelayRespFollowUpBody struct {
	ResponseOriginTimestamp Timestamp
	RequestingPortIdentity  PortIdentity
}

// PDelayRespFollowUp is a full Pdelay_Resp_Follow_Up packet
type PDelayRespFollowUp struct {
	Header
	PDelayRespFollowUpBody
}

// Packet is an iterface to abstract all different packets
type Packet interface {
	MessageType() MessageType
	SetSequence(uint16)
	Head() *Header
}

// Bytes converts any packet to []bytes
func Bytes(p Packet) ([]byte, error) {
	// interface smuggling
	if pp, ok := p.(encoding.BinaryMarshaler); ok {
		return pp.MarshalBinary()
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FromBytes parses []byte into any packet
func FromBytes(rawBytes []byte, p Packet) error {
	// interface smuggling
	if pp, ok := p.(encoding.BinaryUnmarshaler); ok {
		return pp.UnmarshalBinary(rawBytes)
	}
	reader := bytes.NewReader(rawBytes)
	if err := binary.Read(reader, binary.BigEndian, p); err != nil {
		return fmt.Errorf("reading %s: %w", p.MessageType(), ErrShortPacket)
	}
	return nil
}

// DecodePacket provides single entry point to try and decode any []bytes to PTPv2 packet.
// Resulting Packet user can then either switch based on MessageType(), or just with type switch.
func DecodePacket(b []byte) (Packet, error) {
	head := &Header{}
	if err := unmarshalHeader(head, b); err != nil {
		return nil, err
	}
	if err := checkPacketLength(head, len(b)); err != nil {
		return nil, err
	}
	msgType := head.MessageType()
	var p Packet
	switch msgType {
	case MessageSync, MessageDelayReq:
		p = &SyncDelayReq{}
	case MessagePDelayReq:
		p = &PDelayReq{}
	case MessagePDelayResp:
		p = &PDelayResp{}
	case MessageFollowUp:
		p = &FollowUp{}
	case MessageDelayResp:
		p = &DelayResp{}
	case MessagePDelayRespFollowUp:
		p = &PDelayRespFollowUp{}
	case MessageAnnounce:
		p = &Announce{}
	case MessageSignaling:
		p = &Signaling{}
	case MessageManagement:
		p = &Management{}
	default:
		return nil, fmt.Errorf("message type %d: %w", msgType, ErrUnsupportedMessage)
	}

	if err := FromBytes(b, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeForDomain validates the raw message against version and domain before decoding it.
// Only messages passing these checks should reach the port state machine.
func DecodeForDomain(b []byte, domain uint8) (Packet, error) {
	head := &Header{}
	if err := unmarshalHeader(head, b); err != nil {
		return nil, err
	}
	if v := head.Version & MajorVersionMask; v != Version {
		return nil, fmt.Errorf("got version %d: %w", v, ErrVersionMismatch)
	}
	if head.DomainNumber != domain {
		return nil, fmt.Errorf("got domain %d, want %d: %w", head.DomainNumber, domain, ErrDomainMismatch)
	}
	return DecodePacket(b)
}

func headerMarshalBinaryTo(p *Header, b []byte) int {
	b[0] = byte(p.SdoIDAndMsgType)
	b[1] = p.Version
	binary.BigEndian.PutUint16(b[2:], p.MessageLength)
	b[4] = p.DomainNumber
	b[5] = p.MinorSdoID
	binary.BigEndian.PutUint16(b[6:], p.FlagField)
	binary.BigEndian.PutUint64(b[8:], uint64(p.CorrectionField))
	binary.BigEndian.PutUint32(b[16:], p.MessageTypeSpecific)
	binary.BigEndian.PutUint64(b[20:], uint64(p.SourcePortIdentity.ClockIdentity))
	binary.BigEndian.PutUint16(b[28:], p.SourcePortIdentity.PortNumber)
	binary.BigEndian.PutUint16(b[30:], p.SequenceID)
	b[32] = p.ControlField
	b[33] = byte(p.LogMessageInterval)
	return HeaderSize
}

func unmarshalHeader(p *Header, b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("decoding header from %d bytes: %w", len(b), ErrShortPacket)
	}
	p.SdoIDAndMsgType = SdoIDAndMsgType(b[0])
	p.Version = b[1]
	p.MessageLength = binary.BigEndian.Uint16(b[2:])
	p.DomainNumber = b[4]
	p.MinorSdoID = b[5]
	p.FlagField = binary.BigEndian.Uint16(b[6:])
	p.CorrectionField = Correction(binary.BigEndian.Uint64(b[8:]))
	p.MessageTypeSpecific = binary.BigEndian.Uint32(b[16:])
	p.SourcePortIdentity.ClockIdentity = ClockIdentity(binary.BigEndian.Uint64(b[20:]))
	p.SourcePortIdentity.PortNumber = binary.BigEndian.Uint16(b[28:])
	p.SequenceID = binary.BigEndian.Uint16(b[30:])
	p.ControlField = b[32]
	p.LogMessageInterval = LogInterval(b[33])
	return nil
}

// checkPacketLength makes sure claimed length fits into the buffer and is enough for the message type
func checkPacketLength(p *Header, l int) error {
	if int(p.MessageLength) > l {
		return fmt.Errorf("claimed length %d, got %d bytes: %w", p.MessageLength, l, ErrLengthMismatch)
	}
	if min, ok := minMessageLength[p.MessageType()]; ok && int(p.MessageLength) < min {
		return fmt.Errorf("%s needs at least %d bytes, claimed %d: %w", p.MessageType(), min, p.MessageLength, ErrShortPacket)
	}
	return nil
}
