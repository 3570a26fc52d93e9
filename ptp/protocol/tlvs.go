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

// BinaryMarshalerTo is an interface implemented by an object that can marshal itself into a binary form into provided []byte
type BinaryMarshalerTo interface {
	MarshalBinaryTo([]byte) (int, error)
}

// TLV abstracts away any TLV
type TLV interface {
	Type() TLVType
	BinaryMarshalerTo
	// Size is the number of bytes TLV occupies on the wire, head included
	Size() int
}

const tlvHeadSize = 4

// TLVHead is a common part of all TLVs
type TLVHead struct {
	TLVType     TLVType
	LengthField uint16 // The length of all TLVs shall be an even number of octets
}

// Type implements TLV interface
func (t TLVHead) Type() TLVType {
	return t.TLVType
}

func tlvHeadMarshalBinaryTo(t *TLVHead, b []byte) {
	binary.BigEndian.PutUint16(b, uint16(t.TLVType))
	binary.BigEndian.PutUint16(b[2:], t.LengthField)
}

func unmarshalTLVHeader(p *TLVHead, b []byte) error {
	if len(b) < tlvHeadSize {
		return fmt.Errorf("decoding TLV header: %w", ErrShortPacket)
	}
	p.TLVType = TLVType(binary.BigEndian.Uint16(b[0:]))
	p.LengthField = binary.BigEndian.Uint16(b[2:])
	return nil
}

func checkTLVLength(p *TLVHead, l, want int, strict bool) error {
	if strict && int(p.LengthField) != want {
		return fmt.Errorf("expected TLV of type %s (%d) to have length of %d, got %d in the header", p.TLVType, p.TLVType, want, p.LengthField)
	}
	if int(p.LengthField) < want {
		return fmt.Errorf("expected TLV of type %s (%d) to have length of at least %d, got %d in the header", p.TLVType, p.TLVType, want, p.LengthField)
	}
	if tlvHeadSize+int(p.LengthField) > l {
		return fmt.Errorf("cannot decode TLV of length %d from %d bytes: %w", tlvHeadSize+int(p.LengthField), l, ErrShortPacket)
	}
	return nil
}

// UnknownTLV holds a TLV we have no decoder for. It's kept so forwarding and counting still work.
type UnknownTLV struct {
	TLVHead
	Value []byte
}

// Size implements TLV interface
func (t *UnknownTLV) Size() int {
	return tlvHeadSize + len(t.Value)
}

// MarshalBinaryTo marshals UnknownTLV to bytes
func (t *UnknownTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < t.Size() {
		return 0, fmt.Errorf("writing TLV %d: %w", t.TLVType, ErrShortPacket)
	}
	t.LengthField = uint16(len(t.Value))
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	copy(b[tlvHeadSize:], t.Value)
	return t.Size(), nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *UnknownTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 0, false); err != nil {
		return err
	}
	t.Value = make([]byte, t.LengthField)
	copy(t.Value, b[tlvHeadSize:])
	return nil
}

// PathTraceTLV Table 78 PATH_TRACE TLV format
type PathTraceTLV struct {
	TLVHead
	// The value of the lengthField is 8N.
	PathSequence []ClockIdentity // N
}

// Size implements TLV interface
func (t *PathTraceTLV) Size() int {
	return tlvHeadSize + 8*len(t.PathSequence)
}

// MarshalBinaryTo marshals bytes to PathTraceTLV
func (t *PathTraceTLV) MarshalBinaryTo(b []byte) (int, error) {
	if len(b) < t.Size() {
		return 0, fmt.Errorf("writing PATH_TRACE TLV: %w", ErrShortPacket)
	}
	t.LengthField = uint16(8 * len(t.PathSequence))
	tlvHeadMarshalBinaryTo(&t.TLVHead, b)
	pos := tlvHeadSize
	for _, ps := range t.PathSequence {
		binary.BigEndian.PutUint64(b[pos:pos+8], uint64(ps))
		pos += 8
	}
	return pos, nil
}

// UnmarshalBinary parses []byte and populates struct fields
func (t *PathTraceTLV) UnmarshalBinary(b []byte) error {
	if err := unmarshalTLVHeader(&t.TLVHead, b); err != nil {
		return err
	}
	if err := checkTLVLength(&t.TLVHead, len(b), 0, false); err != nil {
		return err
	}
	if t.LengthField%8 != 0 {
		return fmt.Errorf("PATH_TRACE TLV length %d is not a multiple of 8", t.LengthField)
	}
	t.PathSequence = make([]ClockIdentity, 0, t.LengthField/8)
	for pos := tlvHeadSize; pos < tlvHeadSize+int(t.LengthField); pos += 8 {
		t.PathSequence = append(t.PathSequence, ClockIdentity(binary.BigEndian.Uint64(b[pos:])))
	}
	return nil
}

func tlvsSize(tlvs []TLV) int {
	n := 0
	for _, tlv := range tlvs {
		n += tlv.Size()
	}
	return n
}

func writeTLVs(tlvs []TLV, b []byte) (int, error) {
	pos := 0
	for _, tlv := range tlvs {
		nn, err := tlv.MarshalBinaryTo(b[pos:])
		if err != nil {
			return 0, err
		}
		pos += nn
	}
	return pos, nil
}

// readTLVs decodes TLVs from the first maxLength bytes of b.
// Types we don't know are kept as UnknownTLV and skipped by their length.
func readTLVs(tlvs []TLV, maxLength int, b []byte) ([]TLV, error) {
	pos := 0
	if maxLength > len(b) {
		maxLength = len(b)
	}
	for {
		// packet can have trailing bytes, let's make sure we don't try to read past given length
		if pos+tlvHeadSize > maxLength {
			break
		}
		var tlv interface {
			TLV
			UnmarshalBinary([]byte) error
		}
		switch TLVType(binary.BigEndian.Uint16(b[pos:])) {
		case TLVManagement:
			tlv = &ManagementTLV{}
		case TLVManagementErrorStatus:
			tlv = &ManagementErrorStatusTLV{}
		case TLVPathTrace:
			tlv = &PathTraceTLV{}
		default:
			tlv = &UnknownTLV{}
		}
		if err := tlv.UnmarshalBinary(b[pos:maxLength]); err != nil {
			return tlvs, err
		}
		tlvs = append(tlvs, tlv)
		pos += tlvHeadSize + int(binary.BigEndian.Uint16(b[pos+2:]))
	}
	return tlvs, nil
}
