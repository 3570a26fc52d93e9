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

package transport

import (
	"encoding/binary"
	"math/bits"
)

// IEEE 802.3 polynomial, MSB-first form
const crcPoly = 0x04C11DB7

// FCSSize is the size of Ethernet frame check sequence
const FCSSize = 4

// CRC32 computes the Ethernet CRC without a lookup table.
// Input bits are reversed and shifted MSB first, the register is reversed back at the end,
// which yields the same value as the reflected IEEE CRC-32.
func CRC32(data []byte) uint32 {
	crc := uint32(0xffffffff)
	for _, b := range data {
		crc ^= uint32(bits.Reverse8(b)) << 24
		for i := 0; i < 8; i++ {
			if crc&0x80000000 != 0 {
				crc = crc<<1 ^ crcPoly
			} else {
				crc <<= 1
			}
		}
	}
	return bits.Reverse32(crc) ^ 0xffffffff
}

// AppendFCS appends frame check sequence to the frame, least significant byte first as it goes on the wire
func AppendFCS(frame []byte) []byte {
	return binary.LittleEndian.AppendUint32(frame, CRC32(frame))
}

// CheckFCS verifies trailing frame check sequence and returns the frame without it
func CheckFCS(frame []byte) ([]byte, bool) {
	if len(frame) < FCSSize {
		return nil, false
	}
	body := frame[:len(frame)-FCSSize]
	return body, binary.LittleEndian.Uint32(frame[len(body):]) == CRC32(body)
}
