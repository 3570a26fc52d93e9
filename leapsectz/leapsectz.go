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
Package leapsectz reads leap second history from the system time zone database
and answers what a grandmaster should advertise about UTC at a given moment.

Only the leap second records of TZif files are used. Version 1 files are read
from the first block, version 2 and 3 files from the second one with 64 bit times.
*/
package leapsectz

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"
)

// DefaultFile is the zoneinfo file with leap second records on most Linux distributions
const DefaultFile = "/usr/share/zoneinfo/right/UTC"

// TAI-UTC before the first leap second of 1972
const initialOffset = 10

const magic = "TZif"

var (
	errBadData            = errors.New("malformed time zone information")
	errUnsupportedVersion = errors.New("unsupported version")
	errNoLeapSeconds      = errors.New("no leap seconds information found")
)

// LeapSecond is a single leap second record. Tleap is counted in the
// leap-second-aware "right" timescale, Nleap is the total correction after it.
type LeapSecond struct {
	Tleap uint64
	Nleap int32
}

// Time returns the UTC instant at which the correction takes effect
func (l LeapSecond) Time() time.Time {
	return time.Unix(int64(l.Tleap)-int64(l.Nleap)+1, 0).UTC()
}

// header follows the version byte and 15 bytes of padding
type header struct {
	IsUtcCnt uint32
	IsStdCnt uint32
	LeapCnt  uint32
	TimeCnt  uint32
	TypeCnt  uint32
	CharCnt  uint32
}

// Parse returns the list of leap seconds from path, DefaultFile if path is empty
func Parse(path string) ([]LeapSecond, error) {
	if path == "" {
		path = DefaultFile
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ls, err := parse(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return ls, nil
}

func readHeader(r io.Reader) (byte, header, error) {
	var hdr header
	lead := make([]byte, 20)
	if _, err := io.ReadFull(r, lead); err != nil {
		return 0, hdr, errBadData
	}
	if string(lead[:4]) != magic {
		return 0, hdr, errBadData
	}
	version := lead[4]
	if version != 0 && version != '2' && version != '3' {
		return 0, hdr, errUnsupportedVersion
	}
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return 0, hdr, errBadData
	}
	return version, hdr, nil
}

func skip(r io.Reader, n int) error {
	if n == 0 {
		return nil
	}
	if c, _ := io.CopyN(io.Discard, r, int64(n)); c != int64(n) {
		return errBadData
	}
	return nil
}

func parse(r io.Reader) ([]LeapSecond, error) {
	version, hdr, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	// transition times and their types, local time types, designations
	timeSize := 4
	if version != 0 {
		// v1 block is kept for old readers, the data we want follows it
		v1 := int(hdr.TimeCnt)*5 + int(hdr.TypeCnt)*6 + int(hdr.CharCnt) + int(hdr.LeapCnt)*8 + int(hdr.IsUtcCnt) + int(hdr.IsStdCnt)
		if err := skip(r, v1); err != nil {
			return nil, err
		}
		if _, hdr, err = readHeader(r); err != nil {
			return nil, err
		}
		timeSize = 8
	}
	if err := skip(r, int(hdr.TimeCnt)*(timeSize+1)+int(hdr.TypeCnt)*6+int(hdr.CharCnt)); err != nil {
		return nil, err
	}
	res := make([]LeapSecond, 0, hdr.LeapCnt)
	for i := 0; i < int(hdr.LeapCnt); i++ {
		var l LeapSecond
		if timeSize == 4 {
			var rec [2]uint32
			if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
				return nil, errBadData
			}
			l = LeapSecond{Tleap: uint64(rec[0]), Nleap: int32(rec[1])}
		} else if err := binary.Read(r, binary.BigEndian, &l); err != nil {
			return nil, errBadData
		}
		res = append(res, l)
	}
	if len(res) == 0 {
		return nil, errNoLeapSeconds
	}
	return res, nil
}

// Write produces a version 1 TZif file holding ls only
func Write(w io.Writer, ls []LeapSecond) error {
	const name = "UTC\x00"
	var buf bytes.Buffer
	buf.WriteString(magic)
	buf.Write(make([]byte, 16))
	hdr := header{
		LeapCnt: uint32(len(ls)),
		TypeCnt: 1,
		CharCnt: uint32(len(name)),
	}
	_ = binary.Write(&buf, binary.BigEndian, hdr)
	// the mandatory local time type record
	buf.Write(make([]byte, 6))
	buf.WriteString(name)
	for _, l := range ls {
		_ = binary.Write(&buf, binary.BigEndian, [2]uint32{uint32(l.Tleap), uint32(l.Nleap)})
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// Table answers UTC questions from a leap second history
type Table struct {
	leaps []LeapSecond
}

// NewTable returns Table of ls, which may come in any order
func NewTable(ls []LeapSecond) *Table {
	sorted := append([]LeapSecond(nil), ls...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Tleap < sorted[j].Tleap })
	return &Table{leaps: sorted}
}

// Load parses path into Table
func Load(path string) (*Table, error) {
	ls, err := Parse(path)
	if err != nil {
		return nil, err
	}
	return NewTable(ls), nil
}

// UTCOffset returns TAI-UTC in seconds at UTC instant t
func (t *Table) UTCOffset(at time.Time) int16 {
	offset := int16(initialOffset)
	for _, l := range t.leaps {
		if l.Time().After(at) {
			break
		}
		offset = int16(initialOffset + l.Nleap)
	}
	return offset
}

// Pending reports whether the next leap second happens within window after UTC instant at,
// and whether it inserts (leap61) or deletes (leap59) a second
func (t *Table) Pending(at time.Time, window time.Duration) (leap61, leap59 bool) {
	prev := int32(0)
	for _, l := range t.leaps {
		when := l.Time()
		if !when.After(at) {
			prev = l.Nleap
			continue
		}
		if when.Sub(at) > window {
			return false, false
		}
		return l.Nleap > prev, l.Nleap < prev
	}
	return false, false
}
