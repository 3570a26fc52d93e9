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

package leapsectz

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// first two and the latest leap seconds
var testLeaps = []LeapSecond{
	{Tleap: 78796800, Nleap: 1},
	{Tleap: 94694401, Nleap: 2},
	{Tleap: 1483228826, Nleap: 27},
}

func TestParseVersion2(t *testing.T) {
	v1 := []byte{
		'T', 'Z', 'i', 'f', '2', // magic, version
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, // pad
		0, 0, 0, 0, // UTC/local
		0, 0, 0, 0, // standard/wall
		0, 0, 0, 1, // leap
		0, 0, 0, 0, // transition
		0, 0, 0, 0, // local tz
		0, 0, 0, 0, // characters
		0x04, 0xb2, 0x58, 0x00, // leap time
		0, 0, 0, 1, // leap count
	}
	v2 := []byte{
		'T', 'Z', 'i', 'f', '2',
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 1,
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0,
		0, 0, 0, 0, 0x04, 0xb2, 0x58, 0x00, // 64 bit leap time
		0, 0, 0, 1,
		'\n', 'U', 'T', 'C', '\n', // footer is not read
	}
	ls, err := parse(bytes.NewReader(append(v1, v2...)))
	require.NoError(t, err)
	require.Equal(t, []LeapSecond{{Tleap: 78796800, Nleap: 1}}, ls)
	require.Equal(t, time.Date(1972, time.July, 1, 0, 0, 0, 0, time.UTC), ls[0].Time())
}

func TestWriteParse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, testLeaps))
	ls, err := parse(&buf)
	require.NoError(t, err)
	require.Equal(t, testLeaps, ls)

	path := filepath.Join(t.TempDir(), "leaps")
	var file bytes.Buffer
	require.NoError(t, Write(&file, testLeaps))
	require.NoError(t, os.WriteFile(path, file.Bytes(), 0o644))
	table, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int16(37), table.UTCOffset(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestParseErrors(t *testing.T) {
	_, err := parse(bytes.NewReader([]byte("TZ")))
	require.ErrorIs(t, err, errBadData)

	bad := append([]byte("TZif9"), make([]byte, 40)...)
	_, err = parse(bytes.NewReader(bad))
	require.ErrorIs(t, err, errUnsupportedVersion)

	var empty bytes.Buffer
	require.NoError(t, Write(&empty, nil))
	_, err = parse(&empty)
	require.ErrorIs(t, err, errNoLeapSeconds)

	_, err = Parse(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestTable(t *testing.T) {
	table := NewTable([]LeapSecond{testLeaps[2], testLeaps[0], testLeaps[1]})
	lastLeap := time.Date(2017, time.January, 1, 0, 0, 0, 0, time.UTC)
	require.Equal(t, lastLeap, testLeaps[2].Time())

	require.Equal(t, int16(10), table.UTCOffset(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, int16(11), table.UTCOffset(time.Date(1972, 7, 1, 0, 0, 0, 0, time.UTC)))
	// the fixture jumps straight from the 1973 leap to 2017
	require.Equal(t, int16(12), table.UTCOffset(lastLeap.Add(-time.Second)))
	require.Equal(t, int16(37), table.UTCOffset(lastLeap))

	recent := NewTable([]LeapSecond{{Tleap: 1435708825, Nleap: 26}, testLeaps[2]})
	require.Equal(t, time.Date(2015, time.July, 1, 0, 0, 0, 0, time.UTC), recent.leaps[0].Time())
	require.Equal(t, int16(36), recent.UTCOffset(lastLeap.Add(-time.Second)))
	require.Equal(t, int16(37), recent.UTCOffset(lastLeap))

	leap61, leap59 := table.Pending(lastLeap.Add(-time.Hour), 12*time.Hour)
	require.True(t, leap61)
	require.False(t, leap59)

	leap61, _ = table.Pending(lastLeap.Add(-13*time.Hour), 12*time.Hour)
	require.False(t, leap61)

	leap61, _ = table.Pending(lastLeap, 12*time.Hour)
	require.False(t, leap61)

	negative := NewTable([]LeapSecond{{Tleap: 1000, Nleap: 1}, {Tleap: 2000, Nleap: 0}})
	leap61, leap59 = negative.Pending(time.Unix(1990, 0), time.Minute)
	require.False(t, leap61)
	require.True(t, leap59)
}
