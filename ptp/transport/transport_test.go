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
	"bytes"
	"hash/crc32"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/net/bpf"

	"github.com/facebook/ptpd/ptp/internaltime"
	ptp "github.com/facebook/ptpd/ptp/protocol"
)

var (
	macA = net.HardwareAddr{0x0c, 0x42, 0xa1, 0x6d, 0x7c, 0xa6}
	macB = net.HardwareAddr{0x0c, 0x42, 0xa1, 0x6d, 0x7c, 0xa7}
	macC = net.HardwareAddr{0x0c, 0x42, 0xa1, 0x6d, 0x7c, 0xa8}
)

type fixedClock struct {
	now internaltime.Time
}

func (c *fixedClock) Get() (internaltime.Time, error) {
	return c.now, nil
}

func syncPayload(t *testing.T, msgType ptp.MessageType) []byte {
	p := &ptp.SyncDelayReq{
		Header: ptp.Header{
			SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(msgType, 0),
			Version:            ptp.Version,
			MessageLength:      44,
			SourcePortIdentity: ptp.PortIdentity{ClockIdentity: 1, PortNumber: 1},
			SequenceID:         5,
		},
	}
	b, err := ptp.Bytes(p)
	require.NoError(t, err)
	return b
}

func TestCRC32MatchesIEEE(t *testing.T) {
	require.Equal(t, uint32(0xcbf43926), CRC32([]byte("123456789")))
	inputs := [][]byte{
		{},
		{0x00},
		{0xff, 0xff, 0xff, 0xff},
		[]byte("precision time protocol"),
		bytes.Repeat([]byte{0xa5, 0x5a}, 700),
	}
	for _, in := range inputs {
		require.Equal(t, crc32.ChecksumIEEE(in), CRC32(in))
	}
}

func TestFCS(t *testing.T) {
	frame := AppendFCS([]byte("some frame body"))
	body, ok := CheckFCS(frame)
	require.True(t, ok)
	require.Equal(t, []byte("some frame body"), body)

	frame[3] ^= 0x10
	_, ok = CheckFCS(frame)
	require.False(t, ok)

	_, ok = CheckFCS([]byte{1, 2})
	require.False(t, ok)
}

func TestEncapsulationText(t *testing.T) {
	var e Encapsulation
	require.NoError(t, e.UnmarshalText([]byte("QinQ")))
	require.Equal(t, EncapsulationQinQ, e)
	require.Error(t, e.UnmarshalText([]byte("mpls")))
	txt, err := EncapsulationVLAN.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "vlan", string(txt))
}

func TestFrameRoundTrip(t *testing.T) {
	ctrl := gomock.NewController(t)
	link := NewMockLink(ctrl)
	link.EXPECT().HardwareAddr().Return(macA).AnyTimes()

	tests := []struct {
		name      string
		cfg       Config
		msgType   ptp.MessageType
		wantDst   net.HardwareAddr
		wantVLANs []uint16
	}{
		{
			name:    "plain sync",
			cfg:     Config{Transport: ptp.TransportTypeIEEE8023},
			msgType: ptp.MessageSync,
			wantDst: MulticastMAC,
		},
		{
			name:    "plain pdelay",
			cfg:     Config{Transport: ptp.TransportTypeIEEE8023},
			msgType: ptp.MessagePDelayReq,
			wantDst: PDelayMulticastMAC,
		},
		{
			name:      "vlan",
			cfg:       Config{Transport: ptp.TransportTypeIEEE8023, Encapsulation: EncapsulationVLAN, VLAN: 100, Priority: 7},
			msgType:   ptp.MessageSync,
			wantDst:   MulticastMAC,
			wantVLANs: []uint16{100},
		},
		{
			name:      "qinq with fcs",
			cfg:       Config{Transport: ptp.TransportTypeIEEE8023, Encapsulation: EncapsulationQinQ, VLAN: 100, OuterVLAN: 4000, FCS: true},
			msgType:   ptp.MessageDelayReq,
			wantDst:   MulticastMAC,
			wantVLANs: []uint16{4000, 100},
		},
		{
			name:    "udp4",
			cfg:     Config{Transport: ptp.TransportTypeUDPIPV4, SourceIP: net.IPv4(192, 168, 0, 1)},
			msgType: ptp.MessageSync,
			wantDst: net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x01, 0x81},
		},
		{
			name:    "udp4 pdelay",
			cfg:     Config{Transport: ptp.TransportTypeUDPIPV4},
			msgType: ptp.MessagePDelayReq,
			wantDst: net.HardwareAddr{0x01, 0x00, 0x5e, 0x00, 0x00, 0x6b},
		},
		{
			name:      "udp6 vlan",
			cfg:       Config{Transport: ptp.TransportTypeUDPIPV6, Encapsulation: EncapsulationVLAN, VLAN: 3},
			msgType:   ptp.MessageDelayReq,
			wantDst:   net.HardwareAddr{0x33, 0x33, 0x00, 0x00, 0x01, 0x81},
			wantVLANs: []uint16{3},
		},
		{
			name:    "unicast",
			cfg:     Config{Transport: ptp.TransportTypeIEEE8023, UnicastDestination: macB},
			msgType: ptp.MessageSync,
			wantDst: macB,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdapter(tt.cfg, link)
			payload := syncPayload(t, tt.msgType)
			frame, err := a.Frame(tt.msgType, payload)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(frame), 60)

			f, err := a.Parse(frame)
			require.NoError(t, err)
			require.Equal(t, payload, f.Payload)
			require.Equal(t, tt.msgType, f.MessageType)
			require.Equal(t, tt.wantDst, f.Destination)
			require.Equal(t, macA, f.Source)
			require.Equal(t, tt.wantVLANs, f.VLANs)
			require.Equal(t, tt.cfg.Transport, f.Transport)
		})
	}
}

func TestFrameTagLayout(t *testing.T) {
	ctrl := gomock.NewController(t)
	link := NewMockLink(ctrl)
	link.EXPECT().HardwareAddr().Return(macA).AnyTimes()

	a := NewAdapter(Config{Encapsulation: EncapsulationQinQ, VLAN: 10, OuterVLAN: 20, Priority: 5}, link)
	frame, err := a.Frame(ptp.MessageSync, syncPayload(t, ptp.MessageSync))
	require.NoError(t, err)
	require.Equal(t, []byte{0x88, 0xa8}, frame[12:14])
	// PCP 5, VID 20
	require.Equal(t, []byte{0xa0, 0x14}, frame[14:16])
	require.Equal(t, []byte{0x81, 0x00}, frame[16:18])
	require.Equal(t, []byte{0xa0, 0x0a}, frame[18:20])
	require.Equal(t, []byte{0x88, 0xf7}, frame[20:22])
}

func TestFrameDSCP(t *testing.T) {
	ctrl := gomock.NewController(t)
	link := NewMockLink(ctrl)
	link.EXPECT().HardwareAddr().Return(macA).AnyTimes()

	frame, err := NewAdapter(Config{Transport: ptp.TransportTypeUDPIPV4, DSCP: 46}, link).Frame(ptp.MessageSync, syncPayload(t, ptp.MessageSync))
	require.NoError(t, err)
	require.Equal(t, byte(0xb8), frame[15])

	frame, err = NewAdapter(Config{Transport: ptp.TransportTypeUDPIPV6, DSCP: 46}, link).Frame(ptp.MessageSync, syncPayload(t, ptp.MessageSync))
	require.NoError(t, err)
	require.Equal(t, []byte{0x6b, 0x80}, frame[14:16])
}

func TestAdapterSend(t *testing.T) {
	ctrl := gomock.NewController(t)
	link := NewMockLink(ctrl)
	ts := internaltime.New(10, 20)
	link.EXPECT().HardwareAddr().Return(macA)
	link.EXPECT().Send(gomock.Any()).DoAndReturn(func(frame []byte) (internaltime.Time, error) {
		f, err := Parse(frame, false)
		require.NoError(t, err)
		require.Equal(t, ptp.MessageDelayReq, f.MessageType)
		return ts, nil
	})
	a := NewAdapter(Config{}, link)
	got, err := a.Send(ptp.MessageDelayReq, syncPayload(t, ptp.MessageDelayReq))
	require.NoError(t, err)
	require.Equal(t, ts, got)
	require.NoError(t, a.Ready())
}

func TestParseErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	link := NewMockLink(ctrl)
	link.EXPECT().HardwareAddr().Return(macA).AnyTimes()

	a := NewAdapter(Config{FCS: true}, link)
	frame, err := a.Frame(ptp.MessageSync, syncPayload(t, ptp.MessageSync))
	require.NoError(t, err)
	frame[20] ^= 0xff
	_, err = a.Parse(frame)
	require.ErrorIs(t, err, ErrBadFCS)

	_, err = Parse([]byte{1, 2, 3}, false)
	require.ErrorIs(t, err, ErrShortFrame)

	arp := make([]byte, 60)
	copy(arp[12:], []byte{0x08, 0x06})
	_, err = Parse(arp, false)
	require.ErrorIs(t, err, ErrNotPTP)

	// PTP ethertype but truncated header
	short := make([]byte, 20)
	copy(short[12:], []byte{0x88, 0xf7})
	_, err = Parse(short, false)
	require.ErrorIs(t, err, ErrShortFrame)
}

func TestL2Filter(t *testing.T) {
	ctrl := gomock.NewController(t)
	link := NewMockLink(ctrl)
	link.EXPECT().HardwareAddr().Return(macA).AnyTimes()

	vm, err := bpf.NewVM(L2Filter(SnapshotLen))
	require.NoError(t, err)

	for _, cfg := range []Config{
		{},
		{Encapsulation: EncapsulationVLAN, VLAN: 1},
		{Encapsulation: EncapsulationQinQ, VLAN: 1, OuterVLAN: 2},
	} {
		frame, err := NewAdapter(cfg, link).Frame(ptp.MessageAnnounce, syncPayload(t, ptp.MessageSync))
		require.NoError(t, err)
		n, err := vm.Run(frame)
		require.NoError(t, err)
		require.Equal(t, SnapshotLen, n, cfg.Encapsulation.String())
	}

	udp, err := NewAdapter(Config{Transport: ptp.TransportTypeUDPIPV4}, link).Frame(ptp.MessageSync, syncPayload(t, ptp.MessageSync))
	require.NoError(t, err)
	n, err := vm.Run(udp)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	n, err = vm.Run([]byte{0x01, 0x02})
	require.NoError(t, err)
	require.Equal(t, 0, n)

	raw, err := AssembleL2Filter(SnapshotLen)
	require.NoError(t, err)
	require.Len(t, raw, 11)
}

func TestMemoryHub(t *testing.T) {
	hub := NewMemoryHub(time.Microsecond)
	var tap bytes.Buffer
	require.NoError(t, hub.SetTap(&tap))

	clockA := &fixedClock{now: internaltime.New(100, 0)}
	clockB := &fixedClock{now: internaltime.New(200, 0)}
	clockC := &fixedClock{now: internaltime.New(300, 0)}
	a := hub.Attach(macA, clockA, 4)
	b := hub.Attach(macB, clockB, 4)
	c := hub.Attach(macC, clockC, 4)

	sender := NewAdapter(Config{}, a)
	payload := syncPayload(t, ptp.MessageSync)
	sent, err := sender.Send(ptp.MessageSync, payload)
	require.NoError(t, err)
	require.Equal(t, clockA.now, sent)

	inB := <-b.Receive()
	require.Equal(t, internaltime.New(200, 1000), inB.Timestamp)
	f, err := Parse(inB.Data, false)
	require.NoError(t, err)
	require.Equal(t, payload, f.Payload)
	inC := <-c.Receive()
	require.Equal(t, internaltime.New(300, 1000), inC.Timestamp)
	require.Empty(t, a.Receive())

	// unicast only reaches its destination
	_, err = NewAdapter(Config{UnicastDestination: macC}, b).Send(ptp.MessageSync, payload)
	require.NoError(t, err)
	require.Empty(t, a.Receive())
	require.Len(t, c.Receive(), 1)
	<-c.Receive()

	// links which are down neither send nor receive
	c.SetDown(true)
	require.ErrorIs(t, c.Ready(), ErrLinkDown)
	_, err = c.Send(inB.Data)
	require.ErrorIs(t, err, ErrLinkDown)
	_, err = sender.Send(ptp.MessageSync, payload)
	require.NoError(t, err)
	require.Empty(t, c.Receive())
	<-b.Receive()
	c.SetDown(false)

	require.NoError(t, b.Close())
	_, ok := <-b.Receive()
	require.False(t, ok)
	_, err = b.Send(inB.Data)
	require.ErrorIs(t, err, ErrLinkClosed)
	require.NoError(t, b.Close())

	r, err := pcapgo.NewReader(&tap)
	require.NoError(t, err)
	require.Equal(t, layers.LinkTypeEthernet, r.LinkType())
	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	require.Equal(t, clockA.now.Time().Unix(), ci.Timestamp.Unix())
	f, err = Parse(data, false)
	require.NoError(t, err)
	require.Equal(t, ptp.MessageSync, f.MessageType)
}

func TestMemoryHubQueueFull(t *testing.T) {
	hub := NewMemoryHub(0)
	a := hub.Attach(macA, &fixedClock{}, 1)
	b := hub.Attach(macB, &fixedClock{}, 1)
	frame, err := NewAdapter(Config{}, a).Frame(ptp.MessageSync, syncPayload(t, ptp.MessageSync))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := a.Send(frame)
		require.NoError(t, err)
	}
	require.Len(t, b.Receive(), 1)
	_, err = a.Send(frame[:10])
	require.ErrorIs(t, err, ErrShortFrame)
}
