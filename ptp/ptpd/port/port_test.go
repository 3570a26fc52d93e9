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
	"bytes"
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/facebook/ptpd/clock"
	"github.com/facebook/ptpd/leapsectz"
	"github.com/facebook/ptpd/ptp/internaltime"
	ptp "github.com/facebook/ptpd/ptp/protocol"
	"github.com/facebook/ptpd/ptp/ptpd/config"
	"github.com/facebook/ptpd/ptp/ptpd/stats"
	"github.com/facebook/ptpd/ptp/timer"
	"github.com/facebook/ptpd/ptp/transport"
	"github.com/facebook/ptpd/servo"
)

const (
	testTick     = 10 * time.Millisecond
	testHubDelay = 5 * time.Microsecond
)

var testStart = internaltime.Time{Seconds: 1700000000}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Port.LogAnnounceInterval = 0
	cfg.Port.AnnounceReceiptTimeout = 3
	cfg.Port.LogSyncInterval = 0
	cfg.Port.LogMinDelayReqInterval = 0
	cfg.Port.LogMinPdelayReqInterval = 0
	cfg.Servo.OffsetFilter = servo.FilterConfig{Size: 1, Weighting: servo.WeightingMean}
	return cfg
}

type testNode struct {
	clk   *clock.SimClock
	link  *transport.MemoryLink
	port  *Port
	stats *stats.Stats
}

// testPeer injects hand made messages and records what it hears
type testPeer struct {
	clk  *clock.SimClock
	link *transport.MemoryLink
	tr   *transport.Adapter
	id   ptp.PortIdentity
	seq  uint16
}

// testNet moves all clocks attached to one hub in lockstep
type testNet struct {
	hub    *transport.MemoryHub
	clocks []*clock.SimClock
	nodes  []*testNode
}

func newTestNet() *testNet {
	return &testNet{hub: transport.NewMemoryHub(testHubDelay)}
}

func (n *testNet) addNode(t *testing.T, cfg *config.Config, id byte, offset time.Duration, driftPPB float64) *testNode {
	t.Helper()
	clk := clock.NewSimClock(testStart.Add(internaltime.FromDuration(offset)), driftPPB)
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, id}
	link := n.hub.Attach(mac, clk, 256)
	st := stats.NewStats(1)
	p, err := New(cfg, Deps{
		Clock:        clk,
		Timers:       timer.NewSet(rand.New(rand.NewSource(int64(id)))),
		Transport:    transport.NewAdapter(transport.Config{}, link),
		Inbound:      link.Receive(),
		HardwareAddr: mac,
		Stats:        st,
	})
	require.NoError(t, err)
	node := &testNode{clk: clk, link: link, port: p, stats: st}
	n.clocks = append(n.clocks, clk)
	n.nodes = append(n.nodes, node)
	return node
}

func (n *testNet) addPeer(clockID ptp.ClockIdentity) *testPeer {
	clk := clock.NewSimClock(testStart, 0)
	mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0xff, byte(clockID)}
	link := n.hub.Attach(mac, clk, 1024)
	n.clocks = append(n.clocks, clk)
	return &testPeer{
		clk:  clk,
		link: link,
		tr:   transport.NewAdapter(transport.Config{}, link),
		id:   ptp.PortIdentity{ClockIdentity: clockID, PortNumber: 1},
	}
}

// step ticks every port, then lets frames travel for the hub delay and hands them over
func (n *testNet) step(d time.Duration) {
	for _, c := range n.clocks {
		c.Advance(d)
	}
	for _, node := range n.nodes {
		node.port.HandleTick(d)
	}
	for _, c := range n.clocks {
		c.Advance(testHubDelay)
	}
	n.drain()
}

func (n *testNet) run(d time.Duration) {
	for elapsed := time.Duration(0); elapsed < d; elapsed += testTick {
		n.step(testTick)
	}
}

func (n *testNet) drain() {
	for {
		got := false
		for _, node := range n.nodes {
			if node.drain() {
				got = true
			}
		}
		if !got {
			return
		}
	}
}

func (n *testNode) drain() bool {
	got := false
	for {
		select {
		case in := <-n.link.Receive():
			n.port.HandleFrame(in)
			got = true
		default:
			return got
		}
	}
}

func (n *testNode) counter(name string) int64 {
	return n.stats.GetCounters()[name]
}

func (p *testPeer) header(t ptp.MessageType, size uint16, seq uint16) ptp.Header {
	return ptp.Header{
		SdoIDAndMsgType:    ptp.NewSdoIDAndMsgType(t, 0),
		Version:            ptp.Version,
		MessageLength:      size,
		SourcePortIdentity: p.id,
		SequenceID:         seq,
		ControlField:       ptp.ControlFieldFor(t),
	}
}

func (p *testPeer) announce(seq uint16, priority1 uint8) *ptp.Announce {
	a := &ptp.Announce{
		Header: p.header(ptp.MessageAnnounce, announceSize, seq),
		AnnounceBody: ptp.AnnounceBody{
			CurrentUTCOffset:     37,
			GrandmasterPriority1: priority1,
			GrandmasterClockQuality: ptp.ClockQuality{
				ClockClass:              6,
				ClockAccuracy:           ptp.ClockAccuracyNanosecond100,
				OffsetScaledLogVariance: 0x4e5d,
			},
			GrandmasterPriority2: 128,
			GrandmasterIdentity:  p.id.ClockIdentity,
			TimeSource:           ptp.TimeSourceGNSS,
		},
	}
	a.FlagField = uint16(ptp.MgmtFlagPTPTimescale | ptp.MgmtFlagUtcOffsetValid)
	return a
}

func (p *testPeer) send(t *testing.T, pkt ptp.Packet) internaltime.Time {
	t.Helper()
	b, err := ptp.Bytes(pkt)
	require.NoError(t, err)
	return p.sendRaw(t, pkt.MessageType(), b)
}

func (p *testPeer) sendRaw(t *testing.T, msgType ptp.MessageType, b []byte) internaltime.Time {
	t.Helper()
	ts, err := p.tr.Send(msgType, b)
	require.NoError(t, err)
	return ts
}

// received decodes everything queued for the peer since the last call
func (p *testPeer) received(t *testing.T) []ptp.Packet {
	t.Helper()
	var res []ptp.Packet
	for {
		select {
		case in := <-p.link.Receive():
			f, err := transport.Parse(in.Data, false)
			require.NoError(t, err)
			pkt, err := ptp.DecodePacket(f.Payload)
			require.NoError(t, err)
			res = append(res, pkt)
		default:
			return res
		}
	}
}

// newSlaveSetup returns initialized port which follows peer as its master
func newSlaveSetup(t *testing.T, cfg *config.Config) (*testNet, *testNode, *testPeer) {
	t.Helper()
	n := newTestNet()
	node := n.addNode(t, cfg, 1, 3*time.Millisecond, 0)
	peer := n.addPeer(0x42)
	n.step(testTick)
	require.Equal(t, ptp.PortStateListening, node.port.State())

	peer.send(t, peer.announce(0, 64))
	n.drain()
	require.Equal(t, ptp.PortStateListening, node.port.State())
	peer.send(t, peer.announce(1, 64))
	n.drain()
	require.Equal(t, ptp.PortStateUncalibrated, node.port.State())
	require.Equal(t, peer.id, node.port.Parent())
	require.Equal(t, "S1", node.port.Decision())
	return n, node, peer
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(testConfig(), Deps{})
	require.Error(t, err)
	_, err = New(testConfig(), Deps{Clock: clock.NewSimClock(testStart, 0)})
	require.Error(t, err)
}

func TestInitialization(t *testing.T) {
	n := newTestNet()
	node := n.addNode(t, testConfig(), 7, 0, 0)
	require.Equal(t, ptp.PortStateInitializing, node.port.State())

	n.step(testTick)
	require.Equal(t, ptp.PortStateListening, node.port.State())
	require.Equal(t, ptp.PortIdentity{ClockIdentity: 0x020000fffe000007, PortNumber: 1}, node.port.Identity())
	require.Equal(t, node.port.Identity(), node.port.Parent())
	require.True(t, node.port.timers.Running(timer.AnnounceReceipt))
	require.NoError(t, node.port.Err())

	st := node.stats.GetStatus()
	require.Equal(t, "LISTENING", st.State)
	require.Equal(t, uint16(1), st.PortNumber)
}

// two ports on one segment: the better identity becomes master, the other synchronizes to it
func TestTwoPortsElectMaster(t *testing.T) {
	n := newTestNet()
	a := n.addNode(t, testConfig(), 1, 0, 0)
	b := n.addNode(t, testConfig(), 2, 3*time.Millisecond, 20)

	n.run(60 * time.Second)

	require.Equal(t, ptp.PortStateMaster, a.port.State())
	require.Equal(t, ptp.PortStateSlave, b.port.State())
	require.Equal(t, a.port.Identity(), b.port.Parent())
	require.Equal(t, a.port.Identity(), a.port.Parent())

	s := b.port.Servo()
	require.True(t, s.HaveDelay())
	require.InDelta(t, float64(testHubDelay.Nanoseconds()), float64(s.MeanPathDelay().Nanoseconds64()), 1000)
	require.Less(t, s.OffsetFromMaster().Abs().Duration(), 10*time.Microsecond)
	require.Equal(t, 1, b.clk.Steps())
	require.Equal(t, 0, a.clk.Steps())

	require.Greater(t, a.counter(stats.PortStatsTxPrefix+"sync"), int64(40))
	require.Greater(t, a.counter(stats.PortStatsRxPrefix+"delay_req"), int64(20))
	require.Greater(t, b.counter(stats.PortStatsRxPrefix+"delay_resp"), int64(20))
	require.Equal(t, int64(0), b.counter(stats.CounterRXErrors))
	require.Equal(t, "SLAVE", b.stats.GetStatus().State)
	require.Equal(t, uint16(1), b.stats.GetStatus().StepsRemoved)
}

func TestSlaveOnlyNeverMaster(t *testing.T) {
	cfg := testConfig()
	cfg.Clock.SlaveOnly = true
	cfg.Clock.ClockClass = ptp.ClockClassSlaveOnly
	n := newTestNet()
	node := n.addNode(t, cfg, 1, 0, 0)
	n.run(20 * time.Second)
	require.Equal(t, ptp.PortStateListening, node.port.State())
	require.Equal(t, int64(0), node.counter(stats.PortStatsTxPrefix+"announce"))
}

func TestSyncFollowUpPairing(t *testing.T) {
	cfg := testConfig()
	cfg.Servo.NoReset = true
	n, node, peer := newSlaveSetup(t, cfg)

	now, err := node.clk.Get()
	require.NoError(t, err)
	origin := now.Sub(internaltime.FromDuration(time.Millisecond))

	sync := &ptp.SyncDelayReq{Header: peer.header(ptp.MessageSync, syncDelayReqSize, 5)}
	sync.FlagField = ptp.FlagTwoStep
	peer.send(t, sync)
	n.drain()
	fu := &ptp.FollowUp{
		Header:       peer.header(ptp.MessageFollowUp, followUpSize, 5),
		FollowUpBody: ptp.FollowUpBody{PreciseOriginTimestamp: ptp.NewTimestamp(origin)},
	}
	peer.send(t, fu)
	n.drain()

	arrival := now.Add(internaltime.FromDuration(testHubDelay))
	want := arrival.Sub(origin).Nanoseconds64()
	require.Equal(t, want, node.port.Servo().RawOffset().Nanoseconds64())
	require.Equal(t, 0, node.clk.Steps())

	// Follow_Up of another Sync is not paired
	dropped := node.counter(stats.CounterDropped)
	sync.SequenceID = 6
	peer.send(t, sync)
	n.drain()
	fu.SequenceID = 7
	fu.PreciseOriginTimestamp = ptp.NewTimestamp(origin.Sub(internaltime.FromDuration(5 * time.Millisecond)))
	peer.send(t, fu)
	n.drain()
	require.Equal(t, want, node.port.Servo().RawOffset().Nanoseconds64())
	require.Equal(t, dropped+1, node.counter(stats.CounterDropped))
}

func TestOneStepSync(t *testing.T) {
	cfg := testConfig()
	cfg.Servo.NoReset = true
	n, node, peer := newSlaveSetup(t, cfg)

	now, err := node.clk.Get()
	require.NoError(t, err)
	origin := now.Sub(internaltime.FromDuration(2 * time.Millisecond))
	sync := &ptp.SyncDelayReq{
		Header:           peer.header(ptp.MessageSync, syncDelayReqSize, 1),
		SyncDelayReqBody: ptp.SyncDelayReqBody{OriginTimestamp: ptp.NewTimestamp(origin)},
	}
	sync.CorrectionField = ptp.NewCorrection(float64(time.Microsecond))
	peer.send(t, sync)
	n.drain()

	want := now.Add(internaltime.FromDuration(testHubDelay)).Sub(origin).Sub(internaltime.FromDuration(time.Microsecond))
	require.Equal(t, want.Nanoseconds64(), node.port.Servo().RawOffset().Nanoseconds64())
}

func TestSyncFromOtherMasterIgnored(t *testing.T) {
	cfg := testConfig()
	cfg.Servo.NoReset = true
	n, node, _ := newSlaveSetup(t, cfg)
	stranger := n.addPeer(0x77)

	sync := &ptp.SyncDelayReq{
		Header:           stranger.header(ptp.MessageSync, syncDelayReqSize, 1),
		SyncDelayReqBody: ptp.SyncDelayReqBody{OriginTimestamp: ptp.NewTimestamp(testStart)},
	}
	stranger.send(t, sync)
	n.drain()
	require.Equal(t, int64(0), node.port.Servo().RawOffset().Nanoseconds64())
	require.Equal(t, int64(1), node.counter(stats.CounterDropped))
}

func TestMasterAnswersDelayReq(t *testing.T) {
	n := newTestNet()
	node := n.addNode(t, testConfig(), 1, 0, 0)
	peer := n.addPeer(0x42)
	n.run(7 * time.Second)
	require.Equal(t, ptp.PortStateMaster, node.port.State())
	peer.received(t)

	now, err := node.clk.Get()
	require.NoError(t, err)
	req := &ptp.SyncDelayReq{Header: peer.header(ptp.MessageDelayReq, syncDelayReqSize, 42)}
	req.CorrectionField = ptp.NewCorrection(100)
	peer.send(t, req)
	n.drain()

	var resp *ptp.DelayResp
	for _, pkt := range peer.received(t) {
		if r, ok := pkt.(*ptp.DelayResp); ok {
			resp = r
		}
	}
	require.NotNil(t, resp)
	require.Equal(t, uint16(42), resp.SequenceID)
	require.Equal(t, peer.id, resp.RequestingPortIdentity)
	require.Equal(t, node.port.Identity(), resp.SourcePortIdentity)
	require.True(t, now.Add(internaltime.FromDuration(testHubDelay)).Equal(resp.ReceiveTimestamp.Internal()))
	require.Equal(t, req.CorrectionField, resp.CorrectionField)
	require.Equal(t, int64(1), node.counter(stats.PortStatsTxPrefix+"delay_resp"))
}

func TestMasterIssuesAnnounceAndSync(t *testing.T) {
	n := newTestNet()
	node := n.addNode(t, testConfig(), 1, 0, 0)
	peer := n.addPeer(0x42)
	n.run(7 * time.Second)
	require.Equal(t, ptp.PortStateMaster, node.port.State())
	peer.received(t)

	n.run(3 * time.Second)
	var announces, syncs, followUps int
	var lastSync *ptp.SyncDelayReq
	for _, pkt := range peer.received(t) {
		switch m := pkt.(type) {
		case *ptp.Announce:
			announces++
			require.Equal(t, node.port.Identity().ClockIdentity, m.GrandmasterIdentity)
			require.Equal(t, uint16(0), m.StepsRemoved)
			require.Equal(t, int16(37), m.CurrentUTCOffset)
			require.NotZero(t, m.FlagField&uint16(ptp.MgmtFlagPTPTimescale))
		case *ptp.SyncDelayReq:
			syncs++
			require.True(t, m.TwoStep())
			lastSync = m
		case *ptp.FollowUp:
			followUps++
			require.Equal(t, lastSync.SequenceID, m.SequenceID)
		}
	}
	require.InDelta(t, 3, announces, 1)
	require.InDelta(t, 3, syncs, 1)
	require.Equal(t, syncs, followUps)
}

func TestMasterAdvertisesLeapFromFile(t *testing.T) {
	// next leap second six hours after start, UTC is 37s behind PTP time
	next := uint64(testStart.Seconds) - 37 + 6*3600
	var file bytes.Buffer
	require.NoError(t, leapsectz.Write(&file, []leapsectz.LeapSecond{
		{Tleap: 1483228826, Nleap: 27},
		{Tleap: next + 28 - 1, Nleap: 28},
	}))
	path := filepath.Join(t.TempDir(), "right-utc")
	require.NoError(t, os.WriteFile(path, file.Bytes(), 0o644))

	cfg := testConfig()
	cfg.Clock.CurrentUTCOffset = 0
	cfg.Clock.LeapFile = path
	n := newTestNet()
	node := n.addNode(t, cfg, 1, 0, 0)
	peer := n.addPeer(0x42)
	n.run(9 * time.Second)
	require.Equal(t, ptp.PortStateMaster, node.port.State())

	var announce *ptp.Announce
	for _, pkt := range peer.received(t) {
		if a, ok := pkt.(*ptp.Announce); ok {
			announce = a
		}
	}
	require.NotNil(t, announce)
	require.Equal(t, int16(37), announce.CurrentUTCOffset)
	want := ptp.MgmtFlagLeap61 | ptp.MgmtFlagUtcOffsetValid | ptp.MgmtFlagPTPTimescale
	require.Equal(t, uint16(want), announce.FlagField&0xff)
}

func TestMissingLeapFile(t *testing.T) {
	cfg := testConfig()
	cfg.Clock.LeapFile = filepath.Join(t.TempDir(), "missing")
	link := transport.NewMemoryHub(0).Attach(net.HardwareAddr{0x02, 0, 0, 0, 0, 1}, clock.NewSimClock(testStart, 0), 1)
	_, err := New(cfg, Deps{
		Clock:     clock.NewSimClock(testStart, 0),
		Transport: transport.NewAdapter(transport.Config{}, link),
	})
	require.Error(t, err)
}

func TestDelayRespMatching(t *testing.T) {
	cfg := testConfig()
	cfg.Servo.NoReset = true
	n, node, peer := newSlaveSetup(t, cfg)

	now, err := node.clk.Get()
	require.NoError(t, err)
	sync := &ptp.SyncDelayReq{
		Header:           peer.header(ptp.MessageSync, syncDelayReqSize, 1),
		SyncDelayReqBody: ptp.SyncDelayReqBody{OriginTimestamp: ptp.NewTimestamp(now.Sub(internaltime.FromDuration(time.Millisecond)))},
	}
	peer.send(t, sync)
	n.drain()
	peer.received(t)

	var req *ptp.SyncDelayReq
	for i := 0; i < 300 && req == nil; i++ {
		n.step(testTick)
		for _, pkt := range peer.received(t) {
			if m, ok := pkt.(*ptp.SyncDelayReq); ok && m.MessageType() == ptp.MessageDelayReq {
				req = m
			}
		}
	}
	require.NotNil(t, req)

	resp := &ptp.DelayResp{
		Header: peer.header(ptp.MessageDelayResp, delayRespSize, req.SequenceID+1),
		DelayRespBody: ptp.DelayRespBody{
			ReceiveTimestamp:       req.OriginTimestamp,
			RequestingPortIdentity: node.port.Identity(),
		},
	}
	peer.send(t, resp)
	n.drain()
	require.False(t, node.port.Servo().HaveDelay())

	resp.SequenceID = req.SequenceID
	resp.RequestingPortIdentity = peer.id
	peer.send(t, resp)
	n.drain()
	require.False(t, node.port.Servo().HaveDelay())

	resp.RequestingPortIdentity = node.port.Identity()
	peer.send(t, resp)
	n.drain()
	require.True(t, node.port.Servo().HaveDelay())
	require.False(t, node.port.Servo().MeanPathDelay().IsNegative())

	// answered request is not answered twice
	dropped := node.counter(stats.CounterDropped)
	peer.send(t, resp)
	n.drain()
	require.Equal(t, dropped+1, node.counter(stats.CounterDropped))
}

func TestMalformedFrames(t *testing.T) {
	n := newTestNet()
	node := n.addNode(t, testConfig(), 1, 0, 0)
	peer := n.addPeer(0x42)
	n.step(testTick)
	require.Equal(t, ptp.PortStateListening, node.port.State())

	b, err := ptp.Bytes(peer.announce(0, 1))
	require.NoError(t, err)
	b[2], b[3] = 0x01, 0x00
	peer.sendRaw(t, ptp.MessageAnnounce, b)
	n.drain()
	require.Equal(t, int64(1), node.counter(stats.CounterRXErrors))
	require.Equal(t, ptp.PortStateListening, node.port.State())
	require.Equal(t, 0, node.port.foreign.Len())

	peer.sendRaw(t, ptp.MessageAnnounce, b[:10])
	n.drain()
	require.Equal(t, int64(2), node.counter(stats.CounterRXErrors))

	other := peer.announce(1, 1)
	other.DomainNumber = 4
	peer.send(t, other)
	n.drain()
	require.Equal(t, int64(2), node.counter(stats.CounterRXErrors))
	require.Equal(t, int64(1), node.counter(stats.CounterDropped))
	require.Equal(t, 0, node.port.foreign.Len())
}

func TestMasterLostGoesListening(t *testing.T) {
	n, node, _ := newSlaveSetup(t, testConfig())
	n.run(3500 * time.Millisecond)
	require.Equal(t, ptp.PortStateListening, node.port.State())
	require.Equal(t, node.port.Identity(), node.port.Parent())
	require.Equal(t, 0, node.port.foreign.Len())
}

func TestBetterMasterTakesOver(t *testing.T) {
	n, node, peer := newSlaveSetup(t, testConfig())
	better := n.addPeer(0x10)
	better.send(t, better.announce(0, 10))
	n.drain()
	better.send(t, better.announce(1, 10))
	n.drain()
	require.Equal(t, ptp.PortStateUncalibrated, node.port.State())
	require.Equal(t, better.id, node.port.Parent())
	require.Equal(t, uint8(10), node.port.parent.grandmasterPriority1)

	// announce of the former master doesn't move us back
	peer.send(t, peer.announce(2, 64))
	n.drain()
	require.Equal(t, better.id, node.port.Parent())
}

func TestWorseMasterMakesUsMaster(t *testing.T) {
	n := newTestNet()
	node := n.addNode(t, testConfig(), 1, 0, 0)
	peer := n.addPeer(0x42)
	n.step(testTick)
	peer.send(t, peer.announce(0, 250))
	n.drain()
	peer.send(t, peer.announce(1, 250))
	n.drain()
	require.Equal(t, ptp.PortStatePreMaster, node.port.State())
	require.Equal(t, "M2", node.port.Decision())
	n.step(testTick)
	require.Equal(t, ptp.PortStateMaster, node.port.State())
}

func TestBetterGrandmasterKeepsUsPassive(t *testing.T) {
	cfg := testConfig()
	cfg.Clock.ClockClass = ptp.ClockClass6
	n := newTestNet()
	node := n.addNode(t, cfg, 1, 0, 0)
	peer := n.addPeer(0x42)
	n.step(testTick)
	peer.send(t, peer.announce(0, 64))
	n.drain()
	peer.send(t, peer.announce(1, 64))
	n.drain()
	require.Equal(t, ptp.PortStatePassive, node.port.State())
	require.Equal(t, "P1", node.port.Decision())
	changes := node.counter(stats.CounterStateChanges)

	// well past announce receipt timeout, as long as the better clock keeps announcing
	for seq := uint16(2); seq < 22; seq++ {
		n.run(time.Second)
		peer.send(t, peer.announce(seq, 64))
		n.drain()
		require.Equal(t, ptp.PortStatePassive, node.port.State(), "announce %d", seq)
	}
	require.Equal(t, changes, node.counter(stats.CounterStateChanges))

	// and it times out once the better clock is gone
	n.run(3500 * time.Millisecond)
	require.Equal(t, ptp.PortStateListening, node.port.State())
}

func TestPeerDelay(t *testing.T) {
	for _, twoStep := range []bool{true, false} {
		name := "one-step"
		if twoStep {
			name = "two-step"
		}
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Port.DelayMechanism = ptp.DelayMechanismP2P
			cfg.Clock.TwoStep = twoStep
			n := newTestNet()
			a := n.addNode(t, cfg, 1, 0, 0)
			b := n.addNode(t, cfg, 2, 2*time.Millisecond, 0)
			n.run(30 * time.Second)

			require.Equal(t, ptp.PortStateMaster, a.port.State())
			require.Equal(t, ptp.PortStateSlave, b.port.State())
			for _, node := range []*testNode{a, b} {
				require.True(t, node.port.Servo().HaveDelay())
				require.InDelta(t, float64(testHubDelay.Nanoseconds()), float64(node.port.Servo().MeanPathDelay().Nanoseconds64()), 1)
				require.Zero(t, node.counter(stats.PortStatsTxPrefix+"delay_req"))
			}
			require.Less(t, b.port.Servo().OffsetFromMaster().Abs().Duration(), time.Microsecond)
			if twoStep {
				require.NotZero(t, a.counter(stats.PortStatsTxPrefix+"pdelay_resp_follow_up"))
			} else {
				require.Zero(t, a.counter(stats.PortStatsTxPrefix+"pdelay_resp_follow_up"))
			}
		})
	}
}

func TestInitFailure(t *testing.T) {
	n := newTestNet()
	node := n.addNode(t, testConfig(), 1, 0, 0)
	node.link.SetDown(true)

	ticks := make(chan time.Duration, 1)
	ticks <- testTick
	err := node.port.Run(context.Background(), ticks)
	require.ErrorIs(t, err, ErrFaulty)
	require.ErrorIs(t, err, transport.ErrLinkDown)
	require.Equal(t, ptp.PortStateFaulty, node.port.State())
	require.Equal(t, err, node.port.Err())

	// frames are not processed while faulty
	node.link.SetDown(false)
	n.step(testTick)
	require.Equal(t, ptp.PortStateFaulty, node.port.State())

	node.port.Enable()
	require.Equal(t, ptp.PortStateListening, node.port.State())
	require.NoError(t, node.port.Err())
}

func TestBadHardwareAddr(t *testing.T) {
	hub := transport.NewMemoryHub(0)
	clk := clock.NewSimClock(testStart, 0)
	link := hub.Attach(net.HardwareAddr{1, 2, 3}, clk, 1)
	p, err := New(testConfig(), Deps{
		Clock:        clk,
		Transport:    transport.NewAdapter(transport.Config{}, link),
		HardwareAddr: link.HardwareAddr(),
	})
	require.NoError(t, err)
	p.HandleTick(testTick)
	require.Equal(t, ptp.PortStateFaulty, p.State())
	require.ErrorIs(t, p.Err(), ErrFaulty)
}

func TestRunStops(t *testing.T) {
	n := newTestNet()
	node := n.addNode(t, testConfig(), 1, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, node.port.Run(ctx, nil), context.Canceled)

	require.NoError(t, node.link.Close())
	require.ErrorIs(t, node.port.Run(context.Background(), nil), ErrInboundClosed)
}

func TestDisableEnable(t *testing.T) {
	n := newTestNet()
	node := n.addNode(t, testConfig(), 1, 0, 0)
	peer := n.addPeer(0x42)
	n.run(7 * time.Second)
	require.Equal(t, ptp.PortStateMaster, node.port.State())

	node.port.Enable()
	require.Equal(t, ptp.PortStateMaster, node.port.State())

	node.port.Disable()
	require.Equal(t, ptp.PortStateDisabled, node.port.State())
	peer.received(t)
	n.run(3 * time.Second)
	require.Empty(t, peer.received(t))

	peer.send(t, peer.announce(0, 1))
	n.drain()
	require.Equal(t, int64(1), node.counter(stats.CounterDropped))
	require.Equal(t, 0, node.port.foreign.Len())

	node.port.Enable()
	require.Equal(t, ptp.PortStateListening, node.port.State())
}

func TestOperatorWarningRateLimit(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	cfg := testConfig()
	cfg.Port.OperatorMessageInterval = time.Second
	n := newTestNet()
	node := n.addNode(t, cfg, 1, 0, 0)

	warnings := func() int {
		c := 0
		for _, e := range hook.AllEntries() {
			if e.Level == log.WarnLevel {
				c++
			}
		}
		return c
	}
	node.port.operatorWarning("offset %d is too big", 1)
	node.port.operatorWarning("offset %d is too big", 2)
	require.Equal(t, 1, warnings())

	node.port.timers.Tick(2 * time.Second)
	node.port.operatorWarning("offset %d is too big", 3)
	require.Equal(t, 2, warnings())
}
