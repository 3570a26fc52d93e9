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
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/ptpd/ptp/internaltime"
)

// ErrLinkClosed is returned when sending over closed link
var ErrLinkClosed = errors.New("link is closed")

// ErrLinkDown is returned when sending over a link that was put down
var ErrLinkDown = errors.New("link is down")

const tapSnaplen = 65536

// MemoryHub is an in-process broadcast segment.
// Every frame sent by one attached link is delivered to all others,
// unless it is addressed to a unicast MAC of a different link.
type MemoryHub struct {
	delay time.Duration

	sync.Mutex
	links []*MemoryLink
	tap   *pcapgo.Writer
}

// NewMemoryHub returns hub which delays every frame by delay
func NewMemoryHub(delay time.Duration) *MemoryHub {
	return &MemoryHub{delay: delay}
}

// SetTap makes hub write every frame to w in pcap format
func (h *MemoryHub) SetTap(w io.Writer) error {
	tap := pcapgo.NewWriter(w)
	if err := tap.WriteFileHeader(tapSnaplen, layers.LinkTypeEthernet); err != nil {
		return err
	}
	h.Lock()
	h.tap = tap
	h.Unlock()
	return nil
}

// Attach creates a new link on the hub. Arrival timestamps are taken from clk.
func (h *MemoryHub) Attach(mac net.HardwareAddr, clk Clock, queue int) *MemoryLink {
	l := &MemoryLink{
		hub:   h,
		mac:   mac,
		clock: clk,
		rx:    make(chan Inbound, queue),
	}
	h.Lock()
	h.links = append(h.links, l)
	h.Unlock()
	return l
}

func (h *MemoryHub) deliver(from *MemoryLink, frame []byte, sent internaltime.Time) {
	h.Lock()
	defer h.Unlock()
	if h.tap != nil {
		ci := gopacket.CaptureInfo{Timestamp: sent.Time(), CaptureLength: len(frame), Length: len(frame)}
		if err := h.tap.WritePacket(ci, frame); err != nil {
			log.Warningf("writing frame to tap: %v", err)
		}
	}
	dst := net.HardwareAddr(frame[:6])
	unicast := dst[0]&0x01 == 0
	for _, l := range h.links {
		if l == from || l.isDown() {
			continue
		}
		if unicast && !bytes.Equal(dst, l.mac) {
			continue
		}
		arrival, err := l.clock.Get()
		if err != nil {
			log.Warningf("getting arrival time on %s: %v", l.mac, err)
			continue
		}
		in := Inbound{
			Data:      append([]byte(nil), frame...),
			Timestamp: arrival.Add(internaltime.FromDuration(h.delay)),
		}
		select {
		case l.rx <- in:
		default:
			log.Debugf("queue of %s is full, dropping frame", l.mac)
		}
	}
}

func (h *MemoryHub) detach(l *MemoryLink) {
	h.Lock()
	defer h.Unlock()
	for i, other := range h.links {
		if other == l {
			h.links = append(h.links[:i], h.links[i+1:]...)
			close(l.rx)
			return
		}
	}
}

// MemoryLink is a Link attached to MemoryHub
type MemoryLink struct {
	hub   *MemoryHub
	mac   net.HardwareAddr
	clock Clock
	rx    chan Inbound

	mu     sync.Mutex
	down   bool
	closed bool
}

// Send delivers frame to other links of the hub and returns egress time on the sender's clock
func (l *MemoryLink) Send(frame []byte) (internaltime.Time, error) {
	l.mu.Lock()
	closed, down := l.closed, l.down
	l.mu.Unlock()
	if closed {
		return internaltime.Zero, ErrLinkClosed
	}
	if down {
		return internaltime.Zero, ErrLinkDown
	}
	if len(frame) < 14 {
		return internaltime.Zero, ErrShortFrame
	}
	sent, err := l.clock.Get()
	if err != nil {
		return internaltime.Zero, err
	}
	l.hub.deliver(l, frame, sent)
	return sent, nil
}

// Receive returns channel of frames delivered to this link
func (l *MemoryLink) Receive() <-chan Inbound {
	return l.rx
}

// HardwareAddr returns MAC of the link
func (l *MemoryLink) HardwareAddr() net.HardwareAddr {
	return l.mac
}

// SetDown disconnects link from the hub without closing it
func (l *MemoryLink) SetDown(down bool) {
	l.mu.Lock()
	l.down = down
	l.mu.Unlock()
}

func (l *MemoryLink) isDown() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.down
}

// Ready fails while link is down or closed
func (l *MemoryLink) Ready() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrLinkClosed
	}
	if l.down {
		return ErrLinkDown
	}
	return nil
}

// Close detaches link from the hub and closes receive channel
func (l *MemoryLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	l.hub.detach(l)
	return nil
}
