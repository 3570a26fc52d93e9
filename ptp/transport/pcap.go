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
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/jsimonetti/rtnetlink/rtnl"
	log "github.com/sirupsen/logrus"

	"github.com/facebook/ptpd/ptp/internaltime"
	ptp "github.com/facebook/ptpd/ptp/protocol"
)

// SnapshotLen is the capture length of PcapLink
const SnapshotLen = 1518

// pcap read timeout, bounds how long Close waits for the reader
const readTimeout = 100 * time.Millisecond

// ErrLinkNotUp is returned by Ready when interface is administratively down
var ErrLinkNotUp = errors.New("interface is not up")

// PcapLink is a Link over a real interface using libpcap
type PcapLink struct {
	iface  string
	mac    net.HardwareAddr
	handle *pcap.Handle
	rx     chan Inbound
	done   chan struct{}
}

// OpenPcapLink opens iface for capture and injection and installs PTP filter for transport
func OpenPcapLink(iface string, transport ptp.TransportType, queue int) (*PcapLink, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("looking up %s: %w", iface, err)
	}
	handle, err := pcap.OpenLive(iface, SnapshotLen, true, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("unable to open device interface: %w", err)
	}
	if err := setFilter(handle, transport); err != nil {
		handle.Close()
		return nil, err
	}
	l := &PcapLink{
		iface:  iface,
		mac:    ifi.HardwareAddr,
		handle: handle,
		rx:     make(chan Inbound, queue),
		done:   make(chan struct{}),
	}
	go l.read()
	return l, nil
}

func setFilter(handle *pcap.Handle, transport ptp.TransportType) error {
	if transport != ptp.TransportTypeIEEE8023 {
		if err := handle.SetBPFFilter(UDPFilter); err != nil {
			return fmt.Errorf("unable to set BPF Filter: %w", err)
		}
		return nil
	}
	raw, err := AssembleL2Filter(SnapshotLen)
	if err != nil {
		return err
	}
	prog := make([]pcap.BPFInstruction, 0, len(raw))
	for _, ri := range raw {
		prog = append(prog, pcap.BPFInstruction{Code: ri.Op, Jt: ri.Jt, Jf: ri.Jf, K: ri.K})
	}
	if err := handle.SetBPFInstructionFilter(prog); err != nil {
		return fmt.Errorf("unable to set BPF Filter: %w", err)
	}
	return nil
}

func (l *PcapLink) read() {
	defer close(l.rx)
	for {
		select {
		case <-l.done:
			return
		default:
		}
		data, ci, err := l.handle.ReadPacketData()
		if errors.Is(err, pcap.NextErrorTimeoutExpired) {
			continue
		}
		if err != nil {
			log.Debugf("reading from %s: %v", l.iface, err)
			select {
			case <-l.done:
				return
			default:
			}
			continue
		}
		in := Inbound{Data: data, Timestamp: internaltime.FromTime(ci.Timestamp)}
		select {
		case l.rx <- in:
		default:
			log.Debugf("queue of %s is full, dropping frame", l.iface)
		}
	}
}

// Send injects frame. Egress timestamp is software time right after injection.
func (l *PcapLink) Send(frame []byte) (internaltime.Time, error) {
	if err := l.handle.WritePacketData(frame); err != nil {
		return internaltime.Zero, err
	}
	return internaltime.FromTime(time.Now()), nil
}

// Receive returns channel of captured frames
func (l *PcapLink) Receive() <-chan Inbound {
	return l.rx
}

// HardwareAddr returns MAC of the interface
func (l *PcapLink) HardwareAddr() net.HardwareAddr {
	return l.mac
}

// Ready checks the interface is up using rtnetlink
func (l *PcapLink) Ready() error {
	conn, err := rtnl.Dial(nil)
	if err != nil {
		return fmt.Errorf("can't establish netlink connection: %w", err)
	}
	defer conn.Close()
	links, err := conn.Links()
	if err != nil {
		return fmt.Errorf("can't get list of links: %w", err)
	}
	for _, ifi := range links {
		if ifi.Name != l.iface {
			continue
		}
		if ifi.Flags&net.FlagUp == 0 {
			return fmt.Errorf("%s: %w", l.iface, ErrLinkNotUp)
		}
		return nil
	}
	return fmt.Errorf("interface %s not found", l.iface)
}

// Close stops capture
func (l *PcapLink) Close() error {
	select {
	case <-l.done:
		return nil
	default:
	}
	close(l.done)
	l.handle.Close()
	return nil
}
