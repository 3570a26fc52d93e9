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
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/facebook/ptpd/ptp/internaltime"
	ptp "github.com/facebook/ptpd/ptp/protocol"
)

// EthernetTypePTP is the EtherType of IEEE 1588 over IEEE 802.3
const EthernetTypePTP layers.EthernetType = 0x88f7

// Multicast destinations per IEEE 1588 Annex D, E and F
var (
	MulticastMAC       = net.HardwareAddr{0x01, 0x1b, 0x19, 0x00, 0x00, 0x00}
	PDelayMulticastMAC = net.HardwareAddr{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e}

	MulticastIPv4       = net.IPv4(224, 0, 1, 129)
	PDelayMulticastIPv4 = net.IPv4(224, 0, 0, 107)
	MulticastIPv6       = net.ParseIP("ff0e::181")
	PDelayMulticastIPv6 = net.ParseIP("ff02::6b")
)

// errors returned by Parse
var (
	ErrBadFCS     = errors.New("frame check sequence mismatch")
	ErrNotPTP     = errors.New("not a PTP frame")
	ErrShortFrame = errors.New("frame is too short")
)

// Encapsulation is the VLAN tagging mode of sent frames
type Encapsulation uint8

// Supported encapsulations
const (
	EncapsulationNone Encapsulation = iota
	// EncapsulationVLAN is a single 802.1Q tag
	EncapsulationVLAN
	// EncapsulationQinQ is 802.1ad outer tag plus 802.1Q inner tag
	EncapsulationQinQ
)

var encapsulationToString = map[Encapsulation]string{
	EncapsulationNone: "none",
	EncapsulationVLAN: "vlan",
	EncapsulationQinQ: "qinq",
}

func (e Encapsulation) String() string {
	return encapsulationToString[e]
}

// UnmarshalText parses encapsulation name
func (e *Encapsulation) UnmarshalText(text []byte) error {
	for k, v := range encapsulationToString {
		if v == strings.ToLower(string(text)) {
			*e = k
			return nil
		}
	}
	return fmt.Errorf("unknown encapsulation %q", text)
}

// MarshalText implements encoding.TextMarshaler
func (e Encapsulation) MarshalText() ([]byte, error) {
	return []byte(e.String()), nil
}

// Config describes how messages are framed
type Config struct {
	Transport     ptp.TransportType
	Encapsulation Encapsulation
	VLAN          uint16
	OuterVLAN     uint16
	Priority      uint8
	// DSCP goes into IPv4 TOS or IPv6 traffic class of UDP frames
	DSCP uint8
	// UnicastDestination replaces multicast MAC when set
	UnicastDestination net.HardwareAddr
	// UnicastIP replaces multicast group for UDP transports when set
	UnicastIP net.IP
	SourceIP  net.IP
	// FCS means the link expects frames with trailing frame check sequence
	FCS bool
}

// Frame is a parsed link frame carrying a PTP message
type Frame struct {
	Source      net.HardwareAddr
	Destination net.HardwareAddr
	VLANs       []uint16
	Transport   ptp.TransportType
	MessageType ptp.MessageType
	Payload     []byte
}

// Adapter frames PTP messages for a Link
type Adapter struct {
	cfg  Config
	link Link
}

// NewAdapter returns Adapter sending over link
func NewAdapter(cfg Config, link Link) *Adapter {
	if cfg.Transport == 0 {
		cfg.Transport = ptp.TransportTypeIEEE8023
	}
	return &Adapter{cfg: cfg, link: link}
}

// Config returns framing configuration
func (a *Adapter) Config() Config {
	return a.cfg
}

// Link returns underlying link
func (a *Adapter) Link() Link {
	return a.link
}

// Ready reports whether underlying link can be used
func (a *Adapter) Ready() error {
	if r, ok := a.link.(Readier); ok {
		return r.Ready()
	}
	return nil
}

func (a *Adapter) destinationMAC(msgType ptp.MessageType) net.HardwareAddr {
	if a.cfg.UnicastDestination != nil && !msgType.IsPeerDelay() {
		return a.cfg.UnicastDestination
	}
	switch a.cfg.Transport {
	case ptp.TransportTypeUDPIPV4:
		return multicastMACv4(a.destinationIP(msgType))
	case ptp.TransportTypeUDPIPV6:
		return multicastMACv6(a.destinationIP(msgType))
	}
	if msgType.IsPeerDelay() {
		return PDelayMulticastMAC
	}
	return MulticastMAC
}

func (a *Adapter) destinationIP(msgType ptp.MessageType) net.IP {
	if a.cfg.UnicastIP != nil && !msgType.IsPeerDelay() {
		return a.cfg.UnicastIP
	}
	if a.cfg.Transport == ptp.TransportTypeUDPIPV6 {
		if msgType.IsPeerDelay() {
			return PDelayMulticastIPv6
		}
		return MulticastIPv6
	}
	if msgType.IsPeerDelay() {
		return PDelayMulticastIPv4
	}
	return MulticastIPv4
}

// RFC 1112 mapping, low 23 bits of the group
func multicastMACv4(ip net.IP) net.HardwareAddr {
	ip4 := ip.To4()
	if ip4 == nil || !ip4.IsMulticast() {
		return MulticastMAC
	}
	return net.HardwareAddr{0x01, 0x00, 0x5e, ip4[1] & 0x7f, ip4[2], ip4[3]}
}

// RFC 2464 mapping, low 32 bits of the group
func multicastMACv6(ip net.IP) net.HardwareAddr {
	ip16 := ip.To16()
	if ip16 == nil || !ip16.IsMulticast() {
		return MulticastMAC
	}
	return net.HardwareAddr{0x33, 0x33, ip16[12], ip16[13], ip16[14], ip16[15]}
}

func udpPort(msgType ptp.MessageType) layers.UDPPort {
	if msgType.IsEvent() {
		return ptp.PortEvent
	}
	return ptp.PortGeneral
}

// Frame builds a complete link frame for the encoded message
func (a *Adapter) Frame(msgType ptp.MessageType, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC: a.link.HardwareAddr(),
		DstMAC: a.destinationMAC(msgType),
	}
	stack := []gopacket.SerializableLayer{eth}

	var inner layers.EthernetType
	var upper []gopacket.SerializableLayer
	switch a.cfg.Transport {
	case ptp.TransportTypeIEEE8023:
		inner = EthernetTypePTP
	case ptp.TransportTypeUDPIPV4:
		inner = layers.EthernetTypeIPv4
		src := a.cfg.SourceIP
		if src == nil {
			src = net.IPv4zero
		}
		ip := &layers.IPv4{
			Version:  4,
			TOS:      a.cfg.DSCP << 2,
			TTL:      1,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    src,
			DstIP:    a.destinationIP(msgType),
		}
		udp := &layers.UDP{SrcPort: udpPort(msgType), DstPort: udpPort(msgType)}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		upper = append(upper, ip, udp)
	case ptp.TransportTypeUDPIPV6:
		inner = layers.EthernetTypeIPv6
		src := a.cfg.SourceIP
		if src == nil {
			src = net.IPv6unspecified
		}
		ip := &layers.IPv6{
			Version:      6,
			TrafficClass: a.cfg.DSCP << 2,
			HopLimit:     1,
			NextHeader:   layers.IPProtocolUDP,
			SrcIP:        src,
			DstIP:        a.destinationIP(msgType),
		}
		udp := &layers.UDP{SrcPort: udpPort(msgType), DstPort: udpPort(msgType)}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		upper = append(upper, ip, udp)
	default:
		return nil, fmt.Errorf("unsupported transport %d", a.cfg.Transport)
	}

	switch a.cfg.Encapsulation {
	case EncapsulationNone:
		eth.EthernetType = inner
	case EncapsulationVLAN:
		eth.EthernetType = layers.EthernetTypeDot1Q
		stack = append(stack, &layers.Dot1Q{
			Priority:       a.cfg.Priority,
			VLANIdentifier: a.cfg.VLAN,
			Type:           inner,
		})
	case EncapsulationQinQ:
		eth.EthernetType = layers.EthernetTypeQinQ
		stack = append(stack,
			&layers.Dot1Q{
				Priority:       a.cfg.Priority,
				VLANIdentifier: a.cfg.OuterVLAN,
				Type:           layers.EthernetTypeDot1Q,
			},
			&layers.Dot1Q{
				Priority:       a.cfg.Priority,
				VLANIdentifier: a.cfg.VLAN,
				Type:           inner,
			})
	default:
		return nil, fmt.Errorf("unsupported encapsulation %d", a.cfg.Encapsulation)
	}
	stack = append(stack, upper...)
	stack = append(stack, gopacket.Payload(payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, fmt.Errorf("serializing %s frame: %w", msgType, err)
	}
	frame := buf.Bytes()
	if a.cfg.FCS {
		frame = AppendFCS(frame)
	}
	return frame, nil
}

// Send frames the message and puts it on the link, returning egress timestamp
func (a *Adapter) Send(msgType ptp.MessageType, payload []byte) (internaltime.Time, error) {
	frame, err := a.Frame(msgType, payload)
	if err != nil {
		return internaltime.Zero, err
	}
	return a.link.Send(frame)
}

// Parse unwraps PTP message from frame received with this adapter's settings
func (a *Adapter) Parse(frame []byte) (*Frame, error) {
	return Parse(frame, a.cfg.FCS)
}

// Parse strips Ethernet, VLAN tags and optionally UDP from frame and returns PTP payload
func Parse(frame []byte, fcs bool) (*Frame, error) {
	if fcs {
		body, ok := CheckFCS(frame)
		if !ok {
			return nil, ErrBadFCS
		}
		frame = body
	}
	eth := &layers.Ethernet{}
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShortFrame, err)
	}
	f := &Frame{
		Source:      eth.SrcMAC,
		Destination: eth.DstMAC,
	}
	etherType := eth.EthernetType
	data := eth.Payload
	for etherType == layers.EthernetTypeDot1Q || etherType == layers.EthernetTypeQinQ {
		tag := &layers.Dot1Q{}
		if err := tag.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShortFrame, err)
		}
		f.VLANs = append(f.VLANs, tag.VLANIdentifier)
		etherType = tag.Type
		data = tag.Payload
	}

	switch etherType {
	case EthernetTypePTP:
		f.Transport = ptp.TransportTypeIEEE8023
	case layers.EthernetTypeIPv4:
		ip := &layers.IPv4{}
		if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShortFrame, err)
		}
		if ip.Protocol != layers.IPProtocolUDP {
			return nil, ErrNotPTP
		}
		f.Transport = ptp.TransportTypeUDPIPV4
		data = ip.Payload
	case layers.EthernetTypeIPv6:
		ip := &layers.IPv6{}
		if err := ip.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShortFrame, err)
		}
		if ip.NextHeader != layers.IPProtocolUDP {
			return nil, ErrNotPTP
		}
		f.Transport = ptp.TransportTypeUDPIPV6
		data = ip.Payload
	default:
		return nil, fmt.Errorf("ethertype %s: %w", etherType, ErrNotPTP)
	}
	if f.Transport != ptp.TransportTypeIEEE8023 {
		udp := &layers.UDP{}
		if err := udp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrShortFrame, err)
		}
		if udp.DstPort != ptp.PortEvent && udp.DstPort != ptp.PortGeneral {
			return nil, fmt.Errorf("udp port %d: %w", udp.DstPort, ErrNotPTP)
		}
		data = udp.Payload
	}

	if len(data) < ptp.HeaderSize {
		return nil, ErrShortFrame
	}
	// drop Ethernet padding
	if l := int(binary.BigEndian.Uint16(data[2:4])); l >= ptp.HeaderSize && l < len(data) {
		data = data[:l]
	}
	msgType, err := ptp.ProbeMsgType(data)
	if err != nil {
		return nil, err
	}
	f.MessageType = msgType
	f.Payload = data
	return f, nil
}
