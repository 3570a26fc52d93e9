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
Package transport moves PTP messages between the port state machine and a link.

Adapter wraps encoded messages into Ethernet frames (optionally VLAN tagged, optionally over UDP)
and unwraps received frames back to PTP payload. Link implementations carry raw frames:
MemoryHub connects ports inside one process, PcapLink uses a real interface through libpcap.
*/
package transport

import (
	"net"

	"github.com/facebook/ptpd/ptp/internaltime"
)

//go:generate mockgen -source=link.go -destination=mock_link.go -package=transport

// Inbound is a received frame together with its arrival timestamp
type Inbound struct {
	Data      []byte
	Timestamp internaltime.Time
}

// Link is a raw frame transport
type Link interface {
	// Send puts frame on the wire and returns egress timestamp
	Send(frame []byte) (internaltime.Time, error)
	// Receive returns channel of received frames
	Receive() <-chan Inbound
	// HardwareAddr is the MAC address frames are sent from
	HardwareAddr() net.HardwareAddr
	Close() error
}

// Readier is implemented by links that can report whether they are usable
type Readier interface {
	Ready() error
}

// Clock is what links need to timestamp frames
type Clock interface {
	Get() (internaltime.Time, error)
}
