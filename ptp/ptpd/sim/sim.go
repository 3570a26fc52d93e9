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
Package sim runs several PTP ports on one in-memory segment with simulated oscillators.

Simulated time advances only through Step, so a minute of protocol exchange takes
as long as the CPU needs to process it. All clocks move in lockstep: ports are ticked,
then frames travel for the hub delay and are handed to their receivers.
*/
package sim

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/facebook/ptpd/clock"
	"github.com/facebook/ptpd/ptp/internaltime"
	"github.com/facebook/ptpd/ptp/ptpd/config"
	"github.com/facebook/ptpd/ptp/ptpd/port"
	"github.com/facebook/ptpd/ptp/ptpd/stats"
	"github.com/facebook/ptpd/ptp/timer"
	"github.com/facebook/ptpd/ptp/transport"
)

// Options describe the simulated segment
type Options struct {
	Ports    int
	Tick     time.Duration
	HubDelay time.Duration
	// initial clock offsets are uniform in [0, MaxOffset)
	MaxOffset time.Duration
	// natural drift of oscillators is uniform in [-MaxDrift, MaxDrift] ppb
	MaxDrift float64
	Seed     int64
	// Realtime paces steps with wall clock
	Realtime bool
	// Tap receives every frame in pcap format when set
	Tap io.Writer
}

// DefaultOptions returns two ports with a few microseconds of wire delay
func DefaultOptions() Options {
	return Options{
		Ports:     2,
		Tick:      10 * time.Millisecond,
		HubDelay:  5 * time.Microsecond,
		MaxOffset: 10 * time.Millisecond,
		MaxDrift:  50,
		Seed:      1,
	}
}

// Node is one simulated ordinary clock
type Node struct {
	Clock *clock.SimClock
	Link  *transport.MemoryLink
	Port  *port.Port
	Stats *stats.Stats
}

// Network is a set of nodes sharing one hub
type Network struct {
	opts    Options
	hub     *transport.MemoryHub
	nodes   []*Node
	elapsed time.Duration
}

// Start is the reference time all simulated clocks start around
var Start = internaltime.Time{Seconds: 1700000000}

// New creates network of opts.Ports nodes, all configured with cfg
func New(cfg *config.Config, opts Options) (*Network, error) {
	if opts.Ports < 1 || opts.Ports > 254 {
		return nil, fmt.Errorf("number of ports must be within [1, 254], got %d", opts.Ports)
	}
	if opts.Tick <= 0 {
		return nil, fmt.Errorf("tick must be positive")
	}
	hub := transport.NewMemoryHub(opts.HubDelay)
	if opts.Tap != nil {
		if err := hub.SetTap(opts.Tap); err != nil {
			return nil, fmt.Errorf("setting up tap: %w", err)
		}
	}
	tc, err := cfg.Network.TransportConfig()
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	n := &Network{opts: opts, hub: hub}
	for i := 0; i < opts.Ports; i++ {
		var offset time.Duration
		if opts.MaxOffset > 0 {
			offset = time.Duration(rng.Int63n(int64(opts.MaxOffset)))
		}
		drift := (rng.Float64()*2 - 1) * opts.MaxDrift
		clk := clock.NewSimClock(Start.Add(internaltime.FromDuration(offset)), drift)
		mac := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, byte(i + 1)}
		link := hub.Attach(mac, clk, cfg.Port.QueueSize)
		st := stats.NewStats(uint16(i + 1))
		p, err := port.New(cfg, port.Deps{
			Clock:        clk,
			Timers:       timer.NewSet(rand.New(rand.NewSource(rng.Int63()))),
			Transport:    transport.NewAdapter(tc, link),
			Inbound:      link.Receive(),
			HardwareAddr: mac,
			Stats:        st,
			PortNumber:   1,
		})
		if err != nil {
			return nil, fmt.Errorf("creating port %d: %w", i+1, err)
		}
		log.Debugf("node %d: mac %s, offset %v, drift %.1f ppb", i+1, mac, offset, drift)
		n.nodes = append(n.nodes, &Node{Clock: clk, Link: link, Port: p, Stats: st})
	}
	return n, nil
}

// Nodes returns all nodes in order of creation
func (n *Network) Nodes() []*Node {
	return n.nodes
}

// Stats returns stats of all nodes
func (n *Network) Stats() []*stats.Stats {
	res := make([]*stats.Stats, 0, len(n.nodes))
	for _, node := range n.nodes {
		res = append(res, node.Stats)
	}
	return res
}

// Elapsed returns simulated time since start
func (n *Network) Elapsed() time.Duration {
	return n.elapsed
}

// Step advances simulation by one tick
func (n *Network) Step() {
	for _, node := range n.nodes {
		node.Clock.Advance(n.opts.Tick)
	}
	for _, node := range n.nodes {
		node.Port.HandleTick(n.opts.Tick)
	}
	for _, node := range n.nodes {
		node.Clock.Advance(n.opts.HubDelay)
	}
	n.drain()
	n.elapsed += n.opts.Tick + n.opts.HubDelay
}

func (n *Network) drain() {
	for {
		delivered := false
		for _, node := range n.nodes {
		inner:
			for {
				select {
				case in, ok := <-node.Link.Receive():
					if !ok {
						break inner
					}
					node.Port.HandleFrame(in)
					delivered = true
				default:
					break inner
				}
			}
		}
		if !delivered {
			return
		}
	}
}

// Run steps simulation until d of simulated time passes or ctx is done
func (n *Network) Run(ctx context.Context, d time.Duration) error {
	var pace *time.Ticker
	if n.opts.Realtime {
		pace = time.NewTicker(n.opts.Tick)
		defer pace.Stop()
	}
	for end := n.elapsed + d; n.elapsed < end; {
		if pace != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-pace.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
		n.Step()
	}
	return nil
}
