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

package stats

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/process"
)

// daemon-wide counter prefixes, next to per-port ptp.ptpd.<port>. counters
const (
	ProcessPrefix = "ptp.ptpd.process."
	RuntimePrefix = "ptp.ptpd.runtime."
)

// sample is one collection of daemon-wide counters
type sample map[string]uint64

// rate sets sum and per second rate of a monotonic counter over interval
func (s sample) rate(name string, cur, prev uint64, interval time.Duration) {
	if prev > cur {
		// counters were reset in between
		return
	}
	secs := uint64(interval.Seconds())
	if secs == 0 {
		return
	}
	s[fmt.Sprintf("%s.sum.%d", name, secs)] = cur - prev
	s[fmt.Sprintf("%s.rate.%d", name, secs)] = (cur - prev) / secs
}

type processSnapshot struct {
	mem runtime.MemStats
	rx  uint64
	tx  uint64
}

// ProcessStats collects statistics of the daemon process and traffic totals of its ports
type ProcessStats struct {
	proc *process.Process
	prev *processSnapshot
}

func portTraffic(ports []*Stats) (rx, tx uint64) {
	for _, p := range ports {
		for k, v := range p.GetCounters() {
			switch {
			case strings.HasPrefix(k, PortStatsRxPrefix):
				rx += uint64(v)
			case strings.HasPrefix(k, PortStatsTxPrefix):
				tx += uint64(v)
			}
		}
	}
	return rx, tx
}

// Collect returns process, runtime and traffic counters. Rates are relative to the previous call.
func (s *ProcessStats) Collect(interval time.Duration, ports []*Stats) (map[string]uint64, error) {
	if s.proc == nil {
		proc, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			return nil, fmt.Errorf("opening own process: %w", err)
		}
		s.proc = proc
	}
	cur := &processSnapshot{}
	runtime.ReadMemStats(&cur.mem)
	cur.rx, cur.tx = portTraffic(ports)

	out := sample{
		ProcessPrefix + "ports":             uint64(len(ports)),
		ProcessPrefix + "rx":                cur.rx,
		ProcessPrefix + "tx":                cur.tx,
		RuntimePrefix + "goroutines":        uint64(runtime.NumGoroutine()),
		RuntimePrefix + "mem.heap.alloc":    cur.mem.HeapAlloc,
		RuntimePrefix + "mem.heap.inuse":    cur.mem.HeapInuse,
		RuntimePrefix + "mem.heap.objects":  cur.mem.HeapObjects,
		RuntimePrefix + "mem.stack.inuse":   cur.mem.StackInuse,
		RuntimePrefix + "mem.sys":           cur.mem.Sys,
		RuntimePrefix + "gc.count":          uint64(cur.mem.NumGC),
		RuntimePrefix + "gc.pause_total_ns": cur.mem.PauseTotalNs,
		RuntimePrefix + "gc.last_pause_ns":  cur.mem.PauseNs[(cur.mem.NumGC+255)%256],
	}
	if created, err := s.proc.CreateTime(); err == nil {
		out[ProcessPrefix+"uptime"] = uint64(time.Since(time.UnixMilli(created)).Seconds())
	}
	if val, err := s.proc.Percent(0); err == nil {
		out[fmt.Sprintf("%scpu_pct.avg.%d", ProcessPrefix, int(interval.Seconds()))] = uint64(val * 100)
	}
	if val, err := s.proc.MemoryInfo(); err == nil {
		out[ProcessPrefix+"rss"] = val.RSS
		out[ProcessPrefix+"vms"] = val.VMS
	}
	if val, err := s.proc.NumFDs(); err == nil {
		out[ProcessPrefix+"num_fds"] = uint64(val)
	}
	if val, err := s.proc.NumThreads(); err == nil {
		out[ProcessPrefix+"num_threads"] = uint64(val)
	}

	if prev := s.prev; prev != nil {
		out.rate(ProcessPrefix+"rx", cur.rx, prev.rx, interval)
		out.rate(ProcessPrefix+"tx", cur.tx, prev.tx, interval)
		out.rate(RuntimePrefix+"mem.mallocs", cur.mem.Mallocs, prev.mem.Mallocs, interval)
		out.rate(RuntimePrefix+"gc.count", uint64(cur.mem.NumGC), uint64(prev.mem.NumGC), interval)
		out.rate(RuntimePrefix+"gc.pause_ns", cur.mem.PauseTotalNs, prev.mem.PauseTotalNs, interval)
	}
	s.prev = cur
	return out, nil
}
