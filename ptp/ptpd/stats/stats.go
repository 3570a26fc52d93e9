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
Package stats exposes ptpd port counters and status over HTTP.

Every port owns a Stats it reports into. Server merges them with process statistics
and serves JSON on / and /counters and Prometheus metrics on /metrics.
*/
package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	ptp "github.com/facebook/ptpd/ptp/protocol"
)

// counter names relative to the port prefix
const (
	PortStatsTxPrefix = "portstats.tx."
	PortStatsRxPrefix = "portstats.rx."

	CounterRXErrors       = "rx_errors"
	CounterTXErrors       = "tx_errors"
	CounterDropped        = "dropped"
	CounterStateChanges   = "state_changes"
	CounterManagement     = "management"
	CounterState          = "state"
	CounterOffset         = "offset_ns"
	CounterMeanPathDelay  = "mean_path_delay_ns"
	CounterFrequency      = "freq_ppb"
	CounterSteps          = "steps"
	CounterForeignMasters = "foreign_masters"
	CounterEvictions      = "foreign_master_evictions"
	CounterSyntonized     = "syntonized"
)

// PortKey returns full counter name of port counter
func PortKey(port uint16, name string) string {
	return fmt.Sprintf("ptp.ptpd.%d.%s", port, name)
}

// PortStatus is a snapshot of port data sets
type PortStatus struct {
	PortNumber              uint16           `json:"port_number"`
	PortIdentity            string           `json:"port_identity"`
	State                   string           `json:"state"`
	Decision                string           `json:"decision"`
	DomainNumber            uint8            `json:"domain_number"`
	DelayMechanism          string           `json:"delay_mechanism"`
	ParentIdentity          string           `json:"parent_identity"`
	GrandmasterIdentity     string           `json:"grandmaster_identity"`
	GrandmasterPriority1    uint8            `json:"grandmaster_priority1"`
	GrandmasterPriority2    uint8            `json:"grandmaster_priority2"`
	GrandmasterClockQuality ptp.ClockQuality `json:"grandmaster_clock_quality"`
	StepsRemoved            uint16           `json:"steps_removed"`
	OffsetFromMaster        int64            `json:"offset_from_master_ns"`
	MeanPathDelay           int64            `json:"mean_path_delay_ns"`
	Frequency               float64          `json:"frequency_ppb"`
	Syntonized              bool             `json:"syntonized"`
	ForeignMasters          int              `json:"foreign_masters"`
}

// Stats collects counters of a single port
type Stats struct {
	mux      sync.Mutex
	port     uint16
	counters map[string]int64
	status   PortStatus
}

// NewStats returns Stats of port number
func NewStats(port uint16) *Stats {
	return &Stats{
		port:     port,
		counters: map[string]int64{},
		status:   PortStatus{PortNumber: port},
	}
}

// Port returns port number
func (s *Stats) Port() uint16 {
	return s.port
}

// UpdateCounterBy will increment counter
func (s *Stats) UpdateCounterBy(key string, count int64) {
	s.mux.Lock()
	s.counters[key] += count
	s.mux.Unlock()
}

// SetCounter will set a counter to the provided value.
func (s *Stats) SetCounter(key string, val int64) {
	s.mux.Lock()
	s.counters[key] = val
	s.mux.Unlock()
}

// IncRX counts received message
func (s *Stats) IncRX(t ptp.MessageType) {
	s.UpdateCounterBy(PortStatsRxPrefix+strings.ToLower(t.String()), 1)
}

// IncTX counts sent message
func (s *Stats) IncTX(t ptp.MessageType) {
	s.UpdateCounterBy(PortStatsTxPrefix+strings.ToLower(t.String()), 1)
}

// IncRXError counts undecodable frame
func (s *Stats) IncRXError() {
	s.UpdateCounterBy(CounterRXErrors, 1)
}

// IncTXError counts failed send
func (s *Stats) IncTXError() {
	s.UpdateCounterBy(CounterTXErrors, 1)
}

// IncDropped counts valid message ignored in current state
func (s *Stats) IncDropped() {
	s.UpdateCounterBy(CounterDropped, 1)
}

// IncStateChange counts port state transitions
func (s *Stats) IncStateChange() {
	s.UpdateCounterBy(CounterStateChanges, 1)
}

// IncManagement counts handled management messages
func (s *Stats) IncManagement() {
	s.UpdateCounterBy(CounterManagement, 1)
}

// SetPortStatus publishes snapshot of port data sets and refreshes gauges derived from it
func (s *Stats) SetPortStatus(st PortStatus) {
	st.PortNumber = s.port
	syntonized := int64(0)
	if st.Syntonized {
		syntonized = 1
	}
	s.mux.Lock()
	s.status = st
	s.counters[CounterOffset] = st.OffsetFromMaster
	s.counters[CounterMeanPathDelay] = st.MeanPathDelay
	s.counters[CounterFrequency] = int64(st.Frequency)
	s.counters[CounterForeignMasters] = int64(st.ForeignMasters)
	s.counters[CounterSyntonized] = syntonized
	s.mux.Unlock()
}

// GetStatus returns last published status
func (s *Stats) GetStatus() PortStatus {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.status
}

// GetCounters returns an map of counters
func (s *Stats) GetCounters() map[string]int64 {
	ret := make(map[string]int64)
	s.mux.Lock()
	for key, val := range s.counters {
		ret[key] = val
	}
	s.mux.Unlock()
	return ret
}

// Reset all the values of counters
func (s *Stats) Reset() {
	s.mux.Lock()
	for k := range s.counters {
		s.counters[k] = 0
	}
	s.mux.Unlock()
}

// Counters is various counters exported by ptpd
type Counters map[string]int64

// PortStats returns two maps: packet type to counter, TX and RX
func (c Counters) PortStats(port uint16) (tx map[string]uint64, rx map[string]uint64) {
	tx = map[string]uint64{}
	rx = map[string]uint64{}
	txPrefix := PortKey(port, PortStatsTxPrefix)
	rxPrefix := PortKey(port, PortStatsRxPrefix)
	for k, v := range c {
		if strings.HasPrefix(k, txPrefix) {
			tx[strings.TrimPrefix(k, txPrefix)] = uint64(v)
		}
		if strings.HasPrefix(k, rxPrefix) {
			rx[strings.TrimPrefix(k, rxPrefix)] = uint64(v)
		}
	}
	return
}

func fetch(url string, v any) error {
	c := http.Client{
		Timeout: time.Second * 2,
	}
	resp, err := c.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s", url, resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// FetchStatus returns status of all ports fetched from the url
func FetchStatus(url string) ([]PortStatus, error) {
	var s []PortStatus
	err := fetch(url, &s)
	return s, err
}

// FetchCounters returns counters map fetched from the url
func FetchCounters(url string) (Counters, error) {
	counters := make(Counters)
	err := fetch(fmt.Sprintf("%s/counters", url), &counters)
	return counters, err
}
