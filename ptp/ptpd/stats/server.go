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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Server serves counters and status of all ports
type Server struct {
	ports    []*Stats
	process  ProcessStats
	sysMux   sync.Mutex
	sysStats map[string]uint64
	registry *prometheus.Registry
}

// NewServer returns Server for given ports
func NewServer(ports ...*Stats) *Server {
	s := &Server{
		ports:    ports,
		sysStats: map[string]uint64{},
		registry: prometheus.NewRegistry(),
	}
	s.registry.MustRegister(&collector{server: s})
	return s
}

// Counters returns merged counters of all ports and process
func (s *Server) Counters() Counters {
	c := Counters{}
	for _, p := range s.ports {
		for k, v := range p.GetCounters() {
			c[PortKey(p.Port(), k)] = v
		}
	}
	s.sysMux.Lock()
	for k, v := range s.sysStats {
		c[k] = int64(v)
	}
	s.sysMux.Unlock()
	return c
}

// Status returns status of all ports ordered by port number
func (s *Server) Status() []PortStatus {
	res := make([]PortStatus, 0, len(s.ports))
	for _, p := range s.ports {
		res = append(res, p.GetStatus())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].PortNumber < res[j].PortNumber })
	return res
}

// CollectSysStats refreshes process statistics
func (s *Server) CollectSysStats(interval time.Duration) {
	sys, err := s.process.Collect(interval, s.ports)
	if err != nil {
		log.Warningf("failed to collect process stats: %v", err)
		return
	}
	s.sysMux.Lock()
	s.sysStats = sys
	s.sysMux.Unlock()
}

func writeJSON(w http.ResponseWriter, v any) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(js); err != nil {
		log.Errorf("Failed to reply: %v", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Status())
}

func (s *Server) handleCounters(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Counters())
}

// Handler returns http handler serving /, /counters and /metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleStatus)
	mux.HandleFunc("/counters", s.handleCounters)
	mux.Handle("/metrics", promhttp.HandlerFor(
		s.registry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	))
	return mux
}

// Start serves stats on monitoring port until ctx is done, refreshing process stats every interval
func (s *Server) Start(ctx context.Context, port int, interval time.Duration) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					log.Warningf("stats server shutdown: %v", err)
				}
				return
			case <-t.C:
				s.CollectSysStats(interval)
			}
		}
	}()
	log.Infof("Starting stats server on port %d", port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("stats server: %w", err)
	}
	return nil
}

// collector exports counters as gauges. Key set changes at runtime so it is unchecked.
type collector struct {
	server *Server
}

func (c *collector) Describe(chan<- *prometheus.Desc) {}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	for k, v := range c.server.Counters() {
		desc := prometheus.NewDesc(flattenKey(k), k, nil, nil)
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, float64(v))
		if err != nil {
			log.Errorf("failed to export metric %s: %v", k, err)
			continue
		}
		ch <- m
	}
}

func flattenKey(key string) string {
	key = strings.ReplaceAll(key, " ", "_")
	key = strings.ReplaceAll(key, ".", "_")
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, "=", "_")
	key = strings.ReplaceAll(key, "/", "_")
	return key
}
