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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/ptpd/ptp/ptpd/config"
	"github.com/facebook/ptpd/ptp/ptpd/sim"
	"github.com/facebook/ptpd/ptp/ptpd/stats"
)

var (
	simConfigFlag         string
	simPortsFlag          int
	simDurationFlag       time.Duration
	simDelayFlag          time.Duration
	simDriftFlag          float64
	simSeedFlag           int64
	simPcapFlag           string
	simRealtimeFlag       bool
	simMonitoringPortFlag int
)

func init() {
	defaults := sim.DefaultOptions()
	RootCmd.AddCommand(simCmd)
	simCmd.Flags().StringVarP(&simConfigFlag, "config", "c", "", "path to the config applied to every simulated port")
	simCmd.Flags().IntVarP(&simPortsFlag, "ports", "n", defaults.Ports, "number of simulated ordinary clocks")
	simCmd.Flags().DurationVarP(&simDurationFlag, "duration", "t", time.Minute, "simulated time to run for")
	simCmd.Flags().DurationVar(&simDelayFlag, "delay", defaults.HubDelay, "one way wire delay")
	simCmd.Flags().Float64Var(&simDriftFlag, "drift", defaults.MaxDrift, "max natural drift of simulated oscillators, ppb")
	simCmd.Flags().Int64Var(&simSeedFlag, "seed", defaults.Seed, "random seed")
	simCmd.Flags().StringVarP(&simPcapFlag, "pcap", "w", "", "write every frame to this pcap file")
	simCmd.Flags().BoolVar(&simRealtimeFlag, "realtime", false, "pace simulation with wall clock")
	simCmd.Flags().IntVar(&simMonitoringPortFlag, "monitoringport", 0, "serve stats of simulated ports on this port, 0 disables")
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run several ports on a simulated network segment",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := simRun(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal(err)
		}
	},
}

func simRun(ctx context.Context) error {
	cfg := config.DefaultConfig()
	if simConfigFlag != "" {
		var err error
		if cfg, err = config.PrepareConfig(simConfigFlag, "", 0, false, 0, nil); err != nil {
			return err
		}
	}
	opts := sim.DefaultOptions()
	opts.Ports = simPortsFlag
	opts.HubDelay = simDelayFlag
	opts.MaxDrift = simDriftFlag
	opts.Seed = simSeedFlag
	opts.Realtime = simRealtimeFlag
	if simPcapFlag != "" {
		f, err := os.Create(simPcapFlag)
		if err != nil {
			return err
		}
		defer f.Close()
		opts.Tap = f
	}
	network, err := sim.New(cfg, opts)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	simCtx, done := context.WithCancel(ctx)
	if simMonitoringPortFlag != 0 {
		srv := stats.NewServer(network.Stats()...)
		eg.Go(func() error {
			return srv.Start(simCtx, simMonitoringPortFlag, sysStatsInterval)
		})
	}
	eg.Go(func() error {
		defer done()
		return network.Run(simCtx, simDurationFlag)
	})
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("simulation stopped after %v: %w", network.Elapsed(), err)
	}

	ports := make([]stats.PortStatus, 0, len(network.Nodes()))
	for _, st := range network.Stats() {
		ports = append(ports, st.GetStatus())
	}
	fmt.Printf("simulated %v\n", network.Elapsed())
	printStatus(os.Stdout, ports)
	return nil
}
