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

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/facebook/ptpd/clock"
	"github.com/facebook/ptpd/ptp/ptpd/config"
	"github.com/facebook/ptpd/ptp/ptpd/port"
	"github.com/facebook/ptpd/ptp/ptpd/stats"
	"github.com/facebook/ptpd/ptp/transport"
)

// how often process stats are sampled for the monitoring endpoint
const sysStatsInterval = time.Minute

var (
	runConfigFlag         string
	runIfaceFlag          string
	runDomainFlag         uint8
	runSlaveOnlyFlag      bool
	runMonitoringPortFlag int
)

func init() {
	defaults := config.DefaultConfig()
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigFlag, "config", "c", "", "path to the config, YAML or INI")
	runCmd.Flags().StringVarP(&runIfaceFlag, "iface", "i", defaults.Iface, "network interface to use")
	runCmd.Flags().Uint8VarP(&runDomainFlag, "domain", "d", defaults.Clock.DomainNumber, "PTP domain number")
	runCmd.Flags().BoolVarP(&runSlaveOnlyFlag, "slaveonly", "s", defaults.Clock.SlaveOnly, "never become master")
	runCmd.Flags().IntVar(&runMonitoringPortFlag, "monitoringport", defaults.MonitoringPort, "port to start monitoring http server on")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run ordinary clock on a network interface",
	Run: func(c *cobra.Command, _ []string) {
		ConfigureVerbosity()
		setFlags := map[string]bool{}
		for _, name := range []string{"iface", "domain", "slaveonly", "monitoringport"} {
			setFlags[name] = c.Flags().Changed(name)
		}
		cfg, err := config.PrepareConfig(runConfigFlag, runIfaceFlag, runDomainFlag, runSlaveOnlyFlag, runMonitoringPortFlag, setFlags)
		if err != nil {
			log.Fatal(err)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := runPort(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal(err)
		}
	},
}

type closingClock interface {
	clock.Clock
	Close() error
}

func openClock(cfg *config.Config) (closingClock, error) {
	if cfg.PHCDevice == "" {
		return clock.NewSysClock(), nil
	}
	return clock.OpenPHC(cfg.PHCDevice)
}

func runPort(ctx context.Context, cfg *config.Config) error {
	clk, err := openClock(cfg)
	if err != nil {
		return err
	}
	defer clk.Close()

	link, err := transport.OpenPcapLink(cfg.Iface, cfg.Network.Transport, cfg.Port.QueueSize)
	if err != nil {
		return err
	}
	defer link.Close()
	tc, err := cfg.Network.TransportConfig()
	if err != nil {
		return err
	}

	st := stats.NewStats(1)
	p, err := port.New(cfg, port.Deps{
		Clock:        clock.NewSerialized(clk),
		Transport:    transport.NewAdapter(tc, link),
		Inbound:      link.Receive(),
		HardwareAddr: link.HardwareAddr(),
		Stats:        st,
	})
	if err != nil {
		return err
	}
	srv := stats.NewServer(st)

	eg, ctx := errgroup.WithContext(ctx)
	ticks := make(chan time.Duration)
	eg.Go(func() error {
		return srv.Start(ctx, cfg.MonitoringPort, sysStatsInterval)
	})
	eg.Go(func() error {
		return tick(ctx, cfg.TickInterval, ticks)
	})
	eg.Go(func() error {
		return p.Run(ctx, ticks)
	})
	log.Infof("running on %s (%s), domain %d", cfg.Iface, link.HardwareAddr(), cfg.Clock.DomainNumber)
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warningf("notifying systemd: %v", err)
	} else if sent {
		log.Debug("notified systemd we are ready")
	}
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("port stopped: %w", err)
	}
	return nil
}

// tick reports elapsed time to the port every interval
func tick(ctx context.Context, interval time.Duration, ticks chan<- time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			elapsed := now.Sub(last)
			last = now
			select {
			case ticks <- elapsed:
			case <-ctx.Done():
				return nil
			}
		}
	}
}
