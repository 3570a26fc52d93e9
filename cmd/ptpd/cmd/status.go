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
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"
	"golang.org/x/term"

	"github.com/facebook/ptpd/ptp/ptpd/stats"
)

var (
	statusURLFlag      string
	statusCountersFlag bool
)

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVarP(&statusURLFlag, "url", "u", "http://localhost:4269", "monitoring endpoint of running ptpd")
	statusCmd.Flags().BoolVar(&statusCountersFlag, "counters", false, "print all counters too")
}

func colorState(state string) string {
	switch state {
	case "SLAVE", "MASTER":
		return color.GreenString(state)
	case "UNCALIBRATED", "PRE_MASTER", "LISTENING", "PASSIVE":
		return color.YellowString(state)
	case "FAULTY", "DISABLED":
		return color.RedString(state)
	}
	return state
}

func printStatus(w io.Writer, ports []stats.PortStatus) {
	table := tablewriter.NewWriter(w)
	table.SetColWidth(24)
	table.SetHeader([]string{
		"port", "identity", "state", "decision", "domain", "grandmaster", "gm class", "p1:p2", "steps", "offset(ns)", "delay(ns)", "freq(ppb)",
	})
	for _, p := range ports {
		table.Append([]string{
			fmt.Sprintf("%d", p.PortNumber),
			p.PortIdentity,
			colorState(p.State),
			p.Decision,
			fmt.Sprintf("%d", p.DomainNumber),
			p.GrandmasterIdentity,
			fmt.Sprintf("%d", p.GrandmasterClockQuality.ClockClass),
			fmt.Sprintf("%d:%d", p.GrandmasterPriority1, p.GrandmasterPriority2),
			fmt.Sprintf("%d", p.StepsRemoved),
			fmt.Sprintf("%d", p.OffsetFromMaster),
			fmt.Sprintf("%d", p.MeanPathDelay),
			fmt.Sprintf("%.3f", p.Frequency),
		})
	}
	table.Render()
}

func printCounters(w io.Writer, counters stats.Counters) {
	keys := maps.Keys(counters)
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %d\n", k, counters[k])
	}
}

func statusRun(w io.Writer, url string, withCounters bool) error {
	ports, err := stats.FetchStatus(url)
	if err != nil {
		return fmt.Errorf("fetching status: %w", err)
	}
	printStatus(w, ports)
	if !withCounters {
		return nil
	}
	counters, err := stats.FetchCounters(strings.TrimSuffix(url, "/"))
	if err != nil {
		return fmt.Errorf("fetching counters: %w", err)
	}
	printCounters(w, counters)
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print state of running ptpd ports",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			color.NoColor = true
		}
		if err := statusRun(os.Stdout, statusURLFlag, statusCountersFlag); err != nil {
			log.Fatal(err)
		}
	},
}
