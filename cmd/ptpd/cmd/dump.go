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
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	ptp "github.com/facebook/ptpd/ptp/protocol"
	"github.com/facebook/ptpd/ptp/transport"
)

var dumpFCSFlag bool

func init() {
	RootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().BoolVar(&dumpFCSFlag, "fcs", false, "captured frames carry frame check sequence")
}

// packetHandle abstracts packet handles provided by pcapgo.Reader and pcapgo.NgReader
type packetHandle interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

func openCapture(r io.ReadSeeker) (packetHandle, error) {
	// try NgReader, if it fails - fall back to Reader
	handle, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
	if err == nil {
		return handle, nil
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking: %w", err)
	}
	return pcapgo.NewReader(r)
}

func dumpCapture(r io.ReadSeeker, w io.Writer, fcs bool) error {
	handle, err := openCapture(r)
	if err != nil {
		return fmt.Errorf("decoding capture: %w", err)
	}
	if lt := handle.LinkType(); lt != layers.LinkTypeEthernet {
		return fmt.Errorf("unsupported link type %s", lt)
	}
	for n := 1; ; n++ {
		data, ci, err := handle.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading packet %d: %w", n, err)
		}
		frame, err := transport.Parse(data, fcs)
		if err != nil {
			log.Debugf("packet %d: %v", n, err)
			continue
		}
		pkt, err := ptp.DecodePacket(frame.Payload)
		if err != nil {
			log.Warningf("packet %d: %v", n, err)
			continue
		}
		spew.Fprintf(w, "#%d %s %s -> %s %s vlans=%v\n",
			n, ci.Timestamp.Format("15:04:05.000000"), frame.Source, frame.Destination, frame.Transport, frame.VLANs)
		spew.Fdump(w, pkt)
	}
}

var dumpCmd = &cobra.Command{
	Use:   "dump <file.pcap>",
	Short: "Print PTP messages from a pcap or pcapng capture",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()
		f, err := os.Open(args[0])
		if err != nil {
			log.Fatal(err)
		}
		defer f.Close()
		if err := dumpCapture(f, os.Stdout, dumpFCSFlag); err != nil {
			log.Fatal(err)
		}
	},
}
