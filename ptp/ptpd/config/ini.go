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

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-ini/ini"

	ptp "github.com/facebook/ptpd/ptp/protocol"
	"github.com/facebook/ptpd/ptp/transport"
	"github.com/facebook/ptpd/servo"
)

// iniFile looks keys up both as [section] key and as flat section:key, the way ptpd2 writes them
type iniFile struct {
	f *ini.File
}

func (f iniFile) key(section, name string) *ini.Key {
	if s, err := f.f.GetSection(section); err == nil && s.HasKey(name) {
		return s.Key(name)
	}
	flat := section + ":" + name
	if d := f.f.Section(ini.DefaultSection); d.HasKey(flat) {
		return d.Key(flat)
	}
	return nil
}

func (f iniFile) str(section, name string, dst *string) {
	if k := f.key(section, name); k != nil {
		*dst = k.String()
	}
}

func (f iniFile) boolean(section, name string, dst *bool) error {
	k := f.key(section, name)
	if k == nil {
		return nil
	}
	v, err := k.Bool()
	if err != nil {
		return fmt.Errorf("%s:%s: %w", section, name, err)
	}
	*dst = v
	return nil
}

func (f iniFile) float(section, name string, dst *float64) error {
	k := f.key(section, name)
	if k == nil {
		return nil
	}
	v, err := k.Float64()
	if err != nil {
		return fmt.Errorf("%s:%s: %w", section, name, err)
	}
	*dst = v
	return nil
}

// seconds reads fractional seconds into duration
func (f iniFile) seconds(section, name string, dst *time.Duration) error {
	v := dst.Seconds()
	if err := f.float(section, name, &v); err != nil {
		return err
	}
	*dst = time.Duration(v * float64(time.Second))
	return nil
}

func (f iniFile) text(section, name string, dst interface{ UnmarshalText([]byte) error }) error {
	k := f.key(section, name)
	if k == nil {
		return nil
	}
	if err := dst.UnmarshalText([]byte(k.String())); err != nil {
		return fmt.Errorf("%s:%s: %w", section, name, err)
	}
	return nil
}

func iniInt[T ~int8 | ~uint8 | ~int16 | ~uint16 | ~int](f iniFile, section, name string, dst *T) error {
	k := f.key(section, name)
	if k == nil {
		return nil
	}
	v, err := k.Int()
	if err != nil {
		return fmt.Errorf("%s:%s: %w", section, name, err)
	}
	if int(T(v)) != v {
		return fmt.Errorf("%s:%s: value %d is out of range", section, name, v)
	}
	*dst = T(v)
	return nil
}

// ptpd2 transport names
var iniTransports = map[string]ptp.TransportType{
	"ethernet": ptp.TransportTypeIEEE8023,
	"ipv4":     ptp.TransportTypeUDPIPV4,
	"ipv6":     ptp.TransportTypeUDPIPV6,
}

// ReadINIConfig reads ptpd2 style config file
func ReadINIConfig(path string) (*Config, error) {
	raw, err := ini.LoadSources(ini.LoadOptions{KeyValueDelimiters: "="}, path)
	if err != nil {
		return nil, err
	}
	return fromINI(iniFile{f: raw})
}

func fromINI(f iniFile) (*Config, error) {
	c := DefaultConfig()

	f.str("ptpengine", "interface", &c.Iface)
	f.str("clock", "phc_device", &c.PHCDevice)

	if k := f.key("ptpengine", "transport"); k != nil {
		t, ok := iniTransports[strings.ToLower(k.String())]
		if !ok {
			return nil, fmt.Errorf("ptpengine:transport: unknown transport %q", k.String())
		}
		c.Network.Transport = t
	}
	if k := f.key("ptpengine", "preset"); k != nil {
		switch strings.ToLower(k.String()) {
		case "slaveonly":
			c.Clock.SlaveOnly = true
			c.Clock.ClockClass = ptp.ClockClassSlaveOnly
		case "masterslave", "masteronly":
		default:
			return nil, fmt.Errorf("ptpengine:preset: unknown preset %q", k.String())
		}
	}
	if c.Clock.SlaveOnly && c.Clock.ClockClass != ptp.ClockClassSlaveOnly {
		c.Clock.ClockClass = ptp.ClockClassSlaveOnly
	}

	var vlan int
	if err := iniInt(f, "ptpengine", "vlan_id", &vlan); err != nil {
		return nil, err
	}
	if vlan > 0 {
		c.Network.Encapsulation = transport.EncapsulationVLAN
		c.Network.VLAN = uint16(vlan)
	}
	var (
		freqPPM, kp, ki float64
		stiffness       uint8
	)
	errs := []error{
		f.text("ptpengine", "delay_mechanism", &c.Port.DelayMechanism),
		f.text("ptpengine", "encapsulation", &c.Network.Encapsulation),
		iniInt(f, "ptpengine", "outer_vlan_id", &c.Network.OuterVLAN),
		iniInt(f, "ptpengine", "vlan_priority", &c.Network.Priority),
		iniInt(f, "ptpengine", "ip_dscp", &c.Network.DSCP),
		f.boolean("ptpengine", "fcs", &c.Network.FCS),
		iniInt(f, "ptpengine", "domain", &c.Clock.DomainNumber),
		iniInt(f, "ptpengine", "priority1", &c.Clock.Priority1),
		iniInt(f, "ptpengine", "priority2", &c.Clock.Priority2),
		iniInt(f, "ptpengine", "clock_class", &c.Clock.ClockClass),
		iniInt(f, "ptpengine", "clock_accuracy", &c.Clock.ClockAccuracy),
		iniInt(f, "ptpengine", "offset_scaled_log_variance", &c.Clock.OffsetScaledLogVariance),
		iniInt(f, "ptpengine", "utc_offset", &c.Clock.CurrentUTCOffset),
		f.boolean("ptpengine", "ptp_timescale", &c.Clock.PTPTimescale),
		f.boolean("ptpengine", "two_step", &c.Clock.TwoStep),
		iniInt(f, "ptpengine", "log_announce_interval", &c.Port.LogAnnounceInterval),
		iniInt(f, "ptpengine", "announce_receipt_timeout", &c.Port.AnnounceReceiptTimeout),
		iniInt(f, "ptpengine", "log_sync_interval", &c.Port.LogSyncInterval),
		iniInt(f, "ptpengine", "log_delayreq_interval", &c.Port.LogMinDelayReqInterval),
		iniInt(f, "ptpengine", "log_peer_delayreq_interval", &c.Port.LogMinPdelayReqInterval),
		iniInt(f, "ptpengine", "foreignrecord_capacity", &c.BMC.ForeignMasterCapacity),
		f.boolean("clock", "no_reset", &c.Servo.NoReset),
		f.float("clock", "max_offset_ppm", &freqPPM),
		f.float("servo", "kp", &kp),
		f.float("servo", "ki", &ki),
		iniInt(f, "servo", "delayfilter_stiffness", &stiffness),
		f.seconds("servo", "step_threshold", &c.Servo.StepThreshold),
		f.seconds("servo", "max_delay", &c.Servo.MaxDelay),
		iniInt(f, "global", "statistics_port", &c.MonitoringPort),
	}
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	if k := f.key("global", "user_description"); k != nil {
		c.Clock.UserDescription = k.String()
	}
	f.str("clock", "leap_seconds_file", &c.Clock.LeapFile)
	if freqPPM > 0 {
		c.Servo.MaxFreqPPB = freqPPM * 1000
	}
	if kp > 0 {
		c.Servo.PI.PiKpScale = kp
	}
	if ki > 0 {
		c.Servo.PI.PiKiScale = ki
	}
	if stiffness > 0 {
		c.Servo.DelayFilter.Weighting = servo.WeightingExponential
		c.Servo.DelayFilter.Stiffness = stiffness
	}
	return c, nil
}
