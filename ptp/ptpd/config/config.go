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
	"net"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"

	"github.com/facebook/ptpd/ptp/bmc"
	ptp "github.com/facebook/ptpd/ptp/protocol"
	"github.com/facebook/ptpd/ptp/transport"
	"github.com/facebook/ptpd/servo"
)

// NetworkConfig describes how PTP messages are put on the wire
type NetworkConfig struct {
	Transport     ptp.TransportType       `yaml:"transport"`
	Encapsulation transport.Encapsulation `yaml:"encapsulation"`
	VLAN          uint16                  `yaml:"vlan"`       // inner (or only) VLAN id
	OuterVLAN     uint16                  `yaml:"outer_vlan"` // 802.1ad service VLAN id for qinq
	Priority      uint8                   `yaml:"priority"`   // 802.1p priority code point
	DSCP          uint8                   `yaml:"dscp"`       // for udp transports
	FCS           bool                    `yaml:"fcs"`        // link expects frame check sequence
	// UnicastDestination is a MAC address to send to instead of multicast
	UnicastDestination string `yaml:"unicast_destination"`
	UnicastIP          string `yaml:"unicast_ip"`
	SourceIP           string `yaml:"source_ip"`
}

// Validate NetworkConfig is sane
func (c *NetworkConfig) Validate() error {
	if _, ok := ptp.TransportTypeToString[c.Transport]; !ok {
		return fmt.Errorf("unsupported transport %d", c.Transport)
	}
	switch c.Encapsulation {
	case transport.EncapsulationNone:
	case transport.EncapsulationQinQ:
		if c.OuterVLAN < 1 || c.OuterVLAN > 4094 {
			return fmt.Errorf("outer_vlan must be in 1..4094")
		}
		fallthrough
	case transport.EncapsulationVLAN:
		if c.VLAN < 1 || c.VLAN > 4094 {
			return fmt.Errorf("vlan must be in 1..4094")
		}
	default:
		return fmt.Errorf("unsupported encapsulation %d", c.Encapsulation)
	}
	if c.Priority > 7 {
		return fmt.Errorf("priority must be in 0..7")
	}
	if c.DSCP > 63 {
		return fmt.Errorf("dscp must be in 0..63")
	}
	_, err := c.TransportConfig()
	return err
}

// TransportConfig converts NetworkConfig to frame adapter config
func (c *NetworkConfig) TransportConfig() (transport.Config, error) {
	tc := transport.Config{
		Transport:     c.Transport,
		Encapsulation: c.Encapsulation,
		VLAN:          c.VLAN,
		OuterVLAN:     c.OuterVLAN,
		Priority:      c.Priority,
		DSCP:          c.DSCP,
		FCS:           c.FCS,
	}
	if c.UnicastDestination != "" {
		mac, err := net.ParseMAC(c.UnicastDestination)
		if err != nil {
			return tc, fmt.Errorf("parsing unicast_destination: %w", err)
		}
		tc.UnicastDestination = mac
	}
	if c.UnicastIP != "" {
		if tc.UnicastIP = net.ParseIP(c.UnicastIP); tc.UnicastIP == nil {
			return tc, fmt.Errorf("unicast_ip %q is not an IP address", c.UnicastIP)
		}
	}
	if c.SourceIP != "" {
		if tc.SourceIP = net.ParseIP(c.SourceIP); tc.SourceIP == nil {
			return tc, fmt.Errorf("source_ip %q is not an IP address", c.SourceIP)
		}
	}
	return tc, nil
}

// ClockConfig is the default data set of the clock
type ClockConfig struct {
	DomainNumber            uint8             `yaml:"domain_number"`
	Priority1               uint8             `yaml:"priority1"`
	Priority2               uint8             `yaml:"priority2"`
	ClockClass              ptp.ClockClass    `yaml:"clock_class"`
	ClockAccuracy           ptp.ClockAccuracy `yaml:"clock_accuracy"`
	OffsetScaledLogVariance uint16            `yaml:"offset_scaled_log_variance"`
	SlaveOnly               bool              `yaml:"slave_only"`
	TwoStep                 bool              `yaml:"two_step"`
	CurrentUTCOffset        int16             `yaml:"current_utc_offset"`
	TimeSource              ptp.TimeSource    `yaml:"time_source"`
	PTPTimescale            bool              `yaml:"ptp_timescale"`
	UserDescription         string            `yaml:"user_description"`
	// LeapFile is a TZif file with leap seconds. When set, a PTP timescale master
	// advertises UTC offset and leap flags from it instead of CurrentUTCOffset.
	LeapFile string `yaml:"leap_file"`
}

// Validate ClockConfig is sane
func (c *ClockConfig) Validate() error {
	if c.SlaveOnly && c.ClockClass != ptp.ClockClassSlaveOnly {
		return fmt.Errorf("slave_only clock must have clock_class %d", ptp.ClockClassSlaveOnly)
	}
	if !c.SlaveOnly && c.ClockClass == ptp.ClockClassSlaveOnly {
		return fmt.Errorf("clock_class %d is reserved for slave_only clocks", ptp.ClockClassSlaveOnly)
	}
	if len(c.UserDescription) > 128 {
		return fmt.Errorf("user_description must be at most 128 characters")
	}
	return nil
}

// PortConfig is the port data set and port runtime options
type PortConfig struct {
	DelayMechanism          ptp.DelayMechanism `yaml:"delay_mechanism"`
	LogAnnounceInterval     ptp.LogInterval    `yaml:"log_announce_interval"`
	AnnounceReceiptTimeout  uint8              `yaml:"announce_receipt_timeout"`
	LogSyncInterval         ptp.LogInterval    `yaml:"log_sync_interval"`
	LogMinDelayReqInterval  ptp.LogInterval    `yaml:"log_min_delay_req_interval"`
	LogMinPdelayReqInterval ptp.LogInterval    `yaml:"log_min_pdelay_req_interval"`
	// OperatorMessageInterval rate-limits repeated servo warnings
	OperatorMessageInterval time.Duration `yaml:"operator_message_interval"`
	// QueueSize is the depth of inbound frame queue
	QueueSize int `yaml:"queue_size"`
}

// Validate PortConfig is sane
func (c *PortConfig) Validate() error {
	if c.DelayMechanism != ptp.DelayMechanismE2E && c.DelayMechanism != ptp.DelayMechanismP2P {
		return fmt.Errorf("unsupported delay_mechanism %d", c.DelayMechanism)
	}
	if c.LogAnnounceInterval < -3 || c.LogAnnounceInterval > 4 {
		return fmt.Errorf("log_announce_interval must be in -3..4")
	}
	if c.AnnounceReceiptTimeout < 2 {
		return fmt.Errorf("announce_receipt_timeout must be at least 2")
	}
	for name, v := range map[string]ptp.LogInterval{
		"log_sync_interval":           c.LogSyncInterval,
		"log_min_delay_req_interval":  c.LogMinDelayReqInterval,
		"log_min_pdelay_req_interval": c.LogMinPdelayReqInterval,
	} {
		if v < -7 || v > 5 {
			return fmt.Errorf("%s must be in -7..5", name)
		}
	}
	if c.OperatorMessageInterval < 0 {
		return fmt.Errorf("operator_message_interval must be 0 or positive")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be greater than zero")
	}
	return nil
}

// BMCConfig holds foreign master qualification constants
type BMCConfig struct {
	ForeignMasterCapacity   int `yaml:"foreign_master_capacity"`
	ForeignMasterThreshold  int `yaml:"foreign_master_threshold"`
	ForeignMasterTimeWindow int `yaml:"foreign_master_time_window"` // in announce intervals
}

// Validate BMCConfig is sane
func (c *BMCConfig) Validate() error {
	if c.ForeignMasterCapacity < 1 {
		return fmt.Errorf("foreign_master_capacity must be greater than zero")
	}
	if c.ForeignMasterThreshold < 1 {
		return fmt.Errorf("foreign_master_threshold must be greater than zero")
	}
	if c.ForeignMasterTimeWindow < 1 {
		return fmt.Errorf("foreign_master_time_window must be greater than zero")
	}
	return nil
}

// Config specifies ptpd run options. It is not modified once the port started.
type Config struct {
	Iface string `yaml:"iface"`
	// PHCDevice is the clock to discipline, empty means CLOCK_REALTIME
	PHCDevice      string        `yaml:"phc_device"`
	MonitoringPort int           `yaml:"monitoring_port"`
	TickInterval   time.Duration `yaml:"tick_interval"`
	Network        NetworkConfig `yaml:"network"`
	Clock          ClockConfig   `yaml:"clock"`
	Port           PortConfig    `yaml:"port"`
	BMC            BMCConfig     `yaml:"bmc"`
	Servo          servo.Config  `yaml:"servo"`
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		Iface:          "eth0",
		MonitoringPort: 4269,
		TickInterval:   62500 * time.Microsecond,
		Network: NetworkConfig{
			Transport:     ptp.TransportTypeIEEE8023,
			Encapsulation: transport.EncapsulationNone,
		},
		Clock: ClockConfig{
			Priority1:               128,
			Priority2:               128,
			ClockClass:              ptp.ClockClassDefault,
			ClockAccuracy:           ptp.ClockAccuracyUnknown,
			OffsetScaledLogVariance: 0xffff,
			TwoStep:                 true,
			CurrentUTCOffset:        37,
			TimeSource:              ptp.TimeSourceInternalOscillator,
			PTPTimescale:            true,
		},
		Port: PortConfig{
			DelayMechanism:          ptp.DelayMechanismE2E,
			LogAnnounceInterval:     1,
			AnnounceReceiptTimeout:  6,
			LogSyncInterval:         0,
			LogMinDelayReqInterval:  0,
			LogMinPdelayReqInterval: 0,
			OperatorMessageInterval: time.Minute,
			QueueSize:               64,
		},
		BMC: BMCConfig{
			ForeignMasterCapacity:   bmc.DefaultForeignMasterCapacity,
			ForeignMasterThreshold:  bmc.DefaultForeignMasterThreshold,
			ForeignMasterTimeWindow: bmc.DefaultForeignMasterTimeWindow,
		},
		Servo: servo.DefaultConfig(),
	}
}

// Validate config is sane
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be greater than zero")
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoring_port must be 0 or positive")
	}
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("invalid network config: %w", err)
	}
	if err := c.Clock.Validate(); err != nil {
		return fmt.Errorf("invalid clock config: %w", err)
	}
	if err := c.Port.Validate(); err != nil {
		return fmt.Errorf("invalid port config: %w", err)
	}
	if err := c.BMC.Validate(); err != nil {
		return fmt.Errorf("invalid bmc config: %w", err)
	}
	if err := c.Servo.Validate(); err != nil {
		return fmt.Errorf("invalid servo config: %w", err)
	}
	if c.TickInterval > c.Port.LogSyncInterval.Duration() {
		log.Warningf("tick_interval %v is longer than sync interval %v", c.TickInterval, c.Port.LogSyncInterval.Duration())
	}
	return nil
}

// ReadConfig reads yaml config from the file
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(cData, &c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// readAny picks the parser by file extension
func readAny(path string) (*Config, error) {
	switch filepath.Ext(path) {
	case ".ini", ".conf":
		return ReadINIConfig(path)
	}
	return ReadConfig(path)
}

// PrepareConfig prepares final version of config based on defaults, CLI flags and on-disk config, and validates resulting config
func PrepareConfig(cfgPath string, iface string, domain uint8, slaveOnly bool, monitoringPort int, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	warn := func(name string) {
		log.Warningf("overriding %s from CLI flag", name)
	}
	if cfgPath != "" {
		cfg, err = readAny(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if setFlags["iface"] {
		warn("iface")
		cfg.Iface = iface
	}
	if setFlags["domain"] {
		warn("domain")
		cfg.Clock.DomainNumber = domain
	}
	if setFlags["slaveonly"] {
		warn("slaveonly")
		cfg.Clock.SlaveOnly = slaveOnly
	}
	if setFlags["monitoringport"] {
		warn("monitoringport")
		cfg.MonitoringPort = monitoringPort
	}
	// slave only clocks advertise class 255, this is implied rather than configured
	if cfg.Clock.SlaveOnly {
		cfg.Clock.ClockClass = ptp.ClockClassSlaveOnly
	} else if cfg.Clock.ClockClass == ptp.ClockClassSlaveOnly {
		cfg.Clock.ClockClass = ptp.ClockClassDefault
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}
