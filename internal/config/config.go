// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/netmgr/internal/core"
	"firestige.xyz/netmgr/internal/engine"
	"firestige.xyz/netmgr/internal/log"
	"firestige.xyz/netmgr/internal/netdriver"
)

// Config is the top-level configuration.
type Config struct {
	Log        log.Config        `mapstructure:"log" yaml:"log"`
	Link       LinkConfig        `mapstructure:"link" yaml:"link"`
	Egress     EgressConfig      `mapstructure:"egress" yaml:"egress"`
	Interfaces []InterfaceConfig `mapstructure:"interfaces" yaml:"interfaces"`
	Trace      TraceConfig       `mapstructure:"trace" yaml:"trace"`
	Driver     DriverConfig      `mapstructure:"driver" yaml:"driver"`
	Metrics    MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
}

// LinkConfig applies to every interface.
type LinkConfig struct {
	MTU         int  `mapstructure:"mtu" yaml:"mtu"`
	Promiscuous bool `mapstructure:"promiscuous" yaml:"promiscuous"`
}

// EgressConfig bounds the per-interface outbound frame queue.
type EgressConfig struct {
	MaxFrames int    `mapstructure:"max_frames" yaml:"max_frames"`
	Policy    string `mapstructure:"policy" yaml:"policy"` // drop-oldest | reject-new
}

// InterfaceConfig describes one virtual interface.
type InterfaceConfig struct {
	Name      string   `mapstructure:"name" yaml:"name"`
	MAC       string   `mapstructure:"mac" yaml:"mac"`
	Addresses []string `mapstructure:"addresses" yaml:"addresses"` // CIDR
}

// TraceConfig enables the pcap recorder.
type TraceConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// DriverConfig tunes the network driver.
type DriverConfig struct {
	MaxInflightFrames int `mapstructure:"max_inflight_frames" yaml:"max_inflight_frames"`
}

// MetricsConfig exposes driver counters over HTTP.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// HardwareAddr parses the MAC.
func (c InterfaceConfig) HardwareAddr() (net.HardwareAddr, error) {
	mac, err := net.ParseMAC(c.MAC)
	if err != nil || len(mac) != 6 {
		return nil, fmt.Errorf("interface %s: mac %q: %w", c.Name, c.MAC, core.ErrInvalidHardwareAddr)
	}
	if mac[0]&0x01 != 0 {
		return nil, fmt.Errorf("interface %s: mac %s is multicast: %w", c.Name, mac, core.ErrInvalidHardwareAddr)
	}
	return mac, nil
}

// ToAddressConfig parses the addresses. An empty list falls back to the
// engine's demo addressing.
func (c InterfaceConfig) ToAddressConfig() (engine.AddressConfig, error) {
	if len(c.Addresses) == 0 {
		return engine.DefaultAddressConfig(), nil
	}
	a, err := engine.ParseAddressConfig(c.Addresses...)
	if err != nil {
		return engine.AddressConfig{}, fmt.Errorf("interface %s: %w", c.Name, err)
	}
	return a, nil
}

// ToEngine converts the egress section.
func (c EgressConfig) ToEngine() engine.EgressConfig {
	return engine.EgressConfig{MaxFrames: c.MaxFrames, Policy: engine.EgressPolicy(c.Policy)}
}

// ─── Loading ───

// configRoot matches the YAML structure `netmgr: ...`.
type configRoot struct {
	Netmgr Config `mapstructure:"netmgr" yaml:"netmgr"`
}

// Load loads configuration from file.
// The YAML file uses `netmgr:` as root key; the key replacer maps every key
// to a NETMGR_ environment variable (e.g., netmgr.log.level → NETMGR_LOG_LEVEL).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Netmgr

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given. It has no
// interfaces.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var root configRoot
	// defaults only: decoding cannot fail
	_ = v.Unmarshal(&root)
	cfg := root.Netmgr
	_ = cfg.ValidateAndApplyDefaults()
	return &cfg
}

// Dump renders cfg as YAML under the `netmgr:` root key.
func Dump(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(configRoot{Netmgr: *cfg})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	// Log
	v.SetDefault("netmgr.log.level", "info")
	v.SetDefault("netmgr.log.pattern", log.DefaultPattern)
	v.SetDefault("netmgr.log.time", log.DefaultTime)

	// Link
	v.SetDefault("netmgr.link.mtu", engine.DefaultMTU)
	v.SetDefault("netmgr.link.promiscuous", false)
	v.SetDefault("netmgr.egress.max_frames", engine.DefaultEgressMaxFrames)
	v.SetDefault("netmgr.egress.policy", string(engine.DropOldest))

	// Trace
	v.SetDefault("netmgr.trace.enabled", false)
	v.SetDefault("netmgr.trace.path", "netmgr.pcap")

	// Driver
	v.SetDefault("netmgr.driver.max_inflight_frames", netdriver.DefaultMaxInflightFrames)

	// Metrics
	v.SetDefault("netmgr.metrics.enabled", false)
	v.SetDefault("netmgr.metrics.listen", ":9091")
	v.SetDefault("netmgr.metrics.path", "/metrics")
}

// ValidateAndApplyDefaults validates the configuration and fills in what
// viper defaults cannot express.
func (cfg *Config) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error): %w", cfg.Log.Level, core.ErrConfigInvalid)
	}
	if len(cfg.Log.Appenders) == 0 {
		cfg.Log.Appenders = []log.AppenderConfig{{Type: "console"}}
	}

	if cfg.Link.MTU != 0 && cfg.Link.MTU < 576 {
		return fmt.Errorf("link.mtu %d below 576: %w", cfg.Link.MTU, core.ErrConfigInvalid)
	}
	if cfg.Egress.MaxFrames < 0 {
		return fmt.Errorf("egress.max_frames %d is negative: %w", cfg.Egress.MaxFrames, core.ErrConfigInvalid)
	}
	switch engine.EgressPolicy(cfg.Egress.Policy) {
	case "":
		cfg.Egress.Policy = string(engine.DropOldest)
	case engine.DropOldest, engine.RejectNew:
	default:
		return fmt.Errorf("invalid egress.policy: %s (must be drop-oldest/reject-new): %w", cfg.Egress.Policy, core.ErrConfigInvalid)
	}

	names := make(map[string]bool, len(cfg.Interfaces))
	for i, iface := range cfg.Interfaces {
		if iface.Name == "" {
			return fmt.Errorf("interfaces[%d].name is required: %w", i, core.ErrConfigInvalid)
		}
		if names[iface.Name] {
			return fmt.Errorf("duplicate interface name %s: %w", iface.Name, core.ErrConfigInvalid)
		}
		names[iface.Name] = true
		if _, err := iface.HardwareAddr(); err != nil {
			return err
		}
		if _, err := iface.ToAddressConfig(); err != nil {
			return err
		}
	}

	if cfg.Trace.Enabled && cfg.Trace.Path == "" {
		return fmt.Errorf("trace.path is required when trace.enabled=true: %w", core.ErrConfigInvalid)
	}
	if cfg.Driver.MaxInflightFrames < 0 {
		return fmt.Errorf("driver.max_inflight_frames %d is negative: %w", cfg.Driver.MaxInflightFrames, core.ErrConfigInvalid)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true: %w", core.ErrConfigInvalid)
	}
	return nil
}
