// Package engine implements the per-interface TCP/IP protocol engine: a
// small Ethernet/ARP/IPv4/IPv6/TCP state machine with a pull based link
// layer. An Engine has no goroutines and no locks; its owner serializes every
// call.
package engine

import (
	"fmt"
	"net"
	"net/netip"

	"firestige.xyz/netmgr/internal/core"
	"firestige.xyz/netmgr/internal/log"
)

// AddressConfig lists the addresses assigned to an interface. Each prefix
// carries the interface address and the on-link network.
type AddressConfig struct {
	Prefixes []netip.Prefix
}

// DefaultAddressConfig is a fixed demo addressing: 192.168.1.20/24 and a
// link-local IPv6 address. Real deployments pass addressing explicitly.
func DefaultAddressConfig() AddressConfig {
	return AddressConfig{Prefixes: []netip.Prefix{
		netip.MustParsePrefix("192.168.1.20/24"),
		netip.MustParsePrefix("fe80::9d39:1765:52bd:8383/64"),
	}}
}

// ParseAddressConfig parses CIDR strings such as "10.0.0.1/24".
func ParseAddressConfig(cidrs ...string) (AddressConfig, error) {
	var cfg AddressConfig
	for _, s := range cidrs {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return AddressConfig{}, fmt.Errorf("address %q: %w", s, core.ErrInvalidAddress)
		}
		cfg.Prefixes = append(cfg.Prefixes, p)
	}
	return cfg, cfg.Validate()
}

// Validate rejects unspecified, multicast and duplicate addresses.
func (a AddressConfig) Validate() error {
	seen := make(map[netip.Addr]bool, len(a.Prefixes))
	for _, p := range a.Prefixes {
		addr := p.Addr()
		if !p.IsValid() || addr.IsUnspecified() || addr.IsMulticast() || addr.Zone() != "" {
			return fmt.Errorf("address %s: %w", p, core.ErrInvalidAddress)
		}
		if seen[addr] {
			return fmt.Errorf("duplicate address %s: %w", addr, core.ErrInvalidAddress)
		}
		seen[addr] = true
	}
	return nil
}

// EgressPolicy selects what happens when the egress queue is full.
type EgressPolicy string

const (
	// DropOldest discards the oldest queued frame to make room.
	DropOldest EgressPolicy = "drop-oldest"
	// RejectNew discards the frame being queued.
	RejectNew EgressPolicy = "reject-new"
)

const (
	DefaultMTU             = 1500
	DefaultEgressMaxFrames = 512
	maxParkedPerNeighbor   = 16
	receiveWindow          = 65535
)

// EgressConfig bounds the outbound frame queue.
type EgressConfig struct {
	MaxFrames int
	Policy    EgressPolicy
}

func (c EgressConfig) withDefaults() EgressConfig {
	if c.MaxFrames <= 0 {
		c.MaxFrames = DefaultEgressMaxFrames
	}
	if c.Policy == "" {
		c.Policy = DropOldest
	}
	return c
}

// Config configures an Engine.
type Config struct {
	MAC       net.HardwareAddr
	Addresses AddressConfig
	MTU       int
	Egress    EgressConfig
	// Promiscuous disables the destination MAC ingress filter.
	Promiscuous bool
	// NextIndex allocates socket indices. Engines sharing one allocator hand
	// out indices that are unique across all of them. Defaults to a counter
	// private to the engine.
	NextIndex func() SocketIndex
	Logger    log.Logger
}

func (c Config) validate() error {
	if len(c.MAC) != 6 {
		return fmt.Errorf("mac %v: %w", c.MAC, core.ErrInvalidHardwareAddr)
	}
	if c.MAC[0]&0x01 != 0 {
		return fmt.Errorf("mac %v is multicast: %w", c.MAC, core.ErrInvalidHardwareAddr)
	}
	if err := c.Addresses.Validate(); err != nil {
		return err
	}
	if c.MTU != 0 && c.MTU < 576 {
		return fmt.Errorf("mtu %d below 576: %w", c.MTU, core.ErrConfigInvalid)
	}
	switch c.Egress.Policy {
	case "", DropOldest, RejectNew:
	default:
		return fmt.Errorf("egress policy %q: %w", c.Egress.Policy, core.ErrConfigInvalid)
	}
	return nil
}
