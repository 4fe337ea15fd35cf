package netmgr

import (
	"firestige.xyz/netmgr/internal/engine"
	"firestige.xyz/netmgr/internal/log"
)

// Direction tells a FrameTap which way a frame crossed the cable.
type Direction int

const (
	Ingress Direction = iota
	Egress
)

func (d Direction) String() string {
	if d == Ingress {
		return "ingress"
	}
	return "egress"
}

// FrameTap observes every frame injected into or drained from an interface.
// It is called with the manager lock held and must not call back into the
// manager.
type FrameTap[I comparable] func(id I, dir Direction, frame []byte)

type options[I comparable] struct {
	logger      log.Logger
	mtu         int
	egress      engine.EgressConfig
	promiscuous bool
	tap         FrameTap[I]
}

// Option configures a Manager.
type Option[I comparable] func(*options[I])

// WithLogger sets the logger; the global logger is used otherwise.
func WithLogger[I comparable](l log.Logger) Option[I] {
	return func(o *options[I]) { o.logger = l }
}

// WithMTU sets the MTU of every interface registered afterwards.
func WithMTU[I comparable](mtu int) Option[I] {
	return func(o *options[I]) { o.mtu = mtu }
}

// WithEgress bounds the egress queue of every interface.
func WithEgress[I comparable](cfg engine.EgressConfig) Option[I] {
	return func(o *options[I]) { o.egress = cfg }
}

// WithPromiscuous disables the ingress MAC filter.
func WithPromiscuous[I comparable](on bool) Option[I] {
	return func(o *options[I]) { o.promiscuous = on }
}

// WithFrameTap installs a frame observer, e.g. a pcap recorder.
func WithFrameTap[I comparable](tap FrameTap[I]) Option[I] {
	return func(o *options[I]) { o.tap = tap }
}
