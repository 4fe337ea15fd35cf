package engine

import (
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sort"

	"github.com/eapache/queue"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netmgr/internal/core"
	"firestige.xyz/netmgr/internal/log"
)

// SocketIndex identifies a socket inside one engine. Indices are allocated
// monotonically and never reused.
type SocketIndex uint32

// EventKind enumerates engine events.
type EventKind int

const (
	// EventCableOut reports that outbound frames are queued.
	EventCableOut EventKind = iota
	EventTCPConnected
	EventTCPClosed
	EventTCPReadReady
	EventTCPWriteFinished
)

func (k EventKind) String() string {
	switch k {
	case EventCableOut:
		return "ethernet-cable-out"
	case EventTCPConnected:
		return "tcp-connected"
	case EventTCPClosed:
		return "tcp-closed"
	case EventTCPReadReady:
		return "tcp-read-ready"
	case EventTCPWriteFinished:
		return "tcp-write-finished"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is produced by PollEvent. Socket is meaningless for EventCableOut.
type Event struct {
	Kind   EventKind
	Socket SocketIndex
}

// Stats are cumulative frame counters.
type Stats struct {
	RxFrames      uint64
	RxFiltered    uint64
	RxDropped     uint64
	TxFrames      uint64
	EgressDropped uint64
}

// Engine is the protocol state of one interface.
type Engine struct {
	cfg    Config
	mac    net.HardwareAddr
	log    log.Logger
	filter *ingressFilter

	sockets    map[SocketIndex]*tcpSocket
	allocIndex func() SocketIndex
	nextPort   uint16

	egress   [][]byte
	cableOut bool         // frames queued since the last EventCableOut
	events   *queue.Queue // of Event

	neighbors map[netip.Addr]net.HardwareAddr
	parked    map[netip.Addr][]parkedPacket

	// decoding state, reused across frames
	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	arp     layers.ARP
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	payload gopacket.Payload
	decoded []gopacket.LayerType

	stats Stats
}

// New builds an engine from cfg.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	cfg.Egress = cfg.Egress.withDefaults()
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger()
	}
	if cfg.NextIndex == nil {
		next := SocketIndex(0)
		cfg.NextIndex = func() SocketIndex {
			next++
			return next
		}
	}

	mac := append(net.HardwareAddr(nil), cfg.MAC...)
	filter, err := newIngressFilter(mac)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		mac:        mac,
		log:        cfg.Logger.WithField("mac", mac.String()),
		filter:     filter,
		sockets:    make(map[SocketIndex]*tcpSocket),
		allocIndex: cfg.NextIndex,
		nextPort:   ephemeralLow + uint16(rand.Intn(ephemeralHigh-ephemeralLow)),
		events:     queue.New(),
		neighbors:  make(map[netip.Addr]net.HardwareAddr),
		parked:     make(map[netip.Addr][]parkedPacket),
		decoded:    make([]gopacket.LayerType, 0, 8),
	}
	e.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&e.eth,
		&e.arp,
		&e.ip4,
		&e.ip6,
		&e.tcp,
		&e.payload,
	)
	e.parser.IgnoreUnsupported = true
	return e, nil
}

// MAC returns the interface hardware address.
func (e *Engine) MAC() net.HardwareAddr {
	return append(net.HardwareAddr(nil), e.mac...)
}

// Addresses returns the configured addressing.
func (e *Engine) Addresses() AddressConfig {
	return AddressConfig{Prefixes: append([]netip.Prefix(nil), e.cfg.Addresses.Prefixes...)}
}

// Stats returns a snapshot of the frame counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// PollEvent returns the next pending event, if any. Cable-out readiness is
// edge triggered: it is reported once per batch of newly queued frames, and
// frames left in the queue are not reported again until more are added.
func (e *Engine) PollEvent() (Event, bool) {
	if e.cableOut {
		e.cableOut = false
		if len(e.egress) > 0 {
			return Event{Kind: EventCableOut}, true
		}
	}
	if e.events.Length() > 0 {
		return e.events.Remove().(Event), true
	}
	return Event{}, false
}

// HasEvent reports whether PollEvent would return an event.
func (e *Engine) HasEvent() bool {
	return (e.cableOut && len(e.egress) > 0) || e.events.Length() > 0
}

// DrainEgress removes and returns every queued outbound frame.
func (e *Engine) DrainEgress() [][]byte {
	frames := e.egress
	e.egress = nil
	e.cableOut = false
	return frames
}

// DrainEgressN removes and returns at most max of the oldest queued frames.
func (e *Engine) DrainEgressN(max int) [][]byte {
	if max >= len(e.egress) {
		return e.DrainEgress()
	}
	if max <= 0 {
		return nil
	}
	frames := append([][]byte(nil), e.egress[:max]...)
	for i := range e.egress[:max] {
		e.egress[i] = nil
	}
	e.egress = e.egress[max:]
	return frames
}

// PendingEgress returns the number of queued outbound frames.
func (e *Engine) PendingEgress() int {
	return len(e.egress)
}

// PeekEgress returns the queued frames without removing them.
func (e *Engine) PeekEgress() [][]byte {
	return e.egress
}

// Socket returns a handle to a live socket.
func (e *Engine) Socket(idx SocketIndex) (*Socket, bool) {
	s, ok := e.sockets[idx]
	if !ok {
		return nil, false
	}
	return &Socket{e: e, s: s}, true
}

// Sockets returns the indices of every live socket in ascending order.
func (e *Engine) Sockets() []SocketIndex {
	out := make([]SocketIndex, 0, len(e.sockets))
	for idx := range e.sockets {
		out = append(out, idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CloseAll aborts every socket and returns their indices.
func (e *Engine) CloseAll() []SocketIndex {
	idxs := e.Sockets()
	for _, idx := range idxs {
		e.closeSocket(e.sockets[idx])
	}
	return idxs
}

func (e *Engine) pushEvent(kind EventKind, idx SocketIndex) {
	e.events.Add(Event{Kind: kind, Socket: idx})
}

// purgeEvents drops queued events referencing idx.
func (e *Engine) purgeEvents(idx SocketIndex) {
	if e.events.Length() == 0 {
		return
	}
	kept := queue.New()
	for e.events.Length() > 0 {
		ev := e.events.Remove().(Event)
		if ev.Socket != idx {
			kept.Add(ev)
		}
	}
	e.events = kept
}

// enqueueFrame applies the egress bound and queues frame.
func (e *Engine) enqueueFrame(frame []byte) error {
	if len(e.egress) >= e.cfg.Egress.MaxFrames {
		e.stats.EgressDropped++
		if e.cfg.Egress.Policy == RejectNew {
			return core.ErrEgressFull
		}
		e.egress[0] = nil
		e.egress = e.egress[1:]
	}
	e.egress = append(e.egress, frame)
	e.cableOut = true
	e.stats.TxFrames++
	return nil
}

// BuildTCPSocket opens a TCP socket. With listen set, addr is the local
// address to listen on (an unspecified address listens on every address of
// that family); otherwise addr is the remote peer, which must be on-link.
// ErrNoRoute means this interface cannot serve addr.
func (e *Engine) BuildTCPSocket(listen bool, addr netip.AddrPort) (*Socket, error) {
	ip := addr.Addr().Unmap().WithZone("")
	if !ip.IsValid() {
		return nil, fmt.Errorf("address %s: %w", addr, core.ErrInvalidAddress)
	}
	if addr.Port() == 0 {
		return nil, fmt.Errorf("port 0: %w", core.ErrInvalidAddress)
	}

	s := &tcpSocket{}
	if listen {
		if !e.canListen(ip) {
			return nil, fmt.Errorf("listen %s: %w", addr, core.ErrNoRoute)
		}
		for _, other := range e.sockets {
			if other.local.Port() == addr.Port() && other.local.Addr().Is4() == ip.Is4() &&
				(other.local.Addr() == ip || other.local.Addr().IsUnspecified() || ip.IsUnspecified()) {
				return nil, fmt.Errorf("listen %s: %w", addr, core.ErrAddressInUse)
			}
		}
		s.state = StateListen
		s.local = netip.AddrPortFrom(ip, addr.Port())
	} else {
		local, ok := e.sourceFor(ip)
		if !ok {
			return nil, fmt.Errorf("connect %s: %w", addr, core.ErrNoRoute)
		}
		s.local = netip.AddrPortFrom(local, e.allocPort())
		s.remote = netip.AddrPortFrom(ip, addr.Port())
	}

	s.index = e.allocIndex()
	e.sockets[s.index] = s

	if !listen {
		e.connect(s)
	}
	e.log.WithFields(map[string]interface{}{
		"socket": s.index,
		"listen": listen,
		"local":  s.local.String(),
		"remote": s.remote.String(),
	}).Debug("tcp socket opened")
	return &Socket{e: e, s: s}, nil
}

func (e *Engine) canListen(ip netip.Addr) bool {
	for _, p := range e.cfg.Addresses.Prefixes {
		if p.Addr().Is4() != ip.Is4() {
			continue
		}
		if ip.IsUnspecified() || p.Addr() == ip {
			return true
		}
	}
	return false
}

// sourceFor returns the local address on the same link as dst.
func (e *Engine) sourceFor(dst netip.Addr) (netip.Addr, bool) {
	for _, p := range e.cfg.Addresses.Prefixes {
		if p.Contains(dst) && p.Addr() != dst {
			return p.Addr(), true
		}
	}
	return netip.Addr{}, false
}

func (e *Engine) isLocal(ip netip.Addr) bool {
	for _, p := range e.cfg.Addresses.Prefixes {
		if p.Addr() == ip {
			return true
		}
	}
	return false
}

func (e *Engine) onLink(ip netip.Addr) bool {
	for _, p := range e.cfg.Addresses.Prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

const (
	ephemeralLow  = 49152
	ephemeralHigh = 65535
)

func (e *Engine) allocPort() uint16 {
	for {
		port := e.nextPort
		if e.nextPort == ephemeralHigh {
			e.nextPort = ephemeralLow
		} else {
			e.nextPort++
		}
		inUse := false
		for _, s := range e.sockets {
			if s.local.Port() == port {
				inUse = true
				break
			}
		}
		if !inUse {
			return port
		}
	}
}
