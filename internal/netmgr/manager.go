// Package netmgr multiplexes a set of virtual Ethernet interfaces, each
// backed by its own protocol engine, behind one event stream.
package netmgr

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"firestige.xyz/netmgr/internal/core"
	"firestige.xyz/netmgr/internal/engine"
	"firestige.xyz/netmgr/internal/log"
)

type device[I comparable, U any] struct {
	id       I
	eng      *engine.Engine
	userData U
}

// Manager owns a set of interfaces identified by I, each carrying user
// data of type U. All methods are safe for concurrent use.
type Manager[I comparable, U any] struct {
	mu      sync.Mutex
	devices []*device[I, U] // registration order
	byID    map[I]*device[I, U]
	cursor  int // round-robin start for the next PollEvent
	// socket indices are unique across devices and registrations, so an id
	// from an unregistered device never names a later socket
	lastIndex engine.SocketIndex

	notify core.Notifier
	opts   options[I]
	log    log.Logger
}

// New returns an empty manager.
func New[I comparable, U any](opts ...Option[I]) *Manager[I, U] {
	m := &Manager[I, U]{byID: make(map[I]*device[I, U])}
	for _, opt := range opts {
		opt(&m.opts)
	}
	if m.opts.logger == nil {
		m.opts.logger = log.GetLogger()
	}
	m.log = m.opts.logger.WithField("component", "netmgr")
	return m
}

// RegisterInterface adds a device. A duplicate id is rejected with
// ErrInterfaceExists and leaves the existing device untouched.
func (m *Manager[I, U]) RegisterInterface(id I, mac net.HardwareAddr, addrs engine.AddressConfig, userData U) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byID[id]; ok {
		return fmt.Errorf("interface %v: %w", id, core.ErrInterfaceExists)
	}
	eng, err := engine.New(engine.Config{
		MAC:         mac,
		Addresses:   addrs,
		MTU:         m.opts.mtu,
		Egress:      m.opts.egress,
		Promiscuous: m.opts.promiscuous,
		NextIndex:   m.allocIndex,
		Logger:      m.log.WithField("interface", fmt.Sprint(id)),
	})
	if err != nil {
		return fmt.Errorf("interface %v: %w", id, err)
	}
	d := &device[I, U]{id: id, eng: eng, userData: userData}
	m.devices = append(m.devices, d)
	m.byID[id] = d

	m.log.WithFields(map[string]interface{}{
		"interface": fmt.Sprint(id),
		"mac":       mac.String(),
	}).Info("interface registered")
	return nil
}

// UnregisterInterface removes a device. Its live sockets are aborted and
// their ids returned; RSTs and other queued frames are discarded with the
// device, as are its pending events.
func (m *Manager[I, U]) UnregisterInterface(id I) ([]SocketID[I], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("interface %v: %w", id, core.ErrInterfaceNotFound)
	}
	var closed []SocketID[I]
	for _, idx := range d.eng.CloseAll() {
		closed = append(closed, SocketID[I]{Interface: id, Index: idx})
	}

	delete(m.byID, id)
	for i, other := range m.devices {
		if other != d {
			continue
		}
		m.devices = append(m.devices[:i], m.devices[i+1:]...)
		if i < m.cursor {
			m.cursor--
		}
		break
	}
	if m.cursor >= len(m.devices) {
		m.cursor = 0
	}

	m.log.WithFields(map[string]interface{}{
		"interface": fmt.Sprint(id),
		"sockets":   len(closed),
	}).Info("interface unregistered")
	return closed, nil
}

// Interfaces returns the registered ids in registration order.
func (m *Manager[I, U]) Interfaces() []I {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]I, len(m.devices))
	for i, d := range m.devices {
		ids[i] = d.id
	}
	return ids
}

// Len returns the number of registered interfaces.
func (m *Manager[I, U]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.devices)
}

// InterfaceUserData returns a pointer to the user data of a device. The
// pointer must not be used after the device is unregistered.
func (m *Manager[I, U]) InterfaceUserData(id I) (*U, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return &d.userData, nil
}

// InterfaceStats returns the frame counters of a device.
func (m *Manager[I, U]) InterfaceStats(id I) (engine.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.lookup(id)
	if err != nil {
		return engine.Stats{}, err
	}
	return d.eng.Stats(), nil
}

// ReadEthernetCableOut drains every frame the device wants to transmit.
func (m *Manager[I, U]) ReadEthernetCableOut(id I) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return m.drain(d), nil
}

// ReadEthernetCableOutUpTo drains at most max frames, oldest first. The
// rest stay queued and are not reported again until more frames arrive.
func (m *Manager[I, U]) ReadEthernetCableOutUpTo(id I, max int) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	frames := d.eng.DrainEgressN(max)
	m.tapEgress(d, frames)
	return frames, nil
}

// InjectInterfaceData delivers a frame received on the device's cable.
// Frames the device does not accept (filtered or malformed) are reported
// but never affect other devices.
func (m *Manager[I, U]) InjectInterfaceData(id I, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.lookup(id)
	if err != nil {
		return err
	}
	if m.opts.tap != nil {
		m.opts.tap(id, Ingress, frame)
	}
	err = d.eng.Inject(frame)
	m.wake(d)
	return err
}

// BuildTCPSocket opens a socket on the first device, in registration
// order, able to serve addr. With listen set addr is a local address;
// otherwise it is the remote peer. ErrNoRoute means no device qualifies.
func (m *Manager[I, U]) BuildTCPSocket(listen bool, addr netip.AddrPort) (*TCPSocket[I], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.devices {
		s, err := d.eng.BuildTCPSocket(listen, addr)
		if err == nil {
			m.wake(d)
			return &TCPSocket[I]{id: SocketID[I]{Interface: d.id, Index: s.Index()}, owner: m}, nil
		}
		if !isNoRoute(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s: %w", addr, core.ErrNoRoute)
}

// TCPSocketByID returns a handle for a live socket.
func (m *Manager[I, U]) TCPSocketByID(id SocketID[I]) (*TCPSocket[I], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id.Interface]
	if !ok {
		return nil, false
	}
	if _, ok := d.eng.Socket(id.Index); !ok {
		return nil, false
	}
	return &TCPSocket[I]{id: id, owner: m}, true
}

// PollEvent returns the next event without blocking. Devices are scanned
// round-robin starting after the device that produced the previous event,
// so every ready device is served within Len() consecutive calls.
func (m *Manager[I, U]) PollEvent() (Event[I, U], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.devices)
	for i := 0; i < n; i++ {
		pos := (m.cursor + i) % n
		d := m.devices[pos]
		ev, ok := d.eng.PollEvent()
		if !ok {
			continue
		}
		m.cursor = (pos + 1) % n
		return m.event(d, ev), true
	}
	return Event[I, U]{}, false
}

// NextEvent blocks until an event is available or ctx is done. With no
// devices registered it waits for one to appear.
func (m *Manager[I, U]) NextEvent(ctx context.Context) (Event[I, U], error) {
	for {
		wait := m.notify.Wait()
		if ev, ok := m.PollEvent(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return Event[I, U]{}, ctx.Err()
		case <-wait:
		}
	}
}

func (m *Manager[I, U]) event(d *device[I, U], ev engine.Event) Event[I, U] {
	out := Event[I, U]{Interface: d.id, UserData: &d.userData}
	switch ev.Kind {
	case engine.EventCableOut:
		out.Kind = EthernetCableOut
		out.CableOut = &CableOut[I]{id: d.id, owner: m}
	case engine.EventTCPConnected:
		out.Kind = TCPConnected
	case engine.EventTCPClosed:
		out.Kind = TCPClosed
	case engine.EventTCPReadReady:
		out.Kind = TCPReadReady
	case engine.EventTCPWriteFinished:
		out.Kind = TCPWriteFinished
	}
	if out.Kind != EthernetCableOut {
		out.Socket = &TCPSocket[I]{id: SocketID[I]{Interface: d.id, Index: ev.Socket}, owner: m}
	}
	return out
}

// allocIndex is only called from engines, with m.mu held.
func (m *Manager[I, U]) allocIndex() engine.SocketIndex {
	m.lastIndex++
	return m.lastIndex
}

func (m *Manager[I, U]) lookup(id I) (*device[I, U], error) {
	d, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("interface %v: %w", id, core.ErrInterfaceNotFound)
	}
	return d, nil
}

func (m *Manager[I, U]) drain(d *device[I, U]) [][]byte {
	frames := d.eng.DrainEgress()
	m.tapEgress(d, frames)
	return frames
}

func (m *Manager[I, U]) tapEgress(d *device[I, U], frames [][]byte) {
	if m.opts.tap == nil {
		return
	}
	for _, f := range frames {
		m.opts.tap(d.id, Egress, f)
	}
}

// wake releases NextEvent waiters when d has something to report.
func (m *Manager[I, U]) wake(d *device[I, U]) {
	if d.eng.HasEvent() {
		m.notify.Notify()
	}
}

// withSocket runs fn against a live socket under the manager lock.
func (m *Manager[I, U]) withSocket(id SocketID[I], fn func(*engine.Socket) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, err := m.lookup(id.Interface)
	if err != nil {
		return err
	}
	s, ok := d.eng.Socket(id.Index)
	if !ok {
		return fmt.Errorf("socket %v: %w", id, core.ErrSocketNotFound)
	}
	err = fn(s)
	m.wake(d)
	return err
}

// peekCableOut and drainCableOut back the CableOut view.
func (m *Manager[I, U]) peekCableOut(id I) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return nil
	}
	src := d.eng.PeekEgress()
	out := make([][]byte, len(src))
	copy(out, src)
	return out
}

func (m *Manager[I, U]) drainCableOut(id I) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.byID[id]
	if !ok {
		return nil
	}
	return m.drain(d)
}
