// Package netdriver exposes a netmgr.Manager to other processes as a
// native driver: hardware processes register interfaces and exchange
// Ethernet frames with it, clients open and use TCP sockets through it.
package netdriver

import (
	"context"
	"errors"
	"sync"

	"github.com/eapache/queue"

	"firestige.xyz/netmgr/internal/core"
	"firestige.xyz/netmgr/internal/engine"
	"firestige.xyz/netmgr/internal/log"
	"firestige.xyz/netmgr/internal/native"
	"firestige.xyz/netmgr/internal/netmgr"
)

var (
	// NetworkInterface is handled by the driver; hardware processes use it
	// to register interfaces and hand over received frames.
	NetworkInterface = native.InterfaceHashOf("network")
	// TCPInterface is handled by the driver and serves socket clients.
	TCPInterface = native.InterfaceHashOf("tcp")
	// EthernetInterface is where the driver emits outbound frames; the
	// hardware process handles it.
	EthernetInterface = native.InterfaceHashOf("ethernet")
)

const DefaultMaxInflightFrames = 64

// Config configures a Driver.
type Config struct {
	// MaxInflightFrames bounds unanswered EthernetOut emits per interface.
	MaxInflightFrames int
	Logger            log.Logger
	// Manager options applied to the underlying netmgr.Manager.
	Manager []netmgr.Option[uint32]
}

// ifaceState is the user data of every managed interface.
type ifaceState struct {
	owner    native.Pid
	inflight int
	failed   uint64
}

type socketState struct {
	owner native.Pid
	// opened is set once the owner may use the socket: at once for a
	// listener, on TCPConnected for a connect.
	opened  bool
	connect *native.MessageID
	recvs   []native.MessageID
	sends   []pendingSend
}

// pendingSend is answered once the peer acknowledged every byte up to end,
// counted as in TCPSocket.SendProgress.
type pendingSend struct {
	id  native.MessageID
	end uint64
}

// InterfaceInfo describes one managed interface.
type InterfaceInfo struct {
	ID             uint32
	Owner          native.Pid
	InflightFrames int
	FailedFrames   uint64
	Stats          engine.Stats
}

// Driver implements native.Program. It is a shared handle: every method may
// be called concurrently with a blocked NextEvent.
type Driver struct {
	mu          sync.Mutex
	mgr         *netmgr.Manager[uint32, *ifaceState]
	outbox      *queue.Queue // of native.Event
	frames      *native.Correlator[uint32]
	sockets     map[SocketRef]*socketState
	maxInflight int
	stray       int

	sig core.Notifier
	log log.Logger
}

var _ native.Program = (*Driver)(nil)

func New(cfg Config) *Driver {
	if cfg.Logger == nil {
		cfg.Logger = log.GetLogger()
	}
	if cfg.MaxInflightFrames <= 0 {
		cfg.MaxInflightFrames = DefaultMaxInflightFrames
	}
	logger := cfg.Logger.WithField("component", "netdriver")
	opts := append([]netmgr.Option[uint32]{netmgr.WithLogger[uint32](cfg.Logger)}, cfg.Manager...)
	return &Driver{
		mgr:         netmgr.New[uint32, *ifaceState](opts...),
		outbox:      queue.New(),
		frames:      native.NewCorrelator[uint32](),
		sockets:     make(map[SocketRef]*socketState),
		maxInflight: cfg.MaxInflightFrames,
		log:         logger,
	}
}

// NextEvent reports queued emits and answers, servicing manager events in
// between.
func (d *Driver) NextEvent(ctx context.Context) (native.Event, error) {
	for {
		wait := d.sig.Wait()

		d.mu.Lock()
		for d.outbox.Length() == 0 {
			ev, ok := d.mgr.PollEvent()
			if !ok {
				break
			}
			d.handleEvent(ev)
		}
		if d.outbox.Length() > 0 {
			ev := d.outbox.Remove().(native.Event)
			d.mu.Unlock()
			return ev, nil
		}
		d.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (d *Driver) InterfaceMessage(iface native.InterfaceHash, id *native.MessageID, emitter native.Pid, msg native.EncodedMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.sig.Notify()

	m, err := Decode(msg)
	if err != nil {
		d.log.WithError(err).WithField("pid", emitter).Warn("rejecting message")
		d.fail(id)
		return
	}

	switch iface {
	case NetworkInterface:
		d.handleNetwork(id, emitter, m)
	case TCPInterface:
		d.handleTCP(id, emitter, m)
	default:
		d.log.WithField("interface", iface.String()).Warn("message on unknown interface")
		d.fail(id)
	}
}

func (d *Driver) ProcessDestroyed(pid native.Pid) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.sig.Notify()

	for _, id := range d.mgr.Interfaces() {
		st, err := d.state(id)
		if err == nil && st.owner == pid {
			d.removeInterface(id)
		}
	}
	for ref, ss := range d.sockets {
		if ss.owner != pid {
			continue
		}
		if s, ok := d.mgr.TCPSocketByID(ref); ok {
			_ = s.Close()
		}
		delete(d.sockets, ref)
	}
}

func (d *Driver) MessageResponse(id native.MessageID, resp native.Response) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.sig.Notify()

	if !d.frames.Deliver(id, resp) {
		d.stray++
		d.log.WithField("message_id", id).Debug("response matches no emitted frame")
	}
}

// Interfaces returns every managed interface in registration order.
func (d *Driver) Interfaces() []InterfaceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []InterfaceInfo
	for _, id := range d.mgr.Interfaces() {
		st, err := d.state(id)
		if err != nil {
			continue
		}
		stats, _ := d.mgr.InterfaceStats(id)
		out = append(out, InterfaceInfo{
			ID:             id,
			Owner:          st.owner,
			InflightFrames: st.inflight,
			FailedFrames:   st.failed,
			Stats:          stats,
		})
	}
	return out
}

// StrayResponses counts responses that matched no emitted frame.
func (d *Driver) StrayResponses() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stray
}

func (d *Driver) handleNetwork(id *native.MessageID, emitter native.Pid, m Message) {
	switch m := m.(type) {
	case RegisterInterface:
		addrs := engine.AddressConfig{Prefixes: m.Addresses}
		if err := d.mgr.RegisterInterface(m.ID, m.MAC, addrs, &ifaceState{owner: emitter}); err != nil {
			d.log.WithError(err).WithField("interface", m.ID).Warn("register failed")
			d.fail(id)
			return
		}
		d.answer(id, Ack{})

	case UnregisterInterface:
		st, err := d.state(m.ID)
		if err != nil || st.owner != emitter {
			d.fail(id)
			return
		}
		d.removeInterface(m.ID)
		d.answer(id, Ack{})

	case EthernetIn:
		st, err := d.state(m.ID)
		if err != nil || st.owner != emitter {
			d.fail(id)
			return
		}
		err = d.mgr.InjectInterfaceData(m.ID, m.Frame)
		if err != nil && !errors.Is(err, core.ErrFrameFiltered) {
			d.log.WithError(err).WithField("interface", m.ID).Debug("frame dropped")
			d.fail(id)
			return
		}
		d.answer(id, Ack{})

	default:
		d.fail(id)
	}
}

func (d *Driver) handleTCP(id *native.MessageID, emitter native.Pid, m Message) {
	switch m := m.(type) {
	case TCPOpen:
		s, err := d.mgr.BuildTCPSocket(m.Listen, m.Addr)
		if err != nil {
			d.log.WithError(err).WithField("addr", m.Addr.String()).Debug("open failed")
			d.fail(id)
			return
		}
		ss := &socketState{owner: emitter, opened: m.Listen}
		d.sockets[s.ID()] = ss
		if m.Listen {
			d.answer(id, Opened{Socket: s.ID()})
		} else {
			ss.connect = id
		}

	case TCPSend:
		s, ss, ok := d.socket(m.Socket, emitter)
		if !ok {
			d.fail(id)
			return
		}
		if _, err := s.Send(m.Data); err != nil {
			d.fail(id)
			return
		}
		switch {
		case id == nil:
		case len(m.Data) == 0:
			d.answer(id, Ack{})
		default:
			queued, _, _ := s.SendProgress()
			ss.sends = append(ss.sends, pendingSend{id: *id, end: queued})
		}

	case TCPRecv:
		s, ss, ok := d.socket(m.Socket, emitter)
		if !ok {
			d.fail(id)
			return
		}
		if id == nil {
			return
		}
		data, _ := s.Recv()
		st, _ := s.State()
		if len(data) > 0 || peerGone(st) {
			d.answer(id, Data{Data: data})
			return
		}
		ss.recvs = append(ss.recvs, *id)

	case TCPClose:
		s, ss, ok := d.socket(m.Socket, emitter)
		if !ok {
			d.fail(id)
			return
		}
		_ = s.Close()
		d.dropSocket(m.Socket, ss)
		d.answer(id, Ack{})

	default:
		d.fail(id)
	}
}

// handleEvent must be called with d.mu held.
func (d *Driver) handleEvent(ev netmgr.Event[uint32, *ifaceState]) {
	if ev.Kind == netmgr.EthernetCableOut {
		d.pumpFrames(ev.Interface)
		return
	}

	ref := ev.Socket.ID()
	ss, ok := d.sockets[ref]
	if !ok {
		return
	}
	switch ev.Kind {
	case netmgr.TCPConnected:
		ss.opened = true
		if ss.connect != nil {
			d.answer(ss.connect, Opened{Socket: ref})
			ss.connect = nil
		}
	case netmgr.TCPReadReady:
		if len(ss.recvs) == 0 {
			return
		}
		data, _ := ev.Socket.Recv()
		if len(data) == 0 {
			return
		}
		d.answer(&ss.recvs[0], Data{Data: data})
		ss.recvs = ss.recvs[1:]
	case netmgr.TCPWriteFinished:
		// sends accepted after the event was raised stay parked
		_, acked, err := ev.Socket.SendProgress()
		if err != nil {
			return
		}
		n := 0
		for n < len(ss.sends) && ss.sends[n].end <= acked {
			d.answer(&ss.sends[n].id, Ack{})
			n++
		}
		ss.sends = ss.sends[n:]
		if len(ss.sends) == 0 {
			ss.sends = nil
		}
	case netmgr.TCPClosed:
		if !ss.opened {
			// refused: nobody can use the socket, so it goes away
			_ = ev.Socket.Close()
			d.dropSocket(ref, ss)
			return
		}
		for i := range ss.sends {
			d.fail(&ss.sends[i].id)
		}
		ss.sends = nil
		for i := range ss.recvs {
			data, _ := ev.Socket.Recv()
			d.answer(&ss.recvs[i], Data{Data: data})
		}
		ss.recvs = nil
	}
}

// pumpFrames emits queued frames of iface up to the in-flight window.
func (d *Driver) pumpFrames(iface uint32) {
	st, err := d.state(iface)
	if err != nil {
		return
	}
	free := d.maxInflight - st.inflight
	if free <= 0 {
		return
	}
	frames, err := d.mgr.ReadEthernetCableOutUpTo(iface, free)
	if err != nil {
		return
	}
	for _, f := range frames {
		st.inflight++
		ticket := d.frames.Expect(iface, func(_ native.MessageID, resp native.Response) {
			d.frameAnswered(iface, st, resp)
		})
		d.outbox.Add(native.Emit{
			Interface:      EthernetInterface,
			MessageIDWrite: ticket,
			Message:        Encode(EthernetOut{ID: iface, Frame: f}),
		})
	}
}

// frameAnswered runs inside MessageResponse, with d.mu held.
func (d *Driver) frameAnswered(iface uint32, st *ifaceState, resp native.Response) {
	cur, err := d.state(iface)
	if err != nil || cur != st {
		return
	}
	st.inflight--
	if resp.Err {
		st.failed++
		d.log.WithField("interface", iface).Warn("hardware rejected frame")
	}
	d.pumpFrames(iface)
}

// removeInterface unregisters iface, withdraws its in-flight frames and
// fails every pending request on its sockets.
func (d *Driver) removeInterface(iface uint32) {
	closed, err := d.mgr.UnregisterInterface(iface)
	if err != nil {
		return
	}
	d.purgeFrames(iface)
	for _, mid := range d.frames.CancelTag(iface) {
		d.outbox.Add(native.CancelMessage{MessageID: mid})
	}
	for _, ref := range closed {
		if ss, ok := d.sockets[ref]; ok {
			d.dropSocket(ref, ss)
		}
	}
}

// purgeFrames removes the EthernetOut emits of iface that are still waiting
// in the outbox. Emits already handed to the scheduler are cancelled through
// the correlator instead.
func (d *Driver) purgeFrames(iface uint32) {
	for n := d.outbox.Length(); n > 0; n-- {
		ev := d.outbox.Remove().(native.Event)
		if e, ok := ev.(native.Emit); ok {
			if t, ok := e.MessageIDWrite.(*native.Ticket[uint32]); ok && t.Tag() == iface {
				continue
			}
		}
		d.outbox.Add(ev)
	}
}

// dropSocket forgets a socket, failing its pending requests.
func (d *Driver) dropSocket(ref SocketRef, ss *socketState) {
	d.fail(ss.connect)
	for i := range ss.recvs {
		d.fail(&ss.recvs[i])
	}
	for i := range ss.sends {
		d.fail(&ss.sends[i].id)
	}
	delete(d.sockets, ref)
}

func (d *Driver) socket(ref SocketRef, emitter native.Pid) (*netmgr.TCPSocket[uint32], *socketState, bool) {
	ss, ok := d.sockets[ref]
	if !ok || ss.owner != emitter {
		return nil, nil, false
	}
	s, ok := d.mgr.TCPSocketByID(ref)
	if !ok {
		return nil, nil, false
	}
	return s, ss, true
}

func (d *Driver) state(iface uint32) (*ifaceState, error) {
	p, err := d.mgr.InterfaceUserData(iface)
	if err != nil {
		return nil, err
	}
	return *p, nil
}

// answer replies to id; messages emitted without an answer slot are never
// answered.
func (d *Driver) answer(id *native.MessageID, m Message) {
	if id == nil {
		return
	}
	d.outbox.Add(native.Answer{MessageID: *id, Answer: native.OK(Encode(m))})
}

func (d *Driver) fail(id *native.MessageID) {
	if id == nil {
		return
	}
	d.outbox.Add(native.Answer{MessageID: *id, Answer: native.ErrResponse()})
}

func peerGone(st engine.State) bool {
	return st == engine.StateClosed || st == engine.StateCloseWait
}
