package native

import (
	"context"
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"firestige.xyz/netmgr/internal/log"
)

// Host is a minimal cooperative scheduler for native programs. It assigns
// message ids, routes emitted messages to interface owners, routes answers
// back to emitters and reports process terminations.
//
// Each program is pumped by its own goroutine calling NextEvent; dispatch is
// serialized by the host lock.
type Host struct {
	mu       sync.Mutex
	log      log.Logger
	nextID   MessageID
	procs    map[Pid]*process
	owners   map[InterfaceHash]Pid
	buffered map[InterfaceHash]*queue.Queue // of bufferedMessage
	inflight map[MessageID]inflight

	runCtx context.Context
	wg     sync.WaitGroup
}

type process struct {
	prog   Program
	cancel context.CancelFunc
}

type inflight struct {
	emitter Pid
	target  Pid // zero while buffered
}

type bufferedMessage struct {
	emitter Pid
	id      *MessageID
	msg     EncodedMessage
}

func NewHost(logger log.Logger) *Host {
	if logger == nil {
		logger = log.GetLogger()
	}
	return &Host{
		log:      logger.WithField("component", "host"),
		procs:    make(map[Pid]*process),
		owners:   make(map[InterfaceHash]Pid),
		buffered: make(map[InterfaceHash]*queue.Queue),
		inflight: make(map[MessageID]inflight),
	}
}

// Spawn adds a program under pid. Programs spawned while Run is active start
// immediately.
func (h *Host) Spawn(pid Pid, p Program) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if pid == 0 {
		return fmt.Errorf("pid 0 is reserved")
	}
	if _, ok := h.procs[pid]; ok {
		return fmt.Errorf("pid %d already in use", pid)
	}
	proc := &process{prog: p}
	h.procs[pid] = proc
	if h.runCtx != nil {
		h.start(pid, proc)
	}
	return nil
}

// RegisterInterface makes pid the handler of iface and flushes messages
// buffered for it.
func (h *Host) RegisterInterface(pid Pid, iface InterfaceHash) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	proc, ok := h.procs[pid]
	if !ok {
		return fmt.Errorf("pid %d not spawned", pid)
	}
	if owner, ok := h.owners[iface]; ok {
		return fmt.Errorf("interface %s already handled by pid %d", iface, owner)
	}
	h.owners[iface] = pid

	q, ok := h.buffered[iface]
	if !ok {
		return nil
	}
	delete(h.buffered, iface)
	for q.Length() > 0 {
		m := q.Remove().(bufferedMessage)
		if _, alive := h.procs[m.emitter]; !alive {
			continue
		}
		if m.id != nil {
			inf, live := h.inflight[*m.id]
			if !live {
				continue // cancelled while buffered
			}
			inf.target = pid
			h.inflight[*m.id] = inf
		}
		proc.prog.InterfaceMessage(iface, m.id, m.emitter, m.msg)
	}
	return nil
}

// Kill terminates pid: its pump stops, its interfaces are released, messages
// it was expected to answer fail with the error marker, and every other
// program is told through ProcessDestroyed.
func (h *Host) Kill(pid Pid) {
	h.mu.Lock()
	defer h.mu.Unlock()
	proc, ok := h.procs[pid]
	if !ok {
		return
	}
	if proc.cancel != nil {
		proc.cancel()
	}
	delete(h.procs, pid)
	for iface, owner := range h.owners {
		if owner == pid {
			delete(h.owners, iface)
		}
	}
	for id, inf := range h.inflight {
		switch {
		case inf.emitter == pid:
			delete(h.inflight, id)
		case inf.target == pid:
			delete(h.inflight, id)
			if em, ok := h.procs[inf.emitter]; ok {
				em.prog.MessageResponse(id, ErrResponse())
			}
		}
	}
	for _, other := range h.procs {
		other.prog.ProcessDestroyed(pid)
	}
	h.log.WithField("pid", pid).Info("process destroyed")
}

// Inflight returns the number of messages awaiting an answer.
func (h *Host) Inflight() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.inflight)
}

// Run pumps every program until ctx is done.
func (h *Host) Run(ctx context.Context) error {
	h.mu.Lock()
	if h.runCtx != nil {
		h.mu.Unlock()
		return fmt.Errorf("host already running")
	}
	h.runCtx = ctx
	for pid, proc := range h.procs {
		h.start(pid, proc)
	}
	h.mu.Unlock()

	<-ctx.Done()
	h.wg.Wait()

	h.mu.Lock()
	h.runCtx = nil
	h.mu.Unlock()
	return ctx.Err()
}

// start must be called with h.mu held.
func (h *Host) start(pid Pid, proc *process) {
	ctx, cancel := context.WithCancel(h.runCtx)
	proc.cancel = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			ev, err := proc.prog.NextEvent(ctx)
			if err != nil {
				return
			}
			h.dispatch(pid, ev)
		}
	}()
}

func (h *Host) dispatch(pid Pid, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, alive := h.procs[pid]; !alive {
		return
	}

	switch ev := ev.(type) {
	case Emit:
		h.emit(pid, ev)
	case Answer:
		inf, ok := h.inflight[ev.MessageID]
		if !ok || inf.target != pid {
			h.log.WithFields(map[string]interface{}{"pid": pid, "message_id": ev.MessageID}).
				Debug("dropping answer to unknown message")
			return
		}
		delete(h.inflight, ev.MessageID)
		if em, ok := h.procs[inf.emitter]; ok {
			em.prog.MessageResponse(ev.MessageID, ev.Answer)
		}
	case CancelMessage:
		if inf, ok := h.inflight[ev.MessageID]; ok && inf.emitter == pid {
			delete(h.inflight, ev.MessageID)
		}
	}
}

// emit must be called with h.mu held.
func (h *Host) emit(pid Pid, ev Emit) {
	var id *MessageID
	if ev.MessageIDWrite != nil {
		h.nextID++
		assigned := h.nextID
		ev.MessageIDWrite.Acknowledge(assigned)
		id = &assigned
		h.inflight[assigned] = inflight{emitter: pid}
	}

	target, ok := h.owners[ev.Interface]
	if !ok {
		q, ok := h.buffered[ev.Interface]
		if !ok {
			q = queue.New()
			h.buffered[ev.Interface] = q
		}
		q.Add(bufferedMessage{emitter: pid, id: id, msg: ev.Message})
		return
	}
	if id != nil {
		inf := h.inflight[*id]
		inf.target = target
		h.inflight[*id] = inf
	}
	h.procs[target].prog.InterfaceMessage(ev.Interface, id, pid, ev.Message)
}
