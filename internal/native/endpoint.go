package native

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	"firestige.xyz/netmgr/internal/core"
)

// Delivery is a message received by an Endpoint.
type Delivery struct {
	Interface InterfaceHash
	ID        *MessageID
	Emitter   Pid
	Message   EncodedMessage
}

// Call is an outstanding request emitted by an Endpoint.
type Call struct {
	ticket *Ticket[struct{}]
	done   chan Response
}

// ID returns the id assigned by the host, once acknowledged.
func (c *Call) ID() (MessageID, bool) {
	return c.ticket.ID()
}

// Wait blocks until the answer arrives.
func (c *Call) Wait(ctx context.Context) (Response, error) {
	select {
	case resp := <-c.done:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Endpoint is a Program driven by plain Go code instead of a driver state
// machine. It plays the role of ordinary processes (a NIC owner, a socket
// client) when wiring drivers together.
type Endpoint struct {
	mu        sync.Mutex
	outbox    *queue.Queue // of Event
	inbox     *queue.Queue // of Delivery
	destroyed []Pid
	stray     int

	calls  *Correlator[struct{}]
	outSig core.Notifier
	inSig  core.Notifier
}

var _ Program = (*Endpoint)(nil)

func NewEndpoint() *Endpoint {
	return &Endpoint{
		outbox: queue.New(),
		inbox:  queue.New(),
		calls:  NewCorrelator[struct{}](),
	}
}

// Send emits a fire-and-forget message.
func (e *Endpoint) Send(iface InterfaceHash, msg EncodedMessage) {
	e.push(Emit{Interface: iface, Message: msg})
}

// Request emits a message that expects an answer.
func (e *Endpoint) Request(iface InterfaceHash, msg EncodedMessage) *Call {
	c := &Call{done: make(chan Response, 1)}
	c.ticket = e.calls.Expect(struct{}{}, func(_ MessageID, resp Response) {
		c.done <- resp
	})
	e.push(Emit{Interface: iface, MessageIDWrite: c.ticket, Message: msg})
	return c
}

// Cancel withdraws an acknowledged request. It reports false when the
// request was not acknowledged yet or already answered.
func (e *Endpoint) Cancel(c *Call) bool {
	id, ok := c.ticket.ID()
	if !ok || !e.calls.Cancel(id) {
		return false
	}
	e.push(CancelMessage{MessageID: id})
	return true
}

// Answer replies to a received message.
func (e *Endpoint) Answer(id MessageID, resp Response) {
	e.push(Answer{MessageID: id, Answer: resp})
}

// Receive blocks until a message arrives.
func (e *Endpoint) Receive(ctx context.Context) (Delivery, error) {
	for {
		wait := e.inSig.Wait()
		e.mu.Lock()
		if e.inbox.Length() > 0 {
			d := e.inbox.Remove().(Delivery)
			e.mu.Unlock()
			return d, nil
		}
		e.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		}
	}
}

// Pending returns the number of received messages not consumed yet.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inbox.Length()
}

// StrayResponses counts responses that matched no outstanding request.
func (e *Endpoint) StrayResponses() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stray
}

// Destroyed returns the processes reported as terminated.
func (e *Endpoint) Destroyed() []Pid {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Pid(nil), e.destroyed...)
}

func (e *Endpoint) push(ev Event) {
	e.mu.Lock()
	e.outbox.Add(ev)
	e.mu.Unlock()
	e.outSig.Notify()
}

func (e *Endpoint) NextEvent(ctx context.Context) (Event, error) {
	for {
		wait := e.outSig.Wait()
		e.mu.Lock()
		if e.outbox.Length() > 0 {
			ev := e.outbox.Remove().(Event)
			e.mu.Unlock()
			return ev, nil
		}
		e.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (e *Endpoint) InterfaceMessage(iface InterfaceHash, id *MessageID, emitter Pid, msg EncodedMessage) {
	e.mu.Lock()
	e.inbox.Add(Delivery{Interface: iface, ID: id, Emitter: emitter, Message: msg})
	e.mu.Unlock()
	e.inSig.Notify()
}

func (e *Endpoint) ProcessDestroyed(pid Pid) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.destroyed = append(e.destroyed, pid)
}

func (e *Endpoint) MessageResponse(id MessageID, resp Response) {
	if !e.calls.Deliver(id, resp) {
		e.mu.Lock()
		e.stray++
		e.mu.Unlock()
	}
}
