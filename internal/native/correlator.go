package native

import "sync"

// Correlator tracks messages a driver emitted and expects answers for.
//
// Only messages emitted with a Ticket are ever tracked, so a response that
// arrives for a fire-and-forget message (or for an id that was cancelled or
// already answered) is rejected by Deliver.
type Correlator[T comparable] struct {
	mu      sync.Mutex
	pending map[MessageID]*Ticket[T]
}

// Ticket is the MessageIDWrite handed to the scheduler along with an Emit.
type Ticket[T comparable] struct {
	c          *Correlator[T]
	tag        T
	onResponse func(MessageID, Response)

	acked bool
	id    MessageID
}

// NewCorrelator creates an empty correlator.
func NewCorrelator[T comparable]() *Correlator[T] {
	return &Correlator[T]{pending: make(map[MessageID]*Ticket[T])}
}

// Expect returns a ticket to attach to an Emit. onResponse runs once when the
// answer is delivered; it is called without the correlator lock held.
func (c *Correlator[T]) Expect(tag T, onResponse func(MessageID, Response)) *Ticket[T] {
	return &Ticket[T]{c: c, tag: tag, onResponse: onResponse}
}

// Acknowledge records the id assigned by the scheduler.
func (t *Ticket[T]) Acknowledge(id MessageID) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.acked {
		panic("native: message id acknowledged twice")
	}
	t.acked = true
	t.id = id
	t.c.pending[id] = t
}

// ID returns the acknowledged id, if any.
func (t *Ticket[T]) ID() (MessageID, bool) {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.id, t.acked
}

// Tag returns the tag the ticket was created with.
func (t *Ticket[T]) Tag() T {
	return t.tag
}

// Deliver routes a response to its ticket. It reports false when the id is
// not tracked.
func (c *Correlator[T]) Deliver(id MessageID, resp Response) bool {
	c.mu.Lock()
	t, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if t.onResponse != nil {
		t.onResponse(id, resp)
	}
	return true
}

// Cancel stops tracking id. The caller is responsible for emitting the
// matching CancelMessage event.
func (c *Correlator[T]) Cancel(id MessageID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// CancelTag stops tracking every message carrying tag and returns their ids.
func (c *Correlator[T]) CancelTag(tag T) []MessageID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []MessageID
	for id, t := range c.pending {
		if t.tag == tag {
			ids = append(ids, id)
			delete(c.pending, id)
		}
	}
	return ids
}

// Pending returns the number of tracked messages carrying tag.
func (c *Correlator[T]) Pending(tag T) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.pending {
		if t.tag == tag {
			n++
		}
	}
	return n
}

// Len returns the number of tracked messages.
func (c *Correlator[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
