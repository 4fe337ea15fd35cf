package engine

import (
	"fmt"
	"net/netip"

	"firestige.xyz/netmgr/internal/core"
)

// Socket is a handle to one TCP socket of an Engine. It is only valid while
// the socket is live; operations on a closed socket return ErrSocketNotFound.
type Socket struct {
	e *Engine
	s *tcpSocket
}

// Index returns the socket index within its engine.
func (h *Socket) Index() SocketIndex {
	return h.s.index
}

func (h *Socket) live() error {
	if cur, ok := h.e.sockets[h.s.index]; !ok || cur != h.s {
		return fmt.Errorf("socket %d: %w", h.s.index, core.ErrSocketNotFound)
	}
	return nil
}

// State returns the connection state. A socket that has been closed reports
// StateClosed.
func (h *Socket) State() State {
	if h.live() != nil {
		return StateClosed
	}
	return h.s.state
}

// LocalAddr returns the local endpoint. For a listener that has not yet
// accepted a peer this is the listen address.
func (h *Socket) LocalAddr() netip.AddrPort {
	return h.s.local
}

// RemoteAddr returns the peer endpoint, or the zero value for a listener.
func (h *Socket) RemoteAddr() netip.AddrPort {
	return h.s.remote
}

// Send queues p for transmission. Data sent before the connection is
// established is held until the handshake completes. EventTCPWriteFinished
// fires once every queued byte has been acknowledged.
func (h *Socket) Send(p []byte) (int, error) {
	if err := h.live(); err != nil {
		return 0, err
	}
	s := h.s
	switch s.state {
	case StateSynSent, StateSynReceived, StateEstablished, StateCloseWait:
	case StateListen:
		// a listener becomes the connection once a peer arrives
	default:
		return 0, fmt.Errorf("socket %d is %s: %w", s.index, s.state, core.ErrSocketNotConnected)
	}
	if len(p) == 0 {
		return 0, nil
	}
	s.sndBuf = append(s.sndBuf, p...)
	s.sndQueued += uint64(len(p))
	s.writePending = true
	h.e.flush(s)
	return len(p), nil
}

// SendProgress returns how many bytes Send has accepted and how many of them
// the peer has acknowledged, both counted from the socket's creation. A send
// that brought queued to q is fully acknowledged once acked reaches q.
func (h *Socket) SendProgress() (queued, acked uint64) {
	return h.s.sndQueued, h.s.sndAcked
}

// Recv drains the receive buffer. It returns nil when nothing is buffered.
func (h *Socket) Recv() []byte {
	if h.live() != nil {
		return nil
	}
	s := h.s
	if len(s.rcvBuf) == 0 {
		return nil
	}
	data := s.rcvBuf
	s.rcvBuf = nil
	// announce the reopened window when the peer may have stalled on it
	if len(data) >= receiveWindow/2 && s.state == StateEstablished {
		h.e.send(s, h.e.segment(s), nil)
	}
	return data
}

// Close aborts the connection. A connected peer receives an RST; the socket
// is forgotten at once and its pending events are discarded.
func (h *Socket) Close() error {
	if err := h.live(); err != nil {
		return err
	}
	h.e.closeSocket(h.s)
	h.e.log.WithField("socket", h.s.index).Debug("tcp socket closed")
	return nil
}
