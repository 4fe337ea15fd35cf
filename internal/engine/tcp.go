package engine

import (
	"math/rand"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// State is a TCP connection state.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	// StateCloseWait means the peer sent FIN; buffered data may still be read.
	StateCloseWait
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateListen:
		return "listen"
	case StateSynSent:
		return "syn-sent"
	case StateSynReceived:
		return "syn-received"
	case StateEstablished:
		return "established"
	case StateCloseWait:
		return "close-wait"
	}
	return "unknown"
}

type tcpSocket struct {
	index  SocketIndex
	state  State
	local  netip.AddrPort
	remote netip.AddrPort

	iss    uint32
	sndUna uint32
	sndNxt uint32
	irs    uint32
	rcvNxt uint32

	// sndBuf holds every byte from sndUna on; the first sndNxt-sndUna bytes
	// are in flight.
	sndBuf       []byte
	rcvBuf       []byte
	peerWindow   uint16
	writePending bool

	// byte totals since creation, for callers that track individual sends
	sndQueued uint64
	sndAcked  uint64
}

func (s *tcpSocket) synchronized() bool {
	return s.state == StateEstablished || s.state == StateCloseWait || s.state == StateSynReceived
}

func (s *tcpSocket) window() uint16 {
	free := receiveWindow - len(s.rcvBuf)
	if free < 0 {
		return 0
	}
	return uint16(free)
}

func (e *Engine) mss(remote netip.Addr) int {
	if remote.Is4() {
		return e.cfg.MTU - 40
	}
	return e.cfg.MTU - 60
}

func (e *Engine) segment(s *tcpSocket) *layers.TCP {
	return &layers.TCP{
		SrcPort: layers.TCPPort(s.local.Port()),
		DstPort: layers.TCPPort(s.remote.Port()),
		Seq:     s.sndNxt,
		Ack:     s.rcvNxt,
		ACK:     true,
		Window:  s.window(),
	}
}

func (e *Engine) send(s *tcpSocket, seg *layers.TCP, payload []byte) {
	if err := e.transmitTCP(s.local.Addr(), s.remote.Addr(), seg, payload); err != nil {
		e.log.WithError(err).WithField("socket", s.index).Debug("tcp segment not queued")
	}
}

func (e *Engine) connect(s *tcpSocket) {
	s.iss = rand.Uint32()
	s.sndUna = s.iss
	s.sndNxt = s.iss
	s.state = StateSynSent

	seg := e.segment(s)
	seg.ACK = false
	seg.Ack = 0
	seg.SYN = true
	s.sndNxt++
	e.send(s, seg, nil)
}

// flush transmits queued data the peer window allows.
func (e *Engine) flush(s *tcpSocket) {
	if s.state != StateEstablished && s.state != StateCloseWait {
		return
	}
	mss := e.mss(s.remote.Addr())
	for {
		inFlight := int(s.sndNxt - s.sndUna)
		unsent := len(s.sndBuf) - inFlight
		allowed := int(s.peerWindow) - inFlight
		if unsent <= 0 || allowed <= 0 {
			return
		}
		n := unsent
		if n > mss {
			n = mss
		}
		if n > allowed {
			n = allowed
		}
		seg := e.segment(s)
		seg.PSH = n == unsent
		e.send(s, seg, s.sndBuf[inFlight:inFlight+n])
		s.sndNxt += uint32(n)
	}
}

func (e *Engine) sendReset(s *tcpSocket) {
	seg := e.segment(s)
	seg.RST = true
	seg.ACK = false
	seg.Ack = 0
	seg.Window = 0
	e.send(s, seg, nil)
}

// findSocket prefers an exact four-tuple match over a listener.
func (e *Engine) findSocket(src, dst netip.AddrPort) *tcpSocket {
	var listener *tcpSocket
	for _, idx := range e.Sockets() {
		s := e.sockets[idx]
		switch s.state {
		case StateClosed:
			continue
		case StateListen:
			if listener == nil && s.local.Port() == dst.Port() &&
				(s.local.Addr() == dst.Addr() ||
					(s.local.Addr().IsUnspecified() && s.local.Addr().Is4() == dst.Addr().Is4())) {
				listener = s
			}
		default:
			if s.local == dst && s.remote == src {
				return s
			}
		}
	}
	return listener
}

func (e *Engine) tcpInput(srcIP, dstIP netip.Addr, in *layers.TCP) {
	src := netip.AddrPortFrom(srcIP, uint16(in.SrcPort))
	dst := netip.AddrPortFrom(dstIP, uint16(in.DstPort))

	s := e.findSocket(src, dst)
	if s == nil {
		e.resetUnknown(src, dst, in)
		return
	}

	switch s.state {
	case StateListen:
		if in.RST || in.ACK || !in.SYN {
			if !in.RST {
				e.resetUnknown(src, dst, in)
			}
			return
		}
		s.local = dst
		s.remote = src
		s.irs = in.Seq
		s.rcvNxt = in.Seq + 1
		s.peerWindow = in.Window
		s.iss = rand.Uint32()
		s.sndUna = s.iss
		s.sndNxt = s.iss
		s.state = StateSynReceived

		seg := e.segment(s)
		seg.SYN = true
		s.sndNxt++
		e.send(s, seg, nil)

	case StateSynSent:
		if in.ACK && in.Ack != s.sndNxt {
			if !in.RST {
				e.resetUnknown(src, dst, in)
			}
			return
		}
		if in.RST {
			if in.ACK {
				e.peerClosed(s)
			}
			return
		}
		if !in.SYN || !in.ACK {
			return
		}
		s.irs = in.Seq
		s.rcvNxt = in.Seq + 1
		s.sndUna = in.Ack
		s.peerWindow = in.Window
		s.state = StateEstablished
		e.send(s, e.segment(s), nil)
		e.pushEvent(EventTCPConnected, s.index)
		e.flush(s)

	default:
		e.synchronizedInput(s, in)
	}
}

func (e *Engine) synchronizedInput(s *tcpSocket, in *layers.TCP) {
	if in.RST {
		if in.Seq == s.rcvNxt {
			e.peerClosed(s)
		}
		return
	}
	if in.SYN {
		// retransmitted SYN or SYN-ACK: re-acknowledge
		if s.state != StateSynReceived {
			e.send(s, e.segment(s), nil)
		}
		return
	}
	if !in.ACK {
		return
	}

	if s.state == StateSynReceived {
		if in.Ack != s.sndNxt {
			e.sendRawReset(s.local, s.remote, in.Ack, 0, false)
			return
		}
		s.sndUna = in.Ack
		s.state = StateEstablished
		e.pushEvent(EventTCPConnected, s.index)
	}

	e.processAck(s, in)

	payload := in.Payload
	if len(payload) > 0 || in.FIN {
		if in.Seq != s.rcvNxt {
			// out of order; without reassembly the best we can do is a dup ACK
			e.send(s, e.segment(s), nil)
			return
		}
	}

	ackNeeded := false
	if len(payload) > 0 && s.state == StateEstablished {
		n := len(payload)
		if free := int(s.window()); n > free {
			n = free
		}
		if n > 0 {
			wasEmpty := len(s.rcvBuf) == 0
			s.rcvBuf = append(s.rcvBuf, payload[:n]...)
			s.rcvNxt += uint32(n)
			if wasEmpty {
				e.pushEvent(EventTCPReadReady, s.index)
			}
		}
		ackNeeded = true
		if n < len(payload) {
			// the rest is outside our window; the FIN, if any, was not reached
			e.send(s, e.segment(s), nil)
			return
		}
	}

	if in.FIN && s.state == StateEstablished {
		s.rcvNxt++
		s.state = StateCloseWait
		ackNeeded = true
		e.pushEvent(EventTCPClosed, s.index)
	}
	if ackNeeded {
		e.send(s, e.segment(s), nil)
	}
	e.flush(s)
}

func (e *Engine) processAck(s *tcpSocket, in *layers.TCP) {
	s.peerWindow = in.Window
	acked := in.Ack - s.sndUna
	if acked == 0 || acked > s.sndNxt-s.sndUna {
		return
	}
	s.sndUna = in.Ack
	// a FIN occupies sequence space but no buffered bytes
	n := int(acked)
	if n > len(s.sndBuf) {
		n = len(s.sndBuf)
	}
	s.sndBuf = s.sndBuf[n:]
	s.sndAcked += uint64(n)
	if len(s.sndBuf) == 0 {
		s.sndBuf = nil
		if s.writePending {
			s.writePending = false
			e.pushEvent(EventTCPWriteFinished, s.index)
		}
	}
}

// peerClosed moves s to closed after a reset from the peer.
func (e *Engine) peerClosed(s *tcpSocket) {
	s.state = StateClosed
	s.sndBuf = nil
	s.writePending = false
	e.pushEvent(EventTCPClosed, s.index)
	e.log.WithField("socket", s.index).Debug("tcp connection reset by peer")
}

// resetUnknown answers a segment no socket accepts.
func (e *Engine) resetUnknown(src, dst netip.AddrPort, in *layers.TCP) {
	if in.RST {
		return
	}
	if in.ACK {
		e.sendRawReset(dst, src, in.Ack, 0, false)
		return
	}
	seqLen := uint32(len(in.Payload))
	if in.SYN {
		seqLen++
	}
	if in.FIN {
		seqLen++
	}
	e.sendRawReset(dst, src, 0, in.Seq+seqLen, true)
}

func (e *Engine) sendRawReset(local, remote netip.AddrPort, seq, ack uint32, withAck bool) {
	seg := &layers.TCP{
		SrcPort: layers.TCPPort(local.Port()),
		DstPort: layers.TCPPort(remote.Port()),
		Seq:     seq,
		Ack:     ack,
		ACK:     withAck,
		RST:     true,
	}
	if err := e.transmitTCP(local.Addr(), remote.Addr(), seg, nil); err != nil {
		e.log.WithError(err).Debug("tcp reset not queued")
	}
}

// closeSocket aborts s: a synchronized connection is reset, the socket is
// forgotten and its queued events are dropped. Frames already queued for
// the cable stay queued.
func (e *Engine) closeSocket(s *tcpSocket) {
	if s.synchronized() || s.state == StateSynSent {
		e.sendReset(s)
	}
	s.state = StateClosed
	delete(e.sockets, s.index)
	e.purgeEvents(s.index)
}
