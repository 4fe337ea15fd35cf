package netmgr

import (
	"errors"
	"fmt"
	"net/netip"

	"firestige.xyz/netmgr/internal/core"
	"firestige.xyz/netmgr/internal/engine"
)

// SocketID names a socket across the whole manager.
type SocketID[I comparable] struct {
	Interface I
	Index     engine.SocketIndex
}

func (id SocketID[I]) String() string {
	return fmt.Sprintf("%v/%d", id.Interface, id.Index)
}

// socketOwner hides the user data type from socket handles.
type socketOwner[I comparable] interface {
	withSocket(id SocketID[I], fn func(*engine.Socket) error) error
	peekCableOut(id I) [][]byte
	drainCableOut(id I) [][]byte
}

// TCPSocket is a handle to a socket owned by a Manager. Handles are cheap
// values; once the socket is closed every operation fails with
// ErrSocketNotFound (or ErrInterfaceNotFound after unregistration).
type TCPSocket[I comparable] struct {
	id    SocketID[I]
	owner socketOwner[I]
}

func (s *TCPSocket[I]) ID() SocketID[I] {
	return s.id
}

func (s *TCPSocket[I]) Send(p []byte) (int, error) {
	var n int
	err := s.owner.withSocket(s.id, func(es *engine.Socket) error {
		var err error
		n, err = es.Send(p)
		return err
	})
	return n, err
}

// SendProgress reports the byte totals of engine.Socket.SendProgress.
func (s *TCPSocket[I]) SendProgress() (queued, acked uint64, err error) {
	err = s.owner.withSocket(s.id, func(es *engine.Socket) error {
		queued, acked = es.SendProgress()
		return nil
	})
	return queued, acked, err
}

// Recv drains the receive buffer.
func (s *TCPSocket[I]) Recv() ([]byte, error) {
	var data []byte
	err := s.owner.withSocket(s.id, func(es *engine.Socket) error {
		data = es.Recv()
		return nil
	})
	return data, err
}

// Close aborts the connection: the peer gets an RST and queued events for
// the socket are discarded.
func (s *TCPSocket[I]) Close() error {
	return s.owner.withSocket(s.id, func(es *engine.Socket) error {
		return es.Close()
	})
}

func (s *TCPSocket[I]) State() (engine.State, error) {
	st := engine.StateClosed
	err := s.owner.withSocket(s.id, func(es *engine.Socket) error {
		st = es.State()
		return nil
	})
	return st, err
}

func (s *TCPSocket[I]) LocalAddr() (netip.AddrPort, error) {
	var addr netip.AddrPort
	err := s.owner.withSocket(s.id, func(es *engine.Socket) error {
		addr = es.LocalAddr()
		return nil
	})
	return addr, err
}

func (s *TCPSocket[I]) RemoteAddr() (netip.AddrPort, error) {
	var addr netip.AddrPort
	err := s.owner.withSocket(s.id, func(es *engine.Socket) error {
		addr = es.RemoteAddr()
		return nil
	})
	return addr, err
}

func isNoRoute(err error) bool {
	return errors.Is(err, core.ErrNoRoute)
}
