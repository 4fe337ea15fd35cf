package netmgr

// EventKind enumerates manager events.
type EventKind int

const (
	// EthernetCableOut: the interface has frames to transmit.
	EthernetCableOut EventKind = iota
	TCPConnected
	TCPClosed
	TCPReadReady
	TCPWriteFinished
)

func (k EventKind) String() string {
	switch k {
	case EthernetCableOut:
		return "ethernet-cable-out"
	case TCPConnected:
		return "tcp-connected"
	case TCPClosed:
		return "tcp-closed"
	case TCPReadReady:
		return "tcp-read-ready"
	case TCPWriteFinished:
		return "tcp-write-finished"
	}
	return "unknown"
}

// Event is one notification from a Manager. CableOut is set for
// EthernetCableOut, Socket for every TCP event.
type Event[I comparable, U any] struct {
	Kind      EventKind
	Interface I
	// UserData points at the interface's user data and is only valid while
	// the interface stays registered.
	UserData *U
	CableOut *CableOut[I]
	Socket   *TCPSocket[I]
}

// CableOut gives access to an interface's pending outbound frames. Leaving
// the frames in place is allowed; they are reported again only once more
// frames are queued.
type CableOut[I comparable] struct {
	id    I
	owner socketOwner[I]
}

// Frames returns the pending frames without removing them.
func (c *CableOut[I]) Frames() [][]byte {
	return c.owner.peekCableOut(c.id)
}

// Drain removes and returns the pending frames.
func (c *CableOut[I]) Drain() [][]byte {
	return c.owner.drainCableOut(c.id)
}
