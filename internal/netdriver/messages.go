package netdriver

import (
	"fmt"
	"net"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"

	"firestige.xyz/netmgr/internal/core"
	"firestige.xyz/netmgr/internal/engine"
	"firestige.xyz/netmgr/internal/native"
	"firestige.xyz/netmgr/internal/netmgr"
	"firestige.xyz/netmgr/internal/wire"
)

// Kind tags every message in field 1.
type Kind uint64

const (
	KindRegisterInterface   Kind = 1
	KindUnregisterInterface Kind = 2
	KindEthernetIn          Kind = 3
	KindEthernetOut         Kind = 4
	KindTCPOpen             Kind = 5
	KindTCPSend             Kind = 6
	KindTCPRecv             Kind = 7
	KindTCPClose            Kind = 8

	KindAck    Kind = 16
	KindOpened Kind = 17
	KindData   Kind = 18
)

const (
	fieldKind      protowire.Number = 1
	fieldInterface protowire.Number = 2
	fieldMAC       protowire.Number = 3
	fieldAddress   protowire.Number = 4
	fieldFrame     protowire.Number = 5
	fieldListen    protowire.Number = 6
	fieldIP        protowire.Number = 7
	fieldPort      protowire.Number = 8
	fieldSocket    protowire.Number = 9
	fieldData      protowire.Number = 10
)

// SocketRef names a socket in driver messages.
type SocketRef = netmgr.SocketID[uint32]

// Message is implemented by every driver message.
type Message interface {
	Kind() Kind
	encode(w *wire.Builder)
}

type RegisterInterface struct {
	ID        uint32
	MAC       net.HardwareAddr
	Addresses []netip.Prefix
}

type UnregisterInterface struct {
	ID uint32
}

// EthernetIn carries a frame received by the hardware.
type EthernetIn struct {
	ID    uint32
	Frame []byte
}

// EthernetOut carries a frame for the hardware to transmit.
type EthernetOut struct {
	ID    uint32
	Frame []byte
}

// TCPOpen listens on Addr when Listen is set, otherwise connects to it.
type TCPOpen struct {
	Listen bool
	Addr   netip.AddrPort
}

type TCPSend struct {
	Socket SocketRef
	Data   []byte
}

type TCPRecv struct {
	Socket SocketRef
}

type TCPClose struct {
	Socket SocketRef
}

type Ack struct{}

type Opened struct {
	Socket SocketRef
}

// Data answers TCPRecv. Empty data after the peer closed means end of stream.
type Data struct {
	Data []byte
}

func (RegisterInterface) Kind() Kind   { return KindRegisterInterface }
func (UnregisterInterface) Kind() Kind { return KindUnregisterInterface }
func (EthernetIn) Kind() Kind          { return KindEthernetIn }
func (EthernetOut) Kind() Kind         { return KindEthernetOut }
func (TCPOpen) Kind() Kind             { return KindTCPOpen }
func (TCPSend) Kind() Kind             { return KindTCPSend }
func (TCPRecv) Kind() Kind             { return KindTCPRecv }
func (TCPClose) Kind() Kind            { return KindTCPClose }
func (Ack) Kind() Kind                 { return KindAck }
func (Opened) Kind() Kind              { return KindOpened }
func (Data) Kind() Kind                { return KindData }

func (m RegisterInterface) encode(w *wire.Builder) {
	w.Uint(fieldInterface, uint64(m.ID)).Bytes(fieldMAC, m.MAC)
	for _, p := range m.Addresses {
		w.String(fieldAddress, p.String())
	}
}

func (m UnregisterInterface) encode(w *wire.Builder) { w.Uint(fieldInterface, uint64(m.ID)) }

func (m EthernetIn) encode(w *wire.Builder) {
	w.Uint(fieldInterface, uint64(m.ID)).Bytes(fieldFrame, m.Frame)
}

func (m EthernetOut) encode(w *wire.Builder) {
	w.Uint(fieldInterface, uint64(m.ID)).Bytes(fieldFrame, m.Frame)
}

func (m TCPOpen) encode(w *wire.Builder) {
	w.Bool(fieldListen, m.Listen).
		Bytes(fieldIP, m.Addr.Addr().AsSlice()).
		Uint(fieldPort, uint64(m.Addr.Port()))
}

func (m TCPSend) encode(w *wire.Builder) {
	encodeSocket(w, m.Socket)
	w.Bytes(fieldData, m.Data)
}

func (m TCPRecv) encode(w *wire.Builder)  { encodeSocket(w, m.Socket) }
func (m TCPClose) encode(w *wire.Builder) { encodeSocket(w, m.Socket) }
func (Ack) encode(*wire.Builder)          {}
func (m Opened) encode(w *wire.Builder)   { encodeSocket(w, m.Socket) }
func (m Data) encode(w *wire.Builder)     { w.Bytes(fieldData, m.Data) }

func encodeSocket(w *wire.Builder, s SocketRef) {
	w.Uint(fieldInterface, uint64(s.Interface)).Uint(fieldSocket, uint64(s.Index))
}

// Encode serializes a message.
func Encode(m Message) native.EncodedMessage {
	w := wire.NewBuilder().Uint(fieldKind, uint64(m.Kind()))
	m.encode(w)
	return w.Encode()
}

// Decode parses a message. Unknown kinds fail with ErrUnknownMessage,
// structurally invalid ones with ErrMalformedMessage.
func Decode(b native.EncodedMessage) (Message, error) {
	m, err := wire.Decode(b)
	if err != nil {
		return nil, err
	}
	kind, ok := m.Uint(fieldKind)
	if !ok {
		return nil, fmt.Errorf("missing kind: %w", core.ErrMalformedMessage)
	}

	switch Kind(kind) {
	case KindRegisterInterface:
		id, err := ifaceID(m)
		if err != nil {
			return nil, err
		}
		mac, _ := m.Bytes(fieldMAC)
		out := RegisterInterface{ID: id, MAC: net.HardwareAddr(mac)}
		for _, raw := range m.BytesList(fieldAddress) {
			p, err := netip.ParsePrefix(string(raw))
			if err != nil {
				return nil, fmt.Errorf("address %q: %w", raw, core.ErrMalformedMessage)
			}
			out.Addresses = append(out.Addresses, p)
		}
		return out, nil
	case KindUnregisterInterface:
		id, err := ifaceID(m)
		return UnregisterInterface{ID: id}, err
	case KindEthernetIn, KindEthernetOut:
		id, err := ifaceID(m)
		if err != nil {
			return nil, err
		}
		frame, ok := m.Bytes(fieldFrame)
		if !ok {
			return nil, fmt.Errorf("missing frame: %w", core.ErrMalformedMessage)
		}
		if Kind(kind) == KindEthernetIn {
			return EthernetIn{ID: id, Frame: frame}, nil
		}
		return EthernetOut{ID: id, Frame: frame}, nil
	case KindTCPOpen:
		raw, _ := m.Bytes(fieldIP)
		ip, ok := netip.AddrFromSlice(raw)
		if !ok {
			return nil, fmt.Errorf("ip %x: %w", raw, core.ErrMalformedMessage)
		}
		port, _ := m.Uint(fieldPort)
		if port > 0xffff {
			return nil, fmt.Errorf("port %d: %w", port, core.ErrMalformedMessage)
		}
		return TCPOpen{Listen: m.Bool(fieldListen), Addr: netip.AddrPortFrom(ip, uint16(port))}, nil
	case KindTCPSend:
		s, err := socketRef(m)
		if err != nil {
			return nil, err
		}
		return TCPSend{Socket: s, Data: nonEmpty(m, fieldData)}, nil
	case KindTCPRecv:
		s, err := socketRef(m)
		return TCPRecv{Socket: s}, err
	case KindTCPClose:
		s, err := socketRef(m)
		return TCPClose{Socket: s}, err
	case KindAck:
		return Ack{}, nil
	case KindOpened:
		s, err := socketRef(m)
		return Opened{Socket: s}, err
	case KindData:
		return Data{Data: nonEmpty(m, fieldData)}, nil
	}
	return nil, fmt.Errorf("kind %d: %w", kind, core.ErrUnknownMessage)
}

func ifaceID(m wire.Message) (uint32, error) {
	v, ok := m.Uint(fieldInterface)
	if !ok || v > 0xffffffff {
		return 0, fmt.Errorf("interface id: %w", core.ErrMalformedMessage)
	}
	return uint32(v), nil
}

func socketRef(m wire.Message) (SocketRef, error) {
	id, err := ifaceID(m)
	if err != nil {
		return SocketRef{}, err
	}
	idx, ok := m.Uint(fieldSocket)
	if !ok || idx == 0 || idx > 0xffffffff {
		return SocketRef{}, fmt.Errorf("socket index: %w", core.ErrMalformedMessage)
	}
	return SocketRef{Interface: id, Index: engine.SocketIndex(idx)}, nil
}

// nonEmpty returns field num, or nil when it is absent or empty.
func nonEmpty(m wire.Message, num protowire.Number) []byte {
	b, _ := m.Bytes(num)
	if len(b) == 0 {
		return nil
	}
	return b
}
