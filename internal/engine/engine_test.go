package engine

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netmgr/internal/core"
	"firestige.xyz/netmgr/internal/log"
)

var (
	macA = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0a}
	macB = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x0b}
)

func newTestEngine(t *testing.T, mac net.HardwareAddr, cidrs ...string) *Engine {
	t.Helper()
	addrs, err := ParseAddressConfig(cidrs...)
	require.NoError(t, err)
	e, err := New(Config{MAC: mac, Addresses: addrs, Logger: log.Discard()})
	require.NoError(t, err)
	return e
}

func enginePair(t *testing.T) (*Engine, *Engine) {
	a := newTestEngine(t, macA, "10.0.0.1/24", "fe80::a/64")
	b := newTestEngine(t, macB, "10.0.0.2/24", "fe80::b/64")
	return a, b
}

// pump shuttles frames between a and b until both cables are quiet.
func pump(t *testing.T, a, b *Engine) {
	t.Helper()
	for i := 0; i < 100; i++ {
		fa, fb := a.DrainEgress(), b.DrainEgress()
		if len(fa) == 0 && len(fb) == 0 {
			return
		}
		for _, f := range fa {
			require.NoError(t, b.Inject(f))
		}
		for _, f := range fb {
			require.NoError(t, a.Inject(f))
		}
	}
	t.Fatal("link did not settle")
}

// tcpEvents polls every pending event and returns the socket events.
func tcpEvents(e *Engine) []Event {
	var out []Event
	for {
		ev, ok := e.PollEvent()
		if !ok {
			return out
		}
		if ev.Kind != EventCableOut {
			out = append(out, ev)
		}
	}
}

func connectPair(t *testing.T, a, b *Engine, server netip.AddrPort) (*Socket, *Socket) {
	t.Helper()
	listener, err := b.BuildTCPSocket(true, server)
	require.NoError(t, err)
	client, err := a.BuildTCPSocket(false, server)
	require.NoError(t, err)
	assert.Equal(t, StateSynSent, client.State())

	pump(t, a, b)

	assert.Equal(t, []Event{{Kind: EventTCPConnected, Socket: client.Index()}}, tcpEvents(a))
	assert.Equal(t, []Event{{Kind: EventTCPConnected, Socket: listener.Index()}}, tcpEvents(b))
	require.Equal(t, StateEstablished, client.State())
	require.Equal(t, StateEstablished, listener.State())
	return client, listener
}

func TestHandshakeAndDataIPv4(t *testing.T) {
	a, b := enginePair(t)
	client, server := connectPair(t, a, b, netip.MustParseAddrPort("10.0.0.2:80"))

	assert.Equal(t, netip.MustParseAddrPort("10.0.0.2:80"), server.LocalAddr())
	assert.Equal(t, client.LocalAddr(), server.RemoteAddr())
	assert.GreaterOrEqual(t, client.LocalAddr().Port(), uint16(ephemeralLow))

	n, err := client.Send([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	pump(t, a, b)

	assert.Equal(t, []Event{{Kind: EventTCPReadReady, Socket: server.Index()}}, tcpEvents(b))
	assert.Equal(t, []Event{{Kind: EventTCPWriteFinished, Socket: client.Index()}}, tcpEvents(a))
	assert.Equal(t, []byte("hello"), server.Recv())
	assert.Nil(t, server.Recv())
}

func TestHandshakeIPv6(t *testing.T) {
	a, b := enginePair(t)
	client, server := connectPair(t, a, b, netip.MustParseAddrPort("[fe80::b]:8080"))

	_, err := server.Send([]byte("from server"))
	require.NoError(t, err)
	pump(t, a, b)
	assert.Equal(t, []byte("from server"), client.Recv())
}

func TestSegmentationAgainstMTU(t *testing.T) {
	a, b := enginePair(t)
	client, server := connectPair(t, a, b, netip.MustParseAddrPort("10.0.0.2:80"))

	payload := make([]byte, 4000)
	for i := range payload {
		payload[i] = byte(i)
	}
	_, err := client.Send(payload)
	require.NoError(t, err)
	frames := a.PeekEgress()
	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.LessOrEqual(t, len(f), 14+DefaultMTU)
	}

	pump(t, a, b)
	assert.Equal(t, payload, server.Recv())
	assert.Equal(t, []Event{{Kind: EventTCPWriteFinished, Socket: client.Index()}}, tcpEvents(a))
}

func TestSendProgress(t *testing.T) {
	a, b := enginePair(t)
	client, _ := connectPair(t, a, b, netip.MustParseAddrPort("10.0.0.2:80"))

	_, err := client.Send([]byte("first"))
	require.NoError(t, err)
	queued, acked := client.SendProgress()
	assert.Equal(t, uint64(5), queued)
	assert.Zero(t, acked)

	pump(t, a, b)
	queued, acked = client.SendProgress()
	assert.Equal(t, uint64(5), queued)
	assert.Equal(t, uint64(5), acked)

	// a send after the ack is pending even though WriteFinished is still queued
	_, err = client.Send([]byte("second"))
	require.NoError(t, err)
	queued, acked = client.SendProgress()
	assert.Equal(t, uint64(11), queued)
	assert.Equal(t, uint64(5), acked)
	assert.Equal(t, []Event{{Kind: EventTCPWriteFinished, Socket: client.Index()}}, tcpEvents(a))

	pump(t, a, b)
	_, acked = client.SendProgress()
	assert.Equal(t, uint64(11), acked)
	assert.Equal(t, []Event{{Kind: EventTCPWriteFinished, Socket: client.Index()}}, tcpEvents(a))
}

func TestSendBeforeConnected(t *testing.T) {
	a, b := enginePair(t)
	_, err := b.BuildTCPSocket(true, netip.MustParseAddrPort("10.0.0.2:80"))
	require.NoError(t, err)
	client, err := a.BuildTCPSocket(false, netip.MustParseAddrPort("10.0.0.2:80"))
	require.NoError(t, err)

	_, err = client.Send([]byte("early"))
	require.NoError(t, err)
	pump(t, a, b)

	evs := tcpEvents(b)
	require.Len(t, evs, 2)
	assert.Equal(t, EventTCPConnected, evs[0].Kind)
	assert.Equal(t, EventTCPReadReady, evs[1].Kind)
	srv, ok := b.Socket(evs[1].Socket)
	require.True(t, ok)
	assert.Equal(t, []byte("early"), srv.Recv())
}

func TestUnknownPortIsReset(t *testing.T) {
	a, b := enginePair(t)
	client, err := a.BuildTCPSocket(false, netip.MustParseAddrPort("10.0.0.2:81"))
	require.NoError(t, err)
	pump(t, a, b)

	assert.Equal(t, []Event{{Kind: EventTCPClosed, Socket: client.Index()}}, tcpEvents(a))
	assert.Equal(t, StateClosed, client.State())
	assert.Empty(t, tcpEvents(b))

	_, err = client.Send([]byte("x"))
	assert.ErrorIs(t, err, core.ErrSocketNotConnected)
}

func TestPeerFinClosesConnection(t *testing.T) {
	a, b := enginePair(t)
	client, server := connectPair(t, a, b, netip.MustParseAddrPort("10.0.0.2:80"))

	_, err := server.Send([]byte("last words"))
	require.NoError(t, err)
	// the engine never sends FIN itself; forge one from the server side
	s := server.s
	seg := b.segment(s)
	seg.FIN = true
	b.send(s, seg, nil)
	s.sndNxt++
	pump(t, a, b)

	assert.Equal(t, []Event{
		{Kind: EventTCPReadReady, Socket: client.Index()},
		{Kind: EventTCPClosed, Socket: client.Index()},
	}, tcpEvents(a))
	assert.Equal(t, StateCloseWait, client.State())
	assert.Equal(t, []byte("last words"), client.Recv())
}

func TestCloseIsAbortive(t *testing.T) {
	a, b := enginePair(t)
	client, server := connectPair(t, a, b, netip.MustParseAddrPort("10.0.0.2:80"))

	_, err := server.Send([]byte("unread"))
	require.NoError(t, err)
	pump(t, a, b)
	_ = tcpEvents(b)
	// ReadReady is queued on a; closing purges it
	require.NoError(t, client.Close())
	assert.Empty(t, tcpEvents(a))
	_, ok := a.Socket(client.Index())
	assert.False(t, ok)
	assert.Equal(t, StateClosed, client.State())
	assert.ErrorIs(t, client.Close(), core.ErrSocketNotFound)

	// the RST stays queued after the socket is gone
	require.Equal(t, 1, a.PendingEgress())
	pump(t, a, b)
	assert.Equal(t, []Event{{Kind: EventTCPClosed, Socket: server.Index()}}, tcpEvents(b))
	assert.Equal(t, StateClosed, server.State())
}

func TestCloseAll(t *testing.T) {
	a, b := enginePair(t)
	connectPair(t, a, b, netip.MustParseAddrPort("10.0.0.2:80"))
	_, err := a.BuildTCPSocket(true, netip.MustParseAddrPort("0.0.0.0:9000"))
	require.NoError(t, err)

	closed := a.CloseAll()
	assert.Equal(t, []SocketIndex{1, 2}, closed)
	assert.Empty(t, a.Sockets())
}

func TestBuildTCPSocketErrors(t *testing.T) {
	a, _ := enginePair(t)

	_, err := a.BuildTCPSocket(false, netip.MustParseAddrPort("192.168.9.9:80"))
	assert.ErrorIs(t, err, core.ErrNoRoute)
	_, err = a.BuildTCPSocket(true, netip.MustParseAddrPort("10.0.0.99:80"))
	assert.ErrorIs(t, err, core.ErrNoRoute)
	_, err = a.BuildTCPSocket(true, netip.MustParseAddrPort("10.0.0.1:0"))
	assert.ErrorIs(t, err, core.ErrInvalidAddress)
	_, err = a.BuildTCPSocket(false, netip.AddrPort{})
	assert.ErrorIs(t, err, core.ErrInvalidAddress)

	_, err = a.BuildTCPSocket(true, netip.MustParseAddrPort("0.0.0.0:80"))
	require.NoError(t, err)
	_, err = a.BuildTCPSocket(true, netip.MustParseAddrPort("10.0.0.1:80"))
	assert.ErrorIs(t, err, core.ErrAddressInUse)
	_, err = a.BuildTCPSocket(true, netip.MustParseAddrPort("[fe80::a]:80"))
	assert.NoError(t, err, "families do not conflict")

	v4only := newTestEngine(t, macA, "10.0.0.1/24")
	_, err = v4only.BuildTCPSocket(true, netip.MustParseAddrPort("[::]:80"))
	assert.ErrorIs(t, err, core.ErrNoRoute)
}

func TestDrainThenEmpty(t *testing.T) {
	a, _ := enginePair(t)
	_, err := a.BuildTCPSocket(false, netip.MustParseAddrPort("10.0.0.2:80"))
	require.NoError(t, err)

	require.Equal(t, 1, a.PendingEgress(), "arp request")
	frames := a.DrainEgress()
	assert.Len(t, frames, 1)
	assert.Empty(t, a.DrainEgress())
	assert.Equal(t, 0, a.PendingEgress())
}

func TestDrainEgressNKeepsRemainder(t *testing.T) {
	a, _ := enginePair(t)
	for _, dst := range []string{"10.0.0.2:80", "10.0.0.3:80", "10.0.0.4:80"} {
		_, err := a.BuildTCPSocket(false, netip.MustParseAddrPort(dst))
		require.NoError(t, err)
	}
	require.Equal(t, 3, a.PendingEgress())
	first := a.PeekEgress()[0]

	assert.Empty(t, a.DrainEgressN(0))
	got := a.DrainEgressN(2)
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0], "oldest first")
	assert.Equal(t, 1, a.PendingEgress())

	assert.Len(t, a.DrainEgressN(5), 1)
	assert.Equal(t, 0, a.PendingEgress())
}

func TestCableOutEdgeTriggered(t *testing.T) {
	a, _ := enginePair(t)
	_, err := a.BuildTCPSocket(false, netip.MustParseAddrPort("10.0.0.2:80"))
	require.NoError(t, err)

	ev, ok := a.PollEvent()
	require.True(t, ok)
	assert.Equal(t, EventCableOut, ev.Kind)
	_, ok = a.PollEvent()
	assert.False(t, ok, "frames left in place are not reported twice")
	assert.Equal(t, 1, a.PendingEgress())

	_, err = a.BuildTCPSocket(false, netip.MustParseAddrPort("10.0.0.3:80"))
	require.NoError(t, err)
	assert.True(t, a.HasEvent())
}

func TestEgressPolicies(t *testing.T) {
	addrs := DefaultAddressConfig()

	e, err := New(Config{MAC: macA, Addresses: addrs, Egress: EgressConfig{MaxFrames: 2}, Logger: log.Discard()})
	require.NoError(t, err)
	for _, f := range [][]byte{{1}, {2}, {3}} {
		require.NoError(t, e.enqueueFrame(f))
	}
	assert.Equal(t, [][]byte{{2}, {3}}, e.DrainEgress())
	assert.Equal(t, uint64(1), e.Stats().EgressDropped)

	e, err = New(Config{MAC: macA, Addresses: addrs, Egress: EgressConfig{MaxFrames: 2, Policy: RejectNew}, Logger: log.Discard()})
	require.NoError(t, err)
	require.NoError(t, e.enqueueFrame([]byte{1}))
	require.NoError(t, e.enqueueFrame([]byte{2}))
	assert.ErrorIs(t, e.enqueueFrame([]byte{3}), core.ErrEgressFull)
	assert.Equal(t, [][]byte{{1}, {2}}, e.DrainEgress())
	assert.Equal(t, uint64(1), e.Stats().EgressDropped)
}

func TestParkedFramesBounded(t *testing.T) {
	a, _ := enginePair(t)
	dst := netip.MustParseAddr("10.0.0.2")
	for i := 0; i < maxParkedPerNeighbor+4; i++ {
		seg := &layers.TCP{SrcPort: 1, DstPort: 2, Seq: uint32(i), ACK: true}
		require.NoError(t, a.transmitTCP(netip.MustParseAddr("10.0.0.1"), dst, seg, nil))
	}
	assert.Len(t, a.parked[dst], maxParkedPerNeighbor)
	assert.Equal(t, 1, a.PendingEgress(), "one arp request per neighbor")

	a.learn(dst, macB)
	assert.Empty(t, a.parked)
	assert.Equal(t, 1+maxParkedPerNeighbor, a.PendingEgress())
}

func TestInjectMalformedAndFiltered(t *testing.T) {
	a, _ := enginePair(t)

	frame := append(append(append([]byte{}, macA...), macB...), 0x08, 0x00, 0x45, 0x00)
	assert.ErrorIs(t, a.Inject(frame), core.ErrFrameMalformed)

	foreign := append(append(append([]byte{}, 0x02, 9, 9, 9, 9, 9), macB...), 0x08, 0x00, 0x45, 0x00)
	assert.ErrorIs(t, a.Inject(foreign), core.ErrFrameFiltered)

	st := a.Stats()
	assert.Equal(t, uint64(2), st.RxFrames)
	assert.Equal(t, uint64(1), st.RxFiltered)
	assert.Equal(t, uint64(1), st.RxDropped)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{MAC: net.HardwareAddr{1, 2, 3}})
	assert.ErrorIs(t, err, core.ErrInvalidHardwareAddr)
	_, err = New(Config{MAC: net.HardwareAddr{0x01, 0, 0, 0, 0, 1}})
	assert.ErrorIs(t, err, core.ErrInvalidHardwareAddr)
	_, err = New(Config{MAC: macA, MTU: 100})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
	_, err = New(Config{MAC: macA, Egress: EgressConfig{Policy: "lifo"}})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = ParseAddressConfig("10.0.0.1/24", "10.0.0.1/16")
	assert.ErrorIs(t, err, core.ErrInvalidAddress)
	_, err = ParseAddressConfig("not-an-address")
	assert.ErrorIs(t, err, core.ErrInvalidAddress)
}
