// Package loopback runs the network driver end to end inside one native
// host: a hardware process with two interfaces cabled to each other and a
// client streaming data over TCP from one interface to the other.
package loopback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"

	"firestige.xyz/netmgr/internal/config"
	"firestige.xyz/netmgr/internal/log"
	"firestige.xyz/netmgr/internal/metrics"
	"firestige.xyz/netmgr/internal/native"
	"firestige.xyz/netmgr/internal/netdriver"
	"firestige.xyz/netmgr/internal/netmgr"
	"firestige.xyz/netmgr/internal/trace"
)

const (
	pidDriver   native.Pid = 1
	pidHardware native.Pid = 2
	pidClient   native.Pid = 3

	DefaultPort  = 7
	DefaultChunk = 4096
)

// Options sizes the exchange.
type Options struct {
	Bytes int
	Chunk int
	Port  uint16
	// Registerer receives the driver metrics collector when set.
	Registerer prometheus.Registerer
}

// Result summarizes a finished run.
type Result struct {
	Server       netip.AddrPort
	Sent         int
	Received     int
	Interfaces   []netdriver.InterfaceInfo
	TracedFrames uint64
}

// demoInterfaces is used when the configuration names fewer than two.
var demoInterfaces = []config.InterfaceConfig{
	{Name: "lo0", MAC: "02:00:00:00:00:01", Addresses: []string{"10.0.0.1/24", "fe80::1/64"}},
	{Name: "lo1", MAC: "02:00:00:00:00:02", Addresses: []string{"10.0.0.2/24", "fe80::2/64"}},
}

type pair struct {
	regs   [2]netdriver.RegisterInterface
	server netip.Addr
}

// Run performs one exchange of opts.Bytes bytes and tears everything down.
func Run(ctx context.Context, cfg *config.Config, opts Options, logger log.Logger) (Result, error) {
	if opts.Bytes < 0 {
		return Result{}, fmt.Errorf("negative byte count %d", opts.Bytes)
	}
	if opts.Chunk <= 0 {
		opts.Chunk = DefaultChunk
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}

	p, err := buildPair(cfg)
	if err != nil {
		return Result{}, err
	}

	mopts := []netmgr.Option[uint32]{
		netmgr.WithLogger[uint32](logger),
		netmgr.WithMTU[uint32](cfg.Link.MTU),
		netmgr.WithEgress[uint32](cfg.Egress.ToEngine()),
		netmgr.WithPromiscuous[uint32](cfg.Link.Promiscuous),
	}
	var rec *trace.Recorder
	if cfg.Trace.Enabled {
		rec, err = trace.Open(cfg.Trace.Path)
		if err != nil {
			return Result{}, err
		}
		defer rec.Close()
		mopts = append(mopts, netmgr.WithFrameTap(trace.Tap[uint32](rec)))
	}

	host := native.NewHost(logger)
	driver := netdriver.New(netdriver.Config{
		MaxInflightFrames: cfg.Driver.MaxInflightFrames,
		Logger:            logger,
		Manager:           mopts,
	})
	if opts.Registerer != nil {
		if err := opts.Registerer.Register(metrics.NewCollector(driver)); err != nil {
			return Result{}, fmt.Errorf("register metrics: %w", err)
		}
	}
	hardware := native.NewEndpoint()
	client := native.NewEndpoint()
	if err := spawn(host, driver, hardware, client); err != nil {
		return Result{}, err
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = host.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	go cable(ctx, hardware, logger)

	for _, r := range p.regs {
		if _, err := request(ctx, hardware, netdriver.NetworkInterface, r); err != nil {
			return Result{}, fmt.Errorf("register interface %d: %w", r.ID, err)
		}
	}

	res := Result{Server: netip.AddrPortFrom(p.server, opts.Port)}
	server, err := open(ctx, client, true, res.Server)
	if err != nil {
		return res, fmt.Errorf("listen %s: %w", res.Server, err)
	}
	conn, err := open(ctx, client, false, res.Server)
	if err != nil {
		return res, fmt.Errorf("connect %s: %w", res.Server, err)
	}
	logger.WithFields(map[string]interface{}{
		"server": server.String(),
		"client": conn.String(),
	}).Info("connection established")

	payload := make([]byte, opts.Bytes)
	for i := range payload {
		payload[i] = byte(i)
	}

	sent := make(chan error, 1)
	go func() {
		for off := 0; off < len(payload); off += opts.Chunk {
			end := min(off+opts.Chunk, len(payload))
			if _, err := request(ctx, client, netdriver.TCPInterface, netdriver.TCPSend{Socket: conn, Data: payload[off:end]}); err != nil {
				sent <- fmt.Errorf("send at offset %d: %w", off, err)
				return
			}
		}
		sent <- nil
	}()

	var got []byte
	for len(got) < len(payload) {
		resp, err := request(ctx, client, netdriver.TCPInterface, netdriver.TCPRecv{Socket: server})
		if err != nil {
			return res, fmt.Errorf("recv: %w", err)
		}
		data, ok := resp.(netdriver.Data)
		if !ok || len(data.Data) == 0 {
			return res, fmt.Errorf("stream ended after %d of %d bytes", len(got), len(payload))
		}
		got = append(got, data.Data...)
		logger.Debugf("received %d bytes (%d/%d)", len(data.Data), len(got), len(payload))
	}
	if err := <-sent; err != nil {
		return res, err
	}
	res.Sent, res.Received = len(payload), len(got)
	if !bytes.Equal(got, payload) {
		return res, errors.New("received data differs from sent data")
	}

	if _, err := request(ctx, client, netdriver.TCPInterface, netdriver.TCPClose{Socket: conn}); err != nil {
		return res, fmt.Errorf("close: %w", err)
	}
	res.Interfaces = driver.Interfaces()
	if rec != nil {
		res.TracedFrames = rec.Frames()
	}
	return res, nil
}

// buildPair takes the first two configured interfaces and picks a server
// address on the second that the first can reach.
func buildPair(cfg *config.Config) (pair, error) {
	ifaces := cfg.Interfaces
	if len(ifaces) < 2 {
		ifaces = demoInterfaces
	}
	var p pair
	for i, ic := range ifaces[:2] {
		mac, err := ic.HardwareAddr()
		if err != nil {
			return pair{}, err
		}
		addrs, err := ic.ToAddressConfig()
		if err != nil {
			return pair{}, err
		}
		p.regs[i] = netdriver.RegisterInterface{ID: uint32(i + 1), MAC: mac, Addresses: addrs.Prefixes}
	}
	for _, dst := range p.regs[1].Addresses {
		for _, src := range p.regs[0].Addresses {
			if src.Contains(dst.Addr()) && src.Addr() != dst.Addr() {
				p.server = dst.Addr()
				return p, nil
			}
		}
	}
	return pair{}, fmt.Errorf("interfaces %s and %s share no subnet", ifaces[0].Name, ifaces[1].Name)
}

func spawn(host *native.Host, driver *netdriver.Driver, hardware, client *native.Endpoint) error {
	for _, step := range []func() error{
		func() error { return host.Spawn(pidDriver, driver) },
		func() error { return host.Spawn(pidHardware, hardware) },
		func() error { return host.Spawn(pidClient, client) },
		func() error { return host.RegisterInterface(pidDriver, netdriver.NetworkInterface) },
		func() error { return host.RegisterInterface(pidDriver, netdriver.TCPInterface) },
		func() error { return host.RegisterInterface(pidHardware, netdriver.EthernetInterface) },
	} {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// cable plays the hardware: every outbound frame of interface 1 or 2 is
// acknowledged and delivered to the other one.
func cable(ctx context.Context, hw *native.Endpoint, logger log.Logger) {
	for {
		d, err := hw.Receive(ctx)
		if err != nil {
			return
		}
		m, err := netdriver.Decode(d.Message)
		out, ok := m.(netdriver.EthernetOut)
		if err != nil || !ok || (out.ID != 1 && out.ID != 2) {
			logger.Warnf("hardware: unexpected message from pid %d", d.Emitter)
			if d.ID != nil {
				hw.Answer(*d.ID, native.ErrResponse())
			}
			continue
		}
		if d.ID != nil {
			hw.Answer(*d.ID, native.OK(netdriver.Encode(netdriver.Ack{})))
		}
		hw.Send(netdriver.NetworkInterface, netdriver.Encode(netdriver.EthernetIn{ID: 3 - out.ID, Frame: out.Frame}))
	}
}

// ErrRefused is returned for requests the driver answered with the error
// marker.
var ErrRefused = errors.New("request refused")

func request(ctx context.Context, from *native.Endpoint, iface native.InterfaceHash, m netdriver.Message) (netdriver.Message, error) {
	resp, err := from.Request(iface, netdriver.Encode(m)).Wait(ctx)
	if err != nil {
		return nil, err
	}
	if resp.Err {
		return nil, ErrRefused
	}
	return netdriver.Decode(resp.Payload)
}

func open(ctx context.Context, client *native.Endpoint, listen bool, addr netip.AddrPort) (netdriver.SocketRef, error) {
	resp, err := request(ctx, client, netdriver.TCPInterface, netdriver.TCPOpen{Listen: listen, Addr: addr})
	if err != nil {
		return netdriver.SocketRef{}, err
	}
	opened, ok := resp.(netdriver.Opened)
	if !ok {
		return netdriver.SocketRef{}, fmt.Errorf("unexpected answer kind %d", resp.Kind())
	}
	return opened.Socket, nil
}
