package engine

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/netmgr/internal/core"
)

var broadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// parkedPacket is a serialized frame waiting for its destination MAC.
type parkedPacket struct {
	frame []byte
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// Inject feeds one received Ethernet frame into the engine. Frames rejected
// by the ingress filter return ErrFrameFiltered; frames that fail to decode
// return ErrFrameMalformed. Both leave the engine unchanged.
func (e *Engine) Inject(frame []byte) error {
	e.stats.RxFrames++
	if !e.cfg.Promiscuous && !e.filter.accept(frame) {
		e.stats.RxFiltered++
		return core.ErrFrameFiltered
	}

	e.decoded = e.decoded[:0]
	if err := e.parser.DecodeLayers(frame, &e.decoded); err != nil {
		e.stats.RxDropped++
		return fmt.Errorf("%v: %w", err, core.ErrFrameMalformed)
	}

	var (
		src, dst netip.Addr
		haveIP   bool
	)
	for _, typ := range e.decoded {
		switch typ {
		case layers.LayerTypeARP:
			e.handleARP()
		case layers.LayerTypeIPv4:
			src, _ = netip.AddrFromSlice(e.ip4.SrcIP.To4())
			dst, _ = netip.AddrFromSlice(e.ip4.DstIP.To4())
			haveIP = true
		case layers.LayerTypeIPv6:
			src, _ = netip.AddrFromSlice(e.ip6.SrcIP.To16())
			dst, _ = netip.AddrFromSlice(e.ip6.DstIP.To16())
			haveIP = true
		case layers.LayerTypeTCP:
			if !haveIP {
				continue
			}
			if e.onLink(src) && !e.isLocal(src) {
				e.learn(src, e.eth.SrcMAC)
			}
			if !e.isLocal(dst) {
				e.stats.RxDropped++
				return nil
			}
			e.tcpInput(src, dst, &e.tcp)
		}
	}
	return nil
}

func (e *Engine) handleARP() {
	a := &e.arp
	if a.Protocol != layers.EthernetTypeIPv4 || len(a.SourceProtAddress) != 4 || len(a.DstProtAddress) != 4 {
		return
	}
	sender, _ := netip.AddrFromSlice(a.SourceProtAddress)
	target, _ := netip.AddrFromSlice(a.DstProtAddress)

	if e.onLink(sender) && !e.isLocal(sender) {
		e.learn(sender, net.HardwareAddr(a.SourceHwAddress))
	}
	if a.Operation != layers.ARPRequest || !e.isLocal(target) {
		return
	}

	reply := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   e.mac,
		SourceProtAddress: target.AsSlice(),
		DstHwAddress:      append([]byte(nil), a.SourceHwAddress...),
		DstProtAddress:    sender.AsSlice(),
	}
	e.sendARP(reply, net.HardwareAddr(reply.DstHwAddress))
}

func (e *Engine) sendARP(a *layers.ARP, dst net.HardwareAddr) {
	eth := &layers.Ethernet{
		SrcMAC:       e.mac,
		DstMAC:       dst,
		EthernetType: layers.EthernetTypeARP,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, a); err != nil {
		e.log.WithError(err).Warn("failed to serialize arp")
		return
	}
	if err := e.enqueueFrame(buf.Bytes()); err != nil {
		e.log.Debug("arp frame dropped, egress full")
	}
}

func (e *Engine) requestARP(target netip.Addr) {
	src, ok := e.sourceFor(target)
	if !ok {
		return
	}
	e.sendARP(&layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   e.mac,
		SourceProtAddress: src.AsSlice(),
		DstHwAddress:      make([]byte, 6),
		DstProtAddress:    target.AsSlice(),
	}, broadcastMAC)
}

// learn records ip -> mac and releases frames parked for ip.
func (e *Engine) learn(ip netip.Addr, mac net.HardwareAddr) {
	if len(mac) != 6 || mac[0]&0x01 != 0 {
		return
	}
	e.neighbors[ip] = append(net.HardwareAddr(nil), mac...)

	parked := e.parked[ip]
	if len(parked) == 0 {
		return
	}
	delete(e.parked, ip)
	for _, p := range parked {
		copy(p.frame[0:6], mac)
		if err := e.enqueueFrame(p.frame); err != nil {
			e.log.WithField("neighbor", ip.String()).Debug("parked frame dropped, egress full")
		}
	}
}

// transmitTCP serializes a segment to dst and queues it, parking it when
// the IPv4 neighbor is unresolved. IPv6 neighbors that have not been seen
// yet are addressed to the broadcast MAC.
func (e *Engine) transmitTCP(src, dst netip.Addr, seg *layers.TCP, payload []byte) error {
	eth := &layers.Ethernet{SrcMAC: e.mac}
	mac, known := e.neighbors[dst]

	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	if dst.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Flags:    layers.IPv4DontFragment,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
		}
		network, ipLayer = ip, ip
		if !known {
			mac = make(net.HardwareAddr, 6)
		}
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolTCP,
			SrcIP:      src.AsSlice(),
			DstIP:      dst.AsSlice(),
		}
		network, ipLayer = ip, ip
		if !known {
			mac = broadcastMAC
			known = true
		}
	}
	eth.DstMAC = mac

	if err := seg.SetNetworkLayerForChecksum(network); err != nil {
		return err
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, ipLayer, seg, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("failed to serialize tcp segment: %w", err)
	}
	frame := append([]byte(nil), buf.Bytes()...)

	if known {
		return e.enqueueFrame(frame)
	}
	e.park(dst, frame)
	return nil
}

func (e *Engine) park(dst netip.Addr, frame []byte) {
	parked := e.parked[dst]
	if len(parked) == 0 {
		e.requestARP(dst)
	}
	if len(parked) >= maxParkedPerNeighbor {
		e.stats.EgressDropped++
		parked = parked[1:]
	}
	e.parked[dst] = append(parked, parkedPacket{frame: frame})
}
