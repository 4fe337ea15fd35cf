package engine

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/net/bpf"
)

// ingressFilter accepts frames addressed to the interface MAC, to the
// broadcast address, or to an IPv6 multicast MAC (33:33:xx:xx:xx:xx).
type ingressFilter struct {
	vm *bpf.VM
}

func newIngressFilter(mac net.HardwareAddr) (*ingressFilter, error) {
	hi := binary.BigEndian.Uint32(mac[0:4])
	lo := uint32(binary.BigEndian.Uint16(mac[4:6]))

	insns := []bpf.Instruction{
		/* 0 */ bpf.LoadAbsolute{Off: 0, Size: 4},
		/* 1 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: hi, SkipTrue: 0, SkipFalse: 2},
		/* 2 */ bpf.LoadAbsolute{Off: 4, Size: 2},
		/* 3 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: lo, SkipTrue: 6, SkipFalse: 5},
		/* 4 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0xffffffff, SkipTrue: 0, SkipFalse: 2},
		/* 5 */ bpf.LoadAbsolute{Off: 4, Size: 2},
		/* 6 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0xffff, SkipTrue: 3, SkipFalse: 2},
		/* 7 */ bpf.LoadAbsolute{Off: 0, Size: 2},
		/* 8 */ bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x3333, SkipTrue: 1, SkipFalse: 0},
		/* 9 */ bpf.RetConstant{Val: 0},
		/* 10 */ bpf.RetConstant{Val: 0xffff},
	}

	vm, err := bpf.NewVM(insns)
	if err != nil {
		return nil, fmt.Errorf("failed to load ingress filter: %w", err)
	}
	return &ingressFilter{vm: vm}, nil
}

// accept runs the filter against a frame. Frames too short to carry a
// destination MAC are rejected.
func (f *ingressFilter) accept(frame []byte) bool {
	n, err := f.vm.Run(frame)
	return err == nil && n > 0
}
