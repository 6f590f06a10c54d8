//go:build linux

package pktsock

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"
)

// skfLLOff is SKF_LL_OFF. An absolute load at skfLLOff+k reads byte k of the
// link layer header; a plain offset is relative to skb data, which starts at
// the network header on ingress and at the link layer header on egress.
const skfLLOff = -0x200000

// udpDstPortOffset is the offset of the UDP destination port in an
// untagged Ethernet frame carrying IPv4 without options.
const udpDstPortOffset = 14 + 20 + 2

func kernelFanoutMode(m FanoutMode) (int, error) {
	switch m {
	case FanoutHash:
		return unix.PACKET_FANOUT_HASH, nil
	case FanoutLB:
		return unix.PACKET_FANOUT_LB, nil
	case FanoutCPU:
		return unix.PACKET_FANOUT_CPU, nil
	case FanoutQM:
		return unix.PACKET_FANOUT_QM, nil
	case FanoutEBPFPort:
		return unix.PACKET_FANOUT_EBPF, nil
	}
	return 0, fmt.Errorf("unsupported fanout mode %s", m)
}

// portSteeringSpec returns a socket filter program for PACKET_FANOUT_EBPF
// that selects the group member by UDP destination port. The kernel takes
// the result modulo the number of members. Frames too short to hold the
// port make the load abort the program, which returns 0.
func portSteeringSpec() *ebpf.ProgramSpec {
	return &ebpf.ProgramSpec{
		Name:    "fanout_udp_port",
		Type:    ebpf.SocketFilter,
		License: "GPL",
		Instructions: asm.Instructions{
			// LD_ABS reads from the skb in R6.
			asm.Mov.Reg(asm.R6, asm.R1),
			asm.LoadAbs(skfLLOff+udpDstPortOffset, asm.Half),
			asm.Return(),
		},
	}
}
