// Package frame builds the synthetic Ethernet/IPv4/UDP frames transmitted
// by the benchmark workers.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/romshark/mmsg-bench-go/checksum"
)

const (
	EthLen  = 14
	IPv4Len = 20
	UDPLen  = 8

	// MinSize is the smallest frame that fits all headers with no payload.
	MinSize = EthLen + IPv4Len + UDPLen
	// MaxSize is the largest frame whose IPv4 total length still fits 16 bits.
	MaxSize = EthLen + 0xffff

	etherTypeIPv4 = 0x0800
	protoUDP      = 17
	ttl           = 64
)

// Port assignment. Source ports cycle through PortSpan values starting at
// SrcPortBase; every PortSpan slots the destination port advances by one
// within a band that is offset by the worker index.
const (
	SrcPortBase   = 10000
	PortSpan      = 50000
	DstPortBase   = 12345
	DstPortOffset = 10
)

var (
	ErrFrameTooSmall  = fmt.Errorf("frame size must be >= %d", MinSize)
	ErrFrameTooLarge  = fmt.Errorf("frame size must be <= %d", MaxSize)
	ErrBufferTooShort = errors.New("buffer shorter than frame size")
	ErrNotIPv4        = errors.New("address is not IPv4")
	ErrNoIPv4Addr     = errors.New("no IPv4 address assigned")
	ErrBadMAC         = errors.New("hardware address must be 6 bytes")
)

var (
	// DefaultDstMAC is the test destination hardware address.
	DefaultDstMAC = net.HardwareAddr{0xf2, 0x01, 0x0a, 0x32, 0xc8, 0x01}
	// DefaultDstIP is the test destination IPv4 address.
	DefaultDstIP = netip.AddrFrom4([4]byte{10, 50, 130, 100})
)

// Ports returns the UDP ports of the frame in slot of worker.
func Ports(worker, slot int) (src, dst uint16) {
	src = uint16(SrcPortBase + slot%PortSpan)
	dst = uint16(DstPortBase + worker + DstPortOffset + slot/PortSpan)
	return src, dst
}

// Template holds the addressing shared by all frames of a worker.
type Template struct {
	SrcMAC net.HardwareAddr
	DstMAC net.HardwareAddr
	SrcIP  netip.Addr
	DstIP  netip.Addr
}

// Validate checks that the template addresses can be encoded.
func (t *Template) Validate() error {
	if len(t.SrcMAC) != 6 {
		return fmt.Errorf("source: %w", ErrBadMAC)
	}
	if len(t.DstMAC) != 6 {
		return fmt.Errorf("destination: %w", ErrBadMAC)
	}
	if !t.SrcIP.Is4() {
		return fmt.Errorf("source %s: %w", t.SrcIP, ErrNotIPv4)
	}
	if !t.DstIP.Is4() {
		return fmt.Errorf("destination %s: %w", t.DstIP, ErrNotIPv4)
	}
	return nil
}

// CheckSize reports whether size is a valid frame size.
func CheckSize(size int) error {
	switch {
	case size < MinSize:
		return ErrFrameTooSmall
	case size > MaxSize:
		return ErrFrameTooLarge
	}
	return nil
}

// Build writes a size byte frame into buf[:size].
// The payload following the UDP header is zeroed.
func (t *Template) Build(buf []byte, size int, srcPort, dstPort uint16) error {
	if err := CheckSize(size); err != nil {
		return err
	}
	if len(buf) < size {
		return ErrBufferTooShort
	}
	if err := t.Validate(); err != nil {
		return err
	}
	buf = buf[:size]
	clear(buf)

	copy(buf[0:6], t.DstMAC)
	copy(buf[6:12], t.SrcMAC)
	binary.BigEndian.PutUint16(buf[12:], etherTypeIPv4)

	src, dst := t.SrcIP.As4(), t.DstIP.As4()

	ip := buf[EthLen : EthLen+IPv4Len]
	ip[0] = 0x45 // version 4, 5 words
	binary.BigEndian.PutUint16(ip[2:], uint16(size-EthLen))
	binary.BigEndian.PutUint16(ip[4:], uint16(rand.Uint32()))
	ip[8] = ttl
	ip[9] = protoUDP
	copy(ip[12:16], src[:])
	copy(ip[16:20], dst[:])
	checksum.Put(ip[10:], checksum.Checksum(ip))

	udp := buf[EthLen+IPv4Len:]
	udpLen := uint16(size - EthLen - IPv4Len)
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dstPort)
	binary.BigEndian.PutUint16(udp[4:], udpLen)

	// Pseudo-header: source, destination, zero, protocol, UDP length.
	acc := checksum.Accumulate(0, src[:])
	acc = checksum.Accumulate(acc, dst[:])
	acc += protoUDP + uint64(udpLen)
	acc = checksum.Accumulate(acc, udp)
	sum := ^checksum.Fold(acc)
	if sum == 0 {
		sum = 0xffff
	}
	checksum.Put(udp[6:], sum)

	return nil
}

// Describe decodes b and returns a human readable layer dump.
func Describe(b []byte) string {
	return gopacket.NewPacket(b, layers.LayerTypeEthernet, gopacket.Default).String()
}
