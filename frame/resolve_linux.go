//go:build linux

package frame

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
)

// ResolveLocal returns the hardware address and the first IPv4 address
// assigned to the named interface.
func ResolveLocal(iface string) (net.HardwareAddr, netip.Addr, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, netip.Addr{}, fmt.Errorf("getting link %q: %w", iface, err)
	}
	mac := link.Attrs().HardwareAddr
	if len(mac) != 6 {
		return nil, netip.Addr{}, fmt.Errorf("link %q: %w", iface, ErrBadMAC)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, netip.Addr{}, fmt.Errorf("listing addresses of %q: %w", iface, err)
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		if ip, ok := netip.AddrFromSlice(a.IP.To4()); ok {
			return mac, ip, nil
		}
	}
	return nil, netip.Addr{}, fmt.Errorf("link %q: %w", iface, ErrNoIPv4Addr)
}
