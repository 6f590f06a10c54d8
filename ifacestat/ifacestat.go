// Package ifacestat samples the kernel's per-interface counters so that a
// run's socket-level numbers can be compared with what the NIC saw.
package ifacestat

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// DefaultRoot is where the kernel exposes interface statistics.
const DefaultRoot = "/sys/class/net"

type Counter int

const (
	TxPackets Counter = iota
	TxBytes
	RxPackets
	RxBytes
	TxDropped
	RxDropped
)

// Counters lists every known counter.
var Counters = []Counter{TxPackets, TxBytes, RxPackets, RxBytes, TxDropped, RxDropped}

// String returns the name of the counter's statistics file.
func (c Counter) String() string {
	switch c {
	case TxPackets:
		return "tx_packets"
	case TxBytes:
		return "tx_bytes"
	case RxPackets:
		return "rx_packets"
	case RxBytes:
		return "rx_bytes"
	case TxDropped:
		return "tx_dropped"
	case RxDropped:
		return "rx_dropped"
	}
	return ""
}

// Per-interface values.
type IfaceStats map[Counter]uint64

// Multi-interface stats.
type Stats map[string]IfaceStats

// Reader reads counters below Root. The zero value reads DefaultRoot.
type Reader struct {
	Root string
}

// Snapshot reads the given counters of all interfaces from DefaultRoot.
func Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	return Reader{}.Snapshot(ifaces, counters...)
}

// Snapshot reads the given counters of all interfaces.
// A counter the interface doesn't expose reads as 0.
func (r Reader) Snapshot(ifaces []string, counters ...Counter) (Stats, error) {
	root := r.Root
	if root == "" {
		root = DefaultRoot
	}
	s := make(Stats, len(ifaces))
	for _, iface := range ifaces {
		vals, err := readIface(filepath.Join(root, iface, "statistics"), counters)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", iface, err)
		}
		s[iface] = vals
	}
	return s, nil
}

// Since computes s(now) - old.
func (s Stats) Since(old Stats) Stats {
	out := make(Stats)
	for ifc, now := range s {
		prev := old[ifc]
		diff := make(IfaceStats, len(now))
		for ctr, v := range now {
			diff[ctr] = v - prev[ctr]
		}
		out[ifc] = diff
	}
	return out
}

func readIface(dir string, counters []Counter) (IfaceStats, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}

	found := make(IfaceStats, len(counters))
	for _, ctr := range counters {
		b, err := os.ReadFile(filepath.Join(dir, ctr.String()))
		switch {
		case errors.Is(err, os.ErrNotExist):
			found[ctr] = 0
			continue
		case err != nil:
			return nil, err
		}
		v, err := strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", ctr, err)
		}
		found[ctr] = v
	}
	return found, nil
}

func Print(w io.Writer, s Stats, aliases map[string]string) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		stats := s[iface]

		if alias, ok := aliases[iface]; ok {
			fmt.Fprintf(w, "%s (%s):\n", iface, alias)
		} else {
			fmt.Fprintf(w, "%s:\n", iface)
		}

		for _, dir := range [...]struct {
			name                 string
			pkts, bytes, dropped Counter
		}{
			{"TX", TxPackets, TxBytes, TxDropped},
			{"RX", RxPackets, RxBytes, RxDropped},
		} {
			bytes := stats[dir.bytes]
			_, err := fmt.Fprintf(w, "  %s   %-12d  ≈ %-8s (%s)  dropped %d\n",
				dir.name, stats[dir.pkts],
				humanize.Bytes(bytes), humanize.Comma(int64(bytes)),
				stats[dir.dropped],
			)
			if err != nil {
				return err
			}
		}
	}

	return nil
}
