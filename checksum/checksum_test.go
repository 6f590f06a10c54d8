package checksum_test

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/romshark/mmsg-bench-go/checksum"
)

func TestChecksumRFC1071Example(t *testing.T) {
	// Example from RFC 1071 section 3: sum of 0001 f203 f4f5 f6f7 is ddf2.
	b := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	require.Equal(t, uint16(0xddf2), checksum.Fold(checksum.Accumulate(0, b)))
	require.Equal(t, uint16(0x220d), checksum.Checksum(b))
}

func TestChecksumIPv4Header(t *testing.T) {
	// Well-known header from the Wikipedia IPv4 checksum example.
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40, 0x11,
		0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7,
	}
	sum := checksum.Checksum(hdr)
	require.Equal(t, uint16(0xb861), sum)

	checksum.Put(hdr[10:], sum)
	require.Equal(t, []byte{0xb8, 0x61}, hdr[10:12])
	require.True(t, checksum.Valid(hdr))
}

func TestChecksumOddLength(t *testing.T) {
	require.Equal(t,
		checksum.Checksum([]byte{0x12, 0x34, 0x56, 0x00}),
		checksum.Checksum([]byte{0x12, 0x34, 0x56}),
	)
	require.Equal(t, uint16(0xffff), checksum.Checksum(nil))
}

func TestFoldRepeats(t *testing.T) {
	// 0xffffffff needs two passes.
	require.Equal(t, uint16(0xffff), checksum.Fold(0x1fffe))
	require.Equal(t, uint16(0x0000), checksum.Fold(0))
	require.Equal(t, uint16(0xffff), checksum.Fold(0xffff_ffff))
}

func TestChecksumRoundTrip(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		n := 2 + 2*r.IntN(600)
		b := make([]byte, n)
		for i := range b {
			b[i] = byte(r.UintN(256))
		}
		off := 2 * r.IntN(n/2)
		b[off], b[off+1] = 0, 0
		checksum.Put(b[off:], checksum.Checksum(b))
		require.True(t, checksum.Valid(b), "len=%d off=%d", n, off)
	}
}

func TestAccumulateLargeInput(t *testing.T) {
	// 1 MiB of 0xff would overflow a 32-bit accumulator.
	b := make([]byte, 1<<20)
	for i := range b {
		b[i] = 0xff
	}
	require.Equal(t, uint64(len(b)/2)*0xffff, checksum.Accumulate(0, b))
	require.Equal(t, uint16(0xffff), checksum.Fold(checksum.Accumulate(0, b)))
}
