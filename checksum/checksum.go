// Package checksum implements the RFC 1071 Internet checksum used by
// IPv4 and UDP headers.
package checksum

import "encoding/binary"

// Accumulate adds the 16-bit big-endian words of b to acc.
// A trailing odd byte is treated as the high byte of a word whose low byte is zero.
// The accumulator is wide enough that no carry is lost before Fold.
func Accumulate(acc uint64, b []byte) uint64 {
	for len(b) > 1 {
		acc += uint64(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) > 0 {
		acc += uint64(b[0]) << 8
	}
	return acc
}

// Fold folds the carries of acc back into the low 16 bits until none remain.
// The result is not complemented.
func Fold(acc uint64) uint16 {
	for acc>>16 != 0 {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	return uint16(acc)
}

// Checksum returns the one's complement of the one's complement sum of b.
func Checksum(b []byte) uint16 {
	return ^Fold(Accumulate(0, b))
}

// Put writes sum to dst[0:2] in network byte order.
func Put(dst []byte, sum uint16) {
	binary.BigEndian.PutUint16(dst, sum)
}

// Valid reports whether b, with its checksum field already populated,
// sums to zero.
func Valid(b []byte) bool {
	return Checksum(b) == 0
}
