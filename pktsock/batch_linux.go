//go:build linux

package pktsock

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// MaxMsgsPerCall is the largest vector sendmmsg/recvmmsg accept in one call
// (UIO_MAXIOV).
const MaxMsgsPerCall = 1024

// mmsghdr is struct mmsghdr from sys/socket.h. Natural alignment pads it
// like the C struct on both 32 and 64-bit platforms.
type mmsghdr struct {
	hdr unix.Msghdr
	len uint32
}

// Batch is a message vector for recvmmsg/sendmmsg.
// Each slot references one buffer. The vector is built once and reused for
// every call; only the per-slot message lengths change.
//
// WARNING: Batch is not safe for concurrent use.
type Batch struct {
	bufs [][]byte
	iovs []unix.Iovec
	hdrs []mmsghdr
}

// NewBatch creates a vector with one slot per buffer.
// Buffers may alias each other.
func NewBatch(bufs [][]byte) *Batch {
	b := &Batch{
		bufs: bufs,
		iovs: make([]unix.Iovec, len(bufs)),
		hdrs: make([]mmsghdr, len(bufs)),
	}
	for i, p := range bufs {
		if len(p) > 0 {
			b.iovs[i].Base = unsafe.SliceData(p)
			b.iovs[i].SetLen(len(p))
		}
		b.hdrs[i].hdr.Iov = &b.iovs[i]
		b.hdrs[i].hdr.SetIovlen(1)
	}
	return b
}

// Len returns the number of slots.
func (b *Batch) Len() int { return len(b.hdrs) }

// Buf returns the buffer of slot i.
func (b *Batch) Buf(i int) []byte { return b.bufs[i] }

// MsgLen returns the message length the kernel reported for slot i.
func (b *Batch) MsgLen(i int) int { return int(b.hdrs[i].len) }

// SetMsgLen overwrites the message length of slot i.
func (b *Batch) SetMsgLen(i, n int) { b.hdrs[i].len = uint32(n) }

// ResetMsgLens zeroes all message lengths.
func (b *Batch) ResetMsgLens() {
	for i := range b.hdrs {
		b.hdrs[i].len = 0
	}
}
