//go:build linux

package pktsock

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestNewBatchSharedBuffer(t *testing.T) {
	shared := make([]byte, 2048)
	bufs := make([][]byte, 8)
	for i := range bufs {
		bufs[i] = shared
	}
	b := NewBatch(bufs)

	require.Equal(t, 8, b.Len())
	for i := range b.Len() {
		require.Same(t, &shared[0], b.iovs[i].Base)
		require.Equal(t, uint64(2048), uint64(b.iovs[i].Len))
		require.Same(t, &b.iovs[i], b.hdrs[i].hdr.Iov)
		require.Equal(t, uint64(1), uint64(b.hdrs[i].hdr.Iovlen))
		require.Zero(t, b.MsgLen(i))
	}
}

func TestBatchMsgLens(t *testing.T) {
	b := NewBatch([][]byte{make([]byte, 10), make([]byte, 20), nil})
	require.Nil(t, b.iovs[2].Base)

	b.SetMsgLen(0, 10)
	b.SetMsgLen(1, 7)
	require.Equal(t, 10, b.MsgLen(0))
	require.Equal(t, 7, b.MsgLen(1))
	require.Len(t, b.Buf(1), 20)

	b.ResetMsgLens()
	for i := range b.Len() {
		require.Zero(t, b.MsgLen(i))
	}
}

func TestMmsghdrLayout(t *testing.T) {
	var h mmsghdr
	require.Equal(t, unsafe.Sizeof(h.hdr), unsafe.Offsetof(h.len))

	want := uintptr(64)
	if unsafe.Sizeof(uintptr(0)) == 4 {
		want = 32
	}
	require.Equal(t, want, unsafe.Sizeof(h))
}
