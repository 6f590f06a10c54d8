//go:build linux

package worker

import "github.com/romshark/mmsg-bench-go/pktsock"

// window is a contiguous range of slots sent with one call.
type window struct {
	off, n int
	// bytes is the sum of the slot lengths in the window.
	bytes uint64
}

// windows cycles round-robin over consecutive windows of at most max slots:
// [0,max), [max,2*max), ..., the remainder, then back to the first.
type windows struct {
	w []window
	i int
}

func newWindows(b *pktsock.Batch, max int) *windows {
	ws := &windows{}
	for off := 0; off < b.Len(); off += max {
		win := window{off: off, n: min(max, b.Len()-off)}
		for i := win.off; i < win.off+win.n; i++ {
			win.bytes += uint64(len(b.Buf(i)))
		}
		ws.w = append(ws.w, win)
	}
	return ws
}

func (ws *windows) next() window {
	w := ws.w[ws.i]
	if ws.i++; ws.i == len(ws.w) {
		ws.i = 0
	}
	return w
}
