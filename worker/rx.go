//go:build linux

package worker

import (
	"context"

	"github.com/romshark/mmsg-bench-go/pktsock"
)

// runBatchRx counts frames received with recvmmsg.
// All slots share one buffer since only frame sizes are observed.
func (w *Worker) runBatchRx(ctx context.Context, conn Conn) error {
	shared := make([]byte, w.conf.Socket.FrameSize)
	bufs := make([][]byte, w.conf.Socket.BatchDepth)
	for i := range bufs {
		bufs[i] = shared
	}
	b := pktsock.NewBatch(bufs)

	w.setRunning()
	done := ctx.Done()
	for {
		b.ResetMsgLens()
		if _, err := conn.ReadBatch(b); err != nil {
			if cancelled(done) {
				return ctx.Err()
			}
			w.c.errors.Add(1)
		}

		// Per-slot lengths are counted rather than the returned total:
		// on partial failure the call reports an error even though some
		// slots were filled.
		var frames, bytes uint64
		for i := range b.Len() {
			if n := b.MsgLen(i); n > 0 {
				frames++
				bytes += uint64(n)
			}
		}
		if frames > 0 {
			w.c.rxFrames.Add(frames)
			w.c.rxBytes.Add(bytes)
		}

		if cancelled(done) {
			return ctx.Err()
		}
	}
}

// runSingleRx receives one frame per system call.
func (w *Worker) runSingleRx(ctx context.Context, conn Conn) error {
	buf := make([]byte, w.conf.Socket.FrameSize)

	w.setRunning()
	done := ctx.Done()
	for {
		n, err := conn.Read(buf)
		switch {
		case err != nil:
			if cancelled(done) {
				return ctx.Err()
			}
			w.c.errors.Add(1)
		default:
			w.c.rxFrames.Add(1)
			w.c.rxBytes.Add(uint64(n))
		}

		if cancelled(done) {
			return ctx.Err()
		}
	}
}
