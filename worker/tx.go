//go:build linux

package worker

import (
	"context"
	"fmt"

	"github.com/romshark/mmsg-bench-go/frame"
	"github.com/romshark/mmsg-bench-go/pktsock"
	"github.com/romshark/mmsg-bench-go/ratelimit"
)

// template resolves the local source addresses once.
func (w *Worker) template() (*frame.Template, error) {
	mac, ip, err := w.opts.Resolve(w.conf.SrcInterface)
	if err != nil {
		return nil, err
	}
	return &frame.Template{
		SrcMAC: mac,
		DstMAC: w.conf.DstMAC,
		SrcIP:  ip,
		DstIP:  w.conf.DstIP,
	}, nil
}

// buildFrames builds count frames in one contiguous arena.
// Slot i carries the ports assigned by frame.Ports.
func (w *Worker) buildFrames(count int) ([][]byte, error) {
	tmpl, err := w.template()
	if err != nil {
		w.rep.Errorf("can't resolve address of %s: %v", w.conf.SrcInterface, err)
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	size := w.conf.Socket.FrameSize
	arena := make([]byte, count*size)
	frames := make([][]byte, count)
	for i := range frames {
		buf := arena[i*size : (i+1)*size : (i+1)*size]
		src, dst := frame.Ports(w.conf.Index, i)
		if err := tmpl.Build(buf, size, src, dst); err != nil {
			return nil, fmt.Errorf("%w: building frame %d: %w", ErrSetup, i, err)
		}
		frames[i] = buf
	}

	if w.conf.Socket.Verbose {
		w.rep.Infof("built %d frames from %s (%s) to %s (%s):\n%s",
			count, tmpl.SrcIP, tmpl.SrcMAC, tmpl.DstIP, tmpl.DstMAC,
			frame.Describe(frames[0]))
	}
	return frames, nil
}

// runBatchTx sends the pre-built frames with sendmmsg, cycling through
// windows of at most pktsock.MaxMsgsPerCall slots.
//
// Byte accounting adds the length of every slot in the window whenever at
// least one frame was queued, so TxBytes is an upper bound on partial sends.
func (w *Worker) runBatchTx(ctx context.Context, conn Conn) error {
	frames, err := w.buildFrames(w.conf.Socket.BatchDepth)
	if err != nil {
		return err
	}
	b := pktsock.NewBatch(frames)
	win := newWindows(b, pktsock.MaxMsgsPerCall)
	throttle := ratelimit.New(w.conf.RatePPS)

	if w.conf.Socket.Verbose {
		w.rep.Infof("sending %d frames in %d windows per cycle", b.Len(), len(win.w))
	}

	w.setRunning()
	done := ctx.Done()
	for {
		cur := win.next()
		n, err := conn.WriteBatch(b, cur.off, cur.n)
		switch {
		case err != nil || n == 0:
			if cancelled(done) {
				return ctx.Err()
			}
			w.c.errors.Add(1)
		default:
			w.c.txFrames.Add(uint64(n))
			w.c.txBytes.Add(cur.bytes)
			throttle.ThrottleN(uint64(n))
		}

		if cancelled(done) {
			return ctx.Err()
		}
	}
}

// runSingleTx sends the frame of slot 0 with one system call per frame.
func (w *Worker) runSingleTx(ctx context.Context, conn Conn) error {
	frames, err := w.buildFrames(1)
	if err != nil {
		return err
	}
	f := frames[0]
	throttle := ratelimit.New(w.conf.RatePPS)

	w.setRunning()
	done := ctx.Done()
	for {
		n, err := conn.Write(f)
		switch {
		case err != nil:
			if cancelled(done) {
				return ctx.Err()
			}
			w.c.errors.Add(1)
		default:
			w.c.txFrames.Add(1)
			w.c.txBytes.Add(uint64(n))
			throttle.ThrottleN(1)
		}

		if cancelled(done) {
			return ctx.Err()
		}
	}
}
