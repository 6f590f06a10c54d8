//go:build linux

// Package worker runs a single benchmark worker: one raw socket owned by one
// OS thread, driven by one of the batched (recvmmsg/sendmmsg) or single-frame
// (read/write) I/O loops until its context is cancelled.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/romshark/mmsg-bench-go/frame"
	"github.com/romshark/mmsg-bench-go/pktsock"
)

var (
	// ErrSetup wraps every failure that prevents a worker from entering
	// its I/O loop.
	ErrSetup          = errors.New("worker setup failed")
	ErrAlreadyStarted = errors.New("worker already started")
	ErrPortRange      = errors.New("batch depth and worker index exceed the UDP port range")
	ErrIndexInvalid   = errors.New("worker index must be >= 0")
)

// Engine selects the I/O system calls used by the loops.
type Engine uint8

const (
	// EngineMmsg uses recvmmsg/sendmmsg with a message vector of batch depth.
	EngineMmsg Engine = iota
	// EngineMsg uses one read/write per frame.
	EngineMsg
)

func (e Engine) String() string {
	switch e {
	case EngineMmsg:
		return "mmsg"
	case EngineMsg:
		return "msg"
	}
	return fmt.Sprintf("Engine(%d)", uint8(e))
}

// ParseEngine parses "mmsg" or "msg". An empty string selects mmsg.
func ParseEngine(s string) (Engine, error) {
	switch s {
	case "", "mmsg":
		return EngineMmsg, nil
	case "msg":
		return EngineMsg, nil
	}
	return 0, fmt.Errorf("unknown engine %q", s)
}

// State is the lifecycle state of a worker.
type State int32

const (
	Created State = iota
	Configuring
	Running
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Configuring:
		return "configuring"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config is the per-worker configuration record.
type Config struct {
	Socket pktsock.Config
	Engine Engine
	// Index is the worker's index among all workers of the run.
	// It offsets the UDP destination port band of transmitted frames.
	Index int

	// SrcInterface is the interface whose hardware and IPv4 address are
	// used as frame source. Defaults to Socket.Interface.
	SrcInterface string
	// DstMAC defaults to frame.DefaultDstMAC.
	DstMAC net.HardwareAddr
	// DstIP defaults to frame.DefaultDstIP.
	DstIP netip.Addr

	// RatePPS caps the transmit rate of this worker. 0 disables the cap.
	RatePPS uint64
}

func (c *Config) validate() error {
	if err := c.Socket.Validate(); err != nil {
		return err
	}
	if c.Index < 0 {
		return ErrIndexInvalid
	}
	if c.Socket.Mode == pktsock.Tx {
		if err := frame.CheckSize(c.Socket.FrameSize); err != nil {
			return err
		}
		maxDst := frame.DstPortBase + frame.DstPortOffset + c.Index +
			(c.Socket.BatchDepth-1)/frame.PortSpan
		if maxDst > 0xffff {
			return ErrPortRange
		}
	}
	return nil
}

// Conn is a configurable raw link-layer socket.
// *pktsock.Socket implements it.
type Conn interface {
	pktsock.Options
	ReadBatch(b *pktsock.Batch) (int, error)
	WriteBatch(b *pktsock.Batch, off, n int) (int, error)
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Close must be safe to call concurrently with a blocked I/O call
	// and must unblock it.
	Close() error
}

// Options are the collaborators of a worker. Zero fields get defaults.
type Options struct {
	// Dial creates the socket. Defaults to pktsock.Open.
	Dial func(pktsock.Config) (Conn, error)
	// Resolve returns the local hardware and IPv4 address of an interface.
	// Defaults to frame.ResolveLocal.
	Resolve func(iface string) (net.HardwareAddr, netip.Addr, error)
	// Pin binds the calling OS thread, e.g. to a CPU. Optional.
	Pin func() error
	// Reporter receives diagnostics. Defaults to the standard logrus logger.
	Reporter pktsock.Reporter
}

func dialSocket(conf pktsock.Config) (Conn, error) {
	s, err := pktsock.Open(conf)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Worker is the state owned by one benchmark thread.
type Worker struct {
	conf  Config
	opts  Options
	rep   pktsock.Reporter
	tid   atomic.Int32
	state atomic.Int32
	c     counters
}

// New creates a worker in state Created.
func New(conf Config, opts Options) (*Worker, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	if conf.SrcInterface == "" {
		conf.SrcInterface = conf.Socket.Interface
	}
	if conf.DstMAC == nil {
		conf.DstMAC = frame.DefaultDstMAC
	}
	if !conf.DstIP.IsValid() {
		conf.DstIP = frame.DefaultDstIP
	}
	if opts.Dial == nil {
		opts.Dial = dialSocket
	}
	if opts.Resolve == nil {
		opts.Resolve = frame.ResolveLocal
	}
	if opts.Reporter == nil {
		opts.Reporter = logrus.StandardLogger()
	}
	return &Worker{conf: conf, opts: opts, rep: opts.Reporter}, nil
}

// Index returns the worker index.
func (w *Worker) Index() int { return w.conf.Index }

// Mode returns the socket mode.
func (w *Worker) Mode() pktsock.Mode { return w.conf.Socket.Mode }

// TID returns the Linux thread ID the worker runs on, or 0 before Run.
func (w *Worker) TID() int { return int(w.tid.Load()) }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// Stats returns a snapshot of the worker counters.
// It is safe to call concurrently with Run.
func (w *Worker) Stats() Snapshot { return w.c.snapshot() }

// Run configures the socket and runs the I/O loop selected by the
// configuration until ctx is cancelled, returning ctx.Err().
// Setup failures are returned wrapped in ErrSetup before any I/O is done.
// The socket is closed on every return path; cancelling ctx closes it
// immediately, unblocking an in-flight system call.
// Run may be called only once.
func (w *Worker) Run(ctx context.Context) error {
	if !w.state.CompareAndSwap(int32(Created), int32(Configuring)) {
		return ErrAlreadyStarted
	}
	defer w.state.Store(int32(Terminated))

	// The thread is never unlocked: if Pin changed its affinity it must
	// not return to the scheduler's pool.
	runtime.LockOSThread()
	w.tid.Store(int32(unix.Gettid()))

	if w.conf.Socket.Verbose {
		w.rep.Infof("worker thread %d started (%s %s on %s)",
			w.TID(), w.conf.Engine, w.conf.Socket.Mode, w.conf.Socket.Interface)
	}

	if w.opts.Pin != nil {
		if err := w.opts.Pin(); err != nil {
			w.rep.Errorf("can't bind worker thread %d: %v", w.TID(), err)
			return fmt.Errorf("%w: binding thread: %w", ErrSetup, err)
		}
	}

	conn, err := w.opts.Dial(w.conf.Socket)
	if err != nil {
		w.rep.Errorf("can't create AF_PACKET socket: %v", err)
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		if err := conn.Close(); err != nil {
			w.rep.Warnf("closing socket: %v", err)
		}
	}()

	if err := pktsock.Configure(conn, &w.conf.Socket, w.rep); err != nil {
		return fmt.Errorf("%w: %w", ErrSetup, err)
	}

	switch {
	case w.conf.Socket.Mode == pktsock.Rx && w.conf.Engine == EngineMmsg:
		return w.runBatchRx(ctx, conn)
	case w.conf.Socket.Mode == pktsock.Tx && w.conf.Engine == EngineMmsg:
		return w.runBatchTx(ctx, conn)
	case w.conf.Socket.Mode == pktsock.Rx:
		return w.runSingleRx(ctx, conn)
	default:
		return w.runSingleTx(ctx, conn)
	}
}

func (w *Worker) setRunning() { w.state.Store(int32(Running)) }

// cancelled reports whether ctx is done without blocking.
func cancelled(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
