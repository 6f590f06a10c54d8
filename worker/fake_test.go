//go:build linux

package worker_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/romshark/mmsg-bench-go/pktsock"
	"github.com/romshark/mmsg-bench-go/worker"
)

var errIO = errors.New("i/o failure")

// fakeConn is a scripted worker.Conn. Unset I/O functions fail.
type fakeConn struct {
	optErr map[pktsock.Option]error

	readBatch  func(b *pktsock.Batch) (int, error)
	writeBatch func(b *pktsock.Batch, off, n int) (int, error)
	read       func(p []byte) (int, error)
	write      func(p []byte) (int, error)

	mu      sync.Mutex
	options []pktsock.Option
	closed  atomic.Int32
	closedC chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closedC: make(chan struct{})}
}

func (f *fakeConn) SetOption(opt pktsock.Option) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.options = append(f.options, opt)
	return f.optErr[opt]
}

func (f *fakeConn) ReadBatch(b *pktsock.Batch) (int, error) {
	if f.readBatch == nil {
		return 0, errIO
	}
	return f.readBatch(b)
}

func (f *fakeConn) WriteBatch(b *pktsock.Batch, off, n int) (int, error) {
	if f.writeBatch == nil {
		return 0, errIO
	}
	return f.writeBatch(b, off, n)
}

func (f *fakeConn) Read(p []byte) (int, error) {
	if f.read == nil {
		return 0, errIO
	}
	return f.read(p)
}

func (f *fakeConn) Write(p []byte) (int, error) {
	if f.write == nil {
		return 0, errIO
	}
	return f.write(p)
}

func (f *fakeConn) Close() error {
	f.closed.Add(1)
	f.once.Do(func() { close(f.closedC) })
	return nil
}

// blockUntilClosed mimics a socket call blocked in the poller.
func (f *fakeConn) blockUntilClosed() error {
	<-f.closedC
	return os.ErrClosed
}

var (
	testMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	testIP  = netip.MustParseAddr("192.0.2.1")
)

func resolveTest(string) (net.HardwareAddr, netip.Addr, error) {
	return testMAC, testIP, nil
}

func testConfig(mode pktsock.Mode, engine worker.Engine, depth int) worker.Config {
	return worker.Config{
		Socket: pktsock.Config{
			Interface:  "test0",
			Mode:       mode,
			BatchDepth: depth,
			FrameSize:  64,
			Siblings:   1,
		},
		Engine: engine,
	}
}

// newTestWorker creates a worker dialing conn.
func newTestWorker(
	t *testing.T, conf worker.Config, conn *fakeConn,
) (*worker.Worker, *logtest.Hook) {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	w, err := worker.New(conf, worker.Options{
		Dial:     func(pktsock.Config) (worker.Conn, error) { return conn, nil },
		Resolve:  resolveTest,
		Reporter: logger,
	})
	require.NoError(t, err)
	return w, hook
}

// run runs w until it returns or the test times out.
func run(t *testing.T, ctx context.Context, w *worker.Worker) error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not terminate")
		return nil
	}
}

// cancelAfter returns a context cancelled by the returned tick function
// on its n-th invocation, at which point tick reports true.
func cancelAfter(n int) (context.Context, func() bool) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	return ctx, func() bool {
		calls++
		if calls >= n {
			cancel()
			return true
		}
		return false
	}
}

func newNullReporter() (*logrus.Logger, *logtest.Hook) {
	return logtest.NewNullLogger()
}
