//go:build linux

package pktsock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/mdlayher/socket"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var ErrWindowOutOfRange = errors.New("window out of batch range")

// Socket is a non-blocking AF_PACKET raw socket capturing all protocols.
// Blocking calls wait in the runtime network poller; Close unblocks them.
//
// WARNING: Socket is not safe for concurrent use, except for Close.
type Socket struct {
	conf Config
	conn *socket.Conn
	rc   syscall.RawConn

	ifindex int
	fanout  atomic.Pointer[ebpf.Program]

	closeOnce sync.Once
	closeErr  error

	// State of the in-flight vectorized call, kept here so that the
	// poller callbacks are allocated once.
	cur       *Batch
	off, cnt  int
	n         int
	errno     unix.Errno
	recvmmsgF func(fd uintptr) bool
	sendmmsgF func(fd uintptr) bool
}

// Open creates a raw link-layer socket for conf.
// The socket is unbound; use Configure to tune it.
func Open(conf Config) (*Socket, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	c, err := socket.Socket(
		unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)), "packet", nil,
	)
	if err != nil {
		return nil, fmt.Errorf("opening AF_PACKET socket: %w", err)
	}
	rc, err := c.SyscallConn()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("getting raw conn: %w", err)
	}
	s := &Socket{conf: conf, conn: c, rc: rc}
	s.recvmmsgF = s.recvmmsg
	s.sendmmsgF = s.sendmmsg
	return s, nil
}

// SetOption implements Options.
func (s *Socket) SetOption(opt Option) error {
	switch opt {
	case OptBind:
		return s.bind()
	case OptQdiscBypass:
		return s.conn.SetsockoptInt(unix.SOL_PACKET, unix.PACKET_QDISC_BYPASS, 1)
	case OptLossy:
		return s.conn.SetsockoptInt(unix.SOL_PACKET, unix.PACKET_LOSS, 1)
	case OptTimestamp:
		flags := unix.SOF_TIMESTAMPING_RAW_HARDWARE
		if s.conf.Timestamp == TimestampSoftware {
			flags = unix.SOF_TIMESTAMPING_SOFTWARE
		}
		return s.conn.SetsockoptInt(unix.SOL_PACKET, unix.PACKET_TIMESTAMP, flags)
	case OptFanout:
		return s.joinFanout()
	case OptQueueLen:
		// The kernel doubles the value to account for sk_buff overhead
		// and caps it at the sysctl limit unless the FORCE variant is permitted.
		n := min(s.conf.QueueBytes(), math.MaxInt32/2)
		force, plain := unix.SO_RCVBUFFORCE, unix.SO_RCVBUF
		if s.conf.Mode == Tx {
			force, plain = unix.SO_SNDBUFFORCE, unix.SO_SNDBUF
		}
		if err := s.conn.SetsockoptInt(unix.SOL_SOCKET, force, n); err == nil {
			return nil
		}
		return s.conn.SetsockoptInt(unix.SOL_SOCKET, plain, n)
	}
	return fmt.Errorf("%w: %d", ErrUnknownOption, opt)
}

func (s *Socket) bind() error {
	link, err := netlink.LinkByName(s.conf.Interface)
	if err != nil {
		return fmt.Errorf("getting link %q: %w", s.conf.Interface, err)
	}
	s.ifindex = link.Attrs().Index
	return s.conn.Bind(&unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  s.ifindex,
	})
}

func (s *Socket) joinFanout() error {
	mode, err := kernelFanoutMode(s.conf.FanoutMode)
	if err != nil {
		return err
	}
	arg := int(s.conf.FanoutGroup) | mode<<16
	if err := s.conn.SetsockoptInt(unix.SOL_PACKET, unix.PACKET_FANOUT, arg); err != nil {
		return err
	}
	if s.conf.FanoutMode != FanoutEBPFPort {
		return nil
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("removing memlock limit: %w", err)
	}
	prog, err := ebpf.NewProgram(portSteeringSpec())
	if err != nil {
		return fmt.Errorf("loading fanout program: %w", err)
	}
	if err := s.conn.SetsockoptInt(
		unix.SOL_PACKET, unix.PACKET_FANOUT_DATA, prog.FD(),
	); err != nil {
		_ = prog.Close()
		return fmt.Errorf("attaching fanout program: %w", err)
	}
	s.fanout.Store(prog)
	return nil
}

// ReadBatch receives up to b.Len() frames with one recvmmsg call.
// Message lengths of the slots that received a frame are updated in b.
func (s *Socket) ReadBatch(b *Batch) (int, error) {
	if b.Len() == 0 {
		return 0, nil
	}
	s.cur, s.off, s.cnt = b, 0, b.Len()
	err := s.rc.Read(s.recvmmsgF)
	return s.result("recvmmsg", err)
}

// WriteBatch sends the n slots of b starting at off with one sendmmsg call.
func (s *Socket) WriteBatch(b *Batch, off, n int) (int, error) {
	if off < 0 || n < 0 || off+n > b.Len() {
		return 0, ErrWindowOutOfRange
	}
	if n == 0 {
		return 0, nil
	}
	s.cur, s.off, s.cnt = b, off, n
	err := s.rc.Write(s.sendmmsgF)
	return s.result("sendmmsg", err)
}

func (s *Socket) result(op string, err error) (int, error) {
	s.cur = nil
	if err != nil {
		return 0, err
	}
	if s.errno != 0 {
		return 0, os.NewSyscallError(op, s.errno)
	}
	return s.n, nil
}

func (s *Socket) recvmmsg(fd uintptr) bool {
	return s.mmsg(unix.SYS_RECVMMSG, fd)
}

func (s *Socket) sendmmsg(fd uintptr) bool {
	return s.mmsg(unix.SYS_SENDMMSG, fd)
}

// mmsg reports false when the socket is not ready,
// making the poller wait for the next readiness event.
func (s *Socket) mmsg(trap, fd uintptr) bool {
	for {
		r, _, e := unix.Syscall6(trap, fd,
			uintptr(unsafe.Pointer(&s.cur.hdrs[s.off])), uintptr(s.cnt),
			0, 0, 0,
		)
		switch e {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return false
		case 0:
			s.n, s.errno = int(r), 0
		default:
			s.n, s.errno = 0, e
		}
		return true
	}
}

// Read receives a single frame into p.
func (s *Socket) Read(p []byte) (int, error) { return s.conn.Read(p) }

// Write sends p as a single frame.
func (s *Socket) Write(p []byte) (int, error) { return s.conn.Write(p) }

// Ifindex returns the index of the bound interface or 0 if unbound.
func (s *Socket) Ifindex() int { return s.ifindex }

// Close closes the socket and releases the fanout program.
// It is safe to call Close multiple times and concurrently with I/O.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing socket: %w", err))
		}
		if prog := s.fanout.Swap(nil); prog != nil {
			if err := prog.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing fanout program: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// htons converts a value from host to network byte order.
func htons(v uint16) uint16 {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return binary.NativeEndian.Uint16(b[:])
}
