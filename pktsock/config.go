// Package pktsock creates and tunes raw link-layer (AF_PACKET) sockets
// and performs vectorized I/O on them.
//
// Socket tuning is expressed as a sequence of named options applied through
// the Options interface. Configure only checks whether each option succeeded;
// the platform mechanism lives behind SetOption.
package pktsock

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOption     = errors.New("unknown socket option")
	ErrInterfaceNotSet   = errors.New("interface must be set")
	ErrBatchDepthInvalid = errors.New("batch depth must be > 0")
	ErrFrameSizeInvalid  = errors.New("frame size must be > 0")
	ErrSiblingsInvalid   = errors.New("sibling count must be > 0")
)

// Mode is the direction a socket is used in.
type Mode uint8

const (
	Rx Mode = iota
	Tx
)

func (m Mode) String() string {
	switch m {
	case Rx:
		return "rx"
	case Tx:
		return "tx"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ParseMode parses "rx" or "tx".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "rx":
		return Rx, nil
	case "tx":
		return Tx, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// TimestampSource selects where receive timestamps come from.
type TimestampSource uint8

const (
	TimestampHardware TimestampSource = iota
	TimestampSoftware
)

func (t TimestampSource) String() string {
	switch t {
	case TimestampHardware:
		return "hardware"
	case TimestampSoftware:
		return "software"
	}
	return fmt.Sprintf("TimestampSource(%d)", uint8(t))
}

// ParseTimestampSource parses "hardware" or "software".
// An empty string selects hardware.
func ParseTimestampSource(s string) (TimestampSource, error) {
	switch s {
	case "", "hardware":
		return TimestampHardware, nil
	case "software":
		return TimestampSoftware, nil
	}
	return 0, fmt.Errorf("unknown timestamp source %q", s)
}

// FanoutMode selects how the kernel spreads frames across the sockets of
// a fanout group.
type FanoutMode uint8

const (
	// FanoutHash distributes by flow hash.
	FanoutHash FanoutMode = iota
	// FanoutLB distributes round-robin.
	FanoutLB
	// FanoutCPU distributes by the CPU the frame arrived on.
	FanoutCPU
	// FanoutQM distributes by the NIC receive queue.
	FanoutQM
	// FanoutEBPFPort distributes by UDP destination port using an eBPF program.
	FanoutEBPFPort
)

var fanoutModeNames = [...]string{
	FanoutHash:     "hash",
	FanoutLB:       "lb",
	FanoutCPU:      "cpu",
	FanoutQM:       "qm",
	FanoutEBPFPort: "ebpf-port",
}

func (f FanoutMode) String() string {
	if int(f) < len(fanoutModeNames) {
		return fanoutModeNames[f]
	}
	return fmt.Sprintf("FanoutMode(%d)", uint8(f))
}

// ParseFanoutMode parses a fanout mode name. An empty string selects hash.
func ParseFanoutMode(s string) (FanoutMode, error) {
	if s == "" {
		return FanoutHash, nil
	}
	for i, n := range fanoutModeNames {
		if n == s {
			return FanoutMode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown fanout mode %q", s)
}

// Config describes the socket of a single worker.
type Config struct {
	// Interface is the name of the interface to bind to.
	Interface string
	Mode      Mode
	// BatchDepth is the number of messages in the I/O vector.
	BatchDepth int
	// FrameSize is the size of a single frame buffer in bytes.
	FrameSize int
	// Siblings is the number of workers sharing the interface.
	// A fanout group is joined only if Siblings > 1.
	Siblings    int
	FanoutGroup uint16
	FanoutMode  FanoutMode
	Timestamp   TimestampSource
	Verbose     bool
}

func (c *Config) Validate() error {
	switch {
	case c.Interface == "":
		return ErrInterfaceNotSet
	case c.BatchDepth < 1:
		return ErrBatchDepthInvalid
	case c.FrameSize < 1:
		return ErrFrameSizeInvalid
	case c.Siblings < 1:
		return ErrSiblingsInvalid
	}
	return nil
}

// QueueBytes is the socket queue size required to hold one full batch.
func (c *Config) QueueBytes() int {
	return c.BatchDepth * c.FrameSize
}

// Option names a socket tuning operation.
type Option uint8

const (
	// OptBind binds the socket to the configured interface.
	OptBind Option = iota
	// OptQdiscBypass sends frames straight to the driver, skipping the qdisc layer.
	OptQdiscBypass
	// OptFanout joins the configured fanout group.
	OptFanout
	// OptQueueLen sizes the socket queue to fit a full batch.
	OptQueueLen
	// OptTimestamp selects the receive timestamp source.
	OptTimestamp
	// OptLossy makes the transmit path skip malformed frames instead of
	// failing the whole batch.
	OptLossy
)

var optionNames = [...]string{
	OptBind:        "bind",
	OptQdiscBypass: "qdisc-bypass",
	OptFanout:      "fanout",
	OptQueueLen:    "queue-length",
	OptTimestamp:   "timestamp-source",
	OptLossy:       "lossy-tx",
}

func (o Option) String() string {
	if int(o) < len(optionNames) {
		return optionNames[o]
	}
	return fmt.Sprintf("Option(%d)", uint8(o))
}

// Options is the named socket option facility.
type Options interface {
	SetOption(Option) error
}

// Reporter receives configuration diagnostics.
// *logrus.Entry and *logrus.Logger satisfy it.
type Reporter interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// OptionError is returned when a mandatory option could not be applied.
type OptionError struct {
	Option Option
	Err    error
}

func (e *OptionError) Error() string {
	return fmt.Sprintf("setting %s: %v", e.Option, e.Err)
}

func (e *OptionError) Unwrap() error { return e.Err }

// Configure applies the options required by conf to a freshly created socket.
//
// Bind, qdisc bypass, the lossy transmit mode (Tx only), fanout (only when
// Siblings > 1) and queue sizing are mandatory: the first failure is reported
// and returned. A failing timestamp source is reported and ignored.
func Configure(opts Options, conf *Config, rep Reporter) error {
	must := func(opt Option, msg string) error {
		if err := opts.SetOption(opt); err != nil {
			rep.Errorf("%s: %v", msg, err)
			return &OptionError{Option: opt, Err: err}
		}
		return nil
	}

	if err := must(OptBind, "can't bind AF_PACKET socket to "+conf.Interface); err != nil {
		return err
	}
	if err := must(OptQdiscBypass, "can't enable qdisc bypass on socket"); err != nil {
		return err
	}
	if conf.Mode == Tx {
		if err := must(OptLossy, "can't enable PACKET_LOSS on socket"); err != nil {
			return err
		}
	}
	if err := opts.SetOption(OptTimestamp); err != nil {
		rep.Warnf("can't set socket rx timestamp source %s: %v", conf.Timestamp, err)
	}
	if conf.Siblings > 1 {
		if err := must(OptFanout, "can't configure socket fanout"); err != nil {
			return err
		}
		if conf.Verbose {
			rep.Infof("joined fanout group %d (%s)", conf.FanoutGroup, conf.FanoutMode)
		}
	}
	if err := must(OptQueueLen, "can't change the socket queue length"); err != nil {
		return err
	}
	return nil
}
