//go:build linux

package main

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/romshark/mmsg-bench-go/frame"
	"github.com/romshark/mmsg-bench-go/pktsock"
	"github.com/romshark/mmsg-bench-go/ratelimit"
	"github.com/romshark/mmsg-bench-go/worker"
)

type Config struct {
	Interface  string        `yaml:"interface"`
	Mode       string        `yaml:"mode"`
	Engine     string        `yaml:"engine"`
	Workers    int           `yaml:"workers"`
	BatchDepth int           `yaml:"batch-depth"`
	FrameSize  int           `yaml:"frame-size"`
	Duration   time.Duration `yaml:"duration"` // 0 runs until interrupted.
	Timestamp  string        `yaml:"timestamp"`
	// CPUs lists the CPUs workers are bound to, round-robin.
	// Empty leaves the threads unbound.
	CPUs []int `yaml:"cpus"`

	Fanout struct {
		Group uint16 `yaml:"group"` // 0 selects pid & 0xffff.
		Mode  string `yaml:"mode"`
	} `yaml:"fanout"`

	Tx struct {
		SrcInterface string `yaml:"src-interface"`
		DstMAC       string `yaml:"dst-mac"`
		DstIP        string `yaml:"dst-ip"`
		// Rate is the aggregate packets per second cap. 0 is unlimited.
		Rate uint64 `yaml:"rate"`
	} `yaml:"tx"`

	Stats struct {
		Interval    time.Duration `yaml:"interval"`
		MetricsAddr string        `yaml:"metrics-addr"`
		NIC         bool          `yaml:"nic"`
	} `yaml:"stats"`

	Log LogConfig `yaml:"log"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Verbose    bool   `yaml:"verbose"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
}

func defaultConfig() Config {
	var c Config
	c.Mode = "rx"
	c.Engine = "mmsg"
	c.Workers = 1
	c.BatchDepth = 64
	c.FrameSize = 1514
	c.Timestamp = "hardware"
	c.Fanout.Mode = "hash"
	c.Tx.DstMAC = frame.DefaultDstMAC.String()
	c.Tx.DstIP = frame.DefaultDstIP.String()
	c.Stats.Interval = time.Second
	c.Stats.NIC = true
	c.Log.Level = "info"
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 3
	return c
}

// cliFlags are the command line overrides of Config.
type cliFlags struct {
	config      string
	iface       string
	mode        string
	engine      string
	workers     int
	batchDepth  int
	frameSize   int
	duration    time.Duration
	timestamp   string
	cpus        []int
	fanoutGroup uint16
	fanoutMode  string
	srcIface    string
	dstMAC      string
	dstIP       string
	rate        uint64
	interval    time.Duration
	metrics     string
	nic         bool
	logLevel    string
	logFile     string
	verbose     bool
}

func (f *cliFlags) register(fs *pflag.FlagSet) {
	d := defaultConfig()
	fs.StringVarP(&f.config, "config", "c", "", "path to config YAML file")
	fs.StringVarP(&f.iface, "interface", "i", "", "interface to bind to")
	fs.StringVarP(&f.mode, "mode", "m", d.Mode, "rx or tx")
	fs.StringVarP(&f.engine, "engine", "e", d.Engine, "mmsg (batched) or msg (one frame per call)")
	fs.IntVarP(&f.workers, "workers", "w", d.Workers, "number of worker threads")
	fs.IntVarP(&f.batchDepth, "batch", "b", d.BatchDepth, "messages per batch")
	fs.IntVarP(&f.frameSize, "frame-size", "s", d.FrameSize, "frame size in bytes")
	fs.DurationVarP(&f.duration, "duration", "d", 0, "run time, 0 runs until interrupted")
	fs.StringVar(&f.timestamp, "timestamp", d.Timestamp, "rx timestamp source: hardware or software")
	fs.IntSliceVar(&f.cpus, "cpus", nil, "CPUs to bind workers to, round-robin")
	fs.Uint16Var(&f.fanoutGroup, "fanout-group", 0, "fanout group id, 0 derives it from the pid")
	fs.StringVar(&f.fanoutMode, "fanout-mode", d.Fanout.Mode, "fanout mode: hash, lb, cpu, qm or ebpf-port")
	fs.StringVar(&f.srcIface, "src-interface", "", "interface to take source addresses from (tx)")
	fs.StringVar(&f.dstMAC, "dst-mac", d.Tx.DstMAC, "destination MAC (tx)")
	fs.StringVar(&f.dstIP, "dst-ip", d.Tx.DstIP, "destination IPv4 (tx)")
	fs.Uint64Var(&f.rate, "rate", 0, "aggregate tx rate cap in packets per second, 0 is unlimited")
	fs.DurationVar(&f.interval, "interval", d.Stats.Interval, "live stats interval, 0 disables")
	fs.StringVar(&f.metrics, "metrics-addr", "", "serve Prometheus metrics on this address")
	fs.BoolVar(&f.nic, "nic-stats", d.Stats.NIC, "print interface counter deltas after the run")
	fs.StringVar(&f.logLevel, "log-level", d.Log.Level, "log level")
	fs.StringVar(&f.logFile, "log-file", "", "also log to this file, with rotation")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the config file if one is given and applies the flags
// that were set explicitly on top of it.
func loadConfig(fs *pflag.FlagSet, f *cliFlags) (*Config, error) {
	conf := defaultConfig()
	if f.config != "" {
		b, err := os.ReadFile(f.config)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("interface", func() { conf.Interface = f.iface })
	set("mode", func() { conf.Mode = f.mode })
	set("engine", func() { conf.Engine = f.engine })
	set("workers", func() { conf.Workers = f.workers })
	set("batch", func() { conf.BatchDepth = f.batchDepth })
	set("frame-size", func() { conf.FrameSize = f.frameSize })
	set("duration", func() { conf.Duration = f.duration })
	set("timestamp", func() { conf.Timestamp = f.timestamp })
	set("cpus", func() { conf.CPUs = f.cpus })
	set("fanout-group", func() { conf.Fanout.Group = f.fanoutGroup })
	set("fanout-mode", func() { conf.Fanout.Mode = f.fanoutMode })
	set("src-interface", func() { conf.Tx.SrcInterface = f.srcIface })
	set("dst-mac", func() { conf.Tx.DstMAC = f.dstMAC })
	set("dst-ip", func() { conf.Tx.DstIP = f.dstIP })
	set("rate", func() { conf.Tx.Rate = f.rate })
	set("interval", func() { conf.Stats.Interval = f.interval })
	set("metrics-addr", func() { conf.Stats.MetricsAddr = f.metrics })
	set("nic-stats", func() { conf.Stats.NIC = f.nic })
	set("log-level", func() { conf.Log.Level = f.logLevel })
	set("log-file", func() { conf.Log.File = f.logFile })
	set("verbose", func() { conf.Log.Verbose = f.verbose })

	return &conf, nil
}

// plan is a validated run derived from a Config.
type plan struct {
	mode    pktsock.Mode
	workers []worker.Config
	// cpus[i] is the CPU worker i is bound to, or -1.
	cpus []int
}

// plan validates conf and derives the per-worker configuration.
// pid seeds the fanout group id if none is configured. Configured CPUs must
// be in allowed, the process affinity mask; nil skips that check.
func (c *Config) plan(pid int, allowed *unix.CPUSet) (*plan, error) {
	if c.Interface == "" {
		return nil, errors.New("interface must be set (or use -i)")
	}
	if c.Workers < 1 {
		return nil, errors.New("workers must be > 0")
	}
	if c.Stats.Interval < 0 {
		return nil, errors.New("stats.interval must be >= 0")
	}
	for _, cpu := range c.CPUs {
		if cpu < 0 {
			return nil, fmt.Errorf("invalid cpu %d", cpu)
		}
		if allowed != nil && !allowed.IsSet(cpu) {
			return nil, fmt.Errorf("cpu %d is not in the process affinity mask", cpu)
		}
	}

	mode, err := pktsock.ParseMode(c.Mode)
	if err != nil {
		return nil, err
	}
	engine, err := worker.ParseEngine(c.Engine)
	if err != nil {
		return nil, err
	}
	ts, err := pktsock.ParseTimestampSource(c.Timestamp)
	if err != nil {
		return nil, err
	}
	fanoutMode, err := pktsock.ParseFanoutMode(c.Fanout.Mode)
	if err != nil {
		return nil, err
	}
	dstMAC, err := net.ParseMAC(c.Tx.DstMAC)
	if err != nil {
		return nil, fmt.Errorf("invalid tx.dst-mac %q: %w", c.Tx.DstMAC, err)
	}
	dstIP, err := netip.ParseAddr(c.Tx.DstIP)
	if err != nil || !dstIP.Is4() {
		return nil, fmt.Errorf("invalid tx.dst-ip %q", c.Tx.DstIP)
	}

	group := c.Fanout.Group
	if group == 0 {
		group = uint16(pid & 0xffff)
	}
	rate := ratelimit.Split(c.Tx.Rate, c.Workers)

	p := &plan{
		mode:    mode,
		workers: make([]worker.Config, c.Workers),
		cpus:    make([]int, c.Workers),
	}
	for i := range p.workers {
		p.workers[i] = worker.Config{
			Socket: pktsock.Config{
				Interface:   c.Interface,
				Mode:        mode,
				BatchDepth:  c.BatchDepth,
				FrameSize:   c.FrameSize,
				Siblings:    c.Workers,
				FanoutGroup: group,
				FanoutMode:  fanoutMode,
				Timestamp:   ts,
				Verbose:     c.Log.Verbose,
			},
			Engine:       engine,
			Index:        i,
			SrcInterface: c.Tx.SrcInterface,
			DstMAC:       dstMAC,
			DstIP:        dstIP,
			RatePPS:      rate,
		}
		p.cpus[i] = -1
		if len(c.CPUs) > 0 {
			p.cpus[i] = c.CPUs[i%len(c.CPUs)]
		}
	}
	return p, nil
}

// nicTargets returns the interfaces whose counters are reported after a run
// and the label printed next to each.
func (c *Config) nicTargets(mode pktsock.Mode) ([]string, map[string]string) {
	ifaces := []string{c.Interface}
	aliases := map[string]string{c.Interface: "bound, " + mode.String()}
	if src := c.Tx.SrcInterface; mode == pktsock.Tx && src != "" && src != c.Interface {
		ifaces = append(ifaces, src)
		aliases[src] = "source addresses"
	}
	return ifaces, aliases
}
