//go:build linux

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/romshark/mmsg-bench-go/frame"
	"github.com/romshark/mmsg-bench-go/pktsock"
	"github.com/romshark/mmsg-bench-go/worker"
)

func parseFlags(t *testing.T, args ...string) (*pflag.FlagSet, *cliFlags) {
	t.Helper()
	var f cliFlags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.register(fs)
	require.NoError(t, fs.Parse(args))
	return fs, &f
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadConfigDefaults(t *testing.T) {
	fs, f := parseFlags(t)
	conf, err := loadConfig(fs, f)
	require.NoError(t, err)
	require.Equal(t, defaultConfig(), *conf)
}

func TestLoadConfigFileAndOverrides(t *testing.T) {
	path := writeConfig(t, `
interface: eth0
mode: tx
workers: 4
batch-depth: 2500
frame-size: 64
duration: 30s
cpus: [0, 0]
fanout:
  group: 77
  mode: cpu
tx:
  dst-ip: 192.0.2.10
  rate: 1000
log:
  level: warn
`)
	fs, f := parseFlags(t, "-c", path, "-w", "2", "--dst-mac", "02:00:00:00:00:02", "-v")
	conf, err := loadConfig(fs, f)
	require.NoError(t, err)

	require.Equal(t, "eth0", conf.Interface)
	require.Equal(t, "tx", conf.Mode)
	require.Equal(t, "mmsg", conf.Engine, "default kept")
	require.Equal(t, 2, conf.Workers, "flag overrides file")
	require.Equal(t, 2500, conf.BatchDepth)
	require.Equal(t, 64, conf.FrameSize)
	require.Equal(t, 30*time.Second, conf.Duration)
	require.Equal(t, []int{0, 0}, conf.CPUs)
	require.Equal(t, uint16(77), conf.Fanout.Group)
	require.Equal(t, "cpu", conf.Fanout.Mode)
	require.Equal(t, "02:00:00:00:00:02", conf.Tx.DstMAC)
	require.Equal(t, "192.0.2.10", conf.Tx.DstIP)
	require.Equal(t, uint64(1000), conf.Tx.Rate)
	require.Equal(t, "warn", conf.Log.Level)
	require.True(t, conf.Log.Verbose)
}

func TestLoadConfigErrors(t *testing.T) {
	fs, f := parseFlags(t, "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := loadConfig(fs, f)
	require.ErrorIs(t, err, os.ErrNotExist)

	fs, f = parseFlags(t, "-c", writeConfig(t, "workers: [1"))
	_, err = loadConfig(fs, f)
	require.ErrorContains(t, err, "parsing YAML")
}

func TestConfigRoundTrip(t *testing.T) {
	conf := defaultConfig()
	conf.Duration = 90 * time.Second
	conf.CPUs = []int{1, 2}
	b, err := yaml.Marshal(conf)
	require.NoError(t, err)
	require.Contains(t, string(b), "duration: 1m30s")

	var decoded Config
	require.NoError(t, yaml.Unmarshal(b, &decoded))
	require.Equal(t, conf, decoded)
}

func TestPlan(t *testing.T) {
	conf := defaultConfig()
	conf.Interface = "eth0"
	conf.Mode = "tx"
	conf.Engine = "msg"
	conf.Workers = 3
	conf.BatchDepth = 128
	conf.FrameSize = 64
	conf.CPUs = []int{0}
	conf.Tx.Rate = 1000
	conf.Tx.SrcInterface = "eth1"
	conf.Log.Verbose = true

	p, err := conf.plan(0x12345, nil)
	require.NoError(t, err)
	require.Equal(t, pktsock.Tx, p.mode)
	require.Equal(t, []int{0, 0, 0}, p.cpus)
	require.Len(t, p.workers, 3)

	for i, wc := range p.workers {
		require.Equal(t, worker.Config{
			Socket: pktsock.Config{
				Interface:   "eth0",
				Mode:        pktsock.Tx,
				BatchDepth:  128,
				FrameSize:   64,
				Siblings:    3,
				FanoutGroup: 0x2345,
				FanoutMode:  pktsock.FanoutHash,
				Timestamp:   pktsock.TimestampHardware,
				Verbose:     true,
			},
			Engine:       worker.EngineMsg,
			Index:        i,
			SrcInterface: "eth1",
			DstMAC:       frame.DefaultDstMAC,
			DstIP:        frame.DefaultDstIP,
			RatePPS:      334,
		}, wc)
	}
}

func TestPlanUnbound(t *testing.T) {
	conf := defaultConfig()
	conf.Interface = "eth0"
	conf.Workers = 2
	conf.Fanout.Group = 9

	p, err := conf.plan(1, nil)
	require.NoError(t, err)
	require.Equal(t, []int{-1, -1}, p.cpus)
	require.Equal(t, uint16(9), p.workers[1].Socket.FanoutGroup)
	require.Zero(t, p.workers[0].RatePPS)
}

func TestPlanErrors(t *testing.T) {
	for _, tt := range []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"no interface", func(c *Config) { c.Interface = "" }, "interface must be set"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers must be > 0"},
		{"mode", func(c *Config) { c.Mode = "both" }, `unknown mode "both"`},
		{"engine", func(c *Config) { c.Engine = "ring" }, `unknown engine "ring"`},
		{"timestamp", func(c *Config) { c.Timestamp = "ptp" }, `unknown timestamp source "ptp"`},
		{"fanout", func(c *Config) { c.Fanout.Mode = "rr" }, `unknown fanout mode "rr"`},
		{"dst mac", func(c *Config) { c.Tx.DstMAC = "nope" }, "invalid tx.dst-mac"},
		{"dst ipv6", func(c *Config) { c.Tx.DstIP = "2001:db8::1" }, "invalid tx.dst-ip"},
		{"cpu", func(c *Config) { c.CPUs = []int{-1} }, "invalid cpu -1"},
		{"interval", func(c *Config) { c.Stats.Interval = -time.Second }, "stats.interval"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			conf := defaultConfig()
			conf.Interface = "eth0"
			tt.modify(&conf)
			_, err := conf.plan(1, nil)
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, closeLog, err := newLogger(LogConfig{Level: "warn"})
	require.NoError(t, err)
	require.NoError(t, closeLog())
	require.Equal(t, "warning", logger.GetLevel().String())

	logger, _, err = newLogger(LogConfig{Level: "warn", Verbose: true})
	require.NoError(t, err)
	require.Equal(t, "debug", logger.GetLevel().String())

	path := filepath.Join(t.TempDir(), "bench.log")
	logger, closeLog, err = newLogger(LogConfig{Level: "info", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	logger.Info("hello")
	require.NoError(t, closeLog())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), "msg=hello")

	_, _, err = newLogger(LogConfig{Level: "loud"})
	require.ErrorContains(t, err, "invalid log level")
}

func TestPlanAffinityMask(t *testing.T) {
	// A cpuset restricted to CPUs 4-7.
	var allowed unix.CPUSet
	for cpu := 4; cpu < 8; cpu++ {
		allowed.Set(cpu)
	}

	conf := defaultConfig()
	conf.Interface = "eth0"
	conf.Workers = 2
	conf.CPUs = []int{4, 7}
	p, err := conf.plan(1, &allowed)
	require.NoError(t, err)
	require.Equal(t, []int{4, 7}, p.cpus)

	conf.CPUs = []int{0}
	_, err = conf.plan(1, &allowed)
	require.ErrorContains(t, err, "cpu 0 is not in the process affinity mask")

	// CPU ids above the CPU count are valid when the mask allows them.
	conf.CPUs = []int{1023}
	_, err = conf.plan(1, nil)
	require.NoError(t, err)
}

func TestNICTargets(t *testing.T) {
	conf := defaultConfig()
	conf.Interface = "eth0"

	ifaces, aliases := conf.nicTargets(pktsock.Rx)
	require.Equal(t, []string{"eth0"}, ifaces)
	require.Equal(t, map[string]string{"eth0": "bound, rx"}, aliases)

	conf.Tx.SrcInterface = "eth1"
	ifaces, aliases = conf.nicTargets(pktsock.Tx)
	require.Equal(t, []string{"eth0", "eth1"}, ifaces)
	require.Equal(t, map[string]string{
		"eth0": "bound, tx",
		"eth1": "source addresses",
	}, aliases)

	// The source interface defaults to the bound one.
	conf.Tx.SrcInterface = "eth0"
	ifaces, _ = conf.nicTargets(pktsock.Tx)
	require.Equal(t, []string{"eth0"}, ifaces)
}
