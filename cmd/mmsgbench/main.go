//go:build linux

// Command mmsgbench generates or counts link-layer traffic on an interface
// using batched AF_PACKET socket I/O, one raw socket per worker thread.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/romshark/mmsg-bench-go/ifacestat"
	"github.com/romshark/mmsg-bench-go/pktsock"
	"github.com/romshark/mmsg-bench-go/stats"
	"github.com/romshark/mmsg-bench-go/worker"
)

func main() {
	fatalIf(newRootCmd().Execute(), "mmsgbench")
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f cliFlags
	cmd := &cobra.Command{
		Use:   "mmsgbench",
		Short: "AF_PACKET traffic generator and receiver",
		Long: `
Send or receive raw Ethernet/IPv4/UDP frames on an interface with
recvmmsg/sendmmsg (or one frame per call), one AF_PACKET socket per worker.

Examples:
  mmsgbench -i eth0                              # count received frames
  mmsgbench -i eth0 -m tx -w 4 -b 1024 -s 64     # four 64 byte frame senders
  mmsgbench -c bench.yaml -d 30s                 # config file, 30 second run
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(cmd.Flags(), &f)
			if err != nil {
				return fmt.Errorf("reading config: %w", err)
			}
			return run(cmd.Context(), conf)
		},
	}
	f.register(cmd.Flags())
	return cmd
}

func run(ctx context.Context, conf *Config) error {
	var allowed *unix.CPUSet
	var mask unix.CPUSet
	if err := unix.SchedGetaffinity(0, &mask); err == nil {
		allowed = &mask
	}
	p, err := conf.plan(os.Getpid(), allowed)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closeLog, err := newLogger(conf.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	// Print final resolved config.
	fmt.Fprintf(os.Stderr, "FINAL CONFIG:\n")
	b, err := yaml.Marshal(conf)
	if err != nil {
		return fmt.Errorf("encoding final YAML config: %w", err)
	}
	_, _ = os.Stderr.Write(b)
	fmt.Fprintln(os.Stderr)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if conf.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.Duration)
		defer cancel()
	}
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	workers := make([]*worker.Worker, len(p.workers))
	srcs := make([]stats.Source, len(p.workers))
	for i, wc := range p.workers {
		rep := logger.WithFields(logrus.Fields{
			"worker": i,
			"iface":  wc.Socket.Interface,
		})
		w, err := worker.New(wc, worker.Options{
			Pin:      pinner(p.cpus[i], wc.Socket.Verbose, rep),
			Reporter: rep,
		})
		if err != nil {
			return fmt.Errorf("worker %d: %w", i, err)
		}
		workers[i], srcs[i] = w, w
	}

	var nicBefore ifacestat.Stats
	nicIfaces, nicAliases := conf.nicTargets(p.mode)
	if conf.Stats.NIC {
		if nicBefore, err = ifacestat.Snapshot(nicIfaces, ifacestat.Counters...); err != nil {
			logger.Warnf("can't read interface counters: %v", err)
		}
	}

	if conf.Stats.MetricsAddr != "" {
		srv := serveMetrics(conf.Stats.MetricsAddr, srcs, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var printers sync.WaitGroup
	printCtx, stopPrint := context.WithCancel(ctx)
	if conf.Stats.Interval > 0 {
		printers.Go(func() {
			stats.Print(printCtx, os.Stdout, p.mode, srcs, conf.Stats.Interval)
		})
	}

	logger.Infof("starting %d %s workers on %s", len(workers), p.mode, conf.Interface)
	start := time.Now()

	var wg sync.WaitGroup
	errs := make([]error, len(workers))
	for i, w := range workers {
		wg.Go(func() {
			errs[i] = w.Run(ctx)
			if errors.Is(errs[i], worker.ErrSetup) {
				cancel(errs[i])
			}
		})
	}
	wg.Wait()
	elapsed := time.Since(start)

	stopPrint()
	printers.Wait()

	total := stats.Total(srcs)
	stats.Report(os.Stdout, p.mode, len(workers), total, elapsed)

	if nicBefore != nil {
		nicAfter, err := ifacestat.Snapshot(nicIfaces, ifacestat.Counters...)
		if err != nil {
			logger.Warnf("can't read interface counters: %v", err)
		} else {
			fmt.Println("\nINTERFACE COUNTERS")
			_ = ifacestat.Print(os.Stdout, nicAfter.Since(nicBefore), nicAliases)
		}
	}

	var setupErrs []error
	for i, err := range errs {
		if errors.Is(err, worker.ErrSetup) {
			setupErrs = append(setupErrs, fmt.Errorf("worker %d: %w", i, err))
		}
	}
	return errors.Join(setupErrs...)
}

// pinner returns a function binding the calling thread to cpu,
// or nil if cpu < 0.
func pinner(cpu int, verbose bool, rep pktsock.Reporter) func() error {
	if cpu < 0 {
		return nil
	}
	return func() error {
		var set unix.CPUSet
		set.Set(cpu)
		if err := unix.SchedSetaffinity(0, &set); err != nil {
			return fmt.Errorf("binding to CPU %d: %w", cpu, err)
		}
		if verbose {
			rep.Infof("worker thread %d bound to CPU %d", unix.Gettid(), cpu)
		}
		return nil
	}
}

func serveMetrics(addr string, srcs []stats.Source, logger *logrus.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		stats.NewCollector("mmsgbench", srcs),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	logger.Infof("serving metrics on %s/metrics", addr)
	return srv
}
