// Package stats aggregates worker counters and renders them as a live
// per-second line, a final report and Prometheus metrics.
package stats

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/mmsg-bench-go/pktsock"
	"github.com/romshark/mmsg-bench-go/worker"
)

// Source is a worker whose counters can be sampled.
// *worker.Worker implements it.
type Source interface {
	Index() int
	Mode() pktsock.Mode
	Stats() worker.Snapshot
}

// Total sums the counters of all sources.
func Total(srcs []Source) worker.Snapshot {
	var s worker.Snapshot
	for _, src := range srcs {
		s = s.Add(src.Stats())
	}
	return s
}

// Rate is a throughput over some interval.
type Rate struct {
	RxPPS, TxPPS   float64
	RxMbps, TxMbps float64
	ErrorsPS       float64
}

// RateOf computes the rate of delta accumulated over elapsed.
func RateOf(delta worker.Snapshot, elapsed time.Duration) Rate {
	dt := elapsed.Seconds()
	if dt <= 0 {
		return Rate{}
	}
	return Rate{
		RxPPS:    float64(delta.RxFrames) / dt,
		TxPPS:    float64(delta.TxFrames) / dt,
		RxMbps:   float64(delta.RxBytes*8) / 1e6 / dt,
		TxMbps:   float64(delta.TxBytes*8) / 1e6 / dt,
		ErrorsPS: float64(delta.Errors) / dt,
	}
}

// Meter turns successive snapshots into current and peak rates.
type Meter struct {
	last     worker.Snapshot
	lastTime time.Time
	max      Rate
}

// NewMeter starts measuring at start from the zero snapshot.
func NewMeter(start time.Time) *Meter {
	return &Meter{lastTime: start}
}

// Sample records s taken at now and returns the rate since the previous
// sample and the per-field peak so far.
func (m *Meter) Sample(now time.Time, s worker.Snapshot) (cur, peak Rate) {
	cur = RateOf(s.Sub(m.last), now.Sub(m.lastTime))
	m.last, m.lastTime = s, now

	m.max.RxPPS = max(m.max.RxPPS, cur.RxPPS)
	m.max.TxPPS = max(m.max.TxPPS, cur.TxPPS)
	m.max.RxMbps = max(m.max.RxMbps, cur.RxMbps)
	m.max.TxMbps = max(m.max.TxMbps, cur.TxMbps)
	m.max.ErrorsPS = max(m.max.ErrorsPS, cur.ErrorsPS)
	return cur, m.max
}

// FormatLine renders one live line for the given mode.
func FormatLine(mode pktsock.Mode, total worker.Snapshot, cur, peak Rate) string {
	switch mode {
	case pktsock.Tx:
		return fmt.Sprintf(
			"tx total=%s (%s) | cur=%s pps %.2f Mbit/s | max=%s pps %.2f Mbit/s | errors=%s",
			humanize.Comma(int64(total.TxFrames)), humanize.Bytes(total.TxBytes),
			humanize.Comma(int64(cur.TxPPS)), cur.TxMbps,
			humanize.Comma(int64(peak.TxPPS)), peak.TxMbps,
			humanize.Comma(int64(total.Errors)),
		)
	default:
		return fmt.Sprintf(
			"rx total=%s (%s) | cur=%s pps %.2f Mbit/s | max=%s pps %.2f Mbit/s | errors=%s",
			humanize.Comma(int64(total.RxFrames)), humanize.Bytes(total.RxBytes),
			humanize.Comma(int64(cur.RxPPS)), cur.RxMbps,
			humanize.Comma(int64(peak.RxPPS)), peak.RxMbps,
			humanize.Comma(int64(total.Errors)),
		)
	}
}

// Print writes a live line for the aggregate of srcs every interval
// until ctx is cancelled.
func Print(ctx context.Context, w io.Writer, mode pktsock.Mode, srcs []Source, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	m := NewMeter(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			total := Total(srcs)
			cur, peak := m.Sample(now, total)
			fmt.Fprintln(w, FormatLine(mode, total, cur, peak))
		}
	}
}

// Report writes the final summary of a run.
func Report(w io.Writer, mode pktsock.Mode, workers int, total worker.Snapshot, elapsed time.Duration) {
	avg := RateOf(total, elapsed)
	p := message.NewPrinter(language.English)

	p.Fprint(w, "\nFINAL REPORT\n")
	p.Fprintf(w, " Mode:              %s\n", mode)
	p.Fprintf(w, " Workers:           %d\n", workers)
	p.Fprintf(w, " Elapsed:           %.3f s\n", elapsed.Seconds())
	switch mode {
	case pktsock.Tx:
		p.Fprintf(w, " TX:                %d packets\n", total.TxFrames)
		p.Fprintf(w, " TX bytes:          %d\n", total.TxBytes)
		p.Fprintf(w, " TX Avg PPS:        %d\n", uint64(avg.TxPPS))
		p.Fprintf(w, " TX Avg rate:       %.1f Mbps\n", avg.TxMbps)
	default:
		p.Fprintf(w, " RX:                %d packets\n", total.RxFrames)
		p.Fprintf(w, " RX bytes:          %d\n", total.RxBytes)
		p.Fprintf(w, " RX Avg PPS:        %d\n", uint64(avg.RxPPS))
		p.Fprintf(w, " RX Avg rate:       %.1f Mbps\n", avg.RxMbps)
	}
	p.Fprintf(w, " Errors:            %d\n", total.Errors)
}
