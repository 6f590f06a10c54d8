package stats

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports worker counters, reading them on each scrape.
type Collector struct {
	srcs []Source

	framesTotal *prometheus.Desc
	bytesTotal  *prometheus.Desc
	errorsTotal *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector over srcs with metric names prefixed
// by namespace.
func NewCollector(namespace string, srcs []Source) *Collector {
	return &Collector{
		srcs: srcs,

		framesTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "frames_total"),
			"Total frames transferred.",
			[]string{"worker", "direction"}, nil,
		),
		bytesTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "bytes_total"),
			"Total bytes transferred.",
			[]string{"worker", "direction"}, nil,
		),
		errorsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "errors_total"),
			"Total failed I/O calls.",
			[]string{"worker", "direction"}, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.framesTotal
	ch <- c.bytesTotal
	ch <- c.errorsTotal
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.srcs {
		s := src.Stats()
		idx := strconv.Itoa(src.Index())

		ch <- prometheus.MustNewConstMetric(c.framesTotal, prometheus.CounterValue,
			float64(s.RxFrames), idx, "rx")
		ch <- prometheus.MustNewConstMetric(c.framesTotal, prometheus.CounterValue,
			float64(s.TxFrames), idx, "tx")
		ch <- prometheus.MustNewConstMetric(c.bytesTotal, prometheus.CounterValue,
			float64(s.RxBytes), idx, "rx")
		ch <- prometheus.MustNewConstMetric(c.bytesTotal, prometheus.CounterValue,
			float64(s.TxBytes), idx, "tx")
		ch <- prometheus.MustNewConstMetric(c.errorsTotal, prometheus.CounterValue,
			float64(s.Errors), idx, src.Mode().String())
	}
}
