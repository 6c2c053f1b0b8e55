// Package metrics counts pipe channel activity for Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "npipe"
	subsystem = "channel"
	roleLabel = "role"
)

// Collector holds the channel metrics. A nil *Collector records nothing.
type Collector struct {
	reads        *prometheus.CounterVec
	writes       *prometheus.CounterVec
	bytesRead    *prometheus.CounterVec
	bytesWritten *prometheus.CounterVec
	probes       *prometheus.CounterVec
	handoffs     *prometheus.CounterVec
	faults       *prometheus.CounterVec
	connected    *prometheus.GaugeVec
}

func New() *Collector {
	return &Collector{
		reads:        newCounter("reads_total", "Completed reads that returned data."),
		writes:       newCounter("writes_total", "Completed writes."),
		bytesRead:    newCounter("read_bytes_total", "Bytes returned by reads."),
		bytesWritten: newCounter("written_bytes_total", "Bytes accepted by writes."),
		probes:       newCounter("probes_total", "Zero-length probe reads issued."),
		handoffs:     newCounter("handoffs_total", "Probes cancelled to let a write through."),
		faults:       newCounter("faults_total", "Native failures returned to callers."),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connected",
			Help:      "Channels currently connected.",
		}, []string{roleLabel}),
	}
}

func newCounter(name string, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, []string{roleLabel})
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.reads, c.writes, c.bytesRead, c.bytesWritten,
		c.probes, c.handoffs, c.faults, c.connected,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.collectors() {
		m.Describe(ch)
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, m := range c.collectors() {
		m.Collect(ch)
	}
}

func (c *Collector) Read(role string, n int) {
	if c == nil {
		return
	}
	c.reads.WithLabelValues(role).Inc()
	c.bytesRead.WithLabelValues(role).Add(float64(n))
}

func (c *Collector) Written(role string, n int) {
	if c == nil {
		return
	}
	c.writes.WithLabelValues(role).Inc()
	c.bytesWritten.WithLabelValues(role).Add(float64(n))
}

func (c *Collector) Probe(role string) {
	if c == nil {
		return
	}
	c.probes.WithLabelValues(role).Inc()
}

func (c *Collector) Handoff(role string) {
	if c == nil {
		return
	}
	c.handoffs.WithLabelValues(role).Inc()
}

func (c *Collector) Fault(role string) {
	if c == nil {
		return
	}
	c.faults.WithLabelValues(role).Inc()
}

func (c *Collector) Connected(role string) {
	if c == nil {
		return
	}
	c.connected.WithLabelValues(role).Inc()
}

func (c *Collector) Disconnected(role string) {
	if c == nil {
		return
	}
	c.connected.WithLabelValues(role).Dec()
}

var _ prometheus.Collector = (*Collector)(nil)
