package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "greengrid"

// Prometheus implements Recorder with client_golang collectors.
type Prometheus struct {
	routed   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	edgeSent *prometheus.CounterVec
	depth    *prometheus.GaugeVec
	evicted  *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	flushed  *prometheus.CounterVec
	online   *prometheus.GaugeVec
	written  *prometheus.CounterVec
	failed   *prometheus.CounterVec
	bad      *prometheus.CounterVec
}

// NewPrometheus registers the collectors on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "router", Name: "messages_total",
			Help: "Raw messages handled by the filter router, by site type and outcome.",
		}, []string{"site_type", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "router", Name: "latency_seconds",
			Help:    "Per-message filter and republish latency.",
			Buckets: prometheus.ExponentialBuckets(0.00005, 2, 14),
		}, []string{"site_type"}),
		edgeSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge", Name: "published_total",
			Help: "Messages handed to the broker by edge publishers.",
		}, []string{"site_id"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "edge", Name: "buffer_depth",
			Help: "Messages currently held in the offline buffer.",
		}, []string{"site_id"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge", Name: "buffer_evictions_total",
			Help: "Oldest buffered messages evicted because the buffer was full.",
		}, []string{"site_id"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge", Name: "dropped_total",
			Help: "Messages discarded by the drop buffer policy.",
		}, []string{"site_id"}),
		flushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "edge", Name: "flushed_total",
			Help: "Buffered messages resent after reconnect.",
		}, []string{"site_id"}),
		online: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "edge", Name: "connected",
			Help: "1 while the site's broker session is up.",
		}, []string{"site_id"}),
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "points_written_total",
			Help: "Points accepted by a storage sink.",
		}, []string{"sink"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "sink_failures_total",
			Help: "Sink write calls that failed; the batch is dropped.",
		}, []string{"sink"}),
		bad: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "malformed_total",
			Help: "Inbound messages skipped as malformed, by topic kind.",
		}, []string{"kind"}),
	}
	reg.MustRegister(p.routed, p.latency, p.edgeSent, p.depth, p.evicted, p.dropped,
		p.flushed, p.online, p.written, p.failed, p.bad)
	return p
}

func (p *Prometheus) MessageRouted(siteType, status string, latency time.Duration) {
	if siteType == "" {
		siteType = "unknown"
	}
	p.routed.WithLabelValues(siteType, status).Inc()
	p.latency.WithLabelValues(siteType).Observe(latency.Seconds())
}

func (p *Prometheus) EdgePublished(siteID string) { p.edgeSent.WithLabelValues(siteID).Inc() }

func (p *Prometheus) EdgeBuffered(siteID string, depth int) {
	p.depth.WithLabelValues(siteID).Set(float64(depth))
}

func (p *Prometheus) EdgeEvicted(siteID string) { p.evicted.WithLabelValues(siteID).Inc() }
func (p *Prometheus) EdgeDropped(siteID string) { p.dropped.WithLabelValues(siteID).Inc() }

func (p *Prometheus) EdgeFlushed(siteID string, n int) {
	p.flushed.WithLabelValues(siteID).Add(float64(n))
}

func (p *Prometheus) EdgeConnected(siteID string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	p.online.WithLabelValues(siteID).Set(v)
}

func (p *Prometheus) PointsWritten(sink string, n int) {
	p.written.WithLabelValues(sink).Add(float64(n))
}

func (p *Prometheus) SinkFailed(sink string)      { p.failed.WithLabelValues(sink).Inc() }
func (p *Prometheus) IngestMalformed(kind string) { p.bad.WithLabelValues(kind).Inc() }
