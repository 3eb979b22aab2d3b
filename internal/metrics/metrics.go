// Package metrics exposes Prometheus instrumentation for the proxy: active
// and total connection counts, per-direction frame and decode-error
// counters, masking throughput, and config reload outcomes.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for pgshroud.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	framesDecoded     *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	rowsMasked        prometheus.Counter
	fieldsMasked      *prometheus.CounterVec
	maskDuration      prometheus.Histogram
	configReloads     *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics on a fresh, private
// registry. Safe to call multiple times (e.g. in tests) since each call's
// registry is independent.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pgshroud_connections_active",
			Help: "Number of client connections currently being proxied",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgshroud_connections_total",
			Help: "Total number of client connections accepted",
		}),
		framesDecoded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgshroud_frames_decoded_total",
				Help: "Wire protocol frames successfully decoded",
			},
			[]string{"direction", "message_type"},
		),
		decodeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgshroud_decode_errors_total",
				Help: "Wire protocol frames that failed to decode",
			},
			[]string{"direction", "kind"},
		),
		rowsMasked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgshroud_rows_masked_total",
			Help: "DataRow messages that passed through the masking handler",
		}),
		fieldsMasked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgshroud_fields_masked_total",
				Help: "Individual row fields rewritten by a masking strategy",
			},
			[]string{"strategy"},
		),
		maskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgshroud_mask_duration_seconds",
			Help:    "Time spent masking a single DataRow",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 12),
		}),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pgshroud_config_reloads_total",
				Help: "Masking configuration reload attempts",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		c.connectionsActive,
		c.connectionsTotal,
		c.framesDecoded,
		c.decodeErrors,
		c.rowsMasked,
		c.fieldsMasked,
		c.maskDuration,
		c.configReloads,
	)

	return c
}

// Handler returns the HTTP handler serving this collector's registry in the
// Prometheus exposition format, meant to be mounted at "/metrics".
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{})
}

// ConnectionOpened records a newly accepted client connection.
func (c *Collector) ConnectionOpened() {
	c.connectionsActive.Inc()
	c.connectionsTotal.Inc()
}

// ConnectionClosed records a connection leaving the active set.
func (c *Collector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// FrameDecoded records a successfully decoded frame.
func (c *Collector) FrameDecoded(direction, messageType string) {
	c.framesDecoded.WithLabelValues(direction, messageType).Inc()
}

// DecodeError records a frame that failed to decode.
func (c *Collector) DecodeError(direction, kind string) {
	c.decodeErrors.WithLabelValues(direction, kind).Inc()
}

// RowMasked records one DataRow processed by the masking handler, along
// with how many of its fields were actually rewritten.
func (c *Collector) RowMasked(strategy string, fieldsRewritten int) {
	c.rowsMasked.Inc()
	if fieldsRewritten > 0 {
		c.fieldsMasked.WithLabelValues(strategy).Add(float64(fieldsRewritten))
	}
}

// MaskDuration observes the time spent masking a single DataRow.
func (c *Collector) MaskDuration(d time.Duration) {
	c.maskDuration.Observe(d.Seconds())
}

// ConfigReloaded records a config hot-reload attempt and its outcome.
func (c *Collector) ConfigReloaded(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.configReloads.WithLabelValues(result).Inc()
}
