// Package metric provides the Prometheus registry and the forwarding
// pipeline's platform metrics.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all pipeline-level metrics
type Metrics struct {
	// Poller metrics
	RecordsPolled  *prometheus.CounterVec
	DecodeFailures prometheus.Counter
	PollDuration   prometheus.Histogram

	// Dispatch metrics
	BatchesEnqueued  *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec
	BatchesDelivered *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	InFlight         *prometheus.GaugeVec
	DeliveryDuration *prometheus.HistogramVec
	QueueSaturations *prometheus.CounterVec
	BatchesDiscarded *prometheus.CounterVec

	// Liveness metrics
	DevicesOnline  prometheus.Gauge
	DevicesOffline prometheus.Gauge

	// Config metrics
	ConfigGeneration prometheus.Gauge
	ReloadFailures   prometheus.Counter
}

// NewMetrics creates all pipeline metrics under the netsrv namespace
func NewMetrics() *Metrics {
	return &Metrics{
		RecordsPolled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netsrv",
				Subsystem: "poller",
				Name:      "records_total",
				Help:      "Total records decoded from the source store",
			},
			[]string{"type"},
		),
		DecodeFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "netsrv",
				Subsystem: "poller",
				Name:      "decode_failures_total",
				Help:      "Total source values that failed to decode and were skipped",
			},
		),
		PollDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "netsrv",
				Subsystem: "poller",
				Name:      "cycle_duration_seconds",
				Help:      "Poll cycle duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		BatchesEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netsrv",
				Subsystem: "dispatch",
				Name:      "batches_enqueued_total",
				Help:      "Batches accepted into per-rule dispatch queues",
			},
			[]string{"rule"},
		),
		DeliveryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netsrv",
				Subsystem: "dispatch",
				Name:      "delivery_attempts_total",
				Help:      "Delivery attempts including retries",
			},
			[]string{"rule"},
		),
		BatchesDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netsrv",
				Subsystem: "dispatch",
				Name:      "batches_delivered_total",
				Help:      "Batches delivered successfully",
			},
			[]string{"rule"},
		),
		DeliveryFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netsrv",
				Subsystem: "dispatch",
				Name:      "delivery_failures_total",
				Help:      "Permanent delivery failures by error class",
			},
			[]string{"rule", "class"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "netsrv",
				Subsystem: "dispatch",
				Name:      "queue_depth",
				Help:      "Current per-rule dispatch queue depth",
			},
			[]string{"rule"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "netsrv",
				Subsystem: "dispatch",
				Name:      "in_flight",
				Help:      "Deliveries currently in flight per rule (0 or 1)",
			},
			[]string{"rule"},
		),
		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "netsrv",
				Subsystem: "dispatch",
				Name:      "delivery_duration_seconds",
				Help:      "Terminal delivery duration per batch, retries included",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"rule"},
		),
		QueueSaturations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netsrv",
				Subsystem: "dispatch",
				Name:      "queue_saturations_total",
				Help:      "Times a rule's queue was full and upstream was paused",
			},
			[]string{"rule"},
		),
		BatchesDiscarded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "netsrv",
				Subsystem: "dispatch",
				Name:      "batches_discarded_total",
				Help:      "Batches discarded after retry exhaustion, permanent failure, or shutdown",
			},
			[]string{"rule", "reason"},
		),
		DevicesOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netsrv",
				Subsystem: "liveness",
				Name:      "devices_online",
				Help:      "Devices currently online",
			},
		),
		DevicesOffline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netsrv",
				Subsystem: "liveness",
				Name:      "devices_offline",
				Help:      "Devices currently offline",
			},
		),
		ConfigGeneration: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "netsrv",
				Subsystem: "config",
				Name:      "generation",
				Help:      "ID of the active configuration generation",
			},
		),
		ReloadFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "netsrv",
				Subsystem: "config",
				Name:      "reload_failures_total",
				Help:      "Configuration reloads rejected by validation",
			},
		),
	}
}

// Registry wraps a Prometheus registry with the pipeline metrics registered
type Registry struct {
	prometheusRegistry *prometheus.Registry
	Metrics            *Metrics
}

// NewRegistry creates a registry with pipeline and Go runtime metrics
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	m := NewMetrics()

	reg.MustRegister(
		m.RecordsPolled,
		m.DecodeFailures,
		m.PollDuration,
		m.BatchesEnqueued,
		m.DeliveryAttempts,
		m.BatchesDelivered,
		m.DeliveryFailures,
		m.QueueDepth,
		m.InFlight,
		m.DeliveryDuration,
		m.QueueSaturations,
		m.BatchesDiscarded,
		m.DevicesOnline,
		m.DevicesOffline,
		m.ConfigGeneration,
		m.ReloadFailures,
	)
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{prometheusRegistry: reg, Metrics: m}
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns an HTTP handler serving the /metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}
