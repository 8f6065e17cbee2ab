package relaysync

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors on a registry owned by the engine, so two
// engines in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	eventsReceived   *prometheus.CounterVec
	eventsDuplicate  *prometheus.CounterVec
	eventsProcessed  *prometheus.CounterVec
	processDuration  *prometheus.HistogramVec
	enqueueRejected  prometheus.Counter
	eventsPurged     prometheus.Counter
	syncPasses       *prometheus.CounterVec
	syncPassDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaysync_events_received_total",
				Help: "Total number of notifications accepted at ingress",
			},
			[]string{"kind"},
		),
		eventsDuplicate: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaysync_events_duplicate_total",
				Help: "Total number of deliveries recognized as duplicates",
			},
			[]string{"kind", "disposition"},
		),
		eventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaysync_events_processed_total",
				Help: "Total number of processing attempts by outcome",
			},
			[]string{"kind", "outcome"},
		),
		processDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaysync_event_processing_duration_seconds",
				Help:    "Duration of a single processing attempt",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		enqueueRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relaysync_enqueue_rejected_total",
				Help: "Total number of enqueue attempts rejected by the priority queue",
			},
		),
		eventsPurged: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relaysync_events_purged_total",
				Help: "Total number of events removed by the purge sweep",
			},
		),
		syncPasses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaysync_sync_passes_total",
				Help: "Total number of reconciliation passes by mode and final state",
			},
			[]string{"mode", "state"},
		),
		syncPassDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaysync_sync_pass_duration_seconds",
				Help:    "Duration of reconciliation passes",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"mode"},
		),
	}
	m.registry.MustRegister(
		m.eventsReceived,
		m.eventsDuplicate,
		m.eventsProcessed,
		m.processDuration,
		m.enqueueRejected,
		m.eventsPurged,
		m.syncPasses,
		m.syncPassDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) observeQueue(q *PriorityQueue) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "relaysync_queue_depth",
				Help: "Events waiting in the priority queue",
			},
			func() float64 { return float64(q.Depth()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "relaysync_events_in_flight",
				Help: "Events currently being processed",
			},
			func() float64 { return float64(q.InFlight()) },
		),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
