package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the indexer.
type Metrics struct {
	// --- Event application ---
	EventsApplied  *prometheus.CounterVec
	EventsSkipped  *prometheus.CounterVec
	EventsFailed   *prometheus.CounterVec
	EventsDeduped  *prometheus.CounterVec
	ApplyDuration  *prometheus.HistogramVec
	DedupLRUSize   prometheus.Gauge
	DedupEvictions prometheus.Counter

	// --- Event source ---
	SourceRequestDuration *prometheus.HistogramVec
	SourcePageEvents      *prometheus.HistogramVec

	// --- Poll loop & cursors ---
	CycleDuration    prometheus.Histogram
	CycleErrors      prometheus.Counter
	CursorAdvances   *prometheus.CounterVec
	CursorSaveErrors *prometheus.CounterVec

	// --- Notifications ---
	NotificationsCreated   *prometheus.CounterVec
	NotificationsPublished prometheus.Counter
	PublishDrops           prometheus.Counter
	PublishErrors          prometheus.Counter

	// --- Leader lease ---
	LeaseHeld prometheus.Gauge
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	applyBuckets := []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	requestBuckets := []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	return &Metrics{
		EventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_events_applied_total",
			Help: "Ledger events whose handler committed",
		}, []string{"event_type"}),

		EventsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_events_skipped_total",
			Help: "Ledger events acknowledged without effect (malformed, missing_referent, terminal, duplicate)",
		}, []string{"event_type", "reason"}),

		EventsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_events_failed_total",
			Help: "Ledger events whose handler returned an error",
		}, []string{"event_type"}),

		EventsDeduped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_events_deduplicated_total",
			Help: "Events short-circuited by the in-process applied-event cache",
		}, []string{"event_type"}),

		ApplyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "indexer_event_apply_duration_seconds",
			Help:    "Time to apply one event including its transaction",
			Buckets: applyBuckets,
		}, []string{"event_type"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "indexer_dedup_lru_size",
			Help: "Entries in the applied-event cache",
		}),

		DedupEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "indexer_dedup_lru_evictions_total",
			Help: "Entries evicted from the applied-event cache",
		}),

		SourceRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "indexer_source_request_duration_seconds",
			Help:    "Event source page request latency",
			Buckets: requestBuckets,
		}, []string{"event_type", "outcome"}),

		SourcePageEvents: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "indexer_source_page_events",
			Help:    "Events returned per page",
			Buckets: []float64{0, 1, 5, 10, 25, 50},
		}, []string{"event_type"}),

		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "indexer_cycle_duration_seconds",
			Help:    "Duration of one poll cycle across all event types",
			Buckets: requestBuckets,
		}),

		CycleErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "indexer_cycle_errors_total",
			Help: "Poll cycles in which at least one event type failed",
		}),

		CursorAdvances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_cursor_advances_total",
			Help: "Cursor advances after a fully applied page",
		}, []string{"event_type"}),

		CursorSaveErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_cursor_save_errors_total",
			Help: "Failed cursor persistence attempts",
		}, []string{"event_type"}),

		NotificationsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Name: "indexer_notifications_created_total",
			Help: "Notification rows inserted",
		}, []string{"type"}),

		NotificationsPublished: f.NewCounter(prometheus.CounterOpts{
			Name: "indexer_notifications_published_total",
			Help: "Notifications published to NATS",
		}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "indexer_publish_drops_total",
			Help: "Notifications dropped due to a full publish channel",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "indexer_publish_errors_total",
			Help: "NATS publish failures",
		}),

		LeaseHeld: f.NewGauge(prometheus.GaugeOpts{
			Name: "indexer_leader_lease_held",
			Help: "1 while this process holds the writer lease",
		}),
	}
}
