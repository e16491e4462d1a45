package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the guard process.
type Metrics struct {
	// --- Mode resolution ---
	ModeCurrent     prometheus.Gauge // 0 active, 1 reduce-only, 2 kill
	ModeTransitions *prometheus.CounterVec
	ModeReasons     *prometheus.GaugeVec
	EvalDuration    prometheus.Histogram

	// --- Open-permission latch ---
	LatchEngaged      prometheus.Gauge
	LatchAge          prometheus.Gauge
	LatchClears       prometheus.Counter
	LatchRaises       *prometheus.CounterVec
	ReconcileAttempts *prometheus.CounterVec

	// --- Intent chokepoint ---
	IntentsDispatched *prometheus.CounterVec
	IntentsRejected   *prometheus.CounterVec
	DispatchErrors    prometheus.Counter

	// --- Group executor ---
	GroupStateChanges  *prometheus.CounterVec
	GroupsLive         prometheus.Gauge
	NakedExposureTicks prometheus.Counter
	AuditDrops         prometheus.Counter

	// --- WAL & idempotency ---
	WALSequence        prometheus.Gauge
	WALQueueSaturation prometheus.Counter
	WALTransitionDrops prometheus.Gauge
	DedupDuplicates    *prometheus.CounterVec
	DedupLRUSize       prometheus.Gauge

	// --- Feeds & ingestion ---
	IngestEvents    *prometheus.CounterVec
	FeedAnomalies   *prometheus.CounterVec
	NATSPullLatency *prometheus.HistogramVec
	PublishDrops    prometheus.Counter

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- Recovery ---
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge
	RedispatchedTotal prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	pullBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Mode resolution
		ModeCurrent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "guard_mode_current",
			Help: "Operating mode (0 active, 1 reduce-only, 2 kill)",
		}),

		ModeTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_mode_transitions_total",
			Help: "Mode transitions by target mode",
		}, []string{"mode"}),

		ModeReasons: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guard_mode_reason",
			Help: "Reason codes active in the current evaluation (1 active)",
		}, []string{"reason"}),

		EvalDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "guard_eval_duration_seconds",
			Help:    "Time for one full mode evaluation pass",
			Buckets: latencyBuckets,
		}),

		// Open-permission latch
		LatchEngaged: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "guard_latch_engaged",
			Help: "Open-permission latch engagement (1 engaged)",
		}),

		LatchAge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "guard_latch_age_seconds",
			Help: "Seconds since the current latch engagement began",
		}),

		LatchClears: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guard_latch_clears_total",
			Help: "Successful all-or-nothing latch clears",
		}),

		LatchRaises: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_latch_raises_total",
			Help: "Latch engagements by reason",
		}, []string{"reason"}),

		ReconcileAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_reconcile_attempts_total",
			Help: "Reconciliation attempts by outcome (cleared/failed)",
		}, []string{"outcome"}),

		// Intent chokepoint
		IntentsDispatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_intents_dispatched_total",
			Help: "Intents dispatched to the venue",
		}, []string{"class"}),

		IntentsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_intents_rejected_total",
			Help: "Intents rejected pre-dispatch",
		}, []string{"class", "reason"}),

		DispatchErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guard_dispatch_errors_total",
			Help: "Network dispatch attempts that failed after the sent marker",
		}),

		// Group executor
		GroupStateChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_group_state_changes_total",
			Help: "Group state machine transitions by target state",
		}, []string{"state"}),

		GroupsLive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "guard_groups_live",
			Help: "Non-terminal groups currently tracked",
		}),

		NakedExposureTicks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guard_naked_exposure_ticks_total",
			Help: "Evaluation cycles observing unhedged group exposure",
		}),

		AuditDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guard_audit_drops_total",
			Help: "Audit events dropped on a full projection channel",
		}),

		// WAL & idempotency
		WALSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "guard_wal_sequence",
			Help: "Next WAL sequence number",
		}),

		WALQueueSaturation: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guard_wal_queue_saturation_total",
			Help: "Dispatches blocked by a saturated durable queue",
		}),

		WALTransitionDrops: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "guard_wal_transition_drops",
			Help: "Post-dispatch transition events lost to queue overflow",
		}),

		DedupDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_dedup_duplicates_total",
			Help: "Duplicate trade ids caught (lru/postgres)",
		}, []string{"tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "guard_dedup_lru_size",
			Help: "Current trade-id LRU occupancy",
		}),

		// Feeds & ingestion
		IngestEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_ingest_events_total",
			Help: "Venue events consumed by type",
		}, []string{"event_type"}),

		FeedAnomalies: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_feed_anomalies_total",
			Help: "Sequence gaps and out-of-order deliveries per partition",
		}, []string{"partition", "kind"}),

		NATSPullLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guard_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: pullBuckets,
		}, []string{"subject"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guard_publish_drops_total",
			Help: "Outbound decisions dropped on a full publish channel",
		}),

		// Channels & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guard_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guard_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "guard_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guard_persist_events_written_total",
			Help: "WAL events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "guard_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "guard_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guard_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "guard_persist_last_sequence",
			Help: "Last persisted WAL sequence",
		}),

		// Recovery
		ReplayEventsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guard_replay_events_total",
			Help: "WAL events replayed on startup",
		}),

		ReplayDuration: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "guard_replay_duration_seconds",
			Help: "Total replay time",
		}),

		RedispatchedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "guard_redispatched_total",
			Help: "Durably-unsent intents redispatched after replay",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "guard_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "guard_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
