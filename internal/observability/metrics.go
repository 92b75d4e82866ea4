package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ledger service.
type Metrics struct {
	// --- Kernel operations ---
	KernelOpsApplied  *prometheus.CounterVec
	KernelOpsRejected *prometheus.CounterVec
	KernelOpDuration  *prometheus.HistogramVec
	CoreSequence      prometheus.Gauge
	CoreStateHashDur  prometheus.Histogram

	// --- Index accrual ---
	FeeAccrued             *prometheus.CounterVec
	ActiveCreditAccrued    *prometheus.CounterVec
	ActiveCreditDropped    *prometheus.CounterVec
	ActiveCreditBucketRoll *prometheus.CounterVec
	MaintenanceEnforced    *prometheus.CounterVec
	MaintenancePaid        *prometheus.CounterVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	CommandOutOfOrder     prometheus.Counter

	// --- Ingestion ---
	IngestReceived *prometheus.CounterVec
	IngestParseErr *prometheus.CounterVec
	IngestToApply  *prometheus.HistogramVec

	// --- Persistence ---
	PersistOpsWritten   prometheus.Counter
	PersistBatchSize    prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistRetry        prometheus.Counter
	PersistLastSequence prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayOpsTotal    prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics on reg. Tests pass a fresh registry so
// repeated construction does not collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Kernel operations
		KernelOpsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_kernel_ops_applied_total",
			Help: "Kernel operations committed",
		}, []string{"op"}),

		KernelOpsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_kernel_ops_rejected_total",
			Help: "Kernel operations rolled back or skipped",
		}, []string{"op", "reason"}),

		KernelOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "equalis_kernel_op_duration_seconds",
			Help:    "Time to apply a single kernel operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CoreSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "equalis_core_sequence",
			Help: "Last assigned operation sequence",
		}),

		CoreStateHashDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "equalis_core_state_hash_duration_seconds",
			Help:    "Time to compute the state hash",
			Buckets: latencyBuckets,
		}),

		// Index accrual
		FeeAccrued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_fee_index_accruals_total",
			Help: "Fee index accruals by source tag",
		}, []string{"pool", "source"}),

		ActiveCreditAccrued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_active_credit_accruals_total",
			Help: "Active credit accruals distributed by source tag",
		}, []string{"pool", "source"}),

		ActiveCreditDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_active_credit_dropped_total",
			Help: "Active credit accruals dropped on an empty matured base",
		}, []string{"pool", "source"}),

		ActiveCreditBucketRoll: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_active_credit_bucket_rolls_total",
			Help: "Pending maturity slots rolled into the matured total",
		}, []string{"pool"}),

		MaintenanceEnforced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_maintenance_enforced_total",
			Help: "Maintenance enforcements that accrued a fee",
		}, []string{"pool"}),

		MaintenancePaid: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_maintenance_payouts_total",
			Help: "Maintenance payouts to the fee receiver",
		}, []string{"pool"}),

		// Channel & Backpressure
		ChannelSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "equalis_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		PublishDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "equalis_publish_drops_total",
			Help: "Outputs dropped due to a full publish channel",
		}),

		PersistBackpressure: factory.NewCounter(prometheus.CounterOpts{
			Name: "equalis_persist_backpressure_total",
			Help: "Times core blocked on the persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_idempotency_duplicates_total",
			Help: "Duplicate commands caught (lru/postgres)",
		}, []string{"op", "tier"}),

		DedupLRUSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "equalis_dedup_lru_size",
			Help: "Current idempotency LRU entries",
		}),

		CommandOutOfOrder: factory.NewCounter(prometheus.CounterOpts{
			Name: "equalis_command_out_of_order_total",
			Help: "Commands rejected for a timestamp older than the clock",
		}),

		// Ingestion
		IngestReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_ingest_received_total",
			Help: "Commands received from NATS",
		}, []string{"op"}),

		IngestParseErr: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_ingest_parse_errors_total",
			Help: "Commands that failed to parse",
		}, []string{"subject"}),

		IngestToApply: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "equalis_ingest_to_apply_seconds",
			Help:    "NATS receive to kernel apply complete",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		// Persistence
		PersistOpsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "equalis_persist_ops_written_total",
			Help: "Operations written to the op log",
		}),

		PersistBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "equalis_persist_batch_size",
			Help:    "Operations per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}),

		PersistBatchDur: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "equalis_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_persist_errors_total",
			Help: "Persistence errors by type",
		}, []string{"error_type"}),

		PersistRetry: factory.NewCounter(prometheus.CounterOpts{
			Name: "equalis_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "equalis_persist_last_sequence",
			Help: "Last persisted operation sequence",
		}),

		// Snapshot
		SnapshotTaken: factory.NewCounter(prometheus.CounterOpts{
			Name: "equalis_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotSizeBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "equalis_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: factory.NewGauge(prometheus.GaugeOpts{
			Name: "equalis_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayOpsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "equalis_replay_ops_total",
			Help: "Operations replayed on recovery",
		}),

		// Query API
		QueryRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_query_requests_total",
			Help: "Query requests by endpoint",
		}, []string{"endpoint"}),

		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "equalis_query_duration_seconds",
			Help:    "Query latency by endpoint",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"endpoint"}),

		QueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "equalis_query_errors_total",
			Help: "Query errors by endpoint",
		}, []string{"endpoint", "code"}),
	}
}
