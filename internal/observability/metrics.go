package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for WindowLedger.
type Metrics struct {
	// --- Window settlement ---
	WindowsCompleted    *prometheus.CounterVec
	WindowsDeduplicated prometheus.Counter
	WindowDuration      *prometheus.HistogramVec
	EntryVolume         prometheus.Counter
	ProceedsVolume      prometheus.Counter

	// --- Vault ---
	VaultLockRejections prometheus.Counter
	VaultInvariantTrips prometheus.Counter

	// --- Ledger ---
	LedgerRowsAppended *prometheus.CounterVec
	ChainVerifications *prometheus.CounterVec

	// --- Exchange ---
	ExchangeCalls   *prometheus.CounterVec
	ExchangeRetries prometheus.Counter

	// --- Scheduler ---
	SchedulerDispatched prometheus.Counter
	SchedulerSkipped    *prometheus.CounterVec
	SchedulerRunDur     prometheus.Histogram

	// --- Ingestion & publish ---
	TriggerEvents *prometheus.CounterVec
	PublishDrops  prometheus.Counter

	// --- Persistence ---
	PersistOutputsWritten prometheus.Counter
	PersistRowsWritten    prometheus.Counter
	PersistBatchDur       prometheus.Histogram
	PersistBatchSize      prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistBackpressure   prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	settleBuckets := []float64{
		0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0,
	}

	persistBuckets := []float64{
		0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
	}

	return &Metrics{
		WindowsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wl_windows_completed_total",
			Help: "Window settlements reaching a terminal state",
		}, []string{"status"}),

		WindowsDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wl_windows_deduplicated_total",
			Help: "Window invocations short-circuited by the idempotency key",
		}),

		WindowDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wl_window_duration_seconds",
			Help:    "Wall time of one window settlement",
			Buckets: settleBuckets,
		}, []string{"status"}),

		EntryVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wl_entry_volume_total",
			Help: "Total entry amount locked across settled windows",
		}),

		ProceedsVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wl_proceeds_volume_total",
			Help: "Total gross proceeds credited across settled windows",
		}),

		VaultLockRejections: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wl_vault_lock_rejections_total",
			Help: "Lock attempts rejected for insufficient funds",
		}),

		VaultInvariantTrips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wl_vault_invariant_trips_total",
			Help: "Fatal vault invariant violations (invalid unlock)",
		}),

		LedgerRowsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wl_ledger_rows_appended_total",
			Help: "Ledger rows appended",
		}, []string{"action"}),

		ChainVerifications: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wl_ledger_chain_verifications_total",
			Help: "Hash chain verifications by outcome",
		}, []string{"outcome"}),

		ExchangeCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wl_exchange_calls_total",
			Help: "Exchange adapter calls by operation and outcome",
		}, []string{"op", "outcome"}),

		ExchangeRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wl_exchange_retries_total",
			Help: "Transient exchange failures retried",
		}),

		SchedulerDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wl_scheduler_dispatched_total",
			Help: "Users dispatched for window settlement",
		}),

		SchedulerSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wl_scheduler_skipped_total",
			Help: "Users skipped before dispatch",
		}, []string{"reason"}),

		SchedulerRunDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "wl_scheduler_run_duration_seconds",
			Help:    "Wall time of one full window fan-out",
			Buckets: settleBuckets,
		}),

		TriggerEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wl_trigger_events_total",
			Help: "Window trigger messages by outcome",
		}, []string{"outcome"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wl_publish_drops_total",
			Help: "Outbound results dropped due to full publish channel",
		}),

		PersistOutputsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wl_persist_outputs_written_total",
			Help: "Window outputs written to Postgres",
		}),

		PersistRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wl_persist_rows_written_total",
			Help: "Ledger rows written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "wl_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: persistBuckets,
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "wl_persist_batch_size",
			Help:    "Outputs per persisted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wl_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wl_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wl_query_requests_total",
			Help: "Audit query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wl_query_duration_seconds",
			Help:    "Audit query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
