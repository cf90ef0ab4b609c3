package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciler counters and histograms, partitioned by chain where it applies.

var (
	// Poller
	PollCyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "poller",
		Name:      "cycles_total",
		Help:      "Total poll cycles started",
	})

	PollCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reconciler",
		Subsystem: "poller",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of a full poll cycle",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	PollInvoicesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "poller",
		Name:      "invoices_processed_total",
		Help:      "Invoices evaluated by the poller, by outcome",
	}, []string{"chain", "outcome"})

	PollInvoicesSkippedLocked = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "poller",
		Name:      "invoices_skipped_locked_total",
		Help:      "Invoices skipped because another worker held the invoice lock",
	})

	// Explorer
	ExplorerCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "explorer",
		Name:      "calls_total",
		Help:      "Explorer HTTP calls by status class",
	}, []string{"chain", "method", "status"})

	ExplorerCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "reconciler",
		Subsystem: "explorer",
		Name:      "call_duration_seconds",
		Help:      "Explorer HTTP call latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"chain", "method"})

	ExplorerRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "explorer",
		Name:      "rate_limit_waits_total",
		Help:      "Total times explorer calls waited for the rate limiter",
	}, []string{"chain"})

	ExplorerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "explorer",
		Name:      "retries_total",
		Help:      "Explorer call retries after transient failures",
	}, []string{"chain"})

	ExplorerCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Subsystem: "explorer",
		Name:      "circuit_state",
		Help:      "Explorer circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"chain"})

	// Matcher / state machine
	MatchVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "matcher",
		Name:      "verdicts_total",
		Help:      "Match verdicts by kind",
	}, []string{"chain", "verdict"})

	TransfersExcludedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "matcher",
		Name:      "transfers_excluded_total",
		Help:      "Observed transfers left out of matching, by reason",
	}, []string{"chain", "reason"})

	InvoiceTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "engine",
		Name:      "transitions_total",
		Help:      "Invoice status transitions",
	}, []string{"from", "to"})

	PaymentsRecordedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "engine",
		Name:      "payments_recorded_total",
		Help:      "New payment transactions recorded",
	}, []string{"chain"})

	DataInconsistenciesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "engine",
		Name:      "data_inconsistencies_total",
		Help:      "Observations rejected as inconsistent",
	}, []string{"chain", "reason"})

	EventsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "engine",
		Name:      "events_emitted_total",
		Help:      "Domain events emitted",
	}, []string{"event"})

	NotificationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "notify",
		Name:      "failures_total",
		Help:      "Notification deliveries that failed",
	}, []string{"channel", "event"})

	// Ledger sync
	LedgerSyncAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "ledger_sync",
		Name:      "attempts_total",
		Help:      "Ledger sync attempts by result",
	}, []string{"result"})

	LedgerSyncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reconciler",
		Subsystem: "ledger_sync",
		Name:      "attempt_duration_seconds",
		Help:      "Ledger API call latency",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	LedgerSyncTerminalFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "ledger_sync",
		Name:      "terminal_failures_total",
		Help:      "Sync records that exhausted retries",
	})

	// Registry
	RegistryReloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "registry",
		Name:      "reloads_total",
		Help:      "Registry reloads by result",
	}, []string{"result"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent successfully",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts suppressed by cooldown",
	}, []string{"channel", "type"})

	// Admin
	AdminMutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reconciler",
		Subsystem: "admin",
		Name:      "mutations_total",
		Help:      "Mutating admin API calls by action and status class",
	}, []string{"action", "status"})

	// DB pool
	DBPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Subsystem: "db_pool",
		Name:      "open_connections",
		Help:      "Open connections in the database pool",
	})

	DBPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Subsystem: "db_pool",
		Name:      "in_use_connections",
		Help:      "Connections currently in use",
	})

	DBPoolWaitCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reconciler",
		Subsystem: "db_pool",
		Name:      "wait_count",
		Help:      "Total number of connections waited for",
	})
)
