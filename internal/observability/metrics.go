// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Feed metrics
	TicksAccepted  *prometheus.CounterVec
	TicksRejected  *prometheus.CounterVec
	FeedReconnects prometheus.Counter

	// Lifecycle metrics
	Transitions   *prometheus.CounterVec
	TrackedSetups prometheus.Gauge

	// Execution metrics
	OrdersPlaced   *prometheus.CounterVec
	OrdersFailed   *prometheus.CounterVec
	FillsRecorded  *prometheus.CounterVec
	MonitorDepth   prometheus.Gauge
	EntryLatency   prometheus.Histogram
	SizingBlocked  prometheus.Counter
	StatesRaceLost prometheus.Counter

	// Reconciler metrics
	ReconcilerRuns        prometheus.Counter
	ReconcilerForceClosed prometheus.Counter
	ReconcilerQtySynced   prometheus.Counter
}

// NewMetrics creates a Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tradeexec"
	}

	return &Metrics{
		TicksAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_accepted_total",
			Help:      "Ticks accepted by the sequencer",
		}, []string{"symbol"}),
		TicksRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "ticks_rejected_total",
			Help:      "Ticks rejected as stale, duplicate, or malformed",
		}, []string{"symbol"}),
		FeedReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Market data feed reconnect attempts",
		}),

		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "transitions_total",
			Help:      "Confirmed setup phase transitions by target phase",
		}, []string{"to_phase"}),
		TrackedSetups: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "tracked_setups",
			Help:      "Setups currently under watch",
		}),

		OrdersPlaced: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "orders_placed_total",
			Help:      "Broker orders placed by phase",
		}, []string{"phase"}),
		OrdersFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "orders_failed_total",
			Help:      "Broker order failures by phase",
		}, []string{"phase"}),
		FillsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "fills_recorded_total",
			Help:      "Fill ledger entries by source",
		}, []string{"source"}),
		MonitorDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "monitor_depth",
			Help:      "Orders currently under polling supervision",
		}),
		EntryLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "entry_latency_seconds",
			Help:      "Time from transition event to entry order acknowledgment",
			Buckets:   prometheus.DefBuckets,
		}),
		SizingBlocked: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "sizing_blocked_total",
			Help:      "Entries skipped because sizing failed closed",
		}),
		StatesRaceLost: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "state_races_lost_total",
			Help:      "Entry inserts lost to another writer and compensated",
		}),

		ReconcilerRuns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Completed reconciliation passes",
		}),
		ReconcilerForceClosed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "force_closed_total",
			Help:      "States force-closed for lack of broker exposure",
		}),
		ReconcilerQtySynced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "quantity_synced_total",
			Help:      "States whose quantity was synced to the broker ledger",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
