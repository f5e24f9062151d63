// Package metrics defines the prometheus collectors shared across the three
// binaries. promauto registers every collector in each binary that imports
// the package; each binary updates only the subset it drives.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfabric_tasks_created_total",
		Help: "Tasks inserted by type.",
	}, []string{"type"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfabric_tasks_completed_total",
		Help: "Tasks transitioned to a terminal status.",
	}, []string{"type", "status"})

	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketfabric_subscriptions_active",
		Help: "Distinct subscription keys this process currently tracks.",
	})

	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketfabric_ws_clients_connected",
		Help: "Currently connected WebSocket clients.",
	})

	ListenerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketfabric_listener_reconnects_total",
		Help: "Notification listener reconnect attempts.",
	})

	ListenerDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketfabric_listener_drops_total",
		Help: "Notifications dropped because the dispatch channel was full.",
	})

	BatchFlushSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketfabric_batch_flush_size",
		Help:    "Number of subscribe/unsubscribe intents coalesced per batching-window flush.",
		Buckets: prometheus.LinearBuckets(1, 2, 10),
	})

	SignalsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfabric_signals_emitted_total",
		Help: "Non-none strategy signals written by alert id's strategy type.",
	}, []string{"strategy_type", "signal"})

	UpstreamState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketfabric_upstream_ws_state",
		Help: "Exchange worker's upstream WS state: 0=disconnected 1=connecting 2=up 3=degraded.",
	})

	UpstreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketfabric_upstream_reconnects_total",
		Help: "Upstream market-data WebSocket reconnect attempts.",
	})

	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketfabric_exchange_tasks_in_flight",
		Help: "Tasks currently being executed by the exchange worker.",
	})
)
