package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_relay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// Connection metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "support_relay_connections",
			Help: "Open websocket connections",
		},
	)

	JoinedUsers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "support_relay_joined_users",
			Help: "Registered identities by role",
		},
		[]string{"role"},
	)

	// Message metrics
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_relay_messages_routed_total",
			Help: "Messages accepted and routed",
		},
		[]string{"sender_role"},
	)

	ValidationFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "support_relay_validation_failures_total",
			Help: "Send payloads rejected by validation",
		},
	)

	TypingSignals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_relay_typing_signals_total",
			Help: "Typing signals relayed",
		},
		[]string{"is_typing"},
	)

	DroppedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "support_relay_dropped_frames_total",
			Help: "Outbound frames dropped because a connection buffer was full",
		},
		[]string{"event"},
	)

	HandlerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "support_relay_handler_panics_total",
			Help: "Event handlers that panicked and were recovered",
		},
	)

	// History metrics
	HistorySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "support_relay_history_size",
			Help: "Messages currently held in history",
		},
	)

	HistoryEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "support_relay_history_evictions_total",
			Help: "Messages evicted from history",
		},
	)
)
