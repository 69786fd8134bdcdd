package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the chat server.
//
// The three room counters keep their historical names (no prefix); the
// dashboards and alert rules query them by exactly these names.
var (
	// Room counters
	JoinedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "joined_total",
		Help: "Total amount of joined users",
	})

	LeftTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "left_total",
		Help: "Total amount of left users",
	})

	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "messages_total",
		Help: "Total amount of sent messages",
	})

	// Session metrics
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_sessions_active",
		Help: "Current number of connected chat sessions",
	})

	KicksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_kicks_total",
		Help: "Total sessions kicked, by reason",
	}, []string{"reason"})

	// Broadcast reliability
	BroadcastLaggedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_broadcast_lagged_total",
		Help: "Total lagged-subscriber events, by channel",
	}, []string{"channel"})

	// Upgrade endpoint
	UpgradeRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_upgrade_rejected_total",
		Help: "Total upgrade requests rejected before the WebSocket handshake, by reason",
	}, []string{"reason"})

	// Process stats (set by the process monitor)
	ProcessCPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_process_cpu_percent",
		Help: "Process CPU usage percentage",
	})

	ProcessMemoryBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_process_memory_bytes",
		Help: "Process resident memory in bytes",
	})

	ProcessGoroutines = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_process_goroutines",
		Help: "Current goroutine count",
	})
)

func init() {
	prometheus.MustRegister(
		JoinedTotal,
		LeftTotal,
		MessagesTotal,
		SessionsActive,
		KicksTotal,
		BroadcastLaggedTotal,
		UpgradeRejectedTotal,
		ProcessCPUPercent,
		ProcessMemoryBytes,
		ProcessGoroutines,
	)
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
