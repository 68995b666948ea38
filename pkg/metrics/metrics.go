package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	MessagesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_messages_enqueued_total",
			Help: "Total number of messages enqueued by direction and priority",
		},
		[]string{"direction", "priority"},
	)

	MessagesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_messages_completed_total",
			Help: "Total number of messages reaching a terminal status",
		},
		[]string{"direction", "status"},
	)

	MessageRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shepherd_message_retries_total",
			Help: "Total number of delivery retries applied",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shepherd_queue_depth",
			Help: "Number of non-terminal messages by direction and status",
		},
		[]string{"direction", "status"},
	)

	// Dispatch metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shepherd_dispatch_latency_seconds",
			Help:    "Time from message creation to terminal status in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Connection metrics
	ConnectedAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shepherd_connected_agents",
			Help: "Number of agents with a live connection",
		},
	)

	// Orchestration metrics
	OrchestrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shepherd_reboot_orchestrations_total",
			Help: "Total number of reboot orchestrations by terminal status",
		},
		[]string{"status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(MessagesEnqueued)
	prometheus.MustRegister(MessagesCompleted)
	prometheus.MustRegister(MessageRetries)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(ConnectedAgents)
	prometheus.MustRegister(OrchestrationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
