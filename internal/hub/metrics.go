package hub

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the hub. Registered on a private registry so
// tests can build multiple servers in one process.
type hubMetrics struct {
	registry *prometheus.Registry

	agentsRegistered prometheus.Gauge
	streamsAttached  prometheus.Gauge

	messagesIngested *prometheus.CounterVec
	receiptsTotal    *prometheus.CounterVec
	framesSent       prometheus.Counter
	framesReceived   prometheus.Counter

	queuedMessages  prometheus.Gauge
	queueOverflows  prometheus.Counter
	rulesApplied    prometheus.Counter
	ruleErrors      prometheus.Counter
	evictionsTotal  prometheus.Counter
	rateLimited     prometheus.Counter
	historyMessages prometheus.Gauge
}

func newHubMetrics() *hubMetrics {
	m := &hubMetrics{registry: prometheus.NewRegistry()}

	m.agentsRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "a2a_agents_registered",
		Help: "Current number of registered agents",
	})
	m.streamsAttached = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "a2a_streams_attached",
		Help: "Current number of agents with a live stream",
	})
	m.messagesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "a2a_messages_ingested_total",
		Help: "Messages accepted for routing, by transport",
	}, []string{"transport"})
	m.receiptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "a2a_receipts_total",
		Help: "Delivery receipts issued, by status",
	}, []string{"status"})
	m.framesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "a2a_frames_sent_total",
		Help: "Stream frames written to agents",
	})
	m.framesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "a2a_frames_received_total",
		Help: "Stream frames read from agents",
	})
	m.queuedMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "a2a_queued_messages",
		Help: "Messages waiting in per-agent queues",
	})
	m.queueOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "a2a_queue_overflows_total",
		Help: "Messages dropped from a full per-agent queue",
	})
	m.rulesApplied = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "a2a_rules_applied_total",
		Help: "Routing rules successfully applied",
	})
	m.ruleErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "a2a_rule_errors_total",
		Help: "Routing rule evaluation failures",
	})
	m.evictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "a2a_heartbeat_evictions_total",
		Help: "Streams closed by the heartbeat monitor",
	})
	m.rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "a2a_rate_limited_publishes_total",
		Help: "Stream publishes rejected by the per-agent rate limiter",
	})
	m.historyMessages = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "a2a_history_messages",
		Help: "Messages retained across all topic histories",
	})

	m.registry.MustRegister(
		m.agentsRegistered, m.streamsAttached, m.messagesIngested,
		m.receiptsTotal, m.framesSent, m.framesReceived,
		m.queuedMessages, m.queueOverflows, m.rulesApplied, m.ruleErrors,
		m.evictionsTotal, m.rateLimited, m.historyMessages,
	)
	return m
}

func (m *hubMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
