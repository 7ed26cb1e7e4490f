package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Engine metrics
	MessagesSent        *prometheus.CounterVec // kind: unicast, broadcast, notification
	MessagesEavesdrop   prometheus.Counter
	MessagesDropped     *prometheus.CounterVec // reason: quota, pool, match, dead
	PolicyDenials       *prometheus.CounterVec // access: see, talk, own
	ReplyTimeouts       prometheus.Counter
	ConnectionsActive   prometheus.Gauge
	NamesOwned          prometheus.Gauge
	QueueDepth          prometheus.Gauge
	PoolBytesInUse      prometheus.Gauge
	NotificationsQueued prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSMessages    *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot Snapshot

	mu sync.RWMutex
}

// Snapshot holds current metric values for the JSON stats API
type Snapshot struct {
	MessagesSent      int64 `json:"messages_sent"`
	MessagesBroadcast int64 `json:"messages_broadcast"`
	MessagesEavesdrop int64 `json:"messages_eavesdropped"`
	PolicyDenials     int64 `json:"policy_denials"`
	ReplyTimeouts     int64 `json:"reply_timeouts"`
	ActiveConnections int64 `json:"active_connections"`
	NamesOwned        int64 `json:"names_owned"`
	TotalRequests     int64 `json:"total_requests"`
	TotalErrors       int64 `json:"total_errors"`
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "busd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "busd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		// Engine metrics
		MessagesSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "busd_messages_sent_total",
				Help: "Total number of messages accepted by the send pipeline",
			},
			[]string{"kind"},
		),
		MessagesEavesdrop: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "busd_messages_eavesdropped_total",
				Help: "Total number of message copies delivered to monitors",
			},
		),
		MessagesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "busd_messages_dropped_total",
				Help: "Total number of message copies dropped before delivery",
			},
			[]string{"reason"},
		),
		PolicyDenials: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "busd_policy_denials_total",
				Help: "Total number of policy denials",
			},
			[]string{"access"},
		),
		ReplyTimeouts: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "busd_reply_timeouts_total",
				Help: "Total number of expired reply deadlines",
			},
		),
		ConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "busd_connections_active",
				Help: "Number of active bus connections",
			},
		),
		NamesOwned: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "busd_names_owned",
				Help: "Number of registered well-known names",
			},
		),
		QueueDepth: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "busd_queue_depth",
				Help: "Total queued messages across all connections",
			},
		),
		PoolBytesInUse: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "busd_pool_bytes_in_use",
				Help: "Total pool bytes held by queued messages",
			},
		),
		NotificationsQueued: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "busd_notifications_queued_total",
				Help: "Total number of kernel notifications queued",
			},
		),

		// WebSocket metrics
		WSConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "busd_ws_connections",
				Help: "Number of active WebSocket sessions",
			},
		),
		WSMessages: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "busd_ws_messages_total",
				Help: "Total number of WebSocket messages",
			},
			[]string{"direction", "type"},
		),

		// System metrics
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "busd_uptime_seconds",
				Help: "Daemon uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())

	m.mu.Lock()
	m.snapshot.TotalRequests++
	if len(status) > 0 && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordSend records an accepted message by kind
func (m *Metrics) RecordSend(kind string) {
	m.MessagesSent.WithLabelValues(kind).Inc()

	m.mu.Lock()
	m.snapshot.MessagesSent++
	if kind == "broadcast" {
		m.snapshot.MessagesBroadcast++
	}
	m.mu.Unlock()
}

// RecordEavesdrop records a monitor copy
func (m *Metrics) RecordEavesdrop() {
	m.MessagesEavesdrop.Inc()

	m.mu.Lock()
	m.snapshot.MessagesEavesdrop++
	m.mu.Unlock()
}

// RecordDrop records a swallowed per-receiver failure
func (m *Metrics) RecordDrop(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordPolicyDenial records a policy denial by access class
func (m *Metrics) RecordPolicyDenial(access string) {
	m.PolicyDenials.WithLabelValues(access).Inc()

	m.mu.Lock()
	m.snapshot.PolicyDenials++
	m.mu.Unlock()
}

// RecordReplyTimeout records an expired reply deadline
func (m *Metrics) RecordReplyTimeout() {
	m.ReplyTimeouts.Inc()

	m.mu.Lock()
	m.snapshot.ReplyTimeouts++
	m.mu.Unlock()
}

// RecordNotification records a queued kernel notification
func (m *Metrics) RecordNotification() {
	m.NotificationsQueued.Inc()
}

// SetConnectionsActive sets the number of active connections
func (m *Metrics) SetConnectionsActive(count int) {
	m.ConnectionsActive.Set(float64(count))

	m.mu.Lock()
	m.snapshot.ActiveConnections = int64(count)
	m.mu.Unlock()
}

// SetNamesOwned sets the number of registered names
func (m *Metrics) SetNamesOwned(count int) {
	m.NamesOwned.Set(float64(count))

	m.mu.Lock()
	m.snapshot.NamesOwned = int64(count)
	m.mu.Unlock()
}

// SetQueueDepth sets the total queued message count
func (m *Metrics) SetQueueDepth(count int) {
	m.QueueDepth.Set(float64(count))
}

// SetPoolBytesInUse sets the total pool bytes held by queued messages
func (m *Metrics) SetPoolBytesInUse(bytes uint64) {
	m.PoolBytesInUse.Set(float64(bytes))
}

// RecordWSMessage records a WebSocket message
func (m *Metrics) RecordWSMessage(direction, msgType string) {
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

// IncWSConnections increments WebSocket sessions
func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

// DecWSConnections decrements WebSocket sessions
func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

// GetSnapshot returns the current values for the JSON stats API
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
