package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the control plane
type Metrics struct {
	// Event log metrics
	EventsAppended  *prometheus.CounterVec
	CommitConflicts prometheus.Counter
	LastEventID     prometheus.Gauge

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Agent plane metrics
	Nodes        *prometheus.GaugeVec
	SyncTotal    *prometheus.CounterVec
	Heartbeats   *prometheus.CounterVec
	PlanCompiles prometheus.Histogram

	// Trust metrics
	TrustScore   *prometheus.GaugeVec
	TrustActions *prometheus.CounterVec

	// IPAM metrics
	PoolFree      *prometheus.GaugeVec
	PoolExhausted *prometheus.CounterVec

	// Webhook metrics
	WebhookDeliveries *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers on reg; pass a fresh registry in tests.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Events Appended Counter
		EventsAppended: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ztmesh_events_appended_total",
				Help: "Total events committed to the log by type",
			},
			[]string{"type"},
		),

		// Commit Conflict Counter
		CommitConflicts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "ztmesh_commit_conflicts_total",
				Help: "Optimistic concurrency rejections on append",
			},
		),

		// Last Event ID Gauge
		LastEventID: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "ztmesh_event_log_last_id",
				Help: "ID of the most recently committed event",
			},
		),

		// HTTP Request Counter
		HTTPRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ztmesh_http_requests_total",
				Help: "HTTP requests served by route, method, and status code",
			},
			[]string{"route", "method", "code"},
		),

		// HTTP Duration Histogram
		HTTPDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ztmesh_http_request_duration_seconds",
				Help:    "HTTP request latency by route",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		// Node Count Gauge
		Nodes: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ztmesh_nodes",
				Help: "Registered nodes by lifecycle status",
			},
			[]string{"status"},
		),

		// Sync Result Counter
		SyncTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ztmesh_sync_total",
				Help: "Agent sync responses",
			},
			[]string{"result"}, // result: changed, not_modified
		),

		// Heartbeat Counter
		Heartbeats: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ztmesh_heartbeats_total",
				Help: "Heartbeats accepted by node role",
			},
			[]string{"role"},
		),

		// Plan Compile Duration Histogram
		PlanCompiles: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ztmesh_plan_compile_duration_seconds",
				Help:    "Time to synthesize one node's peer plan",
				Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
			},
		),

		// Trust Score Gauge
		TrustScore: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ztmesh_trust_score",
				Help: "Latest composite trust score per node",
			},
			[]string{"node"},
		),

		// Trust Action Counter
		TrustActions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ztmesh_trust_actions_total",
				Help: "Trust verdicts applied after evaluation",
			},
			[]string{"action"}, // action: allow, restrict, isolate
		),

		// Free Address Gauge
		PoolFree: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ztmesh_ipam_free_addresses",
				Help: "Unleased addresses remaining per pool",
			},
			[]string{"pool"}, // pool: node, client
		),

		// Pool Exhaustion Counter
		PoolExhausted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ztmesh_ipam_exhausted_total",
				Help: "Allocation attempts that found no free address",
			},
			[]string{"pool"},
		),

		// Webhook Delivery Counter
		WebhookDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ztmesh_webhook_deliveries_total",
				Help: "Webhook delivery attempts by outcome",
			},
			[]string{"outcome"}, // outcome: delivered, retried, dead
		),
	}
}

// RecordHTTPRequest records one served request
func (m *Metrics) RecordHTTPRequest(route, method string, code int, seconds float64) {
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(seconds)
}

// RecordSync records a sync response outcome
func (m *Metrics) RecordSync(notModified bool) {
	result := "changed"
	if notModified {
		result = "not_modified"
	}
	m.SyncTotal.WithLabelValues(result).Inc()
}

// RecordHeartbeat counts an accepted heartbeat
func (m *Metrics) RecordHeartbeat(role string) {
	m.Heartbeats.WithLabelValues(role).Inc()
}

// RecordPlanCompile records one synthesis pass
func (m *Metrics) RecordPlanCompile(seconds float64) {
	m.PlanCompiles.Observe(seconds)
}

// RecordTrustEvaluation updates the score gauge and counts the verdict
func (m *Metrics) RecordTrustEvaluation(nodeID string, score int, action string) {
	m.TrustScore.WithLabelValues(nodeID).Set(float64(score))
	m.TrustActions.WithLabelValues(action).Inc()
}

// RecordPoolExhausted counts a failed allocation
func (m *Metrics) RecordPoolExhausted(pool string) {
	m.PoolExhausted.WithLabelValues(pool).Inc()
}

// RecordWebhookDelivery records one delivery attempt outcome
func (m *Metrics) RecordWebhookDelivery(outcome string) {
	m.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// RecordConflict counts an optimistic concurrency rejection
func (m *Metrics) RecordConflict() {
	m.CommitConflicts.Inc()
}
