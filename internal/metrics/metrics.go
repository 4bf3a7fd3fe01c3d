// Package metrics defines the Prometheus metrics exported on /metrics.
//
// All recording methods accept a nil *Metrics and do nothing, so packages
// can be used without a registry in tests and one-shot CLI commands.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "patchgate"

// Metrics holds every collector patchgate exports.
type Metrics struct {
	// HTTPRequests counts requests by route template, method and status code.
	HTTPRequests *prometheus.CounterVec
	// HTTPDuration measures request latency by route template.
	HTTPDuration *prometheus.HistogramVec

	// ApprovalsCreated counts created approval requests by action.
	ApprovalsCreated *prometheus.CounterVec
	// ApprovalDecisions counts decision attempts by decision and outcome
	// (ok, conflict, expired, not_found, error).
	ApprovalDecisions *prometheus.CounterVec

	// ScriptRuns counts privileged script runs by op and result
	// (success, failure, timeout).
	ScriptRuns *prometheus.CounterVec
	// ScriptDuration measures script wall time by op.
	ScriptDuration *prometheus.HistogramVec

	// Notifications counts chat webhook posts by result.
	Notifications *prometheus.CounterVec
	// WebhookRejections counts inbound callbacks refused before parsing.
	WebhookRejections *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		ApprovalsCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "created_total",
			Help:      "Approval requests created by action.",
		}, []string{"action"}),
		ApprovalDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Approval decision attempts by decision and outcome.",
		}, []string{"decision", "outcome"}),
		ScriptRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "runs_total",
			Help:      "Privileged script runs by op and result.",
		}, []string{"op", "result"}),
		ScriptDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "run_duration_seconds",
			Help:      "Privileged script wall time by op.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"op"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "messages_total",
			Help:      "Chat webhook posts by result.",
		}, []string{"result"}),
		WebhookRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "webhook_rejections_total",
			Help:      "Inbound chat callbacks rejected by reason.",
		}, []string{"reason"}),
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(route, method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, method, code).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ApprovalCreated records a new approval request.
func (m *Metrics) ApprovalCreated(action string) {
	if m == nil {
		return
	}
	m.ApprovalsCreated.WithLabelValues(action).Inc()
}

// ApprovalDecided records a decision attempt and its outcome.
func (m *Metrics) ApprovalDecided(decision, outcome string) {
	if m == nil {
		return
	}
	m.ApprovalDecisions.WithLabelValues(decision, outcome).Inc()
}

// ScriptRun records a finished script.
func (m *Metrics) ScriptRun(op string, success, timedOut bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	switch {
	case timedOut:
		result = "timeout"
	case !success:
		result = "failure"
	}
	m.ScriptRuns.WithLabelValues(op, result).Inc()
	m.ScriptDuration.WithLabelValues(op).Observe(d.Seconds())
}

// Notified records a chat webhook post result ("sent" or "failed").
func (m *Metrics) Notified(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}

// WebhookRejected records an inbound callback refused for reason.
func (m *Metrics) WebhookRejected(reason string) {
	if m == nil {
		return
	}
	m.WebhookRejections.WithLabelValues(reason).Inc()
}
