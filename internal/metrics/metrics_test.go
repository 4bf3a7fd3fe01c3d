package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecording(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveHTTP("/health", "GET", "200", 5*time.Millisecond)
	m.ApprovalCreated("update")
	m.ApprovalDecided("approve", "ok")
	m.ApprovalDecided("approve", "conflict")
	m.ScriptRun("update", true, false, time.Second)
	m.ScriptRun("update", false, true, 5*time.Minute)
	m.Notified("failed")
	m.WebhookRejected("stale_timestamp")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("/health", "GET", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ApprovalsCreated.WithLabelValues("update")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ApprovalDecisions.WithLabelValues("approve", "conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScriptRuns.WithLabelValues("update", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ScriptRuns.WithLabelValues("update", "timeout")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ScriptRuns.WithLabelValues("update", "failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Notifications.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebhookRejections.WithLabelValues("stale_timestamp")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveHTTP("/", "GET", "200", time.Millisecond)
		m.ApprovalCreated("update")
		m.ApprovalDecided("deny", "ok")
		m.ScriptRun("rollback", false, false, time.Second)
		m.Notified("sent")
		m.WebhookRejected("bad_signature")
	})
}

func TestSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
