package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/patchgate/internal/approval"
	"github.com/ppiankov/patchgate/internal/audit"
	"github.com/ppiankov/patchgate/internal/client"
	"github.com/ppiankov/patchgate/internal/executor"
	"github.com/ppiankov/patchgate/internal/metrics"
	"github.com/ppiankov/patchgate/internal/notify"
	"github.com/ppiankov/patchgate/internal/orchestrator"
	"github.com/ppiankov/patchgate/internal/validate"
)

const (
	testToken  = "s3cret-token"
	testSecret = "signing-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeGate keeps real approval semantics and canned answers for the rest.
type fakeGate struct {
	store   *approval.MemoryStore
	mu      sync.Mutex
	updates []orchestrator.UpdateRequest
	limit   int
}

func (g *fakeGate) CheckUpdates(_ context.Context, name string) (*orchestrator.UpdatesReport, error) {
	if name != "" {
		if _, err := validate.CheckComponent(name); err != nil {
			return nil, err
		}
	}
	return &orchestrator.UpdatesReport{Updates: []orchestrator.UpdateInfo{}}, nil
}

func (g *fakeGate) SystemStatus(context.Context) (*orchestrator.SystemReport, error) {
	return &orchestrator.SystemReport{Overall: orchestrator.Overall{Total: 8}}, nil
}

func (g *fakeGate) ListBackups(context.Context, string) (*orchestrator.BackupList, error) {
	return &orchestrator.BackupList{Backups: []executor.Backup{}}, nil
}

func (g *fakeGate) UpdateHistory(_ context.Context, limit int, _ audit.Filter) (*orchestrator.HistoryReport, error) {
	g.mu.Lock()
	g.limit = limit
	g.mu.Unlock()
	return &orchestrator.HistoryReport{History: []audit.Event{}}, nil
}

func (g *fakeGate) ApplyUpdate(ctx context.Context, in orchestrator.UpdateRequest) (*orchestrator.Outcome, error) {
	g.mu.Lock()
	g.updates = append(g.updates, in)
	g.mu.Unlock()
	req, err := g.store.Create(ctx, approval.ActionUpdate, approval.Details{Component: in.Component, ToVersion: in.Version})
	if err != nil {
		return nil, err
	}
	return &orchestrator.Outcome{Status: orchestrator.StatusPendingApproval, ApprovalID: req.ID}, nil
}

func (g *fakeGate) RollbackComponent(context.Context, orchestrator.RollbackRequest) (*orchestrator.Outcome, error) {
	return &orchestrator.Outcome{Status: orchestrator.StatusPendingApproval}, nil
}

func (g *fakeGate) ScheduleMaintenance(context.Context, orchestrator.MaintenanceRequest) (*orchestrator.Outcome, error) {
	return &orchestrator.Outcome{Status: orchestrator.StatusPendingApproval}, nil
}

func (g *fakeGate) CheckApprovalStatus(ctx context.Context, id string) (*orchestrator.ApprovalStatus, error) {
	req, err := g.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &orchestrator.ApprovalStatus{Request: req, Status: string(req.Status)}, nil
}

func (g *fakeGate) GetApproval(ctx context.Context, id string) (*approval.Request, error) {
	return g.store.Get(ctx, id)
}

func (g *fakeGate) Decide(ctx context.Context, id string, d approval.Decision, actor string) (*approval.Request, error) {
	return g.store.Decide(ctx, id, d, actor)
}

func (g *fakeGate) RestartServices(_ context.Context, services []string, _ string) (*executor.Result, error) {
	if err := validate.CheckServices(services, []string{"n8n"}); err != nil {
		return nil, err
	}
	return &executor.Result{Success: true}, nil
}

type harness struct {
	gate    *fakeGate
	clock   *clock
	metrics *metrics.Metrics
	router  *gin.Engine
	srv     *httptest.Server
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	c := &clock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	gate := &fakeGate{store: approval.NewMemoryStore(approval.WithClock(c.Now))}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	h := &harness{gate: gate, clock: c, metrics: m}
	// The relay forwards decisions back to this same router over HTTP.
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.router.ServeHTTP(w, r)
	}))
	t.Cleanup(h.srv.Close)

	cfg := Config{
		ServiceToken:  testToken,
		SigningSecret: testSecret,
		Metrics:       m,
		Gatherer:      reg,
		Now:           c.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	relay := notify.NewRelay(client.New(h.srv.URL, testToken), nil, nil)
	h.router = NewRouter(gate, relay, cfg)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (h *harness) pending(t *testing.T) string {
	t.Helper()
	req, err := h.gate.store.Create(context.Background(), approval.ActionUpdate, approval.Details{Component: "n8n", ToVersion: "1.76.0"})
	require.NoError(t, err)
	return req.ID
}

func TestHealthIsOpen(t *testing.T) {
	h := newHarness(t, nil)
	w := h.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestBearerToken(t *testing.T) {
	h := newHarness(t, nil)

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/tools/system-status", nil, "").Code)
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/tools/system-status", nil, "wrong").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/tools/system-status", nil, testToken).Code)

	req := httptest.NewRequest(http.MethodGet, "/tools/system-status", nil)
	req.Header.Set("Authorization", "Basic "+testToken)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestUnsetTokenDisablesProtectedEndpoints(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.ServiceToken = "" })
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodGet, "/tools/check-updates", nil, "anything").Code)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(t, http.MethodPost, "/approvals/x/approve", map[string]string{"approvedBy": "a"}, "").Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/health", nil, "").Code)
}

func TestApplyUpdateBinding(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/tools/apply-update", map[string]string{"component": "n8n", "version": "1.76.0;id"}, testToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	ve := decode(t, w)["validation_error"].(map[string]any)
	assert.Equal(t, "version", ve["field"])

	w = h.do(t, http.MethodPost, "/tools/apply-update", map[string]string{"component": "mysql", "version": "8.0.1"}, testToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/tools/apply-update", "not an object", testToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, h.gate.updates)

	w = h.do(t, http.MethodPost, "/tools/apply-update", map[string]string{"component": "n8n", "version": "1.76.0", "reason": "nodes"}, testToken)
	assert.Equal(t, http.StatusAccepted, w.Code)
	out := decode(t, w)
	assert.Equal(t, "pending_approval", out["status"])
	assert.NotEmpty(t, out["approvalId"])
	require.Len(t, h.gate.updates, 1)
	assert.Equal(t, "nodes", h.gate.updates[0].Reason)
}

func TestOtherBodies(t *testing.T) {
	h := newHarness(t, nil)

	w := h.do(t, http.MethodPost, "/tools/rollback", map[string]any{"component": "postgres", "version": "16.3.0", "backupFilename": "../x.sql"}, testToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = h.do(t, http.MethodPost, "/tools/rollback", map[string]any{"component": "postgres", "version": "16.3.0", "backupFilename": "postgres-20250101.sql"}, testToken)
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = h.do(t, http.MethodPost, "/tools/schedule-maintenance", map[string]any{
		"startTime": "2025-03-02T00:00:00Z", "durationMinutes": 600,
		"updates": []map[string]string{{"component": "vault", "version": "1.18.3"}},
	}, testToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = h.do(t, http.MethodPost, "/tools/schedule-maintenance", map[string]any{
		"startTime": "2025-03-02T00:00:00Z", "durationMinutes": 60,
		"updates": []map[string]string{{"component": "vault", "version": "bad"}},
	}, testToken)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = h.do(t, http.MethodPost, "/tools/schedule-maintenance", map[string]any{
		"startTime": "2025-03-02T00:00:00Z", "durationMinutes": 60,
		"updates": []map[string]string{{"component": "vault", "version": "1.18.3"}},
	}, testToken)
	assert.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/tools/restart-services", map[string]any{"services": []string{}}, testToken).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/tools/restart-services", map[string]any{"services": []string{"vault"}}, testToken).Code)
	assert.Equal(t, http.StatusOK, h.do(t, http.MethodPost, "/tools/restart-services", map[string]any{"services": []string{"n8n"}}, testToken).Code)

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/tools/check-approval-status", map[string]string{"approvalId": "nope"}, testToken).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/tools/check-updates?component=mysql", nil, testToken).Code)
}

func TestUpdateHistoryLimit(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/tools/update-history?limit=abc", nil, testToken).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/tools/update-history?limit=-1", nil, testToken).Code)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/tools/update-history?limit=5", nil, testToken).Code)
	assert.Equal(t, 5, h.gate.limit)
}

func TestDecisionErrors(t *testing.T) {
	h := newHarness(t, nil)
	id := h.pending(t)
	decide := func(verb string, body any) int {
		return h.do(t, http.MethodPost, "/approvals/"+id+"/"+verb, body, testToken).Code
	}

	assert.Equal(t, http.StatusBadRequest, decide("approve", map[string]string{}))
	assert.Equal(t, http.StatusOK, decide("approve", map[string]string{"approvedBy": "alice"}))
	assert.Equal(t, http.StatusConflict, decide("deny", map[string]string{"approvedBy": "bob"}))

	w := h.do(t, http.MethodGet, "/approvals/"+id, nil, testToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "approved", decode(t, w)["status"])

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/approvals/00000000-0000-4000-8000-000000000000/approve", map[string]string{"approvedBy": "a"}, testToken).Code)

	late := h.pending(t)
	h.clock.Advance(2 * time.Hour)
	assert.Equal(t, http.StatusGone, h.do(t, http.MethodPost, "/approvals/"+late+"/approve", map[string]string{"approvedBy": "a"}, testToken).Code)
}

func (h *harness) callback(t *testing.T, ts time.Time, action, id string, sign func(ts string, body []byte) string) *httptest.ResponseRecorder {
	t.Helper()
	payload := `{"actions":[{"action_id":"` + action + `","value":"` + id + `"}],"user":{"id":"U1","username":"alice"}}`
	body := []byte(url.Values{"payload": {payload}}.Encode())
	stamp := strconv.FormatInt(ts.Unix(), 10)

	req := httptest.NewRequest(http.MethodPost, "/approvals", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set(notify.HeaderTimestamp, stamp)
	req.Header.Set(notify.HeaderSignature, sign(stamp, body))
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func validSig(ts string, body []byte) string { return notify.Sign(testSecret, ts, body) }

func TestSignedCallbackDecides(t *testing.T) {
	h := newHarness(t, nil)
	id := h.pending(t)

	w := h.callback(t, h.clock.Now(), notify.ActionApprove, id, validSig)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, decode(t, w)["message"], "Approved by alice")

	req, err := h.gate.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, req.Status)
	assert.Equal(t, "alice", req.ApprovedBy)

	// redelivery is settled, not retried
	w = h.callback(t, h.clock.Now(), notify.ActionApprove, id, validSig)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, decode(t, w)["message"], "already decided")
}

func TestSignedCallbackRejections(t *testing.T) {
	h := newHarness(t, nil)
	id := h.pending(t)

	w := h.callback(t, h.clock.Now(), notify.ActionApprove, id, func(string, []byte) string { return "v0=deadbeef" })
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.callback(t, h.clock.Now().Add(-6*time.Minute), notify.ActionApprove, id, validSig)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/approvals", bytes.NewReader([]byte("payload={}")))
	w = httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	got, err := h.gate.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPending, got.Status)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookRejections.WithLabelValues("bad_signature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookRejections.WithLabelValues("stale_timestamp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.WebhookRejections.WithLabelValues("missing_headers")))
}

func TestCallbackWithoutSecret(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SigningSecret = "" })
	w := h.callback(t, h.clock.Now(), notify.ActionApprove, h.pending(t), validSig)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCallbackMissingPayload(t *testing.T) {
	h := newHarness(t, nil)
	body := []byte("token=x")
	stamp := strconv.FormatInt(h.clock.Now().Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/approvals", bytes.NewReader(body))
	req.Header.Set(notify.HeaderTimestamp, stamp)
	req.Header.Set(notify.HeaderSignature, validSig(stamp, body))
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCallbackRateLimited(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.WebhookRate = 0.001
		c.WebhookBurst = 1
	})
	id := h.pending(t)
	assert.Equal(t, http.StatusOK, h.callback(t, h.clock.Now(), notify.ActionDeny, id, validSig).Code)
	assert.Equal(t, http.StatusTooManyRequests, h.callback(t, h.clock.Now(), notify.ActionDeny, id, validSig).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, nil)
	h.do(t, http.MethodGet, "/health", nil, "")

	w := h.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `patchgate_http_requests_total{code="200",method="GET",route="/health"} 1`)
}
