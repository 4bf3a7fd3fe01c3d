package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/patchgate/internal/approval"
	"github.com/ppiankov/patchgate/internal/audit"
	"github.com/ppiankov/patchgate/internal/orchestrator"
	"github.com/ppiankov/patchgate/internal/validate"
)

// fakeTools validates like the orchestrator and keeps approvals in a real store.
type fakeTools struct {
	store *approval.MemoryStore

	mu          sync.Mutex
	updates     []orchestrator.UpdateRequest
	maintenance []orchestrator.MaintenanceRequest
	filter      audit.Filter
}

func (f *fakeTools) CheckUpdates(_ context.Context, name string) (*orchestrator.UpdatesReport, error) {
	if name != "" {
		if _, err := validate.CheckComponent(name); err != nil {
			return nil, err
		}
	}
	return &orchestrator.UpdatesReport{
		Updates: []orchestrator.UpdateInfo{{Component: "traefik", Current: "v3.2.3", Latest: "v3.2.4", UpdateAvailable: true}},
		Summary: orchestrator.UpdateSummary{Total: 1, UpdatesAvailable: 1},
	}, nil
}

func (f *fakeTools) SystemStatus(context.Context) (*orchestrator.SystemReport, error) {
	return &orchestrator.SystemReport{Overall: orchestrator.Overall{Total: 8}}, nil
}

func (f *fakeTools) ListBackups(context.Context, string) (*orchestrator.BackupList, error) {
	return &orchestrator.BackupList{}, nil
}

func (f *fakeTools) UpdateHistory(_ context.Context, _ int, filter audit.Filter) (*orchestrator.HistoryReport, error) {
	f.mu.Lock()
	f.filter = filter
	f.mu.Unlock()
	return &orchestrator.HistoryReport{History: []audit.Event{}}, nil
}

func (f *fakeTools) ApplyUpdate(ctx context.Context, in orchestrator.UpdateRequest) (*orchestrator.Outcome, error) {
	if _, err := validate.CheckComponent(in.Component); err != nil {
		return nil, err
	}
	if err := validate.CheckVersion(in.Version); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.updates = append(f.updates, in)
	f.mu.Unlock()
	req, err := f.store.Create(ctx, approval.ActionUpdate, approval.Details{Component: in.Component, ToVersion: in.Version})
	if err != nil {
		return nil, err
	}
	return &orchestrator.Outcome{Status: orchestrator.StatusPendingApproval, ApprovalID: req.ID}, nil
}

func (f *fakeTools) RollbackComponent(context.Context, orchestrator.RollbackRequest) (*orchestrator.Outcome, error) {
	return &orchestrator.Outcome{Status: orchestrator.StatusPendingApproval}, nil
}

func (f *fakeTools) ScheduleMaintenance(_ context.Context, in orchestrator.MaintenanceRequest) (*orchestrator.Outcome, error) {
	f.mu.Lock()
	f.maintenance = append(f.maintenance, in)
	f.mu.Unlock()
	return &orchestrator.Outcome{Status: orchestrator.StatusPendingApproval, MaintenanceID: "m-1"}, nil
}

func (f *fakeTools) CheckApprovalStatus(ctx context.Context, id string) (*orchestrator.ApprovalStatus, error) {
	req, err := f.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &orchestrator.ApprovalStatus{Request: req, Status: string(req.Status)}, nil
}

func newTestServer(t *testing.T) (*Server, *fakeTools) {
	t.Helper()
	tools := &fakeTools{store: approval.NewMemoryStore()}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(tools, Config{Version: "test", Logger: log}), tools
}

func errorPayload(t *testing.T, res *mcpsdk.CallToolResult) ErrorOutput {
	t.Helper()
	if res == nil || !res.IsError {
		t.Fatal("expected IsError result")
	}
	out, ok := res.StructuredContent.(ErrorOutput)
	if !ok {
		t.Fatalf("expected ErrorOutput, got %T", res.StructuredContent)
	}
	return out
}

func TestApplyUpdatePending(t *testing.T) {
	s, tools := newTestServer(t)
	ctx := context.Background()

	res, out, err := s.handleApplyUpdate(ctx, &mcpsdk.CallToolRequest{}, ApplyUpdateInput{
		Component: "n8n",
		Version:   "1.76.0",
		Reason:    "security fix",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil && res.IsError {
		t.Fatal("expected success, got error result")
	}
	outcome, ok := out.(*orchestrator.Outcome)
	if !ok {
		t.Fatalf("expected *orchestrator.Outcome, got %T", out)
	}
	if outcome.Status != orchestrator.StatusPendingApproval {
		t.Fatalf("expected pending_approval, got %q", outcome.Status)
	}
	if outcome.ApprovalID == "" {
		t.Fatal("expected approval ID")
	}
	if len(tools.updates) != 1 || tools.updates[0].Actor != Actor {
		t.Fatalf("expected one update recorded as %q, got %+v", Actor, tools.updates)
	}
}

func TestApplyUpdateValidationError(t *testing.T) {
	s, tools := newTestServer(t)

	res, out, err := s.handleApplyUpdate(context.Background(), &mcpsdk.CallToolRequest{}, ApplyUpdateInput{
		Component: "n8n",
		Version:   "1.76.0; rm -rf /",
	})
	if err != nil {
		t.Fatalf("validation failures must not be Go errors: %v", err)
	}
	if out != nil {
		t.Fatalf("expected no output, got %v", out)
	}
	payload := errorPayload(t, res)
	if payload.Code != "invalid_input" {
		t.Fatalf("expected invalid_input, got %q", payload.Code)
	}
	if payload.ValidationError == nil || payload.ValidationError.Field != "version" {
		t.Fatalf("expected version validation error, got %+v", payload.ValidationError)
	}
	text := res.Content[0].(*mcpsdk.TextContent).Text
	if !strings.Contains(text, `"validation_error"`) {
		t.Fatalf("expected validation_error in text content, got %s", text)
	}
	if len(tools.updates) != 0 {
		t.Fatal("rejected input must not reach the orchestrator")
	}
}

func TestCheckUpdatesUnknownComponent(t *testing.T) {
	s, _ := newTestServer(t)

	res, _, err := s.handleCheckUpdates(context.Background(), &mcpsdk.CallToolRequest{}, ComponentInput{Component: "mysql"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	payload := errorPayload(t, res)
	if payload.ValidationError == nil || payload.ValidationError.Field != "component" {
		t.Fatalf("expected component validation error, got %+v", payload)
	}
}

func TestCheckApprovalStatus(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	_, out, _ := s.handleApplyUpdate(ctx, &mcpsdk.CallToolRequest{}, ApplyUpdateInput{Component: "redis", Version: "7.4.2"})
	id := out.(*orchestrator.Outcome).ApprovalID

	res, st, err := s.handleCheckApproval(ctx, &mcpsdk.CallToolRequest{}, ApprovalInput{ApprovalID: id})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res != nil && res.IsError {
		t.Fatal("expected success")
	}
	if got := st.(*orchestrator.ApprovalStatus).Status; got != "pending" {
		t.Fatalf("expected pending, got %q", got)
	}
}

func TestCheckApprovalStatusErrors(t *testing.T) {
	s, _ := newTestServer(t)
	ctx := context.Background()

	res, _, _ := s.handleCheckApproval(ctx, &mcpsdk.CallToolRequest{}, ApprovalInput{})
	if p := errorPayload(t, res); p.ValidationError == nil || p.ValidationError.Field != "approvalId" {
		t.Fatalf("expected approvalId validation error, got %+v", p)
	}

	res, _, _ = s.handleCheckApproval(ctx, &mcpsdk.CallToolRequest{}, ApprovalInput{ApprovalID: "00000000-0000-4000-8000-000000000000"})
	if p := errorPayload(t, res); p.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", p.Code)
	}
}

func TestHistoryFilters(t *testing.T) {
	s, tools := newTestServer(t)
	ctx := context.Background()

	res, _, _ := s.handleHistory(ctx, &mcpsdk.CallToolRequest{}, HistoryInput{Limit: -1})
	if p := errorPayload(t, res); p.ValidationError == nil || p.ValidationError.Field != "limit" {
		t.Fatalf("expected limit validation error, got %+v", p)
	}

	_, out, err := s.handleHistory(ctx, &mcpsdk.CallToolRequest{}, HistoryInput{Component: "vault", Action: audit.ActionUpdateFailed})
	if err != nil || out == nil {
		t.Fatalf("expected history, got %v, %v", out, err)
	}
	if tools.filter.Component != "vault" || tools.filter.Action != audit.ActionUpdateFailed {
		t.Fatalf("filter not passed through: %+v", tools.filter)
	}
}

func TestScheduleMaintenancePassesUpdates(t *testing.T) {
	s, tools := newTestServer(t)

	_, out, err := s.handleScheduleMaintenance(context.Background(), &mcpsdk.CallToolRequest{}, MaintenanceInput{
		StartTime:       "2030-01-01T02:00:00Z",
		DurationMinutes: 60,
		Updates:         []PlannedUpdate{{Component: "postgres", Version: "16.5"}, {Component: "vault", Version: "1.18.3"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.(*orchestrator.Outcome).MaintenanceID != "m-1" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(tools.maintenance) != 1 {
		t.Fatal("expected one maintenance request")
	}
	got := tools.maintenance[0]
	if got.Actor != Actor || len(got.Updates) != 2 || got.Updates[1].Component != "vault" {
		t.Fatalf("unexpected request %+v", got)
	}
}

func connect(t *testing.T, s *Server) *mcpsdk.ClientSession {
	t.Helper()
	ctx := context.Background()
	st, ct := mcpsdk.NewInMemoryTransports()
	ss, err := s.Connect(ctx, st)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "test-agent", Version: "0"}, nil)
	cs, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	return cs
}

func TestToolsOverTransport(t *testing.T) {
	s, _ := newTestServer(t)
	cs := connect(t, s)
	ctx := context.Background()

	list, err := cs.ListTools(ctx, nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	want := []string{
		"apply_update", "check_approval_status", "check_updates", "get_system_status",
		"get_update_history", "list_backups", "rollback_component", "schedule_maintenance",
	}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Fatalf("tools = %v, want %v", names, want)
	}

	res, err := cs.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      "check_updates",
		Arguments: map[string]any{"component": "traefik"},
	})
	if err != nil {
		t.Fatalf("call check_updates: %v", err)
	}
	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res.Content)
	}
	var rep orchestrator.UpdatesReport
	if err := json.Unmarshal([]byte(res.Content[0].(*mcpsdk.TextContent).Text), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Summary.UpdatesAvailable != 1 || rep.Updates[0].Latest != "v3.2.4" {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestValidationErrorOverTransport(t *testing.T) {
	s, _ := newTestServer(t)
	cs := connect(t, s)

	res, err := cs.CallTool(context.Background(), &mcpsdk.CallToolParams{
		Name:      "apply_update",
		Arguments: map[string]any{"component": "../../etc", "version": "1.0.0"},
	})
	if err != nil {
		t.Fatalf("validation failures must arrive as tool results: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError")
	}
	var payload ErrorOutput
	if err := json.Unmarshal([]byte(res.Content[0].(*mcpsdk.TextContent).Text), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.ValidationError == nil || payload.ValidationError.Field != "component" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestHistorySchemaStatesDefault(t *testing.T) {
	s, _ := newTestServer(t)
	cs := connect(t, s)

	list, err := cs.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	for _, tool := range list.Tools {
		if tool.Name != "get_update_history" {
			continue
		}
		raw, err := json.Marshal(tool.InputSchema)
		if err != nil {
			t.Fatal(err)
		}
		var schema struct {
			Properties map[string]struct {
				Description string `json:"description"`
			} `json:"properties"`
		}
		if err := json.Unmarshal(raw, &schema); err != nil {
			t.Fatal(err)
		}
		desc := schema.Properties["limit"].Description
		if want := fmt.Sprintf("default %d", audit.DefaultHistoryLimit); !strings.Contains(desc, want) {
			t.Fatalf("limit description %q does not state %q", desc, want)
		}
		if want := fmt.Sprintf("at most %d", orchestrator.MaxHistoryLimit); !strings.Contains(desc, want) {
			t.Fatalf("limit description %q does not state %q", desc, want)
		}
		return
	}
	t.Fatal("get_update_history not listed")
}
