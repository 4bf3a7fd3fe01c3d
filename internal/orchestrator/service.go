// Package orchestrator composes validation, risk policy, version
// resolution, approvals, script execution and auditing into the operations
// exposed to tool callers and the REST boundary.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ppiankov/patchgate/internal/approval"
	"github.com/ppiankov/patchgate/internal/audit"
	"github.com/ppiankov/patchgate/internal/component"
	"github.com/ppiankov/patchgate/internal/executor"
	"github.com/ppiankov/patchgate/internal/metrics"
	"github.com/ppiankov/patchgate/internal/version"
)

// Versions resolves deployed and upstream versions.
type Versions interface {
	CurrentVersions(ctx context.Context) map[component.Name]string
	CurrentVersion(ctx context.Context, name component.Name) string
	Snapshot(ctx context.Context, name component.Name, current string) version.Snapshot
}

// Runner executes privileged scripts.
type Runner interface {
	Update(ctx context.Context, name component.Name, version string) executor.Result
	Rollback(ctx context.Context, name component.Name, version, backup string) executor.Result
	Restart(ctx context.Context, services []string) executor.Result
	Status(ctx context.Context) ([]executor.ServiceStatus, error)
	Submit(ctx context.Context, job executor.Job) *executor.Task
	BackupDir() string
	Restartable() []string
}

// Notifier announces new approval requests. Delivery is best effort.
type Notifier interface {
	ApprovalCreated(ctx context.Context, req *approval.Request)
}

// AuditLog is the append-only record of state changes.
type AuditLog interface {
	Record(ev audit.Event) error
	History(limit int, filter audit.Filter) ([]audit.Event, error)
}

// Deps are the collaborators of a Service. Notifier and Metrics may be nil.
type Deps struct {
	Store    approval.Store
	Versions Versions
	Runner   Runner
	Notifier Notifier
	Audit    AuditLog
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

// Service implements the update gate.
type Service struct {
	store    approval.Store
	versions Versions
	runner   Runner
	notifier Notifier
	audit    AuditLog
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// New returns a Service over d.
func New(d Deps) *Service {
	s := &Service{
		store:    d.Store,
		versions: d.Versions,
		runner:   d.Runner,
		notifier: d.Notifier,
		audit:    d.Audit,
		metrics:  d.Metrics,
		log:      d.Logger,
		now:      d.Now,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// record appends to the audit log. A failed write is logged, not returned:
// the action it describes has already happened.
func (s *Service) record(ev audit.Event) {
	if err := s.audit.Record(ev); err != nil {
		s.log.Error("audit write failed", "action", ev.Action, "approval_id", ev.ApprovalID, "error", err)
	}
}

// announce counts, audits and notifies a freshly created approval.
func (s *Service) announce(ctx context.Context, req *approval.Request, action, actor string) {
	s.metrics.ApprovalCreated(string(req.Action))
	s.record(audit.Event{
		Action:     action,
		Component:  req.Details.Component,
		Version:    req.Details.ToVersion,
		Success:    true,
		ApprovalID: req.ID,
		Actor:      actor,
		Detail:     req.Details.Reason,
	})
	if s.notifier != nil {
		s.notifier.ApprovalCreated(ctx, req)
	}
	s.log.Info("approval requested",
		"approval_id", req.ID,
		"action", req.Action,
		"component", req.Details.Component,
		"risk", req.Details.RiskLevel,
	)
}
