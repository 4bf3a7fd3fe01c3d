package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ppiankov/patchgate/internal/approval"
	"github.com/ppiankov/patchgate/internal/audit"
	"github.com/ppiankov/patchgate/internal/component"
	"github.com/ppiankov/patchgate/internal/executor"
	"github.com/ppiankov/patchgate/internal/validate"
	"github.com/ppiankov/patchgate/internal/version"
)

// Outcome statuses.
const (
	StatusCompleted       = "completed"
	StatusFailed          = "failed"
	StatusExecuting       = "executing"
	StatusExecuted        = "executed"
	StatusPendingApproval = "pending_approval"
)

const (
	maxReasonLen       = 500
	maxMaintenanceMins = 480
)

// Outcome answers a mutating tool call.
type Outcome struct {
	Status        string           `json:"status"`
	Component     component.Name   `json:"component,omitempty"`
	FromVersion   string           `json:"fromVersion,omitempty"`
	ToVersion     string           `json:"toVersion,omitempty"`
	RiskLevel     string           `json:"riskLevel,omitempty"`
	ApprovalID    string           `json:"approvalId,omitempty"`
	ExpiresAt     *time.Time       `json:"expiresAt,omitempty"`
	MaintenanceID string           `json:"maintenanceId,omitempty"`
	Message       string           `json:"message,omitempty"`
	Result        *executor.Result `json:"result,omitempty"`
}

// UpdateRequest asks for component to move to version.
type UpdateRequest struct {
	Component string `json:"component"`
	Version   string `json:"version"`
	Reason    string `json:"reason"`
	Actor     string `json:"actor,omitempty"`
}

// RollbackRequest asks for component to return to version. BackupFilename
// names a database backup to restore; RestoreDatabase without a filename
// selects the newest backup of the component.
type RollbackRequest struct {
	Component       string `json:"component"`
	Version         string `json:"version"`
	Reason          string `json:"reason"`
	BackupFilename  string `json:"backupFilename,omitempty"`
	RestoreDatabase bool   `json:"restoreDatabase,omitempty"`
	Actor           string `json:"actor,omitempty"`
}

// MaintenanceRequest asks for a maintenance window covering updates.
type MaintenanceRequest struct {
	StartTime       string                   `json:"startTime"`
	DurationMinutes int                      `json:"durationMinutes"`
	Updates         []approval.PlannedUpdate `json:"updates"`
	NotifyUsers     bool                     `json:"notifyUsers,omitempty"`
	Reason          string                   `json:"reason,omitempty"`
	Actor           string                   `json:"actor,omitempty"`
}

func checkReason(reason string) error {
	if len(reason) > maxReasonLen {
		return &validate.ValidationError{Field: "reason", Value: reason[:32] + "...", Reason: fmt.Sprintf("longer than %d characters", maxReasonLen)}
	}
	return nil
}

func expiresAt(req *approval.Request) *time.Time {
	t := req.ExpiresAt
	return &t
}

// ApplyUpdate runs a low-risk patch update immediately and gates everything
// else behind an approval.
func (s *Service) ApplyUpdate(ctx context.Context, in UpdateRequest) (*Outcome, error) {
	name, err := validate.CheckComponent(in.Component)
	if err != nil {
		return nil, err
	}
	if err := validate.CheckVersion(in.Version); err != nil {
		return nil, err
	}
	if err := checkReason(in.Reason); err != nil {
		return nil, err
	}

	policy := name.Policy()
	current := s.versions.CurrentVersion(ctx, name)
	delta := version.Classify(current, in.Version)

	out := &Outcome{
		Component:   name,
		FromVersion: current,
		ToVersion:   in.Version,
		RiskLevel:   policy.Tier.String(),
	}

	if delta.UpdateAvailable && policy.AutoUpdateEligible(string(delta.Diff)) {
		s.record(audit.Event{
			Action:    audit.ActionUpdateStarted,
			Component: string(name),
			Version:   in.Version,
			Success:   true,
			Actor:     in.Actor,
			Detail:    "auto-approved " + string(delta.Diff) + " update from " + current,
		})
		res, err := s.execute(ctx, "update", func(ctx context.Context) executor.Result {
			return s.runner.Update(ctx, name, in.Version)
		}, func(r executor.Result) {
			s.recordResult(audit.ActionUpdateCompleted, audit.ActionUpdateFailed, r, "", in.Actor)
		})
		if err != nil {
			out.Status = StatusExecuting
			out.Message = "update is still running; see update history for the outcome"
			return out, nil
		}
		out.Result = &res
		out.Status = StatusFailed
		if res.Success {
			out.Status = StatusCompleted
		}
		return out, nil
	}

	req, err := s.store.Create(ctx, approval.ActionUpdate, approval.Details{
		Component:   string(name),
		FromVersion: current,
		ToVersion:   in.Version,
		Reason:      in.Reason,
		RiskLevel:   policy.Tier.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	s.announce(ctx, req, audit.ActionApprovalRequested, in.Actor)

	out.Status = StatusPendingApproval
	out.ApprovalID = req.ID
	out.ExpiresAt = expiresAt(req)
	out.Message = approvalReason(policy, delta)
	return out, nil
}

func approvalReason(p component.Policy, d version.Delta) string {
	switch {
	case !d.UpdateAvailable:
		return "target is not newer than the deployed version; approval required"
	case p.AutoUpdatePatch && d.Diff != version.DiffPatch:
		return string(d.Diff) + " update requires approval"
	default:
		return p.Tier.String() + " risk component requires approval"
	}
}

// RollbackComponent always creates an approval; rollbacks never run
// unattended.
func (s *Service) RollbackComponent(ctx context.Context, in RollbackRequest) (*Outcome, error) {
	name, err := validate.CheckComponent(in.Component)
	if err != nil {
		return nil, err
	}
	if err := validate.CheckVersion(in.Version); err != nil {
		return nil, err
	}
	if err := checkReason(in.Reason); err != nil {
		return nil, err
	}

	backup := in.BackupFilename
	switch {
	case backup != "":
		if _, err := validate.CheckBackupPath(s.runner.BackupDir(), backup); err != nil {
			return nil, err
		}
	case in.RestoreDatabase:
		b, ok, err := executor.NewestBackup(s.runner.BackupDir(), string(name))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, &validate.ValidationError{Field: "backup", Value: string(name), Reason: "no backup found for component"}
		}
		backup = b.Filename
	}

	policy := name.Policy()
	current := s.versions.CurrentVersion(ctx, name)
	req, err := s.store.Create(ctx, approval.ActionRollback, approval.Details{
		Component:      string(name),
		FromVersion:    current,
		ToVersion:      in.Version,
		Reason:         in.Reason,
		RiskLevel:      policy.Tier.String(),
		BackupFilename: backup,
	})
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	s.announce(ctx, req, audit.ActionApprovalRequested, in.Actor)

	msg := "rollback requires approval"
	if backup != "" {
		msg += "; database will be restored from " + backup
	}
	return &Outcome{
		Status:      StatusPendingApproval,
		Component:   name,
		FromVersion: current,
		ToVersion:   in.Version,
		RiskLevel:   policy.Tier.String(),
		ApprovalID:  req.ID,
		ExpiresAt:   expiresAt(req),
		Message:     msg,
	}, nil
}

// ScheduleMaintenance requests approval for a maintenance window. Nothing
// is scheduled: approval only records the window.
func (s *Service) ScheduleMaintenance(ctx context.Context, in MaintenanceRequest) (*Outcome, error) {
	start, err := time.Parse(time.RFC3339, in.StartTime)
	if err != nil {
		return nil, &validate.ValidationError{Field: "startTime", Value: in.StartTime, Reason: "must be an RFC 3339 timestamp"}
	}
	if !start.After(s.now()) {
		return nil, &validate.ValidationError{Field: "startTime", Value: in.StartTime, Reason: "must be in the future"}
	}
	if in.DurationMinutes < 1 || in.DurationMinutes > maxMaintenanceMins {
		return nil, &validate.ValidationError{Field: "durationMinutes", Value: fmt.Sprint(in.DurationMinutes), Reason: fmt.Sprintf("must be between 1 and %d", maxMaintenanceMins)}
	}
	if len(in.Updates) == 0 {
		return nil, &validate.ValidationError{Field: "updates", Reason: "at least one update is required"}
	}
	if err := checkReason(in.Reason); err != nil {
		return nil, err
	}

	names := make([]component.Name, 0, len(in.Updates))
	updates := make([]approval.PlannedUpdate, 0, len(in.Updates))
	for _, u := range in.Updates {
		n, err := validate.CheckComponent(u.Component)
		if err != nil {
			return nil, err
		}
		if err := validate.CheckVersion(u.Version); err != nil {
			return nil, err
		}
		names = append(names, n)
		updates = append(updates, u)
	}

	maintenanceID := uuid.NewString()
	req, err := s.store.Create(ctx, approval.ActionMaintenanceWindow, approval.Details{
		Reason:          in.Reason,
		RiskLevel:       component.Highest(names).String(),
		MaintenanceID:   maintenanceID,
		StartTime:       start.UTC().Format(time.RFC3339),
		DurationMinutes: in.DurationMinutes,
		Updates:         updates,
		NotifyUsers:     in.NotifyUsers,
	})
	if err != nil {
		return nil, fmt.Errorf("create approval: %w", err)
	}
	s.announce(ctx, req, audit.ActionMaintenanceRequested, in.Actor)

	return &Outcome{
		Status:        StatusPendingApproval,
		RiskLevel:     req.Details.RiskLevel,
		ApprovalID:    req.ID,
		ExpiresAt:     expiresAt(req),
		MaintenanceID: maintenanceID,
		Message:       "maintenance window for " + component.Names(names) + " requires approval; it is recorded, not scheduled",
	}, nil
}

// ApprovalStatus answers CheckApprovalStatus. For executed approvals it
// carries the script result; otherwise the request itself.
type ApprovalStatus struct {
	*approval.Request
	Status    string           `json:"status"`
	Result    *executor.Result `json:"result,omitempty"`
	Scheduled *bool            `json:"scheduled,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// GetApproval returns the current state of a request without acting on it.
func (s *Service) GetApproval(ctx context.Context, id string) (*approval.Request, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.noteExpiry(req)
	return req, nil
}

// noteExpiry audits the single expired snapshot a store hands out.
func (s *Service) noteExpiry(req *approval.Request) {
	if req.Status != approval.StatusExpired {
		return
	}
	s.record(audit.Event{
		Action:     audit.ActionApprovalExpired,
		Component:  req.Details.Component,
		Version:    req.Details.ToVersion,
		ApprovalID: req.ID,
	})
}

// CheckApprovalStatus reports the state of a request. An approved request
// is claimed and executed exactly once; later calls get approval.ErrNotFound.
func (s *Service) CheckApprovalStatus(ctx context.Context, id string) (*ApprovalStatus, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.noteExpiry(req)
	if req.Status != approval.StatusApproved {
		return &ApprovalStatus{Request: req, Status: string(req.Status)}, nil
	}

	claimed, err := s.store.Consume(ctx, id)
	if err != nil {
		return nil, err
	}
	d := claimed.Details

	switch claimed.Action {
	case approval.ActionMaintenanceWindow:
		s.record(audit.Event{
			Action:     audit.ActionMaintenanceApproved,
			Success:    true,
			ApprovalID: claimed.ID,
			Actor:      claimed.ApprovedBy,
			Detail:     d.MaintenanceID + " at " + d.StartTime,
		})
		scheduled := false
		return &ApprovalStatus{
			Request:   claimed,
			Status:    string(approval.StatusApproved),
			Scheduled: &scheduled,
			Message:   "maintenance window approved; no automatic scheduling is performed",
		}, nil

	case approval.ActionUpdate, approval.ActionRollback:
		// Never reached for invalid input: Create only stores validated details.
		name, err := validate.CheckComponent(d.Component)
		if err != nil {
			return nil, err
		}
		op, okAction, failAction := "update", audit.ActionUpdateCompleted, audit.ActionUpdateFailed
		run := func(ctx context.Context) executor.Result {
			return s.runner.Update(ctx, name, d.ToVersion)
		}
		if claimed.Action == approval.ActionRollback {
			op, okAction, failAction = "rollback", audit.ActionRollbackCompleted, audit.ActionRollbackFailed
			run = func(ctx context.Context) executor.Result {
				return s.runner.Rollback(ctx, name, d.ToVersion, d.BackupFilename)
			}
		}

		res, err := s.execute(ctx, op, run, func(r executor.Result) {
			s.recordResult(okAction, failAction, r, claimed.ID, claimed.ApprovedBy)
		})
		if err != nil {
			return &ApprovalStatus{
				Request: claimed,
				Status:  StatusExecuting,
				Message: op + " is still running; see update history for the outcome",
			}, nil
		}
		return &ApprovalStatus{Request: claimed, Status: StatusExecuted, Result: &res}, nil
	}
	return nil, fmt.Errorf("approval %s has unknown action %q", claimed.ID, claimed.Action)
}

// Decide applies an approve or deny decision.
func (s *Service) Decide(ctx context.Context, id string, d approval.Decision, actor string) (*approval.Request, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, &validate.ValidationError{Field: "approvedBy", Reason: "decider identity is required"}
	}

	req, err := s.store.Decide(ctx, id, d, actor)
	s.metrics.ApprovalDecided(string(d), decisionOutcome(err))
	if err != nil {
		s.log.Info("decision rejected", "approval_id", id, "decision", d, "actor", actor, "error", err)
		return nil, err
	}

	action := audit.ActionApprovalApproved
	if d == approval.Deny {
		action = audit.ActionApprovalDenied
	}
	s.record(audit.Event{
		Action:     action,
		Component:  req.Details.Component,
		Version:    req.Details.ToVersion,
		Success:    true,
		ApprovalID: req.ID,
		Actor:      actor,
	})
	s.log.Info("approval decided", "approval_id", req.ID, "decision", d, "actor", actor)
	return req, nil
}

func decisionOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, approval.ErrNotFound):
		return "not_found"
	case errors.Is(err, approval.ErrConflict):
		return "conflict"
	case errors.Is(err, approval.ErrExpired):
		return "expired"
	default:
		return "error"
	}
}

// RestartServices restarts allow-listed services.
func (s *Service) RestartServices(ctx context.Context, services []string, actor string) (*executor.Result, error) {
	if err := validate.CheckServices(services, s.runner.Restartable()); err != nil {
		return nil, err
	}
	res, err := s.execute(ctx, "restart", func(ctx context.Context) executor.Result {
		return s.runner.Restart(ctx, services)
	}, func(r executor.Result) {
		ev := audit.Event{
			Action:  audit.ActionServicesRestarted,
			Success: r.Success,
			Actor:   actor,
			Detail:  strings.Join(services, ","),
		}
		if !r.Success {
			ev.Detail += ": " + r.Error
		}
		s.record(ev)
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// execute runs fn on an executor worker and waits for it. When ctx ends
// first the job keeps running and onDone still records its result.
func (s *Service) execute(ctx context.Context, op string, fn func(context.Context) executor.Result, onDone func(executor.Result)) (executor.Result, error) {
	task := s.runner.Submit(ctx, executor.Job{
		Name: op,
		Run:  fn,
		OnDone: func(r executor.Result) {
			s.metrics.ScriptRun(op, r.Success, r.TimedOut, time.Duration(r.DurationMs)*time.Millisecond)
			onDone(r)
		},
	})
	return task.Wait(ctx)
}

func (s *Service) recordResult(okAction, failAction string, r executor.Result, approvalID, actor string) {
	ev := audit.Event{
		Action:     okAction,
		Component:  r.Component,
		Version:    r.Version,
		Success:    r.Success,
		ApprovalID: approvalID,
		Actor:      actor,
	}
	if !r.Success {
		ev.Action = failAction
		ev.Detail = r.Error
	}
	s.record(ev)
}
