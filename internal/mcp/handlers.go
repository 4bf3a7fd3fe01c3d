package mcp

import (
	"context"
	"encoding/json"
	"errors"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/patchgate/internal/approval"
	"github.com/ppiankov/patchgate/internal/audit"
	"github.com/ppiankov/patchgate/internal/orchestrator"
	"github.com/ppiankov/patchgate/internal/validate"
)

// --- Input types ---

// ComponentInput filters a report to one component.
type ComponentInput struct {
	Component string `json:"component,omitempty" jsonschema:"component name, omit for all components"`
}

// StatusInput is empty; get_system_status takes no parameters.
type StatusInput struct{}

// ApplyUpdateInput defines parameters for the apply_update tool.
type ApplyUpdateInput struct {
	Component string `json:"component" jsonschema:"component to update (traefik, n8n, keycloak, vault, postgres, redis, grafana, prometheus)"`
	Version   string `json:"version" jsonschema:"target version, semver with optional v prefix"`
	Reason    string `json:"reason,omitempty" jsonschema:"why the update is needed, at most 500 characters"`
}

// RollbackInput defines parameters for the rollback_component tool.
type RollbackInput struct {
	Component       string `json:"component" jsonschema:"component to roll back"`
	Version         string `json:"version" jsonschema:"version to roll back to"`
	Reason          string `json:"reason,omitempty" jsonschema:"why the rollback is needed"`
	BackupFilename  string `json:"backupFilename,omitempty" jsonschema:"backup file to restore, from list_backups"`
	RestoreDatabase bool   `json:"restoreDatabase,omitempty" jsonschema:"restore the newest backup when no filename is given"`
}

// ApprovalInput identifies an approval request.
type ApprovalInput struct {
	ApprovalID string `json:"approvalId" jsonschema:"approval ID returned by apply_update, rollback_component or schedule_maintenance"`
}

// HistoryInput defines parameters for the get_update_history tool.
type HistoryInput struct {
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum number of events, default 20, at most 500"`
	Component string `json:"component,omitempty" jsonschema:"only events for this component"`
	Action    string `json:"action,omitempty" jsonschema:"only events with this action, e.g. update_completed"`
}

// PlannedUpdate is one entry of a maintenance request.
type PlannedUpdate struct {
	Component string `json:"component" jsonschema:"component to update"`
	Version   string `json:"version" jsonschema:"target version"`
}

// MaintenanceInput defines parameters for the schedule_maintenance tool.
type MaintenanceInput struct {
	StartTime       string          `json:"startTime" jsonschema:"window start, RFC 3339, in the future"`
	DurationMinutes int             `json:"durationMinutes" jsonschema:"window length in minutes, 1 to 480"`
	Updates         []PlannedUpdate `json:"updates" jsonschema:"updates to apply during the window"`
	NotifyUsers     bool            `json:"notifyUsers,omitempty" jsonschema:"announce the window to users"`
	Reason          string          `json:"reason,omitempty" jsonschema:"why the window is needed"`
}

// ErrorOutput is the structured payload of a failed tool call.
type ErrorOutput struct {
	Error           string                    `json:"error"`
	Code            string                    `json:"code"`
	ValidationError *validate.ValidationError `json:"validation_error,omitempty"`
}

// errorCode classifies err for the agent.
func errorCode(err error) string {
	var ve *validate.ValidationError
	switch {
	case errors.As(err, &ve):
		return "invalid_input"
	case errors.Is(err, approval.ErrNotFound):
		return "not_found"
	case errors.Is(err, approval.ErrConflict):
		return "conflict"
	case errors.Is(err, approval.ErrExpired):
		return "expired"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}

// errorResult builds an IsError result carrying an ErrorOutput. Failures are
// reported in-band so the agent can read the reason and correct its input.
func errorResult(err error) (*mcpsdk.CallToolResult, ErrorOutput) {
	out := ErrorOutput{Error: err.Error(), Code: errorCode(err)}
	var ve *validate.ValidationError
	if errors.As(err, &ve) {
		out.ValidationError = ve
	}
	text, _ := json.Marshal(out)
	return &mcpsdk.CallToolResult{
		IsError:           true,
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
		StructuredContent: out,
	}, out
}

// respond turns an orchestrator answer into a tool result.
func (s *Server) respond(tool string, out any, err error) (*mcpsdk.CallToolResult, any, error) {
	if err != nil {
		res, payload := errorResult(err)
		if payload.Code == "internal" {
			s.log.Error("tool call failed", "tool", tool, "error", err)
		} else {
			s.log.Info("tool call rejected", "tool", tool, "code", payload.Code, "error", err)
		}
		return res, nil, nil
	}
	return nil, out, nil
}

// --- Handlers ---

func (s *Server) handleCheckUpdates(ctx context.Context, _ *mcpsdk.CallToolRequest, input ComponentInput) (*mcpsdk.CallToolResult, any, error) {
	rep, err := s.tools.CheckUpdates(ctx, input.Component)
	return s.respond("check_updates", rep, err)
}

func (s *Server) handleSystemStatus(ctx context.Context, _ *mcpsdk.CallToolRequest, _ StatusInput) (*mcpsdk.CallToolResult, any, error) {
	rep, err := s.tools.SystemStatus(ctx)
	return s.respond("get_system_status", rep, err)
}

func (s *Server) handleApplyUpdate(ctx context.Context, _ *mcpsdk.CallToolRequest, input ApplyUpdateInput) (*mcpsdk.CallToolResult, any, error) {
	out, err := s.tools.ApplyUpdate(ctx, orchestrator.UpdateRequest{
		Component: input.Component,
		Version:   input.Version,
		Reason:    input.Reason,
		Actor:     Actor,
	})
	return s.respond("apply_update", out, err)
}

func (s *Server) handleRollback(ctx context.Context, _ *mcpsdk.CallToolRequest, input RollbackInput) (*mcpsdk.CallToolResult, any, error) {
	out, err := s.tools.RollbackComponent(ctx, orchestrator.RollbackRequest{
		Component:       input.Component,
		Version:         input.Version,
		Reason:          input.Reason,
		BackupFilename:  input.BackupFilename,
		RestoreDatabase: input.RestoreDatabase,
		Actor:           Actor,
	})
	return s.respond("rollback_component", out, err)
}

func (s *Server) handleCheckApproval(ctx context.Context, _ *mcpsdk.CallToolRequest, input ApprovalInput) (*mcpsdk.CallToolResult, any, error) {
	if input.ApprovalID == "" {
		return s.respond("check_approval_status", nil,
			&validate.ValidationError{Field: "approvalId", Value: "", Reason: "required"})
	}
	st, err := s.tools.CheckApprovalStatus(ctx, input.ApprovalID)
	return s.respond("check_approval_status", st, err)
}

func (s *Server) handleListBackups(ctx context.Context, _ *mcpsdk.CallToolRequest, input ComponentInput) (*mcpsdk.CallToolResult, any, error) {
	list, err := s.tools.ListBackups(ctx, input.Component)
	return s.respond("list_backups", list, err)
}

func (s *Server) handleHistory(ctx context.Context, _ *mcpsdk.CallToolRequest, input HistoryInput) (*mcpsdk.CallToolResult, any, error) {
	if input.Limit < 0 {
		return s.respond("get_update_history", nil,
			&validate.ValidationError{Field: "limit", Value: "negative", Reason: "must be a positive integer"})
	}
	rep, err := s.tools.UpdateHistory(ctx, input.Limit, audit.Filter{
		Component: input.Component,
		Action:    input.Action,
	})
	return s.respond("get_update_history", rep, err)
}

func (s *Server) handleScheduleMaintenance(ctx context.Context, _ *mcpsdk.CallToolRequest, input MaintenanceInput) (*mcpsdk.CallToolResult, any, error) {
	updates := make([]approval.PlannedUpdate, len(input.Updates))
	for i, u := range input.Updates {
		updates[i] = approval.PlannedUpdate{Component: u.Component, Version: u.Version}
	}
	out, err := s.tools.ScheduleMaintenance(ctx, orchestrator.MaintenanceRequest{
		StartTime:       input.StartTime,
		DurationMinutes: input.DurationMinutes,
		Updates:         updates,
		NotifyUsers:     input.NotifyUsers,
		Reason:          input.Reason,
		Actor:           Actor,
	})
	return s.respond("schedule_maintenance", out, err)
}
