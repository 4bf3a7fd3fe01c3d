// Package mcp exposes the upgrade tools to AI agents over the Model Context
// Protocol. Every call goes through the same orchestrator as the HTTP
// boundary, so validation, approval gating and audit are identical.
package mcp

import (
	"context"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ppiankov/patchgate/internal/audit"
	"github.com/ppiankov/patchgate/internal/orchestrator"
)

// Actor is recorded in the audit log for requests made through MCP.
const Actor = "mcp"

// Tools is the subset of the orchestrator reachable from an agent.
// Approving and denying are deliberately absent: an agent can request a
// change but never grant it. *orchestrator.Service satisfies it.
type Tools interface {
	CheckUpdates(ctx context.Context, name string) (*orchestrator.UpdatesReport, error)
	SystemStatus(ctx context.Context) (*orchestrator.SystemReport, error)
	ListBackups(ctx context.Context, name string) (*orchestrator.BackupList, error)
	UpdateHistory(ctx context.Context, limit int, filter audit.Filter) (*orchestrator.HistoryReport, error)
	ApplyUpdate(ctx context.Context, in orchestrator.UpdateRequest) (*orchestrator.Outcome, error)
	RollbackComponent(ctx context.Context, in orchestrator.RollbackRequest) (*orchestrator.Outcome, error)
	ScheduleMaintenance(ctx context.Context, in orchestrator.MaintenanceRequest) (*orchestrator.Outcome, error)
	CheckApprovalStatus(ctx context.Context, id string) (*orchestrator.ApprovalStatus, error)
}

// Config holds MCP server configuration.
type Config struct {
	Version string
	Logger  *slog.Logger
}

// Server wraps the MCP SDK server around the orchestrator.
type Server struct {
	mcpServer *mcpsdk.Server
	tools     Tools
	log       *slog.Logger
}

// New creates an MCP server with all tools registered.
func New(tools Tools, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	s := &Server{tools: tools, log: cfg.Logger}
	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "patchgate",
			Version: cfg.Version,
		},
		nil,
	)

	s.registerTools()
	return s
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// Connect serves a single session on t. Used with in-memory transports.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.mcpServer.Connect(ctx, t, nil)
}

// registerTools adds all patchgate tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "check_updates",
		Description: "Compare deployed component versions against the latest upstream releases. Reports diff class, risk tier and whether each update would auto-apply.",
	}, s.handleCheckUpdates)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "get_system_status",
		Description: "Report the running version and container health of every managed component.",
	}, s.handleSystemStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "apply_update",
		Description: "Update a component to a version. Low-risk patch updates run immediately; everything else returns pending_approval with an approval ID for a human to decide.",
	}, s.handleApplyUpdate)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "rollback_component",
		Description: "Request a rollback to an earlier version, optionally restoring a database backup. Always requires human approval.",
	}, s.handleRollback)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "check_approval_status",
		Description: "Check an approval request. If it has been approved, the change is executed once and the result is returned.",
	}, s.handleCheckApproval)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "list_backups",
		Description: "List database backups available for rollback, newest first.",
	}, s.handleListBackups)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "get_update_history",
		Description: "Return recent audit log events, newest first.",
	}, s.handleHistory)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "schedule_maintenance",
		Description: "Request a maintenance window for a batch of updates. Requires human approval.",
	}, s.handleScheduleMaintenance)
}
