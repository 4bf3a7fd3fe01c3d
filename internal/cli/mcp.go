package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	patchmcp "github.com/ppiankov/patchgate/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long: "Runs patchgate as an MCP (Model Context Protocol) server over stdio.\n" +
		"Exposes check_updates, get_system_status, apply_update, rollback_component, check_approval_status,\n" +
		"list_backups, get_update_history and schedule_maintenance.\n\n" +
		"Approvals created here are decided through serve. Use the redis approval backend so both\n" +
		"processes see the same requests.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(cfg.Tracing.Enabled, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			a.log.Error("shutdown incomplete", "error", err)
		}
	}()

	if cfg.Approval.Backend != "redis" {
		a.log.Warn("approval backend is memory; requests created over MCP cannot be decided by a separate serve process")
	}

	srv := patchmcp.New(a.service, patchmcp.Config{
		Version: version,
		Logger:  a.log.With("subsystem", "mcp"),
	})

	g, gctx := errgroup.WithContext(ctx)
	a.background(gctx, g)
	g.Go(func() error {
		a.log.Info("patchgate MCP server running on stdio", "version", version)
		err := srv.Run(gctx)
		stop()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return g.Wait()
}
