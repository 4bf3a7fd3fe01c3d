package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ppiankov/patchgate/internal/audit"
	"github.com/ppiankov/patchgate/internal/config"
	"github.com/ppiankov/patchgate/internal/systemd"
	versionpkg "github.com/ppiankov/patchgate/internal/version"
)

// Overridden in tests.
var (
	unitPath     = systemd.UnitPath
	unitHashPath = systemd.DefaultHashPath
)

func init() {
	rootCmd.AddCommand(doctorCmd)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check host readiness and diagnose configuration issues",
	Args:  cobra.NoArgs,
	RunE:  runDoctor,
}

type checkResult struct {
	label  string
	ok     bool
	detail string
	fix    string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "✗ %-20s %s  ->  patchgate init\n", "config:", err)
		return fmt.Errorf("doctor found issues")
	}
	return printChecks(cmd.OutOrStdout(), runChecks(cmd.Context(), cfg))
}

// runChecks inspects everything serve depends on without starting it.
func runChecks(ctx context.Context, cfg *config.Config) []checkResult {
	var checks []checkResult

	if cfg.Server.ServiceToken != "" {
		checks = append(checks, checkResult{label: "service token", ok: true, detail: "set"})
	} else {
		checks = append(checks, checkResult{label: "service token", detail: "empty, protected endpoints answer 503", fix: "set PATCHGATE_SERVER_SERVICE_TOKEN"})
	}

	switch {
	case cfg.Chat.WebhookURL == "":
		checks = append(checks, checkResult{label: "chat", detail: "webhook_url empty, approvals are not announced", fix: "set chat.webhook_url"})
	case cfg.Chat.SigningSecret == "":
		checks = append(checks, checkResult{label: "chat", detail: "signing_secret empty, button callbacks are rejected", fix: "set chat.signing_secret"})
	default:
		checks = append(checks, checkResult{label: "chat", ok: true, detail: "webhook and signing secret set"})
	}

	scripts := []struct{ name, path string }{
		{"update script", cfg.Scripts.Update},
		{"rollback script", cfg.Scripts.Rollback},
		{"restart script", cfg.Scripts.Restart},
		{"status script", cfg.Scripts.Status},
	}
	for _, s := range scripts {
		checks = append(checks, checkExecutable(s.name, s.path))
	}

	if info, err := os.Stat(cfg.Backups.Dir); err == nil && info.IsDir() {
		checks = append(checks, checkResult{label: "backup dir", ok: true, detail: cfg.Backups.Dir})
	} else {
		checks = append(checks, checkResult{label: "backup dir", detail: cfg.Backups.Dir + " missing", fix: "mkdir -p " + cfg.Backups.Dir})
	}

	checks = append(checks, checkManifest(cfg))
	checks = append(checks, checkAudit(cfg.Audit.Path))

	if cfg.Approval.Backend == "redis" {
		checks = append(checks, checkRedis(ctx, cfg.Redis))
	}
	if msg := systemd.CheckUnitFile(unitPath, unitHashPath); msg != "" {
		checks = append(checks, checkResult{label: "systemd unit", detail: msg, fix: "sudo patchgate init --install-systemd --force"})
	}
	return checks
}

func checkExecutable(label, path string) checkResult {
	info, err := os.Stat(path)
	switch {
	case err != nil:
		return checkResult{label: label, detail: path + " missing", fix: "install the script or fix scripts.* in patchgate.yaml"}
	case !info.Mode().IsRegular():
		return checkResult{label: label, detail: path + " is not a regular file"}
	case info.Mode().Perm()&0o111 == 0:
		return checkResult{label: label, detail: path + " is not executable", fix: "chmod +x " + path}
	}
	return checkResult{label: label, ok: true, detail: path}
}

func checkManifest(cfg *config.Config) checkResult {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := versionpkg.NewManifest(cfg.Manifest.Base, cfg.Manifest.Override, quiet)
	found := 0
	for _, v := range m.Versions() {
		if v != versionpkg.Unknown {
			found++
		}
	}
	if found == 0 {
		return checkResult{label: "compose manifest", detail: m.ActivePath() + ": no managed images found", fix: "check manifest.base"}
	}
	return checkResult{label: "compose manifest", ok: true, detail: fmt.Sprintf("%s (%d components)", m.ActivePath(), found)}
}

func checkAudit(path string) checkResult {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return checkResult{label: "audit log", ok: true, detail: path + " (created on first event)"}
	}
	res := audit.Verify(path)
	if !res.Valid {
		return checkResult{label: "audit log", detail: fmt.Sprintf("chain broken at line %d: %s", res.ErrorLine, res.Error), fix: "patchgate audit verify"}
	}
	return checkResult{label: "audit log", ok: true, detail: fmt.Sprintf("%s (%d entries)", path, res.Lines)}
}

func checkRedis(ctx context.Context, rc config.RedisConfig) checkResult {
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return checkResult{label: "redis", detail: err.Error(), fix: "check redis.addr"}
	}
	return checkResult{label: "redis", ok: true, detail: rc.Addr}
}

func printChecks(w io.Writer, checks []checkResult) error {
	hasFailures := false
	for _, c := range checks {
		mark := "\u2713" // ✓
		if !c.ok {
			mark = "\u2717" // ✗
			hasFailures = true
		}
		line := fmt.Sprintf("%s %-20s %s", mark, c.label+":", c.detail)
		if !c.ok && c.fix != "" {
			line += fmt.Sprintf("  ->  %s", c.fix)
		}
		fmt.Fprintln(w, line)
	}

	if hasFailures {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Some checks failed. Run the suggested commands to fix.")
		return fmt.Errorf("doctor found issues")
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "All checks passed.")
	return nil
}
