// Package executor runs the privileged update, rollback, restart and status
// scripts with validated argument vectors and a hard timeout.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/ppiankov/patchgate/internal/component"
	"github.com/ppiankov/patchgate/internal/validate"
)

const (
	DefaultTimeout       = 5 * time.Minute
	DefaultMaxConcurrent = 1

	// waitDelay bounds how long Wait blocks on pipes after the process is killed.
	waitDelay = 5 * time.Second
	// maxOutput is the tail of stdout/stderr kept in a Result.
	maxOutput = 64 << 10
)

var tracer = otel.Tracer("github.com/ppiankov/patchgate/internal/executor")

// Config holds script locations and limits. Script paths must be absolute.
type Config struct {
	UpdateScript   string
	RollbackScript string
	RestartScript  string
	StatusScript   string
	BackupDir      string
	Restartable    []string
	Timeout        time.Duration
	MaxConcurrent  int
	Logger         *slog.Logger
}

// Result captures one script execution.
type Result struct {
	Success    bool   `json:"success"`
	Component  string `json:"component,omitempty"`
	Version    string `json:"version,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ExitCode   int    `json:"exitCode"`
	TimedOut   bool   `json:"timedOut,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// Executor invokes the configured scripts. It never builds a shell string.
type Executor struct {
	cfg  Config
	log  *slog.Logger
	sem  *semaphore.Weighted
	jobs jobGroup
}

// New returns an Executor for cfg, filling defaults.
func New(cfg Config) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Executor{
		cfg: cfg,
		log: log,
		sem: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
	}
}

// BackupDir returns the directory rollback backups are resolved against.
func (e *Executor) BackupDir() string { return e.cfg.BackupDir }

// Restartable returns the services Restart accepts.
func (e *Executor) Restartable() []string {
	return append([]string(nil), e.cfg.Restartable...)
}

func rejected(name component.Name, version string, err error) Result {
	return Result{Component: string(name), Version: version, Error: err.Error(), ExitCode: -1}
}

// Update runs the update script for name at version.
func (e *Executor) Update(ctx context.Context, name component.Name, version string) Result {
	if !name.Known() {
		return rejected(name, version, &validate.ValidationError{Field: "component", Value: string(name), Reason: "unknown component"})
	}
	if err := validate.CheckVersion(version); err != nil {
		return rejected(name, version, err)
	}
	r := e.run(ctx, "update", []string{e.cfg.UpdateScript, string(name), version},
		attribute.String("component", string(name)), attribute.String("version", version))
	r.Component, r.Version = string(name), version
	return r
}

// Rollback runs the rollback script. When backup is set it must name an
// existing file in the backup directory, passed on as --restore-db <path>.
func (e *Executor) Rollback(ctx context.Context, name component.Name, version, backup string) Result {
	if !name.Known() {
		return rejected(name, version, &validate.ValidationError{Field: "component", Value: string(name), Reason: "unknown component"})
	}
	if err := validate.CheckVersion(version); err != nil {
		return rejected(name, version, err)
	}
	argv := []string{e.cfg.RollbackScript, string(name), version}
	if backup != "" {
		path, err := validate.CheckBackupPath(e.cfg.BackupDir, backup)
		if err != nil {
			return rejected(name, version, err)
		}
		argv = append(argv, "--restore-db", path)
	}
	r := e.run(ctx, "rollback", argv,
		attribute.String("component", string(name)), attribute.String("version", version),
		attribute.Bool("restore_db", backup != ""))
	r.Component, r.Version = string(name), version
	return r
}

// Restart restarts the given services, all of which must be restartable.
func (e *Executor) Restart(ctx context.Context, services []string) Result {
	if err := validate.CheckServices(services, e.cfg.Restartable); err != nil {
		return Result{Error: err.Error(), ExitCode: -1}
	}
	argv := append([]string{e.cfg.RestartScript}, services...)
	return e.run(ctx, "restart", argv, attribute.StringSlice("services", services))
}

func (e *Executor) run(ctx context.Context, op string, argv []string, attrs ...attribute.KeyValue) Result {
	ctx, span := tracer.Start(ctx, "script."+op)
	defer span.End()
	span.SetAttributes(attrs...)

	stdout, stderr, res := e.exec(ctx, argv)
	res.Output = tail(stdout)
	if !res.Success {
		if s := tail(stderr); s != "" {
			res.Error = res.Error + ": " + s
		}
		span.SetStatus(codes.Error, res.Error)
	}
	span.SetAttributes(attribute.Int("exit_code", res.ExitCode), attribute.Bool("timed_out", res.TimedOut))

	e.log.Info("script finished",
		"op", op,
		"success", res.Success,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"duration_ms", res.DurationMs,
	)
	return res
}

// exec runs argv under the executor timeout and reports the outcome.
func (e *Executor) exec(ctx context.Context, argv []string) (stdout, stderr []byte, res Result) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)

	start := time.Now()
	err := cmd.Run()
	res.DurationMs = time.Since(start).Milliseconds()

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
		res.Error = fmt.Sprintf("timed out after %s", e.cfg.Timeout)
	case err == nil:
		res.Success = true
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Error = fmt.Sprintf("exit status %d", res.ExitCode)
		} else {
			res.ExitCode = -1
			res.Error = err.Error()
		}
	}
	return outBuf.Bytes(), errBuf.Bytes(), res
}

func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > maxOutput {
		b = b[len(b)-maxOutput:]
	}
	return string(b)
}
