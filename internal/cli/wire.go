package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/patchgate/internal/approval"
	"github.com/ppiankov/patchgate/internal/audit"
	"github.com/ppiankov/patchgate/internal/config"
	"github.com/ppiankov/patchgate/internal/executor"
	"github.com/ppiankov/patchgate/internal/metrics"
	"github.com/ppiankov/patchgate/internal/notify"
	"github.com/ppiankov/patchgate/internal/orchestrator"
	versionpkg "github.com/ppiankov/patchgate/internal/version"
)

const (
	redisPingTimeout = 5 * time.Second
	drainTimeout     = 30 * time.Second
)

// app holds the collaborators shared by serve and mcp.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	store    approval.Store
	memory   *approval.MemoryStore
	redis    *redis.Client
	runner   *executor.Executor
	manifest *versionpkg.Manifest
	audit    *audit.Log
	notifier *notify.Notifier
	service  *orchestrator.Service
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, log: slog.Default()}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	log, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		a.closeRedis()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	a.audit = log

	a.runner = executor.New(executor.Config{
		UpdateScript:   cfg.Scripts.Update,
		RollbackScript: cfg.Scripts.Rollback,
		RestartScript:  cfg.Scripts.Restart,
		StatusScript:   cfg.Scripts.Status,
		BackupDir:      cfg.Backups.Dir,
		Restartable:    cfg.Restart.Services,
		Timeout:        cfg.Scripts.Timeout,
		MaxConcurrent:  cfg.Scripts.MaxConcurrent,
		Logger:         a.log.With("subsystem", "executor"),
	})

	a.manifest = versionpkg.NewManifest(cfg.Manifest.Base, cfg.Manifest.Override, a.log.With("subsystem", "manifest"))
	feed := versionpkg.NewReleaseFeed(versionpkg.FeedConfig{
		APIBase:  cfg.Releases.APIBase,
		Token:    cfg.Releases.Token,
		CacheTTL: cfg.Releases.CacheTTL,
		Logger:   a.log.With("subsystem", "releases"),
	})

	a.notifier = notify.NewNotifier(cfg.Chat.WebhookURL, a.log.With("subsystem", "notify"), a.metrics)
	if !a.notifier.Enabled() {
		a.log.Warn("chat webhook not configured; approval requests will not be announced")
	}

	a.service = orchestrator.New(orchestrator.Deps{
		Store:    a.store,
		Versions: versionpkg.NewResolver(a.manifest, feed),
		Runner:   a.runner,
		Notifier: a.notifier,
		Audit:    a.audit,
		Metrics:  a.metrics,
		Logger:   a.log.With("subsystem", "orchestrator"),
	})
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	opts := []approval.Option{approval.WithTTL(a.cfg.Approval.TTL)}

	switch a.cfg.Approval.Backend {
	case "redis":
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		pctx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := a.redis.Ping(pctx).Err(); err != nil {
			a.closeRedis()
			return fmt.Errorf("failed to reach redis at %s: %w", a.cfg.Redis.Addr, err)
		}
		a.store = approval.NewRedisStore(a.redis, a.cfg.Redis.Prefix, opts...)
		a.log.Info("approval store", "backend", "redis", "addr", a.cfg.Redis.Addr)
	default:
		a.memory = approval.NewMemoryStore(opts...)
		a.store = a.memory
		a.log.Info("approval store", "backend", "memory")
	}
	return nil
}

// background starts the sweeper and the manifest watcher on g.
func (a *app) background(ctx context.Context, g *errgroup.Group) {
	if a.memory != nil {
		g.Go(func() error {
			a.memory.Run(ctx, a.cfg.Approval.SweepInterval, a.cfg.Approval.SweepGrace)
			return nil
		})
	}

	if a.cfg.Manifest.Watch {
		w, err := versionpkg.NewWatcher(a.manifest)
		if err != nil {
			a.log.Warn("manifest watch disabled", "error", err)
			return
		}
		g.Go(func() error {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("manifest watcher stopped", "error", err)
			}
			return nil
		})
	}
}

// close waits for in-flight scripts and notifications, then releases
// the audit log and redis connection.
func (a *app) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	var errs []error
	if err := a.runner.Drain(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain scripts: %w", err))
	}
	a.notifier.Wait()
	if err := a.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit log: %w", err))
	}
	a.closeRedis()
	return errors.Join(errs...)
}

func (a *app) closeRedis() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
