// Package api is the HTTP boundary: bearer-protected tool and approval
// endpoints plus the signed chat callback.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/ppiankov/patchgate/internal/approval"
	"github.com/ppiankov/patchgate/internal/audit"
	"github.com/ppiankov/patchgate/internal/executor"
	"github.com/ppiankov/patchgate/internal/metrics"
	"github.com/ppiankov/patchgate/internal/notify"
	"github.com/ppiankov/patchgate/internal/orchestrator"
)

// ServiceName labels spans.
const ServiceName = "patchgate"

// Gate is the set of operations the boundary exposes.
// *orchestrator.Service satisfies it.
type Gate interface {
	CheckUpdates(ctx context.Context, name string) (*orchestrator.UpdatesReport, error)
	SystemStatus(ctx context.Context) (*orchestrator.SystemReport, error)
	ListBackups(ctx context.Context, name string) (*orchestrator.BackupList, error)
	UpdateHistory(ctx context.Context, limit int, filter audit.Filter) (*orchestrator.HistoryReport, error)
	ApplyUpdate(ctx context.Context, in orchestrator.UpdateRequest) (*orchestrator.Outcome, error)
	RollbackComponent(ctx context.Context, in orchestrator.RollbackRequest) (*orchestrator.Outcome, error)
	ScheduleMaintenance(ctx context.Context, in orchestrator.MaintenanceRequest) (*orchestrator.Outcome, error)
	CheckApprovalStatus(ctx context.Context, id string) (*orchestrator.ApprovalStatus, error)
	GetApproval(ctx context.Context, id string) (*approval.Request, error)
	Decide(ctx context.Context, id string, d approval.Decision, actor string) (*approval.Request, error)
	RestartServices(ctx context.Context, services []string, actor string) (*executor.Result, error)
}

// Interactions handles verified chat callbacks. *notify.Relay satisfies it.
type Interactions interface {
	HandleInteraction(ctx context.Context, payload []byte) notify.Outcome
}

// Config configures the router.
type Config struct {
	// ServiceToken protects every endpoint except health, metrics and the
	// signed callback. Empty disables the protected endpoints.
	ServiceToken  string
	SigningSecret string
	WebhookRate   float64
	WebhookBurst  int

	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Now      func() time.Time
}

type server struct {
	gate    Gate
	relay   Interactions
	cfg     Config
	log     *slog.Logger
	limiter *rate.Limiter
}

// NewRouter builds the gin engine.
func NewRouter(gate Gate, relay Interactions, cfg Config) *gin.Engine {
	registerValidators()

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.WebhookRate <= 0 {
		cfg.WebhookRate = 5
	}
	if cfg.WebhookBurst < 1 {
		cfg.WebhookBurst = 10
	}
	s := &server{
		gate:    gate,
		relay:   relay,
		cfg:     cfg,
		log:     cfg.Logger,
		limiter: rate.NewLimiter(rate.Limit(cfg.WebhookRate), cfg.WebhookBurst),
	}

	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(ServiceName), s.observe())

	r.GET("/health", s.health)
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}
	r.POST("/approvals", s.interaction)

	auth := r.Group("/", s.requireToken())
	{
		auth.GET("/tools/system-status", s.systemStatus)
		auth.GET("/tools/check-updates", s.checkUpdates)
		auth.GET("/tools/update-history", s.updateHistory)
		auth.GET("/tools/backups", s.listBackups)
		auth.POST("/tools/apply-update", s.applyUpdate)
		auth.POST("/tools/rollback", s.rollback)
		auth.POST("/tools/schedule-maintenance", s.scheduleMaintenance)
		auth.POST("/tools/check-approval-status", s.checkApprovalStatus)
		auth.POST("/tools/restart-services", s.restartServices)
		auth.GET("/approvals/:id", s.getApproval)
		auth.POST("/approvals/:id/approve", s.decide(approval.Approve))
		auth.POST("/approvals/:id/deny", s.decide(approval.Deny))
	}
	return r
}

// observe records request metrics and logs failures.
func (s *server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		s.cfg.Metrics.ObserveHTTP(route, c.Request.Method, strconv.Itoa(code), time.Since(start))
		if code >= http.StatusInternalServerError {
			s.log.Warn("request failed", "method", c.Request.Method, "route", route, "status", code)
		}
	}
}

// requireToken enforces the shared bearer secret: 503 when none is
// configured, 401 when the header is missing, 403 when it does not match.
func (s *server) requireToken() gin.HandlerFunc {
	want := []byte(s.cfg.ServiceToken)
	return func(c *gin.Context) {
		if len(want) == 0 {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service token not configured"})
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid bearer token"})
			return
		}
		c.Next()
	}
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": s.cfg.Now().UTC()})
}
