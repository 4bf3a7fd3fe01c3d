package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/patchgate/internal/api"
	"github.com/ppiankov/patchgate/internal/client"
	"github.com/ppiankov/patchgate/internal/notify"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Override server.listen (e.g. :8080)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP tool boundary and chat callback endpoint",
	Long: "Runs patchgate as an HTTP service.\n" +
		"Exposes the bearer-protected /tools and /approvals endpoints, the signed chat callback on POST /approvals,\n" +
		"/health and /metrics. Compose manifest changes are picked up without a restart.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Server.Listen = serveListen
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

	if cfg.Server.ServiceToken == "" {
		a.log.Warn("server.service_token is empty; tool and approval endpoints will answer 503")
	}
	if cfg.Chat.SigningSecret == "" {
		a.log.Warn("chat.signing_secret is empty; chat callbacks will be rejected")
	}

	// The relay forwards chat decisions through the same bearer-protected
	// endpoints an operator would use.
	relay := notify.NewRelay(
		client.New(cfg.Server.SelfURL, cfg.Server.ServiceToken),
		a.notifier,
		a.log.With("subsystem", "relay"),
		notify.WithResponseHosts(cfg.Chat.ResponseHosts...),
	)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(a.service, relay, api.Config{
		ServiceToken:  cfg.Server.ServiceToken,
		SigningSecret: cfg.Chat.SigningSecret,
		WebhookRate:   cfg.Server.WebhookRate,
		WebhookBurst:  cfg.Server.WebhookBurst,
		Metrics:       a.metrics,
		Gatherer:      a.registry,
		Logger:        a.log.With("subsystem", "api"),
	})

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	a.background(gctx, g)

	g.Go(func() error {
		a.log.Info("patchgate listening", "addr", cfg.Server.Listen, "version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}
