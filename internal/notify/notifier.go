// Package notify posts approval requests to a chat webhook and relays
// signed interactive callbacks back to the decision endpoints.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/ppiankov/patchgate/internal/approval"
	"github.com/ppiankov/patchgate/internal/metrics"
)

const (
	requestTimeout = 5 * time.Second
	maxRetries     = 3
)

// Notifier posts approval messages to an incoming webhook. Posting is
// asynchronous and never fails the caller.
type Notifier struct {
	url     string
	client  *http.Client
	log     *slog.Logger
	metrics *metrics.Metrics
	backoff time.Duration
	wg      sync.WaitGroup
}

// NewNotifier returns a Notifier for webhookURL. An empty URL disables posting.
func NewNotifier(webhookURL string, log *slog.Logger, m *metrics.Metrics) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		url:     webhookURL,
		client:  &http.Client{Timeout: requestTimeout},
		log:     log,
		metrics: m,
		backoff: time.Second,
	}
}

// Enabled reports whether a webhook is configured.
func (n *Notifier) Enabled() bool { return n != nil && n.url != "" }

// ApprovalCreated posts the interactive message for req in the background.
func (n *Notifier) ApprovalCreated(ctx context.Context, req *approval.Request) {
	if !n.Enabled() {
		return
	}
	msg := ApprovalMessage(req)
	ctx = context.WithoutCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.post(ctx, n.url, msg); err != nil {
			n.metrics.Notified("failed")
			n.log.Warn("approval notification failed", "approval_id", req.ID, "error", err)
			return
		}
		n.metrics.Notified("sent")
		n.log.Debug("approval notification sent", "approval_id", req.ID)
	}()
}

// Wait blocks until in-flight posts finish.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

// post sends msg to url, retrying transport errors and 5xx answers.
func (n *Notifier) post(ctx context.Context, url string, msg *slack.WebhookMessage) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * n.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := slack.PostWebhookCustomHTTPContext(ctx, url, n.client, msg)
		if err == nil {
			return nil
		}
		var sce slack.StatusCodeError
		if errors.As(err, &sce) && sce.Code < 500 {
			return fmt.Errorf("webhook rejected: HTTP %d", sce.Code)
		}
		lastErr = err
	}
	return fmt.Errorf("webhook failed after %d attempts: %w", maxRetries, lastErr)
}
