package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"

	"github.com/ppiankov/patchgate/internal/approval"
	"github.com/ppiankov/patchgate/internal/client"
)

// Forwarder submits decisions to the approval endpoints. *client.Client
// satisfies it.
type Forwarder interface {
	Approve(ctx context.Context, id, actor string) (*approval.Request, error)
	Deny(ctx context.Context, id, actor string) (*approval.Request, error)
}

// Interaction is the part of an interactive-button callback the relay reads.
type Interaction struct {
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
	User struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
	} `json:"user"`
	ResponseURL string `json:"response_url"`
}

// Actor picks the most readable identity the platform sent.
func (i *Interaction) Actor() string {
	switch {
	case i.User.Username != "":
		return i.User.Username
	case i.User.Name != "":
		return i.User.Name
	case i.User.ID != "":
		return i.User.ID
	}
	return "chat"
}

// Outcome is what the callback endpoint answers.
type Outcome struct {
	Status  int    `json:"-"`
	Message string `json:"message"`
}

// Relay turns verified callbacks into forwarded decisions and replaces the
// original message with the result.
type Relay struct {
	forward  Forwarder
	notifier *Notifier
	log      *slog.Logger
	hosts    []string
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithResponseHosts allows response_url updates to the given host names in
// addition to the notifier's webhook host.
func WithResponseHosts(hosts ...string) RelayOption {
	return func(r *Relay) { r.hosts = append(r.hosts, hosts...) }
}

// NewRelay returns a Relay. n supplies the HTTP client used for
// response_url updates.
func NewRelay(f Forwarder, n *Notifier, log *slog.Logger, opts ...RelayOption) *Relay {
	if log == nil {
		log = slog.Default()
	}
	r := &Relay{forward: f, notifier: n, log: log}
	if n != nil && n.url != "" {
		if u, err := url.Parse(n.url); err == nil && u.Hostname() != "" {
			r.hosts = append(r.hosts, u.Hostname())
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleInteraction processes the JSON payload of a verified callback.
// A decision the boundary refuses (unknown, already decided, expired) is a
// settled outcome and answers 200 so the platform does not redeliver it;
// transport failures and 5xx answers are 502.
func (r *Relay) HandleInteraction(ctx context.Context, payload []byte) Outcome {
	var in Interaction
	if err := json.Unmarshal(payload, &in); err != nil {
		return Outcome{Status: http.StatusBadRequest, Message: "malformed payload"}
	}
	if len(in.Actions) == 0 {
		return Outcome{Status: http.StatusBadRequest, Message: "no action in payload"}
	}
	action := in.Actions[0]
	if action.Value == "" {
		return Outcome{Status: http.StatusBadRequest, Message: "missing approval id"}
	}

	actor := in.Actor()
	var err error
	switch action.ActionID {
	case ActionApprove:
		_, err = r.forward.Approve(ctx, action.Value, actor)
	case ActionDeny:
		_, err = r.forward.Deny(ctx, action.Value, actor)
	default:
		return Outcome{Status: http.StatusBadRequest, Message: fmt.Sprintf("unknown action %q", action.ActionID)}
	}

	out := r.outcome(action.ActionID, action.Value, actor, err)
	r.log.Info("chat decision relayed",
		"approval_id", action.Value,
		"decision", action.ActionID,
		"actor", actor,
		"status", out.Status,
	)
	r.update(ctx, in.ResponseURL, out.Message)
	return out
}

func (r *Relay) outcome(decision, id, actor string, err error) Outcome {
	if err == nil {
		verb := "Approved"
		if decision == ActionDeny {
			verb = "Denied"
		}
		return Outcome{Status: http.StatusOK, Message: fmt.Sprintf("%s by %s (approval `%s`)", verb, actor, id)}
	}

	var se *client.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusNotFound:
			return Outcome{Status: http.StatusOK, Message: fmt.Sprintf("Approval `%s` no longer exists.", id)}
		case http.StatusConflict:
			return Outcome{Status: http.StatusOK, Message: fmt.Sprintf("Approval `%s` was already decided.", id)}
		case http.StatusGone:
			return Outcome{Status: http.StatusOK, Message: fmt.Sprintf("Approval `%s` expired before a decision.", id)}
		}
	}
	r.log.Error("forwarding decision failed", "approval_id", id, "error", err)
	return Outcome{Status: http.StatusBadGateway, Message: fmt.Sprintf("Could not record the decision for `%s`: %v", id, err)}
}

func (r *Relay) update(ctx context.Context, responseURL, text string) {
	if responseURL == "" || r.notifier == nil {
		return
	}
	if !r.allowed(responseURL) {
		r.log.Warn("refusing response_url outside the chat platform", "response_url", responseURL)
		return
	}
	if err := r.notifier.post(ctx, responseURL, OutcomeMessage(text)); err != nil {
		r.log.Warn("updating chat message failed", "error", err)
	}
}

// allowed reports whether raw is an http(s) URL on one of the relay's hosts.
func (r *Relay) allowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.User != nil {
		return false
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return false
	}
	return slices.Contains(r.hosts, u.Hostname())
}
