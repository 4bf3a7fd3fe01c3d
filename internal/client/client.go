// Package client calls the patchgate HTTP boundary. The chat relay uses it
// to forward decisions and the CLI uses it for remote commands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ppiankov/patchgate/internal/approval"
)

const (
	// DefaultTimeout bounds decision and read calls.
	DefaultTimeout = 5 * time.Second
	// ExecuteTimeout bounds calls that may run a script.
	ExecuteTimeout = 6 * time.Minute

	maxBody = 4 << 20
)

// StatusError is a non-2xx answer from the boundary.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("patchgate: HTTP %d: %s", e.Code, e.Message)
}

// Client talks to one patchgate server with a bearer token.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for baseURL. The http.Client carries no timeout;
// each call sets its own.
func New(baseURL, token string) *Client {
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  &http.Client{},
	}
}

// GetApproval fetches an approval request without side effects.
func (c *Client) GetApproval(ctx context.Context, id string) (*approval.Request, error) {
	var r approval.Request
	if err := c.do(ctx, DefaultTimeout, http.MethodGet, "/approvals/"+url.PathEscape(id), nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Approve records an approval by actor.
func (c *Client) Approve(ctx context.Context, id, actor string) (*approval.Request, error) {
	return c.decide(ctx, id, "approve", actor)
}

// Deny records a denial by actor.
func (c *Client) Deny(ctx context.Context, id, actor string) (*approval.Request, error) {
	return c.decide(ctx, id, "deny", actor)
}

func (c *Client) decide(ctx context.Context, id, verb, actor string) (*approval.Request, error) {
	body := map[string]string{"approvedBy": actor}
	var r approval.Request
	path := "/approvals/" + url.PathEscape(id) + "/" + verb
	if err := c.do(ctx, DefaultTimeout, http.MethodPost, path, body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// CheckStatus polls an approval and runs the approved action if due.
func (c *Client) CheckStatus(ctx context.Context, id string) (json.RawMessage, error) {
	var out json.RawMessage
	body := map[string]string{"approvalId": id}
	err := c.do(ctx, ExecuteTimeout, http.MethodPost, "/tools/check-approval-status", body, &out)
	return out, err
}

// CheckUpdates lists available updates, optionally for one component.
func (c *Client) CheckUpdates(ctx context.Context, component string) (json.RawMessage, error) {
	q := url.Values{}
	if component != "" {
		q.Set("component", component)
	}
	return c.getRaw(ctx, "/tools/check-updates", q)
}

// Backups lists database backups, optionally for one component.
func (c *Client) Backups(ctx context.Context, component string) (json.RawMessage, error) {
	q := url.Values{}
	if component != "" {
		q.Set("component", component)
	}
	return c.getRaw(ctx, "/tools/backups", q)
}

// History returns the newest audit events.
func (c *Client) History(ctx context.Context, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.getRaw(ctx, "/tools/update-history", q)
}

// SystemStatus returns the health of every component.
func (c *Client) SystemStatus(ctx context.Context) (json.RawMessage, error) {
	return c.getRaw(ctx, "/tools/system-status", nil)
}

func (c *Client) getRaw(ctx context.Context, path string, q url.Values) (json.RawMessage, error) {
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out json.RawMessage
	err := c.do(ctx, DefaultTimeout, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func errorMessage(body []byte, status string) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return status
}
