// Package approval owns pending approval requests and their one-shot
// transitions from pending to approved, denied or expired.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a request stays decidable.
const DefaultTTL = time.Hour

var (
	ErrNotFound = errors.New("approval not found")
	ErrConflict = errors.New("approval is not in a decidable state")
	ErrExpired  = errors.New("approval expired")
)

// Status represents the state of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Action is the kind of change an approval gates.
type Action string

const (
	ActionUpdate            Action = "update"
	ActionRollback          Action = "rollback"
	ActionMaintenanceWindow Action = "maintenance_window"
)

// Decision is a human verdict on a pending request.
type Decision string

const (
	Approve Decision = "approve"
	Deny    Decision = "deny"
)

// ParseDecision accepts "approve" or "deny".
func ParseDecision(s string) (Decision, error) {
	switch Decision(s) {
	case Approve, Deny:
		return Decision(s), nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// PlannedUpdate is one entry of a maintenance window request.
type PlannedUpdate struct {
	Component string `json:"component"`
	Version   string `json:"version"`
}

// Details describes what will run once a request is approved.
type Details struct {
	Component      string `json:"component,omitempty"`
	FromVersion    string `json:"fromVersion,omitempty"`
	ToVersion      string `json:"toVersion,omitempty"`
	Reason         string `json:"reason,omitempty"`
	RiskLevel      string `json:"riskLevel"`
	BackupFilename string `json:"restoreBackupFilename,omitempty"`

	MaintenanceID   string          `json:"maintenanceId,omitempty"`
	StartTime       string          `json:"startTime,omitempty"`
	DurationMinutes int             `json:"durationMinutes,omitempty"`
	Updates         []PlannedUpdate `json:"updates,omitempty"`
	NotifyUsers     bool            `json:"notifyUsers,omitempty"`
}

// Request is a single approval request and its state.
type Request struct {
	ID          string     `json:"id"`
	Action      Action     `json:"action"`
	Details     Details    `json:"details"`
	RequestedAt time.Time  `json:"requestedAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	Status      Status     `json:"status"`
	ApprovedBy  string     `json:"approvedBy,omitempty"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
	DeniedBy    string     `json:"deniedBy,omitempty"`
	DeniedAt    *time.Time `json:"deniedAt,omitempty"`
}

// Expired reports whether the request is past its TTL at now.
func (r *Request) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

func (r *Request) clone() *Request {
	c := *r
	c.Details.Updates = append([]PlannedUpdate(nil), r.Details.Updates...)
	return &c
}

// expiredSnapshot is what a read returns the one time it observes expiry.
// A denial is already terminal and keeps its status.
func (r *Request) expiredSnapshot() *Request {
	c := r.clone()
	if c.Status != StatusDenied {
		c.Status = StatusExpired
	}
	return c
}

// apply records a decision on a pending request.
func (r *Request) apply(d Decision, actor string, now time.Time) {
	at := now.UTC()
	switch d {
	case Approve:
		r.Status = StatusApproved
		r.ApprovedBy = actor
		r.ApprovedAt = &at
	case Deny:
		r.Status = StatusDenied
		r.DeniedBy = actor
		r.DeniedAt = &at
	}
}

// Store is the approval state machine. Implementations must make Decide and
// Consume atomic per ID.
//
// Get on a request past its TTL purges it and returns the snapshot once with
// status expired (denied requests keep denied); later reads return
// ErrNotFound. Decide checks expiry before status, so a late decision gets
// ErrExpired. Consume removes an approved request and returns it; the caller
// owns execution from that point.
type Store interface {
	Create(ctx context.Context, action Action, details Details) (*Request, error)
	Get(ctx context.Context, id string) (*Request, error)
	Decide(ctx context.Context, id string, d Decision, actor string) (*Request, error)
	Consume(ctx context.Context, id string) (*Request, error)
}

// Option configures a store.
type Option func(*options)

type options struct {
	ttl time.Duration
	now func() time.Time
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{ttl: DefaultTTL, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func newRequest(id string, action Action, details Details, o options) *Request {
	now := o.now().UTC()
	return &Request{
		ID:          id,
		Action:      action,
		Details:     details,
		RequestedAt: now,
		ExpiresAt:   now.Add(o.ttl),
		Status:      StatusPending,
	}
}

// validID rejects anything that is not a canonical UUID before it is used
// as a map or redis key.
func validID(id string) bool {
	return len(id) == 36 && uuid.Validate(id) == nil
}
