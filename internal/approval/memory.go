package approval

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is the single-process Store. All check-then-act sequences run
// under one mutex.
//
// A request whose expired snapshot has been read moves to reported, keyed
// by its expiry, so later decisions still answer ErrExpired until Sweep
// drops it.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*Request
	reported map[string]time.Time
	opts     options
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*Request),
		reported: make(map[string]time.Time),
		opts:     buildOptions(opts),
	}
}

func (s *MemoryStore) Create(_ context.Context, action Action, details Details) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	for s.taken(id) {
		id = uuid.NewString()
	}
	r := newRequest(id, action, details, s.opts)
	s.requests[id] = r
	return r.clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Expired(s.opts.now()) {
		delete(s.requests, id)
		s.reported[id] = r.ExpiresAt
		return r.expiredSnapshot(), nil
	}
	return r.clone(), nil
}

func (s *MemoryStore) Decide(_ context.Context, id string, d Decision, actor string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reported[id]; ok {
		return nil, ErrExpired
	}
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	now := s.opts.now()
	if r.Expired(now) {
		return nil, ErrExpired
	}
	if r.Status != StatusPending {
		return nil, ErrConflict
	}
	r.apply(d, actor, now)
	return r.clone(), nil
}

func (s *MemoryStore) Consume(_ context.Context, id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reported[id]; ok {
		return nil, ErrExpired
	}
	r, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Expired(s.opts.now()) {
		return nil, ErrExpired
	}
	if r.Status != StatusApproved {
		return nil, ErrConflict
	}
	delete(s.requests, id)
	return r.clone(), nil
}

// Len returns the number of retained entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests) + len(s.reported)
}

func (s *MemoryStore) taken(id string) bool {
	_, reported := s.reported[id]
	return reported || s.requests[id] != nil
}

// Sweep drops entries whose expiry is older than now minus grace and
// returns how many were removed. A positive grace leaves the expired
// snapshot readable, and decisions answering ErrExpired, for that long.
func (s *MemoryStore) Sweep(now time.Time, grace time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.requests {
		if now.After(r.ExpiresAt.Add(grace)) {
			delete(s.requests, id)
			n++
		}
	}
	for id, expiresAt := range s.reported {
		if now.After(expiresAt.Add(grace)) {
			delete(s.reported, id)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is cancelled.
func (s *MemoryStore) Run(ctx context.Context, interval, grace time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.opts.now(), grace); n > 0 {
				slog.Debug("approval sweep", "removed", n)
			}
		}
	}
}
