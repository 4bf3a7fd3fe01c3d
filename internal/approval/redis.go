package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRetention keeps a request hash in redis past its expiry so the
// expired snapshot can be reported once and later decisions still answer
// ErrExpired.
const DefaultRetention = 24 * time.Hour

// readScript returns {state, data}. The first read past expiry marks the
// hash reported, so only one reader ever sees state "expired"; the hash
// itself stays until its PEXPIREAT retention.
// KEYS[1] = request key, ARGV[1] = now (unix ms)
var readScript = redis.NewScript(`
local v = redis.call("HMGET", KEYS[1], "data", "expires_ms", "reported")
if not v[1] then
    return {"not_found"}
end
if tonumber(ARGV[1]) > tonumber(v[2]) then
    if v[3] then
        return {"not_found"}
    end
    redis.call("HSET", KEYS[1], "reported", "1")
    return {"expired", v[1]}
end
return {"live", v[1]}
`)

// decideScript moves a pending request to its decided state.
// KEYS[1] = request key, ARGV[1] = now (unix ms), ARGV[2] = new status,
// ARGV[3] = new data
var decideScript = redis.NewScript(`
local v = redis.call("HMGET", KEYS[1], "status", "expires_ms")
if not v[1] then
    return "not_found"
end
if tonumber(ARGV[1]) > tonumber(v[2]) then
    return "expired"
end
if v[1] ~= "pending" then
    return "conflict"
end
redis.call("HSET", KEYS[1], "status", ARGV[2], "data", ARGV[3])
return "ok"
`)

// consumeScript claims an approved request by deleting it.
// KEYS[1] = request key, ARGV[1] = now (unix ms)
var consumeScript = redis.NewScript(`
local v = redis.call("HMGET", KEYS[1], "status", "expires_ms", "data")
if not v[1] then
    return {"not_found"}
end
if tonumber(ARGV[1]) > tonumber(v[2]) then
    return {"expired"}
end
if v[1] ~= "approved" then
    return {"conflict"}
end
redis.call("DEL", KEYS[1])
return {"ok", v[3]}
`)

// RedisStore is a Store shared by several patchgate processes. Each request
// is one hash holding the JSON snapshot, the status and the expiry; every
// transition is a Lua compare-and-swap on the status field.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	opts      options
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps an existing client. Keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string, opts ...Option) *RedisStore {
	return &RedisStore{
		client:    client,
		prefix:    prefix,
		retention: DefaultRetention,
		opts:      buildOptions(opts),
	}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "approval:" + id
}

func (s *RedisStore) nowMillis() string {
	return strconv.FormatInt(s.opts.now().UnixMilli(), 10)
}

func (s *RedisStore) Create(ctx context.Context, action Action, details Details) (*Request, error) {
	r := newRequest(uuid.NewString(), action, details, s.opts)
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("approval: marshal request: %w", err)
	}

	key := s.key(r.ID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"data", data,
			"status", string(r.Status),
			"expires_ms", r.ExpiresAt.UnixMilli(),
		)
		p.PExpireAt(ctx, key, r.ExpiresAt.Add(s.retention))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("approval: store request: %w", err)
	}
	return r, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Request, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	res, err := readScript.Run(ctx, s.client, []string{s.key(id)}, s.nowMillis()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("approval: read request: %w", err)
	}
	switch res[0] {
	case "live":
		return decodeRequest(res[1])
	case "expired":
		r, err := decodeRequest(res[1])
		if err != nil {
			return nil, err
		}
		return r.expiredSnapshot(), nil
	default:
		return nil, ErrNotFound
	}
}

func (s *RedisStore) Decide(ctx context.Context, id string, d Decision, actor string) (*Request, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	key := s.key(id)

	raw, err := s.client.HGet(ctx, key, "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("approval: read request: %w", err)
	}
	r, err := decodeRequest(raw)
	if err != nil {
		return nil, err
	}

	// The snapshot only changes on a decision, and the script refuses to
	// overwrite anything that is no longer pending.
	r.apply(d, actor, s.opts.now())
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("approval: marshal request: %w", err)
	}

	res, err := decideScript.Run(ctx, s.client, []string{key}, s.nowMillis(), string(r.Status), data).Text()
	if err != nil {
		return nil, fmt.Errorf("approval: decide: %w", err)
	}
	switch res {
	case "ok":
		return r, nil
	case "expired":
		return nil, ErrExpired
	case "conflict":
		return nil, ErrConflict
	default:
		return nil, ErrNotFound
	}
}

func (s *RedisStore) Consume(ctx context.Context, id string) (*Request, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(id)}, s.nowMillis()).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("approval: consume: %w", err)
	}
	switch res[0] {
	case "ok":
		return decodeRequest(res[1])
	case "expired":
		return nil, ErrExpired
	case "conflict":
		return nil, ErrConflict
	default:
		return nil, ErrNotFound
	}
}

func decodeRequest(raw string) (*Request, error) {
	var r Request
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("approval: decode request: %w", err)
	}
	return &r, nil
}
