// Package redis implements storage.Backend on Redis. Every read-modify-write
// runs as a Lua script so concurrent gateway instances never lose updates.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/tjfontaine/dataagent-gateway/internal/storage"
)

const defaultPrefix = "agw:"

// createSessionScript writes the session hash only if the key is absent.
var createSessionScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'identity', ARGV[1],
	'credential', ARGV[2],
	'created_at', ARGV[3],
	'last_access', ARGV[4],
	'expires_at', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// touchSessionScript slides the expiry of a live session.
var touchSessionScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], 'last_access', ARGV[1], 'expires_at', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

// takeScript mirrors storage.Refill. ARGV: capacity, rate (tokens/ms),
// now (unix ms), idle ttl (ms). Returns {allowed, tokens}; tokens is a string
// so fractional values survive the integer reply conversion.
var takeScript = goredis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = capacity
	ts = now
end
if now > ts then
	tokens = math.min(capacity, tokens + (now - ts) * rate)
	ts = now
end
local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {allowed, tostring(tokens)}
`)

// Config holds Redis connection settings.
type Config struct {
	// URL takes precedence over the individual fields when set,
	// e.g. redis://:password@host:6379/0 or rediss:// for TLS.
	URL      string
	Addr     string
	Password string
	DB       int
	TLS      bool
	Prefix   string
}

// Store is a Redis implementation of storage.Backend.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ storage.Backend = (*Store)(nil)

// New connects to Redis using cfg.
func New(cfg Config) (*Store, error) {
	var opts *goredis.Options
	if cfg.URL != "" {
		parsed, err := goredis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &goredis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}
		if cfg.TLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	return NewWithClient(goredis.NewClient(opts), cfg.Prefix), nil
}

// NewWithClient wraps an existing client. An empty prefix uses "agw:".
func NewWithClient(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) sessionKey(id string) string {
	return s.prefix + "session:" + id
}

func (s *Store) bucketKey(key string) string {
	return s.prefix + "bucket:" + key
}

func (s *Store) CreateSession(ctx context.Context, rec *storage.SessionRecord) error {
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	created, err := createSessionScript.Run(ctx, s.client, []string{s.sessionKey(rec.ID)},
		rec.Identity,
		rec.Credential,
		formatTime(rec.CreatedAt),
		formatTime(rec.LastAccessAt),
		formatTime(rec.ExpiresAt),
		ttlMillis(ttl),
	).Int64()
	if err != nil {
		return unavailable("create session", err)
	}
	if created == 0 {
		return storage.ErrExists
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.SessionRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.sessionKey(id)).Result()
	if err != nil {
		return nil, unavailable("get session", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	rec := &storage.SessionRecord{
		ID:         id,
		Identity:   []byte(fields["identity"]),
		Credential: []byte(fields["credential"]),
	}
	// An undecodable hash reads as missing.
	corrupt := func(err error) error {
		return fmt.Errorf("decode session %s: %w: %w", id, storage.ErrNotFound, err)
	}
	if rec.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, corrupt(err)
	}
	if rec.LastAccessAt, err = parseTime(fields["last_access"]); err != nil {
		return nil, corrupt(err)
	}
	if rec.ExpiresAt, err = parseTime(fields["expires_at"]); err != nil {
		return nil, corrupt(err)
	}
	return rec, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, lastAccess, expiresAt time.Time) error {
	touched, err := touchSessionScript.Run(ctx, s.client, []string{s.sessionKey(id)},
		formatTime(lastAccess),
		formatTime(expiresAt),
		ttlMillis(expiresAt.Sub(lastAccess)),
	).Int64()
	if err != nil {
		return unavailable("touch session", err)
	}
	if touched == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.sessionKey(id)).Err(); err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

func (s *Store) Take(ctx context.Context, key string, policy storage.BucketPolicy, now time.Time) (storage.TakeResult, error) {
	ratePerMs := policy.RatePerSecond() / 1000
	vals, err := takeScript.Run(ctx, s.client, []string{s.bucketKey(key)},
		policy.Capacity,
		strconv.FormatFloat(ratePerMs, 'g', -1, 64),
		now.UnixMilli(),
		ttlMillis(policy.IdleTTL()),
	).Slice()
	if err != nil {
		return storage.TakeResult{}, unavailable("take token", err)
	}
	if len(vals) != 2 {
		return storage.TakeResult{}, fmt.Errorf("take token: unexpected reply %v", vals)
	}

	allowed, _ := vals[0].(int64)
	tokensStr, _ := vals[1].(string)
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return storage.TakeResult{}, fmt.Errorf("take token: parse tokens %q: %w", tokensStr, err)
	}

	res := storage.TakeResult{Allowed: allowed == 1, Remaining: tokens}
	if !res.Allowed {
		// Recompute the wait locally from the returned state.
		_, local := storage.Refill(&storage.BucketState{Tokens: tokens, LastRefill: now}, policy, now)
		res.RetryAfter = local.RetryAfter
	}
	return res, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", storage.ErrUnavailable, op, err)
}

func ttlMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}

func formatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}

func parseTime(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, n), nil
}
