// Package storage defines the shared-state contracts used by every gateway
// instance: session records with per-key expiry and token-bucket counters.
// Implementations must be safe for concurrent use from independent processes;
// no in-process copy of the state is authoritative.
package storage

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	// ErrNotFound is returned for absent or expired keys.
	ErrNotFound = errors.New("storage: not found")

	// ErrExists is returned when a conditional create finds the key taken.
	ErrExists = errors.New("storage: already exists")

	// ErrUnavailable wraps any failure to reach the backing store.
	ErrUnavailable = errors.New("storage: unavailable")
)

// SessionRecord is the persisted form of a session. ID is the hashed session
// token; Credential is sealed before it reaches the store.
type SessionRecord struct {
	ID           string
	Identity     []byte
	Credential   []byte
	CreatedAt    time.Time
	LastAccessAt time.Time
	ExpiresAt    time.Time
}

// SessionStore persists session records with store-enforced expiry.
type SessionStore interface {
	// CreateSession stores rec only if no live record with rec.ID exists.
	CreateSession(ctx context.Context, rec *SessionRecord) error
	// GetSession returns ErrNotFound for absent or expired records.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	// TouchSession moves the expiry of a live record to expiresAt.
	TouchSession(ctx context.Context, id string, lastAccess, expiresAt time.Time) error
	// DeleteSession removes the record. Deleting an absent record is not an error.
	DeleteSession(ctx context.Context, id string) error
}

// BucketPolicy describes a token bucket.
type BucketPolicy struct {
	Capacity       int
	RefillTokens   float64
	RefillInterval time.Duration
}

// RatePerSecond returns the refill rate in tokens per second.
func (p BucketPolicy) RatePerSecond() float64 {
	if p.RefillInterval <= 0 || p.RefillTokens <= 0 {
		return 0
	}
	return p.RefillTokens / p.RefillInterval.Seconds()
}

// IdleTTL is how long an untouched bucket must be kept before it would be full
// again anyway. Buckets that never refill are kept for a day.
func (p BucketPolicy) IdleTTL() time.Duration {
	rate := p.RatePerSecond()
	if rate <= 0 {
		return 24 * time.Hour
	}
	ttl := time.Duration(float64(p.Capacity) / rate * float64(time.Second))
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl + time.Second
}

// BucketState is the persisted state of one bucket.
type BucketState struct {
	Tokens     float64
	LastRefill time.Time
}

// TakeResult is the outcome of one token request.
type TakeResult struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// BucketStore performs an atomic refill-and-take on a named bucket.
type BucketStore interface {
	Take(ctx context.Context, key string, policy BucketPolicy, now time.Time) (TakeResult, error)
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Backend is a store that can hold both sessions and buckets.
type Backend interface {
	SessionStore
	BucketStore
	Pinger
	Close() error
}

// Refill applies the token-bucket rules to state at time now and attempts to
// take one token. A nil state is a fresh, full bucket. Backends that cannot
// run this logic inside the store (Redis) mirror it in a script.
func Refill(state *BucketState, policy BucketPolicy, now time.Time) (BucketState, TakeResult) {
	capacity := float64(policy.Capacity)
	next := BucketState{Tokens: capacity, LastRefill: now}
	if state != nil {
		next = *state
		if elapsed := now.Sub(state.LastRefill); elapsed > 0 {
			next.Tokens = math.Min(capacity, state.Tokens+elapsed.Seconds()*policy.RatePerSecond())
			next.LastRefill = now
		}
	}

	var res TakeResult
	if next.Tokens >= 1 {
		next.Tokens--
		res.Allowed = true
	} else {
		res.RetryAfter = retryAfter(next.Tokens, policy)
	}
	res.Remaining = next.Tokens
	return next, res
}

func retryAfter(tokens float64, policy BucketPolicy) time.Duration {
	rate := policy.RatePerSecond()
	if rate <= 0 {
		return 0
	}
	missing := 1 - tokens
	return time.Duration(math.Ceil(missing / rate * float64(time.Second)))
}
