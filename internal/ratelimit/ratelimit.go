// Package ratelimit admits requests against a token bucket held in the shared
// store, so every gateway instance draws from the same budget.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/dataagent-gateway/internal/storage"
)

// Policy describes a bucket: Capacity requests, refilled by RefillTokens every
// RefillInterval.
type Policy struct {
	Enabled        bool
	Capacity       int
	RefillTokens   float64
	RefillInterval time.Duration
}

func (p Policy) bucket() storage.BucketPolicy {
	return storage.BucketPolicy{
		Capacity:       p.Capacity,
		RefillTokens:   p.RefillTokens,
		RefillInterval: p.RefillInterval,
	}
}

// Decision is the outcome of Admit. A rejection is not an error.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits requests per client key.
type Limiter struct {
	store  storage.BucketStore
	policy atomic.Pointer[Policy]
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// New creates a limiter backed by store.
func New(store storage.BucketStore, policy Policy, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.SetPolicy(policy)
	return l
}

// SetPolicy replaces the policy for subsequent requests. Existing buckets keep
// their token counts and are clamped to the new capacity on next use.
func (l *Limiter) SetPolicy(p Policy) {
	if p.Enabled && p.Capacity < 1 {
		p.Capacity = 1
	}
	l.policy.Store(&p)
}

// Policy returns the active policy.
func (l *Limiter) Policy() Policy {
	return *l.policy.Load()
}

// Admit takes one token from key's bucket. Errors wrap storage.ErrUnavailable
// when the shared store cannot be reached.
func (l *Limiter) Admit(ctx context.Context, key string) (Decision, error) {
	p := l.Policy()
	if !p.Enabled {
		return Decision{Allowed: true}, nil
	}

	res, err := l.store.Take(ctx, key, p.bucket(), l.now())
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", key, err)
	}

	d := Decision{
		Allowed:    res.Allowed,
		Limit:      p.Capacity,
		Remaining:  int(math.Floor(res.Remaining)),
		RetryAfter: res.RetryAfter,
	}
	if !d.Allowed {
		l.logger.Info("rate limit exceeded",
			slog.String("key", key),
			slog.Duration("retry_after", d.RetryAfter),
		)
	}
	return d, nil
}

// UserKey returns the bucket key for an authenticated subject.
func UserKey(subject string) string {
	return "user:" + subject
}
