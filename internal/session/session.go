// Package session manages gateway sessions on top of a shared storage
// backend. Tokens handed to callers are never stored; records are keyed by
// the token's hash and carry the upstream credential sealed.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/tjfontaine/dataagent-gateway/internal/auth"
	"github.com/tjfontaine/dataagent-gateway/internal/domain"
	"github.com/tjfontaine/dataagent-gateway/internal/secret"
	"github.com/tjfontaine/dataagent-gateway/internal/storage"
)

// DefaultTTL is the sliding session lifetime.
const DefaultTTL = 24 * time.Hour

const (
	tokenBytes     = 32
	createAttempts = 3
)

// Manager creates, resolves and expires sessions.
type Manager struct {
	store  storage.SessionStore
	sealer *secret.Sealer
	random io.Reader
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithRandom overrides the source of token entropy.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) {
		m.random = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a session manager.
func NewManager(store storage.SessionStore, sealer *secret.Sealer, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		sealer: sealer,
		random: rand.Reader,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create stores a new session and returns its opaque token. A token
// collision is resolved by generating a new token.
func (m *Manager) Create(ctx context.Context, identity domain.Identity, credential string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	identityJSON, err := json.Marshal(identity)
	if err != nil {
		return "", fmt.Errorf("encode identity: %w", err)
	}
	sealed, err := m.sealer.Seal([]byte(credential))
	if err != nil {
		return "", fmt.Errorf("seal credential: %w", err)
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		token, err := m.newToken()
		if err != nil {
			return "", err
		}

		now := m.now()
		rec := &storage.SessionRecord{
			ID:           auth.HashToken(token),
			Identity:     identityJSON,
			Credential:   sealed,
			CreatedAt:    now,
			LastAccessAt: now,
			ExpiresAt:    now.Add(ttl),
		}

		err = m.store.CreateSession(ctx, rec)
		if err == nil {
			m.logger.Debug("session created", "subject", identity.Subject, "expires_at", rec.ExpiresAt)
			return token, nil
		}
		if !errors.Is(err, storage.ErrExists) {
			return "", fmt.Errorf("create session: %w", err)
		}
		m.logger.Warn("session token collision, regenerating", "attempt", attempt+1)
	}

	return "", fmt.Errorf("create session: %w after %d attempts", storage.ErrExists, createAttempts)
}

// Get resolves a token. It returns an error wrapping storage.ErrNotFound for
// unknown or expired sessions, and storage.ErrUnavailable when the backend
// cannot be reached.
func (m *Manager) Get(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, storage.ErrNotFound
	}

	rec, err := m.store.GetSession(ctx, auth.HashToken(token))
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var identity domain.Identity
	if err := json.Unmarshal(rec.Identity, &identity); err != nil {
		m.logger.Warn("discarding session with undecodable identity", "error", err)
		return nil, fmt.Errorf("get session: %w", storage.ErrNotFound)
	}

	credential, err := m.sealer.Open(rec.Credential)
	if err != nil {
		// Sealed with a different key, e.g. an ephemeral key from a previous run.
		m.logger.Warn("discarding session with unreadable credential", "subject", identity.Subject, "error", err)
		return nil, fmt.Errorf("get session: %w", storage.ErrNotFound)
	}

	return &domain.Session{
		ID:           token,
		Identity:     identity,
		Credential:   string(credential),
		CreatedAt:    rec.CreatedAt,
		LastAccessAt: rec.LastAccessAt,
		ExpiresAt:    rec.ExpiresAt,
	}, nil
}

// Touch slides the session's expiry to now+ttl.
func (m *Manager) Touch(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := m.now()
	if err := m.store.TouchSession(ctx, auth.HashToken(token), now, now.Add(ttl)); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Delete removes the session. Deleting an unknown session succeeds.
func (m *Manager) Delete(ctx context.Context, token string) error {
	if err := m.store.DeleteSession(ctx, auth.HashToken(token)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (m *Manager) newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := io.ReadFull(m.random, b); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
