// Package memory provides an in-process storage backend. State is not shared
// between processes, so it is only suitable for tests and single-instance
// development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tjfontaine/dataagent-gateway/internal/storage"
)

// Store is an in-memory implementation of storage.Backend.
type Store struct {
	mu       sync.Mutex
	sessions map[string]storage.SessionRecord
	buckets  map[string]bucketEntry
	now      func() time.Time
}

type bucketEntry struct {
	state     storage.BucketState
	expiresAt time.Time
}

var _ storage.Backend = (*Store)(nil)

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new in-memory store
func New(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]storage.SessionRecord),
		buckets:  make(map[string]bucketEntry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) CreateSession(ctx context.Context, rec *storage.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.sessions[rec.ID]; ok && s.now().Before(existing.ExpiresAt) {
		return storage.ErrExists
	}
	s.sessions[rec.ID] = cloneRecord(rec)
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(id)
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := cloneRecord(&rec)
	return &out, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, lastAccess, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live(id)
	if !ok {
		return storage.ErrNotFound
	}
	rec.LastAccessAt = lastAccess
	rec.ExpiresAt = expiresAt
	s.sessions[id] = rec
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

// live returns the record if present and unexpired, evicting it otherwise.
// Callers must hold s.mu.
func (s *Store) live(id string) (storage.SessionRecord, bool) {
	rec, ok := s.sessions[id]
	if !ok {
		return storage.SessionRecord{}, false
	}
	if !s.now().Before(rec.ExpiresAt) {
		delete(s.sessions, id)
		return storage.SessionRecord{}, false
	}
	return rec, true
}

func (s *Store) Take(ctx context.Context, key string, policy storage.BucketPolicy, now time.Time) (storage.TakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *storage.BucketState
	if entry, ok := s.buckets[key]; ok && now.Before(entry.expiresAt) {
		prev = &entry.state
	}
	next, res := storage.Refill(prev, policy, now)
	s.buckets[key] = bucketEntry{state: next, expiresAt: now.Add(policy.IdleTTL())}
	return res, nil
}

// Purge removes expired sessions and idle buckets. It returns the number of
// sessions removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, rec := range s.sessions {
		if !now.Before(rec.ExpiresAt) {
			delete(s.sessions, id)
			removed++
		}
	}
	for key, entry := range s.buckets {
		if !now.Before(entry.expiresAt) {
			delete(s.buckets, key)
		}
	}
	return removed, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}

func cloneRecord(rec *storage.SessionRecord) storage.SessionRecord {
	out := *rec
	out.Identity = append([]byte(nil), rec.Identity...)
	out.Credential = append([]byte(nil), rec.Credential...)
	return out
}
