package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/dataagent-gateway/internal/storage"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := New(Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func record(id string, now time.Time, ttl time.Duration) *storage.SessionRecord {
	return &storage.SessionRecord{
		ID:           id,
		Identity:     []byte(`{"sub":"alice@example.com"}`),
		Credential:   []byte{0x00, 0x01, 0xfe, 0xff},
		CreatedAt:    now,
		LastAccessAt: now,
		ExpiresAt:    now.Add(ttl),
	}
}

func TestRedisStore_CreateThenGetRoundTrips(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.CreateSession(ctx, record("abc", now, time.Hour)))

	got, err := store.GetSession(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, `{"sub":"alice@example.com"}`, string(got.Identity))
	assert.Equal(t, []byte{0x00, 0x01, 0xfe, 0xff}, got.Credential)
	assert.True(t, got.CreatedAt.Equal(now))
	assert.True(t, got.ExpiresAt.Equal(now.Add(time.Hour)))
}

func TestRedisStore_UndecodableSessionIsNotFound(t *testing.T) {
	store, mr := newTestStore(t)
	now := formatTime(time.Now())
	mr.HSet(store.sessionKey("bad"),
		"identity", `{"sub":"alice@example.com"}`,
		"credential", "x",
		"created_at", "yesterday",
		"last_access", now,
		"expires_at", now,
	)

	_, err := store.GetSession(context.Background(), "bad")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.NotErrorIs(t, err, storage.ErrUnavailable)
}

func TestRedisStore_CreateIsConditional(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.CreateSession(ctx, record("abc", now, time.Hour)))
	err := store.CreateSession(ctx, record("abc", now, time.Hour))
	assert.ErrorIs(t, err, storage.ErrExists)
}

func TestRedisStore_ExpiryIsEnforcedByRedis(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.CreateSession(ctx, record("abc", now, time.Minute)))
	assert.Equal(t, time.Minute, mr.TTL("agw:session:abc"))

	mr.FastForward(time.Minute)

	_, err := store.GetSession(ctx, "abc")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.TouchSession(ctx, "abc", now, now.Add(time.Hour)), storage.ErrNotFound)
}

func TestRedisStore_TouchSlidesExpiry(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.CreateSession(ctx, record("abc", now, time.Minute)))
	mr.FastForward(50 * time.Second)

	later := now.Add(50 * time.Second)
	require.NoError(t, store.TouchSession(ctx, "abc", later, later.Add(time.Minute)))
	// Touching again with the same timestamp is a no-op on expiry.
	require.NoError(t, store.TouchSession(ctx, "abc", later, later.Add(time.Minute)))
	assert.Equal(t, time.Minute, mr.TTL("agw:session:abc"))

	mr.FastForward(50 * time.Second)
	got, err := store.GetSession(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, got.LastAccessAt.Equal(later))
	assert.True(t, got.ExpiresAt.Equal(later.Add(time.Minute)))
}

func TestRedisStore_Delete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, record("abc", time.Now(), time.Hour)))
	require.NoError(t, store.DeleteSession(ctx, "abc"))
	require.NoError(t, store.DeleteSession(ctx, "abc"))

	_, err := store.GetSession(ctx, "abc")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRedisStore_TakeExhaustsCapacity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	policy := storage.BucketPolicy{Capacity: 5}
	now := time.Now()

	for i := 0; i < 5; i++ {
		res, err := store.Take(ctx, "user:alice", policy, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "take %d should be allowed", i+1)
	}
	res, err := store.Take(ctx, "user:alice", policy, now)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
}

func TestRedisStore_TakeRefills(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	policy := storage.BucketPolicy{Capacity: 1, RefillTokens: 1, RefillInterval: time.Second}
	now := time.UnixMilli(1_700_000_000_000)

	res, err := store.Take(ctx, "k", policy, now)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = store.Take(ctx, "k", policy, now.Add(250*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 750*time.Millisecond, res.RetryAfter)

	res, err = store.Take(ctx, "k", policy, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisStore_TakeSharedAcrossClients(t *testing.T) {
	mr := miniredis.RunT(t)
	policy := storage.BucketPolicy{Capacity: 10}
	now := time.Now()

	// Two stores stand in for two gateway instances.
	a := NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "")
	b := NewWithClient(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), "")
	defer a.Close()
	defer b.Close()

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 30; i++ {
		s := a
		if i%2 == 1 {
			s = b
		}
		wg.Add(1)
		go func(s *Store) {
			defer wg.Done()
			res, err := s.Take(context.Background(), "user:bob", policy, now)
			if err != nil {
				t.Errorf("Take() error = %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func TestRedisStore_UnreachableIsUnavailable(t *testing.T) {
	store, mr := newTestStore(t)
	mr.Close()

	ctx := context.Background()
	_, err := store.GetSession(ctx, "abc")
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	err = store.CreateSession(ctx, record("abc", time.Now(), time.Hour))
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	_, err = store.Take(ctx, "k", storage.BucketPolicy{Capacity: 1}, time.Now())
	assert.ErrorIs(t, err, storage.ErrUnavailable)

	assert.ErrorIs(t, store.Ping(ctx), storage.ErrUnavailable)
}
