package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/dataagent-gateway/internal/storage"
	"github.com/tjfontaine/dataagent-gateway/internal/storage/dialect"
)

// maxCASAttempts bounds optimistic retries on a contended bucket row.
const maxCASAttempts = 8

var sessionColumns = []string{"id", "identity", "credential", "created_at", "last_access", "expires_at"}

var bucketColumns = []string{"bucket_key", "tokens", "last_refill", "expires_at", "version"}

// Store is a SQL implementation of storage.Backend that supports multiple
// database dialects. Times are stored as unix nanoseconds so every dialect
// compares them the same way.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
	now     func() time.Time
}

var _ storage.Backend = (*Store)(nil)

// Config holds database connection configuration
type Config struct {
	Driver string // Driver name: sqlite, postgres, mysql
	DSN    string // Data source name / connection string
}

// Option configures the store.
type Option func(*Store)

// WithClock overrides the time source used for expiry predicates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates a new SQL store with the specified configuration.
func New(cfg Config, opts ...Option) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if d.SingleWriter() {
		db.SetMaxOpenConns(1)
	}

	// Run dialect-specific initialization (e.g., PRAGMA for SQLite)
	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// NewSQLite creates a new SQLite store (convenience function)
func NewSQLite(dbPath string, opts ...Option) (*Store, error) {
	return New(Config{Driver: "sqlite", DSN: dbPath}, opts...)
}

// Dialect returns the dialect being used
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	d := s.dialect
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
			id %s PRIMARY KEY,
			identity %s NOT NULL,
			credential %s NOT NULL,
			created_at %s NOT NULL,
			last_access %s NOT NULL,
			expires_at %s NOT NULL
		)`, d.KeyType(), d.BlobType(), d.BlobType(), d.BigIntType(), d.BigIntType(), d.BigIntType()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS rate_buckets (
			bucket_key %s PRIMARY KEY,
			tokens %s NOT NULL,
			last_refill %s NOT NULL,
			expires_at %s NOT NULL,
			version %s NOT NULL
		)`, d.KeyType(), d.DoubleType(), d.BigIntType(), d.BigIntType(), d.BigIntType()),
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_rate_buckets_expires ON rate_buckets(expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

type sessionRow struct {
	ID         string `db:"id"`
	Identity   []byte `db:"identity"`
	Credential []byte `db:"credential"`
	CreatedAt  int64  `db:"created_at"`
	LastAccess int64  `db:"last_access"`
	ExpiresAt  int64  `db:"expires_at"`
}

type bucketRow struct {
	Tokens     float64 `db:"tokens"`
	LastRefill int64   `db:"last_refill"`
	ExpiresAt  int64   `db:"expires_at"`
	Version    int64   `db:"version"`
}

func (s *Store) CreateSession(ctx context.Context, rec *storage.SessionRecord) error {
	// Clear a stale row with the same id so the conditional insert can claim it.
	purge := s.dialect.Rebind(`DELETE FROM sessions WHERE id = ? AND expires_at <= ?`)
	if _, err := s.db.ExecContext(ctx, purge, rec.ID, s.now().UnixNano()); err != nil {
		return unavailable("create session", err)
	}

	query := s.dialect.Rebind(s.dialect.InsertIgnore("sessions", sessionColumns, "id"))
	res, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.Identity, rec.Credential,
		rec.CreatedAt.UnixNano(), rec.LastAccessAt.UnixNano(), rec.ExpiresAt.UnixNano())
	if err != nil {
		return unavailable("create session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("create session", err)
	}
	if n == 0 {
		return storage.ErrExists
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.SessionRecord, error) {
	query := s.dialect.Rebind(`SELECT id, identity, credential, created_at, last_access, expires_at
		FROM sessions WHERE id = ? AND expires_at > ?`)

	var row sessionRow
	err := s.db.GetContext(ctx, &row, query, id, s.now().UnixNano())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}

	return &storage.SessionRecord{
		ID:           row.ID,
		Identity:     row.Identity,
		Credential:   row.Credential,
		CreatedAt:    time.Unix(0, row.CreatedAt),
		LastAccessAt: time.Unix(0, row.LastAccess),
		ExpiresAt:    time.Unix(0, row.ExpiresAt),
	}, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, lastAccess, expiresAt time.Time) error {
	query := s.dialect.Rebind(`UPDATE sessions SET last_access = ?, expires_at = ?
		WHERE id = ? AND expires_at > ?`)
	res, err := s.db.ExecContext(ctx, query,
		lastAccess.UnixNano(), expiresAt.UnixNano(), id, s.now().UnixNano())
	if err != nil {
		return unavailable("touch session", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("touch session", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	query := s.dialect.Rebind(`DELETE FROM sessions WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return unavailable("delete session", err)
	}
	return nil
}

// Take refills and takes from a bucket using compare-and-swap on the row
// version, so concurrent writers from other processes never lose an update.
func (s *Store) Take(ctx context.Context, key string, policy storage.BucketPolicy, now time.Time) (storage.TakeResult, error) {
	selectQ := s.dialect.Rebind(`SELECT tokens, last_refill, expires_at, version FROM rate_buckets WHERE bucket_key = ?`)
	insertQ := s.dialect.Rebind(s.dialect.InsertIgnore("rate_buckets", bucketColumns, "bucket_key"))
	updateQ := s.dialect.Rebind(`UPDATE rate_buckets SET tokens = ?, last_refill = ?, expires_at = ?, version = ?
		WHERE bucket_key = ? AND version = ?`)

	expiresAt := now.Add(policy.IdleTTL()).UnixNano()

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var row bucketRow
		err := s.db.GetContext(ctx, &row, selectQ, key)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return storage.TakeResult{}, unavailable("take token", err)
		}

		var res sql.Result
		var result storage.TakeResult
		if errors.Is(err, sql.ErrNoRows) {
			next, r := storage.Refill(nil, policy, now)
			result = r
			res, err = s.db.ExecContext(ctx, insertQ, key, next.Tokens, next.LastRefill.UnixNano(), expiresAt, 1)
		} else {
			var prev *storage.BucketState
			if row.ExpiresAt > now.UnixNano() {
				prev = &storage.BucketState{Tokens: row.Tokens, LastRefill: time.Unix(0, row.LastRefill)}
			}
			next, r := storage.Refill(prev, policy, now)
			result = r
			res, err = s.db.ExecContext(ctx, updateQ,
				next.Tokens, next.LastRefill.UnixNano(), expiresAt, row.Version+1, key, row.Version)
		}
		if err != nil {
			return storage.TakeResult{}, unavailable("take token", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return storage.TakeResult{}, unavailable("take token", err)
		}
		if n == 1 {
			return result, nil
		}
		// Another writer won the race; reload and try again.
	}

	return storage.TakeResult{}, fmt.Errorf("%w: take token: bucket %s contended", storage.ErrUnavailable, key)
}

// Purge deletes expired sessions and idle buckets. It returns the number of
// sessions removed.
func (s *Store) Purge(ctx context.Context) (int, error) {
	now := s.now().UnixNano()

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM sessions WHERE expires_at <= ?`), now)
	if err != nil {
		return 0, unavailable("purge sessions", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("purge sessions", err)
	}

	if _, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM rate_buckets WHERE expires_at <= ?`), now); err != nil {
		return int(removed), unavailable("purge buckets", err)
	}
	return int(removed), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", storage.ErrUnavailable, op, err)
}
