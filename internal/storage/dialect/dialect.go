// Package dialect provides database dialect abstractions for multi-database support.
package dialect

import (
	"fmt"
	"strings"
)

// Dialect represents a SQL database dialect.
type Dialect interface {
	// Name returns the dialect name (e.g., "sqlite", "postgres", "mysql")
	Name() string

	// DriverName returns the database/sql driver name to use
	DriverName() string

	// Rebind converts ? placeholders to the dialect's format.
	// For example, PostgreSQL uses $1, $2, etc.
	Rebind(query string) string

	// KeyType returns the SQL type for short primary-key strings
	KeyType() string

	// BlobType returns the SQL type for opaque binary values
	BlobType() string

	// BigIntType returns the SQL type for 64-bit integers
	BigIntType() string

	// DoubleType returns the SQL type for float64 values
	DoubleType() string

	// InsertIgnore returns an INSERT statement that silently skips rows whose
	// primary key already exists.
	InsertIgnore(table string, columns []string, conflictColumn string) string

	// PragmaStatements returns dialect-specific initialization statements (e.g., PRAGMA for SQLite)
	PragmaStatements() []string

	// SingleWriter reports whether the database serializes writers, in which
	// case the pool is limited to one connection.
	SingleWriter() bool
}

// DialectType represents supported database types
type DialectType string

const (
	SQLite   DialectType = "sqlite"
	Postgres DialectType = "postgres"
	MySQL    DialectType = "mysql"
)

// New creates a new Dialect based on the dialect type
func New(dialectType DialectType) (Dialect, error) {
	switch dialectType {
	case SQLite:
		return &sqliteDialect{}, nil
	case Postgres:
		return &postgresDialect{}, nil
	case MySQL:
		return &mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialectType)
	}
}

// FromDriverName returns the dialect for a given driver name
func FromDriverName(driverName string) (Dialect, error) {
	switch strings.ToLower(driverName) {
	case "sqlite", "sqlite3":
		return &sqliteDialect{}, nil
	case "postgres", "pgx":
		return &postgresDialect{}, nil
	case "mysql":
		return &mysqlDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driverName)
	}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// sqliteDialect implements Dialect for SQLite
type sqliteDialect struct{}

func (d *sqliteDialect) Name() string {
	return "sqlite"
}

func (d *sqliteDialect) DriverName() string {
	return "sqlite"
}

func (d *sqliteDialect) Rebind(query string) string {
	return query // SQLite uses ?
}

func (d *sqliteDialect) KeyType() string {
	return "TEXT"
}

func (d *sqliteDialect) BlobType() string {
	return "BLOB"
}

func (d *sqliteDialect) BigIntType() string {
	return "INTEGER"
}

func (d *sqliteDialect) DoubleType() string {
	return "REAL"
}

func (d *sqliteDialect) InsertIgnore(table string, columns []string, conflictColumn string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING",
		table, strings.Join(columns, ", "), placeholders(len(columns)), conflictColumn)
}

func (d *sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
}

func (d *sqliteDialect) SingleWriter() bool {
	return true
}

// postgresDialect implements Dialect for PostgreSQL
type postgresDialect struct{}

func (d *postgresDialect) Name() string {
	return "postgres"
}

func (d *postgresDialect) DriverName() string {
	return "pgx"
}

func (d *postgresDialect) Rebind(query string) string {
	// Convert ? placeholders to $1, $2, etc.
	var result strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			result.WriteString(fmt.Sprintf("$%d", idx))
			idx++
		} else {
			result.WriteRune(ch)
		}
	}
	return result.String()
}

func (d *postgresDialect) KeyType() string {
	return "TEXT"
}

func (d *postgresDialect) BlobType() string {
	return "BYTEA"
}

func (d *postgresDialect) BigIntType() string {
	return "BIGINT"
}

func (d *postgresDialect) DoubleType() string {
	return "DOUBLE PRECISION"
}

func (d *postgresDialect) InsertIgnore(table string, columns []string, conflictColumn string) string {
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(columns, ", "), placeholders(len(columns)), conflictColumn)
}

func (d *postgresDialect) PragmaStatements() []string {
	return nil // PostgreSQL doesn't use pragmas
}

func (d *postgresDialect) SingleWriter() bool {
	return false
}

// mysqlDialect implements Dialect for MySQL
type mysqlDialect struct{}

func (d *mysqlDialect) Name() string {
	return "mysql"
}

func (d *mysqlDialect) DriverName() string {
	return "mysql"
}

func (d *mysqlDialect) Rebind(query string) string {
	return query // MySQL uses ?
}

func (d *mysqlDialect) KeyType() string {
	return "VARCHAR(255)"
}

func (d *mysqlDialect) BlobType() string {
	return "LONGBLOB"
}

func (d *mysqlDialect) BigIntType() string {
	return "BIGINT"
}

func (d *mysqlDialect) DoubleType() string {
	return "DOUBLE"
}

func (d *mysqlDialect) InsertIgnore(table string, columns []string, conflictColumn string) string {
	return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)",
		table, strings.Join(columns, ", "), placeholders(len(columns)))
}

func (d *mysqlDialect) PragmaStatements() []string {
	return nil // MySQL doesn't use pragmas
}

func (d *mysqlDialect) SingleWriter() bool {
	return false
}
