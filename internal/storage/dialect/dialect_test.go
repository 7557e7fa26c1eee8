package dialect

import (
	"testing"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		driver  string
		want    string
		wantErr bool
	}{
		{driver: "sqlite", want: "sqlite"},
		{driver: "SQLite3", want: "sqlite"},
		{driver: "postgres", want: "postgres"},
		{driver: "pgx", want: "postgres"},
		{driver: "mysql", want: "mysql"},
		{driver: "oracle", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.driver, func(t *testing.T) {
			d, err := FromDriverName(tt.driver)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("FromDriverName(%q) = %v, want error", tt.driver, d.Name())
				}
				if _, err := New(DialectType(tt.driver)); err == nil {
					t.Errorf("New(%q) error = nil", tt.driver)
				}
				return
			}
			if err != nil {
				t.Fatalf("FromDriverName(%q) error = %v", tt.driver, err)
			}
			if d.Name() != tt.want {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.want)
			}
			byType, err := New(DialectType(tt.want))
			if err != nil || byType.DriverName() != d.DriverName() {
				t.Errorf("New(%q) = %v, %v; want driver %s", tt.want, byType, err, d.DriverName())
			}
		})
	}
}

func TestRebind(t *testing.T) {
	const touch = "UPDATE sessions SET last_access = ?, expires_at = ? WHERE id = ? AND expires_at > ?"
	tests := []struct {
		dialect Dialect
		want    string
	}{
		{&sqliteDialect{}, touch},
		{&mysqlDialect{}, touch},
		{&postgresDialect{}, "UPDATE sessions SET last_access = $1, expires_at = $2 WHERE id = $3 AND expires_at > $4"},
	}

	for _, tt := range tests {
		t.Run(tt.dialect.Name(), func(t *testing.T) {
			if got := tt.dialect.Rebind(touch); got != tt.want {
				t.Errorf("Rebind() = %v, want %v", got, tt.want)
			}
		})
	}

	if got := (&postgresDialect{}).Rebind("DELETE FROM rate_buckets"); got != "DELETE FROM rate_buckets" {
		t.Errorf("Rebind() without placeholders = %v", got)
	}
}

func TestDialect_InsertIgnore(t *testing.T) {
	cols := []string{"id", "value"}
	tests := []struct {
		name    string
		dialect Dialect
		want    string
	}{
		{"sqlite", &sqliteDialect{}, "INSERT INTO kv (id, value) VALUES (?, ?) ON CONFLICT(id) DO NOTHING"},
		{"postgres", &postgresDialect{}, "INSERT INTO kv (id, value) VALUES (?, ?) ON CONFLICT (id) DO NOTHING"},
		{"mysql", &mysqlDialect{}, "INSERT IGNORE INTO kv (id, value) VALUES (?, ?)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.InsertIgnore("kv", cols, "id"); got != tt.want {
				t.Errorf("InsertIgnore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDialect_Types(t *testing.T) {
	tests := []struct {
		name       string
		dialect    Dialect
		keyType    string
		blobType   string
		bigIntType string
		doubleType string
	}{
		{"sqlite", &sqliteDialect{}, "TEXT", "BLOB", "INTEGER", "REAL"},
		{"postgres", &postgresDialect{}, "TEXT", "BYTEA", "BIGINT", "DOUBLE PRECISION"},
		{"mysql", &mysqlDialect{}, "VARCHAR(255)", "LONGBLOB", "BIGINT", "DOUBLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.dialect.KeyType(); got != tt.keyType {
				t.Errorf("KeyType() = %v, want %v", got, tt.keyType)
			}
			if got := tt.dialect.BlobType(); got != tt.blobType {
				t.Errorf("BlobType() = %v, want %v", got, tt.blobType)
			}
			if got := tt.dialect.BigIntType(); got != tt.bigIntType {
				t.Errorf("BigIntType() = %v, want %v", got, tt.bigIntType)
			}
			if got := tt.dialect.DoubleType(); got != tt.doubleType {
				t.Errorf("DoubleType() = %v, want %v", got, tt.doubleType)
			}
		})
	}
}

func TestDialect_SingleWriter(t *testing.T) {
	if !(&sqliteDialect{}).SingleWriter() {
		t.Error("SQLite should be single-writer")
	}
	if (&postgresDialect{}).SingleWriter() || (&mysqlDialect{}).SingleWriter() {
		t.Error("server databases should allow a connection pool")
	}
}

func TestDialect_PragmaStatements(t *testing.T) {
	sqliteD := &sqliteDialect{}
	pragmas := sqliteD.PragmaStatements()
	if len(pragmas) == 0 {
		t.Error("SQLite should have pragma statements")
	}

	pgD := &postgresDialect{}
	if pgD.PragmaStatements() != nil {
		t.Error("PostgreSQL should not have pragma statements")
	}

	mysqlD := &mysqlDialect{}
	if mysqlD.PragmaStatements() != nil {
		t.Error("MySQL should not have pragma statements")
	}
}
