package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	sqlChunkTableName     = "clinicsync_cache_chunks"
	sqlOperationTimeout   = 5 * time.Second
	sqliteBusyTimeoutMsec = 5000
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver      string
	createTable string
	placeholder func(n int) string
}

var (
	postgresDialect = sqlDialect{
		driver: "postgres",
		createTable: `
			CREATE TABLE IF NOT EXISTS %s (
				cache_key TEXT PRIMARY KEY,
				payload BYTEA NOT NULL,
				size_bytes BIGINT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
	pgxDialect = sqlDialect{
		driver:      "pgx",
		createTable: postgresDialect.createTable,
		placeholder: postgresDialect.placeholder,
	}
	sqliteDialect = sqlDialect{
		driver: "sqlite",
		createTable: `
			CREATE TABLE IF NOT EXISTS %s (
				cache_key TEXT PRIMARY KEY,
				payload BLOB NOT NULL,
				size_bytes INTEGER NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
		placeholder: func(int) string { return "?" },
	}
)

// SQLBackend keeps chunks in a single table. The same code serves Postgres
// (lib/pq or pgx) and embedded SQLite; only DDL and placeholders differ.
type SQLBackend struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgresBackend accepts postgres:// and postgresql:// DSNs (lib/pq), and
// pgx:// DSNs which are rewritten to postgres:// for the pgx stdlib driver.
func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	dialect := postgresDialect
	if rest, ok := strings.CutPrefix(dsn, "pgx://"); ok {
		dialect = pgxDialect
		dsn = "postgres://" + rest
	}
	return &SQLBackend{
		dsn:       dsn,
		tableName: sqlChunkTableName,
		dialect:   dialect,
		openDB:    sql.Open,
	}, nil
}

func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, sqliteBusyTimeoutMsec)
	return &SQLBackend{
		dsn:       dsn,
		tableName: sqlChunkTableName,
		dialect:   sqliteDialect,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLBackend) Load(ctx context.Context, key string) ([]byte, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE cache_key = %s",
		sqlQuoteIdentifier(b.tableName), b.dialect.placeholder(1))
	var payload []byte
	err := b.db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (b *SQLBackend) Save(ctx context.Context, key string, value []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := b.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO %s (cache_key, payload, size_bytes, updated_at)
		VALUES (%s, %s, %s, CURRENT_TIMESTAMP)
		ON CONFLICT (cache_key)
		DO UPDATE SET payload = excluded.payload, size_bytes = excluded.size_bytes, updated_at = CURRENT_TIMESTAMP`,
		sqlQuoteIdentifier(b.tableName), p(1), p(2), p(3))
	_, err := b.db.ExecContext(ctx, query, key, value, int64(len(value)))
	return err
}

func (b *SQLBackend) Delete(ctx context.Context, key string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE cache_key = %s",
		sqlQuoteIdentifier(b.tableName), b.dialect.placeholder(1))
	_, err := b.db.ExecContext(ctx, query, key)
	return err
}

func (b *SQLBackend) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT cache_key, size_bytes FROM %s ORDER BY cache_key",
		sqlQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.Key, &entry.Size); err != nil {
			return nil, err
		}
		if strings.HasPrefix(entry.Key, prefix) {
			out = append(out, entry)
		}
	}
	return out, rows.Err()
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		if b.dialect.driver == sqliteDialect.driver {
			// SQLite allows a single writer; one connection avoids SQLITE_BUSY churn.
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(b.dialect.createTable, sqlQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("create %s table: %w", b.tableName, err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
