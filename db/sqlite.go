package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("database not initialized")

const schema = `
CREATE TABLE IF NOT EXISTS models (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    version INTEGER NOT NULL,
    type TEXT NOT NULL,
    path TEXT NOT NULL,
    accuracy REAL,
    data_points INTEGER NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE(name, version)
);
CREATE TABLE IF NOT EXISTS training_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    model_name VARCHAR(50) NOT NULL,
    version INTEGER NOT NULL,
    accuracy REAL,
    precision REAL,
    recall REAL,
    trained_at DATETIME NOT NULL,
    data_points INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS predictions (
    id TEXT PRIMARY KEY,
    operation TEXT NOT NULL,
    model TEXT,
    version INTEGER,
    input TEXT NOT NULL,
    output TEXT NOT NULL,
    timestamp DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS water_data (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    lat REAL NOT NULL,
    lon REAL NOT NULL,
    ph REAL NOT NULL,
    turbidity REAL NOT NULL,
    contaminants TEXT NOT NULL DEFAULT '',
    timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_water_data_timestamp ON water_data(timestamp);
CREATE TABLE IF NOT EXISTS reports (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    location TEXT NOT NULL,
    symptoms TEXT NOT NULL,
    severity TEXT NOT NULL,
    timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reports_timestamp ON reports(timestamp);
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    location TEXT NOT NULL,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    message TEXT NOT NULL,
    value REAL,
    resolved INTEGER NOT NULL DEFAULT 0,
    timestamp DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp);
`

// DB is the SQLite store behind training history, predictions and the
// surveillance feeds.
type DB struct {
	sql      *sql.DB
	logger   *zap.Logger
	attempts uint
	delay    time.Duration
}

// Open creates the file's directory if needed, opens it in WAL mode and
// applies the schema.
func Open(path string, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	conn.SetMaxOpenConns(1)

	d := &DB{sql: conn, logger: logger, attempts: 5, delay: 50 * time.Millisecond}
	if err := d.exec(context.Background(), schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return d, nil
}

func (d *DB) Close() error {
	if d == nil || d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.sql == nil {
		return ErrClosed
	}
	return d.sql.PingContext(ctx)
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

// withRetry runs fn again while SQLite reports the file as locked.
func (d *DB) withRetry(ctx context.Context, fn func() error) error {
	if d == nil || d.sql == nil {
		return ErrClosed
	}
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(d.attempts),
		retry.Delay(d.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isBusy),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(attempt uint, err error) {
			d.logger.Warn("sqlite busy, retrying", zap.Uint("attempt", attempt+1), zap.Error(err))
		}),
	)
}

func (d *DB) exec(ctx context.Context, query string, args ...any) error {
	return d.withRetry(ctx, func() error {
		_, err := d.sql.ExecContext(ctx, query, args...)
		return err
	})
}

func (d *DB) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	return d.withRetry(ctx, func() error {
		tx, err := d.sql.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
