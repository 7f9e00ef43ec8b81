// Package store opens the node's SQL database and creates its schema.
//
// The SQL used across the repo is kept portable between SQLite and Postgres:
// $n placeholders appear once each and in ascending order, timestamps are
// BIGINT unix milliseconds and booleans are INTEGER 0/1.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS downloads (
	id               TEXT PRIMARY KEY,
	source_file_id   TEXT NOT NULL,
	file_name        TEXT NOT NULL,
	source_peer_id   TEXT NOT NULL,
	source_peer_name TEXT NOT NULL DEFAULT '',
	remote_path      TEXT NOT NULL DEFAULT '',
	local_path       TEXT NOT NULL DEFAULT '',
	total_bytes      BIGINT NOT NULL DEFAULT 0,
	downloaded_bytes BIGINT NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	started_at       BIGINT,
	completed_at     BIGINT,
	expires_at       BIGINT,
	is_auto_download INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS downloads_source_idx ON downloads (source_file_id, source_peer_id)`,
	`CREATE INDEX IF NOT EXISTS downloads_status_idx ON downloads (status)`,
	`CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS shared_folders (
	id      TEXT PRIMARY KEY,
	path    TEXT NOT NULL,
	alias   TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1
)`,
}

// Driver picks the database/sql driver for a DSN: postgres URLs go to pgx,
// everything else is treated as a SQLite file path.
func Driver(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "pgx"
	}
	return "sqlite"
}

// Open connects, pings and migrates.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	driver := Driver(dsn)
	source := dsn
	if driver == "sqlite" {
		source = sqliteDSN(dsn)
		if dir := filepath.Dir(strings.TrimPrefix(dsn, "file:")); dir != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
	}

	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// one writer; WAL lets readers proceed alongside it
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	log.Printf("[db] connected (%s)", driver)
	return db, nil
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}
