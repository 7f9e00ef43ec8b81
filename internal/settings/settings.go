// Package settings is the SQL-backed settings provider and shared-folder
// registry.
package settings

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
)

const (
	KeyRetentionDays          = "retention_days"
	KeyMaxConcurrentDownloads = "max_concurrent_downloads"
	KeyAutoDownloadEnabled    = "auto_download_enabled"
	KeyDeviceName             = "device_name"
	KeyDeviceID               = "device_id"
)

type Store struct{ DB *sql.DB }

func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=$1`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value=excluded.value`, key, value)
	return err
}

func (s *Store) All(ctx context.Context) (map[string]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Int returns the integer value of key, or def when missing or unparsable.
func (s *Store) Int(ctx context.Context, key string, def int) int {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func (s *Store) Bool(ctx context.Context, key string, def bool) bool {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func (s *Store) String(ctx context.Context, key, def string) string {
	v, ok, err := s.Get(ctx, key)
	if err != nil || !ok || v == "" {
		return def
	}
	return v
}

// SetDefault writes value only when key is not set yet.
func (s *Store) SetDefault(ctx context.Context, key, value string) error {
	_, ok, err := s.Get(ctx, key)
	if err != nil || ok {
		return err
	}
	return s.Set(ctx, key, value)
}
