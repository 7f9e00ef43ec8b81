package downloads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"peershare/internal/apperr"
	"peershare/pkg/types"
)

// Ledger persists download records.
type Ledger interface {
	Create(ctx context.Context, d types.Download) error
	Get(ctx context.Context, id string) (types.Download, error)
	Update(ctx context.Context, d types.Download) error
	UpdateProgress(ctx context.Context, id string, downloaded int64) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]types.Download, error)
	FindBySource(ctx context.Context, fileID, peerID string) (types.Download, bool, error)
	ExpiredBefore(ctx context.Context, t time.Time) ([]types.Download, error)
}

type SQLStore struct{ DB *sql.DB }

func NewStore(db *sql.DB) *SQLStore { return &SQLStore{DB: db} }

const columns = `id, source_file_id, file_name, source_peer_id, source_peer_name, remote_path, local_path,
total_bytes, downloaded_bytes, status, started_at, completed_at, expires_at, is_auto_download, last_error, created_at`

func (s *SQLStore) Create(ctx context.Context, d types.Download) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO downloads (`+columns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		d.ID, d.SourceFileID, d.FileName, d.SourcePeerID, d.SourcePeerName, d.RemotePath, d.LocalPath,
		d.TotalBytes, d.DownloadedBytes, string(d.Status), millis(d.StartedAt), millis(d.CompletedAt), millis(d.ExpiresAt),
		boolInt(d.IsAutoDownload), d.LastError, d.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert download %s: %w", d.ID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (types.Download, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+columns+` FROM downloads WHERE id=$1`, id)
	d, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Download{}, fmt.Errorf("download %s: %w", id, apperr.ErrNotFound)
	}
	return d, err
}

func (s *SQLStore) Update(ctx context.Context, d types.Download) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE downloads SET file_name=$1, source_peer_name=$2, remote_path=$3, local_path=$4,
  total_bytes=$5, downloaded_bytes=$6, status=$7, started_at=$8, completed_at=$9, expires_at=$10,
  is_auto_download=$11, last_error=$12
WHERE id=$13`,
		d.FileName, d.SourcePeerName, d.RemotePath, d.LocalPath,
		d.TotalBytes, d.DownloadedBytes, string(d.Status), millis(d.StartedAt), millis(d.CompletedAt), millis(d.ExpiresAt),
		boolInt(d.IsAutoDownload), d.LastError, d.ID)
	if err != nil {
		return fmt.Errorf("update download %s: %w", d.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("download %s: %w", d.ID, apperr.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) UpdateProgress(ctx context.Context, id string, downloaded int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE downloads SET downloaded_bytes=$1 WHERE id=$2`, downloaded, id)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM downloads WHERE id=$1`, id)
	return err
}

// List returns every record, oldest first.
func (s *SQLStore) List(ctx context.Context) ([]types.Download, error) {
	return s.query(ctx, `SELECT `+columns+` FROM downloads ORDER BY created_at, id`)
}

// FindBySource returns the newest record for a (file, peer) pair.
func (s *SQLStore) FindBySource(ctx context.Context, fileID, peerID string) (types.Download, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT `+columns+` FROM downloads
WHERE source_file_id=$1 AND source_peer_id=$2
ORDER BY created_at DESC LIMIT 1`, fileID, peerID)
	d, err := scanDownload(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Download{}, false, nil
		}
		return types.Download{}, false, err
	}
	return d, true, nil
}

// ExpiredBefore lists completed records whose expiry is before t.
func (s *SQLStore) ExpiredBefore(ctx context.Context, t time.Time) ([]types.Download, error) {
	return s.query(ctx, `
SELECT `+columns+` FROM downloads
WHERE status=$1 AND expires_at IS NOT NULL AND expires_at < $2
ORDER BY expires_at`, string(types.StatusCompleted), t.UnixMilli())
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]types.Download, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Download
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(sc scanner) (types.Download, error) {
	var d types.Download
	var status string
	var started, completed, expires sql.NullInt64
	var auto int
	var created int64
	err := sc.Scan(&d.ID, &d.SourceFileID, &d.FileName, &d.SourcePeerID, &d.SourcePeerName, &d.RemotePath, &d.LocalPath,
		&d.TotalBytes, &d.DownloadedBytes, &status, &started, &completed, &expires, &auto, &d.LastError, &created)
	if err != nil {
		return types.Download{}, err
	}
	d.Status = types.DownloadStatus(status)
	d.StartedAt = fromMillis(started)
	d.CompletedAt = fromMillis(completed)
	d.ExpiresAt = fromMillis(expires)
	d.IsAutoDownload = auto != 0
	d.CreatedAt = time.UnixMilli(created)
	return d, nil
}

func millis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.UnixMilli(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
