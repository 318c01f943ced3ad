package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/italolelis/download_manager/internal/storage"
)

const selectColumns = `key, url, path, downloaded_bytes, total_bytes, progress, state,
	resume_token, run_id, last_error, version, created_at, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DownloadRepository implements storage.Store on a SQLite table.
type DownloadRepository struct {
	db *sql.DB

	mu            sync.Mutex
	version       uint64
	versionLoaded bool
	now           func() time.Time
}

var _ storage.Store = (*DownloadRepository)(nil)

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn, now: time.Now}
}

func (r *DownloadRepository) Save(ctx context.Context, rec storage.DownloadRecord) (storage.DownloadRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.stamp(ctx, r.db, &rec); err != nil {
		return storage.DownloadRecord{}, err
	}

	if err := upsert(ctx, r.db, rec); err != nil {
		return storage.DownloadRecord{}, fmt.Errorf("failed to save download: %w", err)
	}

	return rec.Clone(), nil
}

func (r *DownloadRepository) Get(ctx context.Context, key string) (storage.DownloadRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return get(ctx, r.db, key)
}

func (r *DownloadRepository) GetAll(ctx context.Context) ([]storage.DownloadRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM downloads ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	downloads := []storage.DownloadRecord{}

	for rows.Next() {
		record, err := scan(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, record)
	}

	return downloads, rows.Err()
}

func (r *DownloadRepository) Remove(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE key = ?`, key)

	return err
}

// Update runs fn inside a transaction on the current row for key.
func (r *DownloadRepository) Update(ctx context.Context, key string, fn storage.MutateFunc) (storage.DownloadRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.DownloadRecord{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	rec, err := get(ctx, tx, key)
	if err != nil {
		return storage.DownloadRecord{}, err
	}

	if err := fn(&rec); err != nil {
		return storage.DownloadRecord{}, err
	}

	rec.Key = key

	if err := r.stamp(ctx, tx, &rec); err != nil {
		return storage.DownloadRecord{}, err
	}

	if err := upsert(ctx, tx, rec); err != nil {
		return storage.DownloadRecord{}, fmt.Errorf("failed to update download: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.DownloadRecord{}, err
	}

	return rec.Clone(), nil
}

// stamp assigns the next version. Callers hold r.mu; q must be the handle the
// caller is writing through, since the pool only has one connection.
func (r *DownloadRepository) stamp(ctx context.Context, q queryer, rec *storage.DownloadRecord) error {
	if !r.versionLoaded {
		var maxVersion sql.NullInt64
		if err := q.QueryRowContext(ctx, `SELECT MAX(version) FROM downloads`).Scan(&maxVersion); err != nil {
			return fmt.Errorf("failed to load store version: %w", err)
		}

		r.version = uint64(maxVersion.Int64)
		r.versionLoaded = true
	}

	now := r.now().UTC()

	r.version++
	rec.Version = r.version
	rec.UpdatedAt = now

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}

	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsert(ctx context.Context, db execer, rec storage.DownloadRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO downloads (key, url, path, downloaded_bytes, total_bytes, progress, state,
			resume_token, run_id, last_error, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			url = excluded.url,
			path = excluded.path,
			downloaded_bytes = excluded.downloaded_bytes,
			total_bytes = excluded.total_bytes,
			progress = excluded.progress,
			state = excluded.state,
			resume_token = excluded.resume_token,
			run_id = excluded.run_id,
			last_error = excluded.last_error,
			version = excluded.version,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`,
		rec.Key, rec.URL, rec.Path, rec.DownloadedBytes, rec.TotalBytes, rec.Progress, string(rec.State),
		rec.ResumeToken, rec.RunID, rec.LastError, int64(rec.Version),
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano),
	)

	return err
}

func get(ctx context.Context, db queryer, key string) (storage.DownloadRecord, error) {
	record, err := scan(db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM downloads WHERE key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DownloadRecord{}, storage.ErrNotFound
	}

	return record, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (storage.DownloadRecord, error) {
	var (
		record               storage.DownloadRecord
		state                string
		runID, lastError     sql.NullString
		version              int64
		createdAt, updatedAt string
	)

	err := row.Scan(
		&record.Key, &record.URL, &record.Path, &record.DownloadedBytes, &record.TotalBytes, &record.Progress, &state,
		&record.ResumeToken, &runID, &lastError, &version, &createdAt, &updatedAt,
	)
	if err != nil {
		return storage.DownloadRecord{}, err
	}

	record.State = storage.State(state)
	record.RunID = runID.String
	record.LastError = lastError.String
	record.Version = uint64(version)

	if len(record.ResumeToken) == 0 {
		record.ResumeToken = nil
	}

	if record.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return storage.DownloadRecord{}, fmt.Errorf("invalid created_at for %s: %w", record.Key, err)
	}

	if record.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return storage.DownloadRecord{}, fmt.Errorf("invalid updated_at for %s: %w", record.Key, err)
	}

	return record, nil
}
