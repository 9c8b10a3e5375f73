package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sync run statuses.
const (
	SyncRunning   = "running"
	SyncSucceeded = "succeeded"
	SyncFailed    = "failed"
)

// Sync run kinds. Incremental runs fetch changed documents and anchor the
// next fetch window; deletion runs enumerate the source and tombstone what
// is gone. Only incremental runs move the window.
const (
	SyncIncremental = "incremental"
	SyncDeletion    = "deletion"
)

// SyncRun is one recorded synchronization attempt against a source.
type SyncRun struct {
	// ID is the run's row id.
	ID int64
	// Source names the synchronized source system.
	Source string
	// Kind is incremental or deletion.
	Kind string
	// Status is running, succeeded, or failed.
	Status string
	// Added, Updated, and Deleted are the per-document outcome counts.
	Added, Updated, Deleted int
	// ErrorDetail describes the failure for failed runs, empty otherwise.
	ErrorDetail string
	// StartedAt is when the run began.
	StartedAt time.Time
	// CompletedAt is when the run reached a terminal status; zero while
	// still running.
	CompletedAt time.Time
}

// ErrNoSuccessfulSync is returned by LastSuccessfulSync when the source has
// never completed a successful run.
var ErrNoSuccessfulSync = errors.New("store: no successful sync run")

// StartSyncRun records the beginning of a sync attempt of the given kind
// and returns the run id for the later terminal transition.
func (s *SQLiteStore) StartSyncRun(ctx context.Context, source, kind string) (int64, error) {
	if kind != SyncIncremental && kind != SyncDeletion {
		return 0, fmt.Errorf("store: start sync run for %s: unknown kind %q", source, kind)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_runs (source, kind, status, started_at) VALUES (?, ?, ?, ?)`,
		source, kind, SyncRunning, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("store: start sync run for %s: %w", source, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: start sync run id: %w", err)
	}
	return id, nil
}

// CompleteSyncRun moves a running sync run to a terminal status with its
// outcome counts. Completing an already-terminal run is an error; runs
// transition exactly once.
func (s *SQLiteStore) CompleteSyncRun(ctx context.Context, id int64, status string, added, updated, deleted int, errDetail string) error {
	if status != SyncSucceeded && status != SyncFailed {
		return fmt.Errorf("store: complete sync run %d: %q is not a terminal status", id, status)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE sync_runs
SET    status = ?, added = ?, updated = ?, deleted = ?, error_detail = ?, completed_at = ?
WHERE  id = ? AND status = ?`,
		status, added, updated, deleted, errDetail, time.Now().Unix(), id, SyncRunning)
	if err != nil {
		return fmt.Errorf("store: complete sync run %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: complete sync run rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("store: complete sync run %d: run is not running", id)
	}
	return nil
}

// LastSuccessfulSync returns the start time of the source's most recent
// succeeded incremental run. Fetch windows open at this time, so documents
// changed during a failed run are re-fetched by the next attempt. Deletion
// runs are excluded: they fetch no changed documents, so letting them
// anchor the window would skip changes made since the last incremental run.
func (s *SQLiteStore) LastSuccessfulSync(ctx context.Context, source string) (time.Time, error) {
	var started int64
	err := s.db.QueryRowContext(ctx, `
SELECT started_at FROM sync_runs
WHERE  source = ? AND kind = ? AND status = ?
ORDER  BY started_at DESC LIMIT 1`, source, SyncIncremental, SyncSucceeded).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, ErrNoSuccessfulSync
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("store: last successful sync for %s: %w", source, err)
	}
	return time.Unix(started, 0), nil
}

// SyncHistory returns the most recent runs across all sources, newest first.
func (s *SQLiteStore) SyncHistory(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, source, kind, status, added, updated, deleted, error_detail, started_at, completed_at
FROM   sync_runs
ORDER  BY started_at DESC, id DESC
LIMIT  ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: sync history: %w", err)
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		var r SyncRun
		var started int64
		var completed sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Source, &r.Kind, &r.Status, &r.Added, &r.Updated, &r.Deleted,
			&r.ErrorDetail, &started, &completed); err != nil {
			return nil, fmt.Errorf("store: sync history scan: %w", err)
		}
		r.StartedAt = time.Unix(started, 0)
		if completed.Valid {
			r.CompletedAt = time.Unix(completed.Int64, 0)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: sync history rows: %w", err)
	}
	return out, nil
}
