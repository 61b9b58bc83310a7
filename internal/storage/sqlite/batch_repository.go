package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/nidata/dataset_fetcher/internal/storage"
)

type BatchRepository struct {
	db         *sql.DB
	instanceID string
}

func NewBatchRepository(dbConn *sql.DB) *BatchRepository {
	return &BatchRepository{db: dbConn, instanceID: storage.InstanceID()}
}

// ClaimBatch inserts the batch as running, or takes over a finished one.
// A batch that is currently running is left untouched.
func (r *BatchRepository) ClaimBatch(ctx context.Context, id, destDir string, files int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO batches (id, dest_dir, files, status, locked_by, error, started_at)
		VALUES (?, ?, ?, 'running', ?, '', ?)
		ON CONFLICT(dest_dir, id) DO UPDATE SET
			files = excluded.files,
			status = 'running',
			locked_by = excluded.locked_by,
			error = '',
			started_at = excluded.started_at,
			finished_at = NULL
		WHERE batches.status != 'running'
	`, id, destDir, files, r.instanceID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// UpdateBatchStatus sets the final status of a batch and releases its lock.
func (r *BatchRepository) UpdateBatchStatus(ctx context.Context, id, destDir, status, errMsg string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE batches SET status = ?, error = ?, locked_by = NULL, finished_at = ? WHERE dest_dir = ? AND id = ?`,
		status, errMsg, time.Now().UTC().Format(time.RFC3339), destDir, id,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrBatchNotFound
	}

	return nil
}

// ReleaseStaleClaims fails every running batch not owned by instanceID. Claims of
// another instance can only survive a process that died mid-batch.
func (r *BatchRepository) ReleaseStaleClaims(ctx context.Context, instanceID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE batches SET
			status = 'failed',
			error = 'abandoned by instance ' || COALESCE(locked_by, 'unknown'),
			locked_by = NULL,
			finished_at = ?
		WHERE status = 'running' AND (locked_by IS NULL OR locked_by != ?)
	`, time.Now().UTC().Format(time.RFC3339), instanceID)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// GetBatches returns the most recently started batches first, up to limit.
func (r *BatchRepository) GetBatches(ctx context.Context, limit int) ([]storage.BatchRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, dest_dir, files, status, locked_by, error, started_at, finished_at
		FROM batches
		ORDER BY started_at DESC, id
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []storage.BatchRecord

	for rows.Next() {
		var (
			record     storage.BatchRecord
			lockedBy   sql.NullString
			startedAt  string
			finishedAt sql.NullString
		)

		err := rows.Scan(&record.ID, &record.DestDir, &record.Files, &record.Status,
			&lockedBy, &record.Error, &startedAt, &finishedAt)
		if err != nil {
			return nil, err
		}

		record.LockedBy = lockedBy.String
		record.StartedAt = parseTime(startedAt)

		if finishedAt.Valid {
			record.FinishedAt = parseTime(finishedAt.String)
		}

		batches = append(batches, record)
	}

	return batches, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}

	return t
}
