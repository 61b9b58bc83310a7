package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/nidata/dataset_fetcher/internal/logctx"
	"github.com/nidata/dataset_fetcher/internal/storage"
)

// RemoveStaleSandboxes deletes sandboxes left behind by batches that finished more than
// keepDuration ago. Running batches are skipped. It returns the number of sandboxes removed.
func RemoveStaleSandboxes(ctx context.Context, records []storage.BatchRecord, keepDuration time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()
	removed := 0

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		if rec.Status == storage.StatusRunning || rec.DestDir == "" || !isSandboxName(rec.ID) {
			continue
		}

		sandbox := filepath.Join(rec.DestDir, rec.ID)

		info, err := os.Stat(sandbox)
		if err != nil {
			if os.IsNotExist(err) {
				continue // merged or already cleaned
			}

			logger.Error("Failed to stat sandbox", "sandbox", sandbox, "err", err)

			return removed, err
		}

		finishedAt := rec.FinishedAt
		if finishedAt.IsZero() {
			logger.Warn("Batch has no finish time, using sandbox mod time", "sandbox", sandbox)

			finishedAt = info.ModTime()
		}

		if now.Sub(finishedAt) <= keepDuration {
			continue
		}

		if err := os.RemoveAll(sandbox); err != nil {
			logger.Error("Failed to delete stale sandbox", "sandbox", sandbox, "err", err)

			return removed, err
		}

		removed++

		logger.Info("Deleted stale sandbox", "sandbox", sandbox, "status", rec.Status)
	}

	return removed, nil
}

// isSandboxName guards against deleting anything that is not a 32 hex digit batch directory.
func isSandboxName(name string) bool {
	if len(name) != 32 {
		return false
	}

	for _, c := range name {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}
