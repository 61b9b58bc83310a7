package sqlite

import (
	"context"
	"database/sql"

	"github.com/nidata/dataset_fetcher/internal/storage"
	"github.com/nidata/dataset_fetcher/internal/telemetry"
)

// InstrumentedBatchRepository wraps BatchRepository with telemetry.
type InstrumentedBatchRepository struct {
	repo      *BatchRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedBatchRepository creates a new instrumented batch repository.
func NewInstrumentedBatchRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedBatchRepository {
	return &InstrumentedBatchRepository{
		repo:      NewBatchRepository(dbConn),
		telemetry: tel,
	}
}

// ClaimBatch claims a batch with telemetry.
func (r *InstrumentedBatchRepository) ClaimBatch(ctx context.Context, id, destDir string, files int) (bool, error) {
	var claimed bool

	err := r.telemetry.InstrumentDBOperation(ctx, "claim_batch", func(ctx context.Context) error {
		var err error

		claimed, err = r.repo.ClaimBatch(ctx, id, destDir, files)

		return err
	})
	if err != nil {
		return false, err
	}

	return claimed, nil
}

// UpdateBatchStatus updates batch status with telemetry.
func (r *InstrumentedBatchRepository) UpdateBatchStatus(ctx context.Context, id, destDir, status, errMsg string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "update_batch_status", func(ctx context.Context) error {
		return r.repo.UpdateBatchStatus(ctx, id, destDir, status, errMsg)
	})
}

// ReleaseStaleClaims releases claims of dead instances with telemetry.
func (r *InstrumentedBatchRepository) ReleaseStaleClaims(ctx context.Context, instanceID string) (int64, error) {
	var released int64

	err := r.telemetry.InstrumentDBOperation(ctx, "release_stale_claims", func(ctx context.Context) error {
		var err error

		released, err = r.repo.ReleaseStaleClaims(ctx, instanceID)

		return err
	})
	if err != nil {
		return 0, err
	}

	return released, nil
}

// GetBatches retrieves batch history with telemetry.
func (r *InstrumentedBatchRepository) GetBatches(ctx context.Context, limit int) ([]storage.BatchRecord, error) {
	var result []storage.BatchRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_batches", func(ctx context.Context) error {
		var err error

		result, err = r.repo.GetBatches(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

var _ storage.BatchRepository = (*InstrumentedBatchRepository)(nil)
