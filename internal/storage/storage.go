package storage

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Batch statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrBatchNotFound is returned when a status update targets an unknown batch.
var ErrBatchNotFound = errors.New("batch not found")

// BatchRecord is the history entry for one FetchBatch run. ID is the sandbox name of the
// batch; a batch is identified by its destination and ID together.
type BatchRecord struct {
	ID         string
	DestDir    string
	Files      int
	Status     string
	LockedBy   string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// BatchRepository tracks batch runs and keeps two instances from fetching the same batch at once.
type BatchRepository interface {
	// ClaimBatch marks the batch as running for this instance. It reports false when another
	// run of the same batch into the same destination is still in progress.
	ClaimBatch(ctx context.Context, id, destDir string, files int) (bool, error)
	UpdateBatchStatus(ctx context.Context, id, destDir, status, errMsg string) error
	GetBatches(ctx context.Context, limit int) ([]BatchRecord, error)
}

var instanceID = GenerateInstanceID()

// InstanceID returns the identifier this process claims batches with.
func InstanceID() string {
	return instanceID
}

// GenerateInstanceID returns a unique string for this process (hostname+pid+random).
func GenerateInstanceID() string {
	host, _ := os.Hostname()

	return host + "-" + strconv.Itoa(os.Getpid()) + "-" + uuid.NewString()[:8]
}
