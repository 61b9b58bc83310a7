package batch

import (
	"context"
	"errors"
	"fmt"

	"github.com/nidata/dataset_fetcher/internal/dataset"
	"github.com/nidata/dataset_fetcher/internal/downloader"
	"github.com/nidata/dataset_fetcher/internal/logctx"
	"github.com/nidata/dataset_fetcher/internal/manifest"
	"github.com/nidata/dataset_fetcher/internal/notifier"
	"github.com/nidata/dataset_fetcher/internal/storage"
)

// ErrBatchInProgress is returned when the same batch is already being fetched.
var ErrBatchInProgress = errors.New("batch is already being fetched")

// Resolver locates the directory of a dataset.
type Resolver interface {
	Resolve(name, explicitDir string, extraEnvVars []string) (string, error)
}

// BatchFetcher runs one batch into a destination directory.
type BatchFetcher interface {
	FetchBatch(ctx context.Context, destDir string, specs []downloader.FileSpec, opts downloader.BatchOptions) ([]string, error)
}

// Result describes a fetched batch.
type Result struct {
	BatchID string   `json:"batch_id"`
	DataDir string   `json:"data_dir"`
	Paths   []string `json:"paths"`
}

// Service fetches manifests into their dataset directories, tracking each run in the
// batch repository and announcing the outcome. Repository and notifier are optional.
type Service struct {
	resolver Resolver
	fetcher  BatchFetcher
	repo     storage.BatchRepository
	notifier notifier.Notifier
}

func NewService(resolver Resolver, fetcher BatchFetcher, repo storage.BatchRepository, notif notifier.Notifier) *Service {
	return &Service{
		resolver: resolver,
		fetcher:  fetcher,
		repo:     repo,
		notifier: notif,
	}
}

// Fetch resolves the dataset directory of m and fetches its files there.
func (s *Service) Fetch(ctx context.Context, m *manifest.Manifest) (*Result, error) {
	specs := m.Specs()

	dir, err := s.resolver.Resolve(m.Dataset, m.DataDir, m.ExtraEnv)
	if err != nil {
		return nil, err
	}

	id := downloader.SandboxName(specs)
	logger := logctx.LoggerFromContext(ctx).With("dataset", m.Dataset, "batch_id", id)

	if s.repo != nil {
		claimed, err := s.repo.ClaimBatch(ctx, id, dir, len(specs))
		if err != nil {
			return nil, fmt.Errorf("failed to claim batch: %w", err)
		}

		if !claimed {
			return nil, ErrBatchInProgress
		}
	}

	paths, fetchErr := s.fetcher.FetchBatch(ctx, dir, specs, downloader.BatchOptions{Resume: m.ResumeEnabled()})

	// The outcome is recorded even when ctx was cancelled.
	recordCtx := context.WithoutCancel(ctx)

	status, errMsg, message := storage.StatusCompleted, "", notifier.BatchCompleted(m.Dataset, id, len(specs))
	if fetchErr != nil {
		status, errMsg, message = storage.StatusFailed, fetchErr.Error(), notifier.BatchFailed(m.Dataset, id, len(specs), fetchErr)
	}

	if s.repo != nil {
		if err := s.repo.UpdateBatchStatus(recordCtx, id, dir, status, errMsg); err != nil {
			logger.Error("failed to update batch status", "status", status, "err", err)
		}
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(recordCtx, message); err != nil {
			logger.Error("failed to send notification", "err", err)
		}
	}

	if fetchErr != nil {
		return nil, fetchErr
	}

	return &Result{BatchID: id, DataDir: dir, Paths: paths}, nil
}

// List returns the files of a dataset matching pattern, relative to its directory.
func (s *Service) List(name, explicitDir, pattern string) (string, []string, error) {
	dir, err := s.resolver.Resolve(name, explicitDir, nil)
	if err != nil {
		return "", nil, err
	}

	files, err := dataset.Tree(dir, pattern)
	if err != nil {
		return "", nil, err
	}

	return dir, files, nil
}

// History returns the most recent batches, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]storage.BatchRecord, error) {
	if s.repo == nil {
		return nil, nil
	}

	return s.repo.GetBatches(ctx, limit)
}
