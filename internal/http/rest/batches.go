package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nidata/dataset_fetcher/internal/dataset"
	"github.com/nidata/dataset_fetcher/internal/downloader"
	"github.com/nidata/dataset_fetcher/internal/logctx"
	"github.com/nidata/dataset_fetcher/internal/manifest"
	"github.com/nidata/dataset_fetcher/internal/storage"
	"github.com/nidata/dataset_fetcher/internal/svc/batch"
)

const (
	maxManifestSize   = 1 << 20 // 1MB
	defaultBatchLimit = 50
)

// BatchService is what the handler needs from the batch service.
type BatchService interface {
	Fetch(ctx context.Context, m *manifest.Manifest) (*batch.Result, error)
	List(name, explicitDir, pattern string) (string, []string, error)
	History(ctx context.Context, limit int) ([]storage.BatchRecord, error)
}

type BatchRecordResponse struct {
	ID         string     `json:"id"`
	DestDir    string     `json:"dest_dir"`
	Files      int        `json:"files"`
	Status     string     `json:"status"`
	LockedBy   string     `json:"locked_by,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type DatasetFilesResponse struct {
	Dataset string   `json:"dataset"`
	DataDir string   `json:"data_dir"`
	Files   []string `json:"files"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type BatchHandler struct {
	username string
	password string
	svc      BatchService
}

// NewBatchHandler creates the batch API handler. Basic auth is enforced when username is set.
func NewBatchHandler(username, password string, svc BatchService) *BatchHandler {
	return &BatchHandler{
		username: username,
		password: password,
		svc:      svc,
	}
}

func (h *BatchHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/batches", h.HandleCreateBatch)
	r.Get("/batches", h.HandleListBatches)
	r.Get("/datasets/{name}/files", h.HandleListFiles)

	return r
}

// HandleCreateBatch fetches the posted manifest and answers once the batch is merged or aborted.
func (h *BatchHandler) HandleCreateBatch(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var m manifest.Manifest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxManifestSize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&m); err != nil {
		logger.Error("failed to decode request", "err", err)
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	if err := m.Normalize(""); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	res, err := h.svc.Fetch(r.Context(), &m)
	if err != nil {
		logger.Error("failed to fetch batch", "dataset", m.Dataset, "err", err)
		writeError(w, statusForError(err), err.Error())

		return
	}

	writeJSON(w, http.StatusOK, res)
}

// HandleListBatches returns the batch history, newest first.
func (h *BatchHandler) HandleListBatches(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	limit := defaultBatchLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")

			return
		}

		limit = n
	}

	records, err := h.svc.History(r.Context(), limit)
	if err != nil {
		logger.Error("failed to get batches", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to get batches")

		return
	}

	out := make([]BatchRecordResponse, 0, len(records))

	for _, rec := range records {
		resp := BatchRecordResponse{
			ID:        rec.ID,
			DestDir:   rec.DestDir,
			Files:     rec.Files,
			Status:    rec.Status,
			LockedBy:  rec.LockedBy,
			Error:     rec.Error,
			StartedAt: rec.StartedAt,
		}

		if !rec.FinishedAt.IsZero() {
			finished := rec.FinishedAt
			resp.FinishedAt = &finished
		}

		out = append(out, resp)
	}

	writeJSON(w, http.StatusOK, out)
}

// HandleListFiles lists the files of a dataset, optionally filtered by the pattern query parameter.
func (h *BatchHandler) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	dir, files, err := h.svc.List(name, "", r.URL.Query().Get("pattern"))
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to list dataset", "dataset", name, "err", err)
		writeError(w, statusForError(err), err.Error())

		return
	}

	if files == nil {
		files = []string{}
	}

	writeJSON(w, http.StatusOK, DatasetFilesResponse{Dataset: name, DataDir: dir, Files: files})
}

func (h *BatchHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="dataset_fetcher"`)
			writeError(w, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		if username != h.username || password != h.password {
			writeError(w, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func statusForError(err error) int {
	var (
		invalidSpec     *downloader.InvalidSpecError
		invalidManifest *manifest.InvalidManifestError
		aborted         *downloader.FetchAbortedError
		readOnly        *downloader.ReadOnlyRepositoryError
	)

	switch {
	case errors.As(err, &invalidSpec), errors.As(err, &invalidManifest), errors.Is(err, dataset.ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, batch.ErrBatchInProgress):
		return http.StatusConflict
	case errors.Is(err, dataset.ErrStorageUnavailable), errors.As(err, &readOnly):
		return http.StatusInsufficientStorage
	case errors.As(err, &aborted):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
