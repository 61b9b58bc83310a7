package downloader

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nidata/dataset_fetcher/internal/archive"
	"github.com/nidata/dataset_fetcher/internal/logctx"
	"github.com/nidata/dataset_fetcher/internal/relocate"
	"github.com/nidata/dataset_fetcher/internal/telemetry"
	"github.com/nidata/dataset_fetcher/internal/transfer"
)

const (
	dirPerm = 0o755

	// incomingDir holds per-artifact download staging inside a sandbox.
	incomingDir = ".incoming"
)

// FileOptions are the per-file post-processing settings.
type FileOptions struct {
	Checksum   string
	Extract    bool
	RelocateTo string // sandbox-relative path the artifact is moved to, or into when it is an existing directory
	Username   string
	Password   string
	Hooks      []transfer.RequestHook
}

// FileSpec names one file of a batch. Name is the final path relative to the
// dataset directory.
type FileSpec struct {
	Name    string
	URL     string
	Options FileOptions
}

type BatchOptions struct {
	Resume bool
	// Mock creates empty placeholders for files that could not be produced. Test use only.
	Mock bool
}

// Downloader fetches batches of files into a dataset directory, all or nothing.
type Downloader struct {
	fetcher     transfer.Fetcher
	maxParallel int
	telemetry   *telemetry.Telemetry
}

func NewDownloader(fetcher transfer.Fetcher, maxParallel int, tel *telemetry.Telemetry) *Downloader {
	if maxParallel <= 0 {
		maxParallel = 1
	}

	return &Downloader{
		fetcher:     fetcher,
		maxParallel: maxParallel,
		telemetry:   tel,
	}
}

// SandboxName is the hex MD5 of the ordered (name, url) pairs, so identical
// batches always stage into the same directory.
func SandboxName(specs []FileSpec) string {
	pairs := make([][2]string, 0, len(specs))
	for _, s := range specs {
		pairs = append(pairs, [2]string{s.Name, s.URL})
	}

	// Marshalling a slice of string arrays cannot fail.
	b, _ := json.Marshal(pairs)
	sum := md5.Sum(b)

	return hex.EncodeToString(sum[:])
}

// batch is the state shared by the workers of one FetchBatch call.
type batch struct {
	destDir string
	sandbox string
	opts    BatchOptions

	flight singleflight.Group
	done   sync.Map // artifact key -> struct{}
}

// FetchBatch makes every spec available under destDir and returns their
// absolute paths in input order. Files are staged in a sandbox inside destDir
// and merged only once every spec succeeded. The first failure cancels the
// remaining work, removes the sandbox and is returned as *FetchAbortedError.
// If ctx itself is cancelled the sandbox keeps its staging area so partial
// downloads can be resumed by an identical call.
func (d *Downloader) FetchBatch(ctx context.Context, destDir string, specs []FileSpec, opts BatchOptions) ([]string, error) {
	if err := ValidateSpecs(specs); err != nil {
		return nil, err
	}

	destDir, err := filepath.Abs(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve destination: %w", err)
	}

	if err := os.MkdirAll(destDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	name := SandboxName(specs)
	b := &batch{destDir: destDir, sandbox: filepath.Join(destDir, name), opts: opts}

	ctx = logctx.WithBatchID(ctx, name)
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "fetching batch", "dest_dir", destDir, "files", len(specs), "resume", opts.Resume, "mock", opts.Mock)

	err = d.telemetry.InstrumentBatch(ctx, len(specs), func(ctx context.Context) error {
		return d.run(ctx, b, specs)
	})
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(specs))
	for _, s := range specs {
		paths = append(paths, filepath.Join(destDir, s.Name))
	}

	logger.InfoContext(ctx, "batch fetched", "files", len(paths))

	return paths, nil
}

func (d *Downloader) run(ctx context.Context, b *batch, specs []FileSpec) error {
	logger := logctx.LoggerFromContext(ctx)

	// The first failure is the abort cause. It is latched before the failing
	// worker frees its slot, so no new spec starts after it.
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	var g errgroup.Group

	sem := make(chan struct{}, d.maxParallel)

schedule:
	for _, spec := range specs {
		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			break schedule
		}

		if runCtx.Err() != nil {
			<-sem
			break
		}

		g.Go(func() error {
			defer func() { <-sem }() // release the slot

			if err := d.fetchFile(runCtx, b, spec); err != nil {
				err = fmt.Errorf("%s: %w", spec.Name, err)
				abort(err)

				return err
			}

			return nil
		})
	}

	_ = g.Wait()

	if err := context.Cause(runCtx); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			logger.WarnContext(ctx, "batch interrupted, keeping staged downloads", "sandbox", b.sandbox)

			if terr := trimSandbox(b.sandbox); terr != nil {
				logger.ErrorContext(ctx, "failed to trim sandbox", "sandbox", b.sandbox, "err", terr)
			}

			return ctx.Err()
		}

		logger.ErrorContext(ctx, "batch aborted", "err", err)
		d.telemetry.RecordSystemError("downloader", "batch_aborted")

		if rerr := os.RemoveAll(b.sandbox); rerr != nil {
			logger.ErrorContext(ctx, "failed to remove sandbox", "sandbox", b.sandbox, "err", rerr)
		}

		var readOnly *ReadOnlyRepositoryError
		if errors.As(err, &readOnly) {
			return readOnly
		}

		return &FetchAbortedError{Reason: err}
	}

	return d.finalize(ctx, b)
}

// fetchFile runs the download, relocate and extract steps for one spec.
func (d *Downloader) fetchFile(ctx context.Context, b *batch, spec FileSpec) error {
	logger := logctx.LoggerFromContext(ctx).With("file", spec.Name)

	target := filepath.Join(b.destDir, spec.Name)
	staged := filepath.Join(b.sandbox, spec.Name)

	if exists(target) || exists(staged) {
		logger.DebugContext(ctx, "file already available")

		return nil
	}

	if err := checkWritable(b.destDir); err != nil {
		return &ReadOnlyRepositoryError{Dir: b.destDir, Err: err}
	}

	if err := d.fetchArtifact(ctx, b, spec); err != nil {
		return err
	}

	if exists(target) || exists(staged) {
		return nil
	}

	if !b.opts.Mock {
		return ErrTargetMissing
	}

	logger.WarnContext(ctx, "creating empty placeholder")

	if err := os.MkdirAll(filepath.Dir(staged), dirPerm); err != nil {
		return fmt.Errorf("failed to create placeholder directory: %w", err)
	}

	f, err := os.Create(staged)
	if err != nil {
		return fmt.Errorf("failed to create placeholder: %w", err)
	}

	return f.Close()
}

// fetchArtifact downloads, relocates and extracts the artifact behind spec.
// Specs sharing an artifact wait for a single execution.
func (d *Downloader) fetchArtifact(ctx context.Context, b *batch, spec FileSpec) error {
	key := artifactKey(spec)

	if _, ok := b.done.Load(key); ok {
		return nil
	}

	_, err, shared := b.flight.Do(key, func() (any, error) {
		if _, ok := b.done.Load(key); ok {
			return nil, nil
		}

		if err := d.produceArtifact(ctx, b, spec, key); err != nil {
			return nil, err
		}

		b.done.Store(key, struct{}{})

		return nil, nil
	})

	if shared {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "artifact shared with another file", "file", spec.Name, "url", spec.URL)
	}

	return err
}

func (d *Downloader) produceArtifact(ctx context.Context, b *batch, spec FileSpec, key string) error {
	logger := logctx.LoggerFromContext(ctx).With("file", spec.Name, "url", spec.URL)

	staging := filepath.Join(b.sandbox, incomingDir, key)

	downloaded, err := d.fetcher.Fetch(ctx, transfer.Request{
		URL:      spec.URL,
		DestDir:  staging,
		Resume:   b.opts.Resume,
		Checksum: spec.Options.Checksum,
		Username: spec.Options.Username,
		Password: spec.Options.Password,
		Hooks:    spec.Options.Hooks,
	})
	if err != nil {
		return err
	}

	dest := filepath.Join(b.sandbox, filepath.Base(downloaded))
	if spec.Options.RelocateTo != "" {
		dest = filepath.Join(b.sandbox, spec.Options.RelocateTo)
	}

	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		dest = filepath.Join(dest, filepath.Base(downloaded))
	}

	if err := relocate.Move(downloaded, dest); err != nil {
		return fmt.Errorf("failed to move downloaded file into sandbox: %w", err)
	}

	if !spec.Options.Extract {
		return nil
	}

	if b.opts.Mock {
		if info, err := os.Stat(dest); err == nil && info.Size() == 0 {
			logger.DebugContext(ctx, "removing empty mock archive")

			return os.Remove(dest)
		}
	}

	logger.InfoContext(ctx, "extracting archive", "archive", dest)

	return d.telemetry.InstrumentExtraction(ctx, func(ctx context.Context) error {
		return archive.Extract(ctx, dest, true)
	})
}

// finalize merges the sandbox into the destination and removes it.
func (d *Downloader) finalize(ctx context.Context, b *batch) error {
	logger := logctx.LoggerFromContext(ctx)

	if !exists(b.sandbox) {
		return nil
	}

	if err := os.RemoveAll(filepath.Join(b.sandbox, incomingDir)); err != nil {
		return fmt.Errorf("failed to remove staging area: %w", err)
	}

	if err := relocate.Merge(b.sandbox, b.destDir); err != nil {
		logger.ErrorContext(ctx, "failed to merge sandbox, leaving it for inspection", "sandbox", b.sandbox, "err", err)

		return fmt.Errorf("failed to merge sandbox into %s: %w", b.destDir, err)
	}

	if err := os.RemoveAll(b.sandbox); err != nil {
		return fmt.Errorf("failed to remove sandbox: %w", err)
	}

	return nil
}

// trimSandbox removes everything in the sandbox except the staging area.
func trimSandbox(sandbox string) error {
	entries, err := os.ReadDir(sandbox)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return err
	}

	var errs []error

	for _, e := range entries {
		if e.Name() == incomingDir {
			continue
		}

		errs = append(errs, os.RemoveAll(filepath.Join(sandbox, e.Name())))
	}

	return errors.Join(errs...)
}

func artifactKey(spec FileSpec) string {
	sum := md5.Sum([]byte(spec.URL + "\x00" + spec.Options.RelocateTo + "\x00" + strconv.FormatBool(spec.Options.Extract)))

	return hex.EncodeToString(sum[:])
}

// ValidateSpecs rejects names that could escape the dataset directory or
// collide with the staging layout.
func ValidateSpecs(specs []FileSpec) error {
	seen := make(map[string]struct{}, len(specs))

	for _, s := range specs {
		if err := validateRelPath(s.Name); err != nil {
			return &InvalidSpecError{Name: s.Name, Reason: err.Error()}
		}

		if _, dup := seen[s.Name]; dup {
			return &InvalidSpecError{Name: s.Name, Reason: "duplicate name"}
		}

		seen[s.Name] = struct{}{}

		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &InvalidSpecError{Name: s.Name, Reason: fmt.Sprintf("unsupported url %q", s.URL)}
		}

		if s.Options.RelocateTo != "" {
			if err := validateRelPath(s.Options.RelocateTo); err != nil {
				return &InvalidSpecError{Name: s.Name, Reason: "relocate_to " + err.Error()}
			}
		}
	}

	return nil
}

func validateRelPath(p string) error {
	switch {
	case p == "" || p == ".":
		return errors.New("path is empty")
	case filepath.IsAbs(p):
		return errors.New("path must be relative")
	case filepath.Clean(p) != p:
		return errors.New("path must be clean")
	case p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)):
		return errors.New("path escapes the dataset directory")
	case strings.SplitN(p, string(filepath.Separator), 2)[0] == incomingDir:
		return errors.New("path uses a reserved name")
	}

	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}
