package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nidata/dataset_fetcher/internal/config"
)

var ErrStorageUnavailable = errors.New("no writable dataset directory")

// ErrInvalidName rejects dataset names that are not a single directory name.
var ErrInvalidName = errors.New("invalid dataset name")

// PathAttempt is one candidate directory that could not be created.
type PathAttempt struct {
	Path string
	Err  error
}

// StorageUnavailableError lists every candidate tried while resolving a dataset directory.
type StorageUnavailableError struct {
	Dataset  string
	Attempts []PathAttempt
}

func (e *StorageUnavailableError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %v", a.Path, a.Err))
	}

	return fmt.Sprintf("no writable directory for dataset %q: %s", e.Dataset, strings.Join(parts, "; "))
}

func (e *StorageUnavailableError) Unwrap() error {
	return ErrStorageUnavailable
}

// Roots are the colon separated root lists a Resolver searches, in priority order.
type Roots struct {
	Shared string
	User   string
	Home   string
}

// Resolver finds or creates the directory holding a named dataset.
type Resolver struct {
	roots Roots
	env   map[string]string
}

// NewResolver builds a Resolver from the loaded configuration and a snapshot
// of the process environment, used only to expand extra variable names.
func NewResolver(cfg *config.Config) *Resolver {
	return NewResolverWithEnv(Roots{
		Shared: cfg.SharedDataDir,
		User:   cfg.UserDataDir,
		Home:   cfg.HomeDataDir,
	}, environ())
}

func NewResolverWithEnv(roots Roots, env map[string]string) *Resolver {
	return &Resolver{roots: roots, env: env}
}

func environ() map[string]string {
	env := make(map[string]string)

	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	return env
}

// Resolve returns the directory for name. Roots named by extraEnvVars are
// searched first but never created. A non-empty explicitDir replaces the
// configured roots.
func (r *Resolver) Resolve(name, explicitDir string, extraEnvVars []string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	var search []string
	for _, v := range extraEnvVars {
		search = append(search, splitRoots(r.env[v])...)
	}

	var candidates []string
	if explicitDir != "" {
		candidates = splitRoots(explicitDir)
	} else {
		candidates = append(candidates, splitRoots(r.roots.Shared)...)
		candidates = append(candidates, splitRoots(r.roots.User)...)
		candidates = append(candidates, splitRoots(r.roots.Home)...)
	}

	for _, root := range append(search, candidates...) {
		path := resolveLink(filepath.Join(root, name))

		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return path, nil
		}
	}

	var attempts []PathAttempt

	for _, root := range candidates {
		path := filepath.Join(root, name)

		if err := os.MkdirAll(path, 0o755); err != nil {
			attempts = append(attempts, PathAttempt{Path: path, Err: err})
			continue
		}

		return path, nil
	}

	return "", &StorageUnavailableError{Dataset: name, Attempts: attempts}
}

func splitRoots(value string) []string {
	var roots []string

	for _, p := range strings.Split(value, ":") {
		if p = strings.TrimSpace(p); p != "" {
			roots = append(roots, p)
		}
	}

	return roots
}

// resolveLink follows a single level of symbolic link.
func resolveLink(path string) string {
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return path
	}

	target, err := os.Readlink(path)
	if err != nil {
		return path
	}

	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}

	return target
}
