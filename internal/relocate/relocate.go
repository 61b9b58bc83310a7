package relocate

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Failure records one entry that could not be moved.
type Failure struct {
	Src string
	Dst string
	Err error
}

func (f Failure) String() string {
	return fmt.Sprintf("%s -> %s: %v", f.Src, f.Dst, f.Err)
}

// PartialRelocationError lists every entry Merge failed to move.
type PartialRelocationError struct {
	Failures []Failure
}

func (e *PartialRelocationError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.String())
	}

	return fmt.Sprintf("failed to relocate %d entries: %s", len(e.Failures), strings.Join(parts, "; "))
}

func (e *PartialRelocationError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}

	return errs
}

// Merge moves the contents of src into dst, replacing files that already
// exist in dst. Directories present on both sides are merged recursively and
// the emptied source directory is removed. Every entry is attempted before a
// *PartialRelocationError is returned.
func Merge(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create destination %s: %w", dst, err)
	}

	failures := merge(src, dst)
	if len(failures) > 0 {
		return &PartialRelocationError{Failures: failures}
	}

	return nil
}

func merge(src, dst string) []Failure {
	entries, err := os.ReadDir(src)
	if err != nil {
		return []Failure{{Src: src, Dst: dst, Err: err}}
	}

	var failures []Failure

	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())

		if entry.IsDir() && isDir(to) {
			nested := merge(from, to)
			failures = append(failures, nested...)

			if len(nested) == 0 {
				if err := os.Remove(from); err != nil {
					failures = append(failures, Failure{Src: from, Dst: to, Err: err})
				}
			}

			continue
		}

		if err := Move(from, to); err != nil {
			failures = append(failures, Failure{Src: from, Dst: to, Err: err})
		}
	}

	return failures
}

// Move renames src to dst, replacing a non-directory dst. Across filesystems
// it falls back to copying and removing the source.
func Move(src, dst string) error {
	if info, err := os.Lstat(dst); err == nil && !info.IsDir() {
		if err := os.Remove(dst); err != nil {
			return fmt.Errorf("failed to replace %s: %w", dst, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}

	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}

	if !isCrossDevice(err) {
		return err
	}

	if err := copyTree(src, dst); err != nil {
		return fmt.Errorf("failed to copy across devices: %w", err)
	}

	return os.RemoveAll(src)
}

func isDir(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.IsDir()
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}

			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}

	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}

	return out.Close()
}
