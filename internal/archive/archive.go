package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/nidata/dataset_fetcher/internal/logctx"
)

const copyChunkSize = 8192

var ErrUnsupportedFormat = errors.New("unsupported archive format")

// UnsupportedFormatError is returned when neither content sniffing nor the
// file extension identifies a supported archive.
type UnsupportedFormatError struct {
	Path     string
	Detected string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unknown archive file format: %s (detected %s)", e.Path, e.Detected)
}

func (e *UnsupportedFormatError) Unwrap() error {
	return ErrUnsupportedFormat
}

// Extract unpacks the archive at path into its parent directory. Zip is tried
// first, then gzip, then tar on the possibly decompressed output, so a
// gzip-compressed tarball goes through both of the last two steps.
func Extract(ctx context.Context, path string, deleteSource bool) error {
	logger := logctx.LoggerFromContext(ctx).With("archive", path)
	dir := filepath.Dir(path)

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("failed to detect archive type: %w", err)
	}

	logger.Debug("extracting archive", "mime", detected.String())

	if matches(detected, "application/zip") {
		if err := extractZip(ctx, path, dir); err != nil {
			return err
		}

		return finish(path, "", deleteSource)
	}

	current := path
	intermediate := ""
	processed := false

	if matches(detected, "application/gzip") || hasGzipExtension(path) {
		out, err := gunzip(ctx, path)
		if err != nil {
			return err
		}

		current, intermediate, processed = out, out, true

		detected, err = mimetype.DetectFile(current)
		if err != nil {
			return fmt.Errorf("failed to detect decompressed type: %w", err)
		}
	}

	if matches(detected, "application/x-tar") {
		if err := extractTar(ctx, current, dir); err != nil {
			return err
		}

		if err := finish(path, intermediate, deleteSource); err != nil {
			return err
		}

		logger.Debug("archive extracted")

		return nil
	}

	if !processed {
		return &UnsupportedFormatError{Path: path, Detected: detected.String()}
	}

	// Plain gzip: the decompressed file is the product and stays.
	return finish(path, "", deleteSource)
}

func matches(m *mimetype.MIME, mime string) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is(mime) {
			return true
		}
	}

	return false
}

func hasGzipExtension(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))

	return ext == ".gz" || ext == ".tgz"
}

func finish(source, intermediate string, deleteSource bool) error {
	if !deleteSource {
		return nil
	}

	if err := os.Remove(source); err != nil {
		return fmt.Errorf("failed to remove archive: %w", err)
	}

	if intermediate != "" {
		if err := os.Remove(intermediate); err != nil {
			return fmt.Errorf("failed to remove decompressed archive: %w", err)
		}
	}

	return nil
}

// decompressedName strips the final extension; .tgz maps to .tar.
func decompressedName(path string) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	if strings.EqualFold(ext, ".tgz") {
		return base + ".tar"
	}

	if base == path || ext == "" {
		return path + ".out"
	}

	return base
}

func gunzip(ctx context.Context, path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open gzip file: %w", err)
	}
	defer in.Close()

	zr, err := gzip.NewReader(in)
	if err != nil {
		return "", fmt.Errorf("failed to read gzip header: %w", err)
	}
	defer zr.Close()

	target := decompressedName(path)

	out, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("failed to create decompressed file: %w", err)
	}

	if err := copyWithContext(ctx, out, zr); err != nil {
		out.Close()
		return "", fmt.Errorf("failed to decompress %s: %w", path, err)
	}

	if err := out.Close(); err != nil {
		return "", fmt.Errorf("failed to close decompressed file: %w", err)
	}

	return target, nil
}

func extractZip(ctx context.Context, path, dir string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("failed to open zip archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safeJoin(dir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

			continue
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open zip entry %s: %w", f.Name, err)
		}

		err = writeEntry(ctx, target, rc, f.Mode())
		rc.Close()

		if err != nil {
			return err
		}
	}

	return nil
}

func extractTar(ctx context.Context, path, dir string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open tar archive: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(f)

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return fmt.Errorf("failed to read tar entry: %w", err)
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := writeEntry(ctx, target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if _, err := safeJoin(filepath.Dir(target), hdr.Linkname); err != nil || filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("symlink %s escapes extraction directory", hdr.Name)
			}

			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink: %w", err)
			}
		case tar.TypeLink:
			// Hard link names are relative to the archive root.
			source, err := safeJoin(dir, hdr.Linkname)
			if err != nil {
				return fmt.Errorf("hard link %s: %w", hdr.Name, err)
			}

			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

			if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to replace %s: %w", hdr.Name, err)
			}

			if err := os.Link(source, target); err != nil {
				return fmt.Errorf("failed to create hard link: %w", err)
			}
		case tar.TypeXGlobalHeader:
		default:
			return fmt.Errorf("tar entry %s has unsupported type %q", hdr.Name, hdr.Typeflag)
		}
	}
}

func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, name)

	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction directory", name)
	}

	return target, nil
}

func writeEntry(ctx context.Context, target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", target, err)
	}

	if err := copyWithContext(ctx, out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to extract %s: %w", target, err)
	}

	return out.Close()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, copyChunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}
	}
}
