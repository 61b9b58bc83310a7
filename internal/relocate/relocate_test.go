package relocate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(t *testing.T, path, content string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func read(t *testing.T, path string) string {
	t.Helper()

	b, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(b)
}

func TestMerge_ReplacesConflictsAndRemovesSource(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")

	write(t, filepath.Join(src, "shared.txt"), "new")
	write(t, filepath.Join(src, "nested", "deep.txt"), "deep-new")
	write(t, filepath.Join(src, "fresh", "only-src.txt"), "fresh")
	write(t, filepath.Join(dst, "shared.txt"), "old")
	write(t, filepath.Join(dst, "nested", "deep.txt"), "deep-old")
	write(t, filepath.Join(dst, "nested", "untouched.txt"), "keep")

	require.NoError(t, Merge(src, dst))

	assert.Equal(t, "new", read(t, filepath.Join(dst, "shared.txt")))
	assert.Equal(t, "deep-new", read(t, filepath.Join(dst, "nested", "deep.txt")))
	assert.Equal(t, "keep", read(t, filepath.Join(dst, "nested", "untouched.txt")))
	assert.Equal(t, "fresh", read(t, filepath.Join(dst, "fresh", "only-src.txt")))

	entries, err := os.ReadDir(src)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMerge_CreatesDestination(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "a", "b", "dst")

	write(t, filepath.Join(src, "x.txt"), "x")

	require.NoError(t, Merge(src, dst))
	assert.Equal(t, "x", read(t, filepath.Join(dst, "x.txt")))
}

func TestMerge_CollectsFailures(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")

	// A file cannot replace a non-empty directory.
	write(t, filepath.Join(src, "blocked"), "file")
	write(t, filepath.Join(dst, "blocked", "inside.txt"), "dir content")
	write(t, filepath.Join(src, "ok.txt"), "ok")
	write(t, filepath.Join(src, "sub", "blocked2"), "file")
	write(t, filepath.Join(dst, "sub", "blocked2", "inside.txt"), "dir content")

	err := Merge(src, dst)

	var partial *PartialRelocationError
	require.ErrorAs(t, err, &partial)
	require.Len(t, partial.Failures, 2)

	srcs := []string{partial.Failures[0].Src, partial.Failures[1].Src}
	assert.ElementsMatch(t, []string{
		filepath.Join(src, "blocked"),
		filepath.Join(src, "sub", "blocked2"),
	}, srcs)

	for _, f := range partial.Failures {
		assert.Error(t, f.Err)
	}

	assert.Equal(t, "ok", read(t, filepath.Join(dst, "ok.txt")))
	assert.DirExists(t, filepath.Join(src, "sub"))
}

func TestMove_ReplacesFile(t *testing.T) {
	root := t.TempDir()
	write(t, filepath.Join(root, "a"), "a")
	write(t, filepath.Join(root, "b"), "b")

	require.NoError(t, Move(filepath.Join(root, "a"), filepath.Join(root, "b")))

	assert.Equal(t, "a", read(t, filepath.Join(root, "b")))
	assert.NoFileExists(t, filepath.Join(root, "a"))
}

func TestCopyTree(t *testing.T) {
	root := t.TempDir()
	src := filepath.Join(root, "src")
	dst := filepath.Join(root, "dst")

	write(t, filepath.Join(src, "one.txt"), "1")
	write(t, filepath.Join(src, "dir", "two.txt"), "2")

	require.NoError(t, copyTree(src, dst))

	assert.Equal(t, "1", read(t, filepath.Join(dst, "one.txt")))
	assert.Equal(t, "2", read(t, filepath.Join(dst, "dir", "two.txt")))
}
