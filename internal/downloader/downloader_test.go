package downloader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidata/dataset_fetcher/internal/transfer"
)

// fileServer serves fixed content per path with Range support and counts requests.
type fileServer struct {
	*httptest.Server

	mu     sync.Mutex
	files  map[string][]byte
	hits   map[string]int
	ranges map[string][]string
	total  atomic.Int32
}

func newFileServer(t *testing.T, files map[string][]byte) *fileServer {
	t.Helper()

	fs := &fileServer{files: files, hits: map[string]int{}, ranges: map[string][]string{}}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.total.Add(1)

		fs.mu.Lock()
		fs.hits[r.URL.Path]++
		fs.ranges[r.URL.Path] = append(fs.ranges[r.URL.Path], r.Header.Get("Range"))
		content, ok := fs.files[r.URL.Path]
		fs.mu.Unlock()

		if !ok {
			http.NotFound(w, r)
			return
		}

		http.ServeContent(w, r, filepath.Base(r.URL.Path), time.Time{}, bytes.NewReader(content))
	}))
	t.Cleanup(fs.Close)

	return fs
}

func (fs *fileServer) hitsFor(path string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.hits[path]
}

func newTestDownloader(srv *httptest.Server, parallel int) *Downloader {
	client := transfer.NewClient(5*time.Second, transfer.WithHTTPClient(srv.Client()))

	return NewDownloader(transfer.NewInstrumentedClient(client, nil), parallel, nil)
}

func tgz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)

	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}

	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	return names
}

func TestFetchBatch_SingleFile(t *testing.T) {
	srv := newFileServer(t, map[string][]byte{"/a.txt": []byte("hello dataset")})
	dest := t.TempDir()

	specs := []FileSpec{{Name: "a.txt", URL: srv.URL + "/a.txt"}}

	paths, err := newTestDownloader(srv.Server, 4).FetchBatch(context.Background(), dest, specs, BatchOptions{Resume: true})
	require.NoError(t, err)

	assert.Equal(t, []string{filepath.Join(dest, "a.txt")}, paths)

	info, err := os.Stat(paths[0])
	require.NoError(t, err)
	assert.Equal(t, int64(len("hello dataset")), info.Size())
	assert.Equal(t, []string{"a.txt"}, listDir(t, dest))
}

func TestFetchBatch_Idempotent(t *testing.T) {
	srv := newFileServer(t, map[string][]byte{
		"/a.txt":        []byte("a"),
		"/nested/b.nii": []byte("bbbb"),
	})
	dest := t.TempDir()
	d := newTestDownloader(srv.Server, 2)

	specs := []FileSpec{
		{Name: "a.txt", URL: srv.URL + "/a.txt"},
		{Name: "anat/b.nii", URL: srv.URL + "/nested/b.nii", Options: FileOptions{RelocateTo: "anat/b.nii"}},
	}

	first, err := d.FetchBatch(context.Background(), dest, specs, BatchOptions{Resume: true})
	require.NoError(t, err)

	requests := srv.total.Load()
	assert.Equal(t, int32(2), requests)

	second, err := d.FetchBatch(context.Background(), dest, specs, BatchOptions{Resume: true})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, requests, srv.total.Load())
	assert.NoDirExists(t, filepath.Join(dest, SandboxName(specs)))
}

func TestFetchBatch_AtomicOnFailure(t *testing.T) {
	srv := newFileServer(t, map[string][]byte{"/a.txt": []byte("a"), "/b.txt": []byte("b")})
	dest := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dest, "existing.txt"), []byte("keep"), 0o644))

	specs := []FileSpec{
		{Name: "a.txt", URL: srv.URL + "/a.txt"},
		{Name: "b.txt", URL: srv.URL + "/b.txt"},
		{Name: "c.txt", URL: srv.URL + "/missing.txt"},
	}

	_, err := newTestDownloader(srv.Server, 1).FetchBatch(context.Background(), dest, specs, BatchOptions{Resume: true})

	var aborted *FetchAbortedError
	require.ErrorAs(t, err, &aborted)

	var transportErr *transfer.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, http.StatusNotFound, transportErr.StatusCode)

	assert.Equal(t, []string{"existing.txt"}, listDir(t, dest))
}

func TestFetchBatch_FailFastStopsScheduling(t *testing.T) {
	srv := newFileServer(t, map[string][]byte{"/b.txt": []byte("b"), "/c.txt": []byte("c")})
	dest := t.TempDir()

	specs := []FileSpec{
		{Name: "a.txt", URL: srv.URL + "/missing.txt"},
		{Name: "b.txt", URL: srv.URL + "/b.txt"},
		{Name: "c.txt", URL: srv.URL + "/c.txt"},
	}

	_, err := newTestDownloader(srv.Server, 1).FetchBatch(context.Background(), dest, specs, BatchOptions{})
	require.Error(t, err)

	assert.Zero(t, srv.hitsFor("/b.txt"))
	assert.Zero(t, srv.hitsFor("/c.txt"))
	assert.Empty(t, listDir(t, dest))
}

func TestFetchBatch_WrongChecksum(t *testing.T) {
	srv := newFileServer(t, map[string][]byte{"/a.txt": []byte("hello dataset")})
	dest := t.TempDir()

	specs := []FileSpec{{
		Name:    "a.txt",
		URL:     srv.URL + "/a.txt",
		Options: FileOptions{Checksum: "0123456789abcdef0123456789abcdef"},
	}}

	_, err := newTestDownloader(srv.Server, 1).FetchBatch(context.Background(), dest, specs, BatchOptions{Resume: true})

	var integrity *transfer.IntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.NoFileExists(t, filepath.Join(dest, "a.txt"))
	assert.Empty(t, listDir(t, dest))
}

func TestFetchBatch_MatchingChecksum(t *testing.T) {
	content := []byte("hello dataset")
	sum := md5.Sum(content)

	srv := newFileServer(t, map[string][]byte{"/a.txt": content})
	dest := t.TempDir()

	specs := []FileSpec{{Name: "a.txt", URL: srv.URL + "/a.txt", Options: FileOptions{Checksum: hex.EncodeToString(sum[:])}}}

	_, err := newTestDownloader(srv.Server, 1).FetchBatch(context.Background(), dest, specs, BatchOptions{})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "a.txt"))
}

func TestFetchBatch_SharedArchive(t *testing.T) {
	bundle := tgz(t, map[string]string{
		"haxby/subj1/bold.nii": "bold",
		"haxby/subj1/mask.nii": "mask",
		"haxby/README":         "readme",
	})
	srv := newFileServer(t, map[string][]byte{"/bundle.tgz": bundle})
	dest := t.TempDir()

	opts := FileOptions{Extract: true}
	specs := []FileSpec{
		{Name: "haxby/subj1/bold.nii", URL: srv.URL + "/bundle.tgz", Options: opts},
		{Name: "haxby/subj1/mask.nii", URL: srv.URL + "/bundle.tgz", Options: opts},
		{Name: "haxby/README", URL: srv.URL + "/bundle.tgz", Options: opts},
	}

	paths, err := newTestDownloader(srv.Server, 3).FetchBatch(context.Background(), dest, specs, BatchOptions{Resume: true})
	require.NoError(t, err)

	assert.Equal(t, 1, srv.hitsFor("/bundle.tgz"))

	for i, want := range []string{"bold", "mask", "readme"} {
		got, err := os.ReadFile(paths[i])
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}

	assert.Equal(t, []string{"haxby"}, listDir(t, dest))
}

func TestFetchBatch_RelocateThenExtract(t *testing.T) {
	bundle := tgz(t, map[string]string{"labels.csv": "id,label\n"})
	srv := newFileServer(t, map[string][]byte{"/download": bundle})
	dest := t.TempDir()

	specs := []FileSpec{{
		Name:    "meta/labels.csv",
		URL:     srv.URL + "/download",
		Options: FileOptions{Extract: true, RelocateTo: "meta/labels.tgz"},
	}}

	paths, err := newTestDownloader(srv.Server, 1).FetchBatch(context.Background(), dest, specs, BatchOptions{})
	require.NoError(t, err)

	got, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "id,label\n", string(got))
	assert.NoFileExists(t, filepath.Join(dest, "meta", "labels.tgz"))
}

func TestFetchBatch_RelocateIntoExistingDirectory(t *testing.T) {
	bundle := tgz(t, map[string]string{"anat/T1.nii": "t1"})
	srv := newFileServer(t, map[string][]byte{
		"/anat.tgz":  bundle,
		"/info.json": []byte(`{"subject":1}`),
	})
	dest := t.TempDir()

	specs := []FileSpec{
		{Name: "anat/T1.nii", URL: srv.URL + "/anat.tgz", Options: FileOptions{Extract: true}},
		{Name: "anat/info.json", URL: srv.URL + "/info.json", Options: FileOptions{RelocateTo: "anat"}},
	}

	paths, err := newTestDownloader(srv.Server, 1).FetchBatch(context.Background(), dest, specs, BatchOptions{})
	require.NoError(t, err)

	got, err := os.ReadFile(paths[1])
	require.NoError(t, err)
	assert.Equal(t, `{"subject":1}`, string(got))
	assert.ElementsMatch(t, []string{"T1.nii", "info.json"}, listDir(t, filepath.Join(dest, "anat")))
}

func TestFetchBatch_TargetMissing(t *testing.T) {
	srv := newFileServer(t, map[string][]byte{"/data.bin": []byte("payload")})
	dest := t.TempDir()

	specs := []FileSpec{{Name: "expected.bin", URL: srv.URL + "/data.bin"}}

	_, err := newTestDownloader(srv.Server, 1).FetchBatch(context.Background(), dest, specs, BatchOptions{})
	require.ErrorIs(t, err, ErrTargetMissing)
	assert.Contains(t, err.Error(), "expected output absent after fetch")
	assert.Empty(t, listDir(t, dest))
}

func TestFetchBatch_MockCreatesPlaceholders(t *testing.T) {
	srv := newFileServer(t, map[string][]byte{"/empty.zip": {}})
	dest := t.TempDir()

	specs := []FileSpec{{Name: "sub/from-archive.nii", URL: srv.URL + "/empty.zip", Options: FileOptions{Extract: true}}}

	paths, err := newTestDownloader(srv.Server, 1).FetchBatch(context.Background(), dest, specs, BatchOptions{Mock: true})
	require.NoError(t, err)

	info, err := os.Stat(paths[0])
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	assert.NoFileExists(t, filepath.Join(dest, "empty.zip"))
}

func TestFetchBatch_ReadOnlyDestination(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}

	srv := newFileServer(t, map[string][]byte{"/a.txt": []byte("a")})
	dest := t.TempDir()
	require.NoError(t, os.Chmod(dest, 0o555))
	t.Cleanup(func() { _ = os.Chmod(dest, 0o755) })

	specs := []FileSpec{{Name: "a.txt", URL: srv.URL + "/a.txt"}}

	_, err := newTestDownloader(srv.Server, 1).FetchBatch(context.Background(), dest, specs, BatchOptions{})

	var readOnly *ReadOnlyRepositoryError
	require.ErrorAs(t, err, &readOnly)
	assert.Zero(t, srv.total.Load())
}

func TestFetchBatch_InterruptedKeepsStagingForResume(t *testing.T) {
	content := bytes.Repeat([]byte("z"), 256*1024)
	const sent = 64 * 1024

	var stall atomic.Bool
	stall.Store(true)

	started := make(chan struct{})
	var once sync.Once
	var ranges []string
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()

		if stall.Load() {
			w.Header().Set("Content-Length", "262144")
			_, _ = w.Write(content[:sent])
			w.(http.Flusher).Flush()
			once.Do(func() { close(started) })
			<-r.Context().Done()

			return
		}

		http.ServeContent(w, r, "big.bin", time.Time{}, bytes.NewReader(content))
	}))
	defer srv.Close()

	dest := t.TempDir()
	specs := []FileSpec{{Name: "big.bin", URL: srv.URL + "/big.bin"}}
	d := newTestDownloader(srv, 1)

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		<-started
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_, err := d.FetchBatch(ctx, dest, specs, BatchOptions{Resume: true})
	require.ErrorIs(t, err, context.Canceled)

	sandbox := filepath.Join(dest, SandboxName(specs))
	assert.Equal(t, []string{incomingDir}, listDir(t, sandbox))
	assert.NoFileExists(t, filepath.Join(dest, "big.bin"))

	part := filepath.Join(sandbox, incomingDir, artifactKey(specs[0]), "big.bin.part")
	info, err := os.Stat(part)
	require.NoError(t, err)
	assert.Equal(t, int64(sent), info.Size())

	stall.Store(false)

	paths, err := d.FetchBatch(context.Background(), dest, specs, BatchOptions{Resume: true})
	require.NoError(t, err)

	got, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.NoDirExists(t, sandbox)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", "bytes=65536-"}, ranges)
}

func TestSandboxName(t *testing.T) {
	a := []FileSpec{{Name: "a.txt", URL: "http://x/a.txt"}, {Name: "b.txt", URL: "http://x/b.txt"}}
	b := []FileSpec{{Name: "b.txt", URL: "http://x/b.txt"}, {Name: "a.txt", URL: "http://x/a.txt"}}
	withOpts := []FileSpec{
		{Name: "a.txt", URL: "http://x/a.txt", Options: FileOptions{Checksum: "abc"}},
		{Name: "b.txt", URL: "http://x/b.txt"},
	}

	assert.Len(t, SandboxName(a), 32)
	assert.Equal(t, SandboxName(a), SandboxName(withOpts))
	assert.NotEqual(t, SandboxName(a), SandboxName(b))
}

func TestValidateSpecs(t *testing.T) {
	tests := []struct {
		name    string
		spec    FileSpec
		wantErr string
	}{
		{"valid nested", FileSpec{Name: "sub/a.nii", URL: "https://x/a.nii"}, ""},
		{"empty", FileSpec{Name: "", URL: "http://x/a"}, "empty"},
		{"absolute", FileSpec{Name: "/etc/passwd", URL: "http://x/a"}, "relative"},
		{"unclean", FileSpec{Name: "sub/../a", URL: "http://x/a"}, "clean"},
		{"escaping", FileSpec{Name: "../a", URL: "http://x/a"}, "escapes"},
		{"reserved", FileSpec{Name: ".incoming/a", URL: "http://x/a"}, "reserved"},
		{"bad scheme", FileSpec{Name: "a", URL: "ftp://x/a"}, "unsupported url"},
		{"bad relocate", FileSpec{Name: "a", URL: "http://x/a", Options: FileOptions{RelocateTo: "../a"}}, "relocate_to"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSpecs([]FileSpec{tt.spec})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			var invalid *InvalidSpecError
			require.ErrorAs(t, err, &invalid)
			assert.True(t, strings.Contains(err.Error(), tt.wantErr), err.Error())
		})
	}

	dup := []FileSpec{{Name: "a", URL: "http://x/a"}, {Name: "a", URL: "http://x/b"}}
	assert.ErrorContains(t, ValidateSpecs(dup), "duplicate")
}
