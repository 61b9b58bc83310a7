package transfer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/nidata/dataset_fetcher/internal/checksum"
	"github.com/nidata/dataset_fetcher/internal/logctx"
	"github.com/nidata/dataset_fetcher/internal/progress"
)

const (
	DefaultChunkSize = 8192
	partSuffix       = ".part"
	dirPerm          = 0o755

	ModeFresh   = "fresh"
	ModeResumed = "resumed"
	ModeCached  = "cached"
)

// Fetcher downloads a single URL into a directory and returns the local path.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (string, error)
}

// Request describes one download.
type Request struct {
	URL       string
	DestDir   string
	Resume    bool
	Overwrite bool
	Checksum  string // optional, "algo:hex" or bare hex
	Username  string
	Password  string
	Hooks     []RequestHook
}

// State tracks one Fetch call.
type State struct {
	BytesTransferred int64
	TotalBytes       int64 // -1 when the server did not say
	Resumable        bool
	StartedAt        time.Time
	ETA              time.Duration
}

// Result is what a finished Fetch produced.
type Result struct {
	Path         string
	Mode         string
	BytesWritten int64
}

// ProgressFunc observes a running transfer.
type ProgressFunc func(ctx context.Context, url string, st State)

// Client is the resumable HTTP transfer engine.
type Client struct {
	http             *http.Client
	chunkSize        int
	limiter          *rate.Limiter
	progressInterval int64
	onProgress       ProgressFunc
	hooks            []RequestHook
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithChunkSize(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithRateLimit caps the body read rate. Zero disables the limit.
func WithRateLimit(bytesPerSec int64) Option {
	return func(c *Client) {
		if bytesPerSec > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), int(bytesPerSec))
		}
	}
}

// WithHooks adds hooks that run on every request before the request's own hooks.
func WithHooks(hooks ...RequestHook) Option {
	return func(c *Client) { c.hooks = append(c.hooks, hooks...) }
}

func WithProgress(interval int64, fn ProgressFunc) Option {
	return func(c *Client) {
		c.progressInterval = interval
		c.onProgress = fn
	}
}

// NewClient builds a Client whose transport is traced with otelhttp.
func NewClient(responseHeaderTimeout time.Duration, opts ...Option) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = responseHeaderTimeout

	c := &Client{
		http:             &http.Client{Transport: otelhttp.NewTransport(transport)},
		chunkSize:        DefaultChunkSize,
		progressInterval: 100 * 1024 * 1024, // 100MB
		onProgress:       logProgress,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.limiter != nil && c.limiter.Burst() < c.chunkSize {
		c.limiter.SetBurst(c.chunkSize)
	}

	return c
}

// Filename is the local name for a URL: the last path element, or the hex
// MD5 of the path when that element is empty.
func Filename(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}

	base := path.Base(p)
	if p == "" || strings.HasSuffix(p, "/") || base == "." || base == ".." || base == "/" {
		sum := md5.Sum([]byte(p))

		return hex.EncodeToString(sum[:])
	}

	return base
}

func (c *Client) Fetch(ctx context.Context, req Request) (string, error) {
	res, err := c.FetchResult(ctx, req)
	if err != nil {
		return "", err
	}

	return res.Path, nil
}

// FetchResult downloads req.URL into req.DestDir through a .part file. A
// resumed attempt that the server does not acknowledge with a matching 206 is
// replaced by one fresh attempt.
func (c *Client) FetchResult(ctx context.Context, req Request) (Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("url", req.URL)

	target := filepath.Join(req.DestDir, Filename(req.URL))
	part := target + partSuffix

	if _, err := os.Stat(target); err == nil {
		if !req.Overwrite {
			logger.Debug("file already present", "path", target)

			return Result{Path: target, Mode: ModeCached}, nil
		}

		if err := os.Remove(target); err != nil {
			return Result{}, fmt.Errorf("failed to remove existing file: %w", err)
		}
	}

	if req.Overwrite {
		if err := os.Remove(part); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Result{}, fmt.Errorf("failed to remove partial file: %w", err)
		}
	}

	if err := os.MkdirAll(req.DestDir, dirPerm); err != nil {
		return Result{}, fmt.Errorf("failed to create destination directory: %w", err)
	}

	mode := ModeFresh
	var offset int64

	if info, err := os.Stat(part); err == nil && req.Resume {
		mode, offset = ModeResumed, info.Size()
	}

	written, err := c.attempt(ctx, req, part, offset, mode == ModeResumed)

	var rejected *resumeRejectedError
	if errors.As(err, &rejected) {
		logger.Warn("resume rejected, restarting download", "offset", rejected.Offset, "reason", rejected.Reason)

		mode = ModeFresh
		written, err = c.attempt(ctx, req, part, 0, false)
	}

	if err != nil {
		return Result{Mode: mode, BytesWritten: written}, err
	}

	if err := os.Rename(part, target); err != nil {
		return Result{Mode: mode, BytesWritten: written}, &TransportError{Op: "finalize", URL: req.URL, Err: err}
	}

	logger.Info("downloaded file", "path", target, "size", humanize.Bytes(uint64(offset+written)), "mode", mode)

	if req.Checksum != "" {
		ok, actual, err := checksum.Compare(target, req.Checksum)
		if err != nil {
			return Result{Path: target, Mode: mode, BytesWritten: written}, fmt.Errorf("failed to verify checksum: %w", err)
		}

		if !ok {
			return Result{Path: target, Mode: mode, BytesWritten: written}, &IntegrityError{
				Path:     target,
				Expected: req.Checksum,
				Actual:   actual,
			}
		}
	}

	return Result{Path: target, Mode: mode, BytesWritten: written}, nil
}

// attempt performs one GET. With resume set it appends to part from offset,
// otherwise it truncates part.
func (c *Client) attempt(ctx context.Context, req Request, part string, offset int64, resume bool) (int64, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, &TransportError{Op: "request", URL: req.URL, Err: err}
	}

	httpReq.Header.Set("Connection", "Keep-Alive")

	if resume {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	if req.Username != "" && req.Password != "" {
		httpReq.SetBasicAuth(req.Username, req.Password)
	}

	for _, hooks := range [][]RequestHook{c.hooks, req.Hooks} {
		for _, hook := range hooks {
			if err := hook(httpReq); err != nil {
				return 0, fmt.Errorf("request hook failed: %w", err)
			}
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if resume && ctx.Err() == nil {
			return 0, &resumeRejectedError{Offset: offset, Reason: "request failed", Err: err}
		}

		return 0, &TransportError{Op: "request", URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	if resume {
		expected := fmt.Sprintf("bytes %d-", offset)
		if resp.StatusCode != http.StatusPartialContent {
			return 0, &resumeRejectedError{Offset: offset, Reason: fmt.Sprintf("status %d", resp.StatusCode)}
		}

		if !strings.HasPrefix(resp.Header.Get("Content-Range"), expected) {
			return 0, &resumeRejectedError{Offset: offset, Reason: "content range mismatch"}
		}
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, &TransportError{Op: "request", URL: req.URL, StatusCode: resp.StatusCode}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if resume {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open partial file: %w", err)
	}

	state := State{
		BytesTransferred: offset,
		TotalBytes:       -1,
		Resumable:        resume,
		StartedAt:        time.Now(),
	}

	if resp.ContentLength >= 0 {
		state.TotalBytes = offset + resp.ContentLength
	}

	written, err := c.stream(ctx, req.URL, out, resp.Body, state)
	if err != nil {
		out.Close()

		return written, &TransportError{Op: "read_body", URL: req.URL, Err: err}
	}

	if err := out.Sync(); err != nil {
		out.Close()

		return written, fmt.Errorf("failed to sync partial file: %w", err)
	}

	if err := out.Close(); err != nil {
		return written, fmt.Errorf("failed to close partial file: %w", err)
	}

	return written, nil
}

func (c *Client) stream(ctx context.Context, rawURL string, out io.Writer, body io.Reader, state State) (int64, error) {
	offset := state.BytesTransferred

	pr := progress.NewReader(ctx, body, offset, state.TotalBytes, c.progressInterval, func(r progress.Report) {
		if c.onProgress == nil {
			return
		}

		st := state
		st.BytesTransferred = r.Written
		st.ETA = r.ETA
		c.onProgress(ctx, rawURL, st)
	})

	buf := make([]byte, c.chunkSize)

	for {
		n, err := pr.Read(buf)
		if n > 0 {
			if c.limiter != nil {
				if werr := c.limiter.WaitN(ctx, n); werr != nil {
					return pr.Written() - offset - int64(n), werr
				}
			}

			if _, werr := out.Write(buf[:n]); werr != nil {
				return pr.Written() - offset - int64(n), werr
			}
		}

		if errors.Is(err, io.EOF) {
			return pr.Written() - offset, nil
		}

		if err != nil {
			return pr.Written() - offset, err
		}
	}
}

func logProgress(ctx context.Context, rawURL string, st State) {
	logger := logctx.LoggerFromContext(ctx)

	if st.TotalBytes > 0 {
		logger.Debug("download progress",
			"url", rawURL,
			"downloaded", humanize.Bytes(uint64(st.BytesTransferred)),
			"total", humanize.Bytes(uint64(st.TotalBytes)),
			"percent", humanize.FtoaWithDigits(float64(st.BytesTransferred)*100/float64(st.TotalBytes), 2),
			"eta", st.ETA.Round(time.Second).String())

		return
	}

	logger.Debug("download progress", "url", rawURL, "downloaded", humanize.Bytes(uint64(st.BytesTransferred)))
}
