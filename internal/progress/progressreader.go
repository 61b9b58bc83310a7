package progress

import (
	"context"
	"io"
	"time"
)

// Report is a snapshot handed to the progress callback.
type Report struct {
	Written int64
	Total   int64 // -1 when unknown
	Percent float64
	Elapsed time.Duration
	ETA     time.Duration // 0 when it cannot be estimated
}

// ProgressReader wraps an io.Reader, stops reading once ctx is done and
// reports progress via a callback.
type ProgressReader struct {
	ctx            context.Context
	reader         io.Reader
	total          int64
	initial        int64 // bytes already on disk before this read started
	totalRead      int64 // cumulative, including initial
	lastReport     int64 // bytes since last report
	reportInterval int64
	startedAt      time.Time
	now            func() time.Time
	onProgress     func(Report)
}

func NewReader(ctx context.Context, r io.Reader, initial, total, interval int64, cb func(Report)) *ProgressReader {
	return &ProgressReader{
		ctx:            ctx,
		reader:         r,
		total:          total,
		initial:        initial,
		totalRead:      initial,
		reportInterval: interval,
		startedAt:      time.Now(),
		now:            time.Now,
		onProgress:     cb,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := pr.reader.Read(p)
	if n > 0 {
		prev := pr.totalRead
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.onProgress != nil && (pr.lastReport >= pr.reportInterval || pr.crossedFivePercent(prev)) {
			pr.onProgress(pr.report())
			pr.lastReport = 0
		}
	}

	return n, err
}

// Written returns the bytes accounted for so far, including the initial offset.
func (pr *ProgressReader) Written() int64 {
	return pr.totalRead
}

func (pr *ProgressReader) crossedFivePercent(prev int64) bool {
	if pr.total <= 0 {
		return false
	}

	return pr.totalRead*100/pr.total/5 != prev*100/pr.total/5
}

func (pr *ProgressReader) report() Report {
	r := Report{
		Written: pr.totalRead,
		Total:   pr.total,
		Elapsed: pr.now().Sub(pr.startedAt),
	}

	if pr.total > 0 {
		r.Percent = float64(pr.totalRead) * 100 / float64(pr.total)
		r.ETA = estimate(pr.totalRead-pr.initial, pr.total-pr.totalRead, r.Elapsed)
	}

	return r
}

// estimate projects the remaining time from the rate observed since start.
func estimate(done, remaining int64, elapsed time.Duration) time.Duration {
	if done <= 0 || elapsed <= 0 || remaining <= 0 {
		return 0
	}

	perByte := float64(elapsed) / float64(done)

	return time.Duration(perByte * float64(remaining))
}
