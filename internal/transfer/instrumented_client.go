package transfer

import (
	"context"

	"github.com/nidata/dataset_fetcher/internal/telemetry"
)

// resultFetcher is implemented by fetchers that can report how a file was obtained.
type resultFetcher interface {
	FetchResult(ctx context.Context, req Request) (Result, error)
}

// InstrumentedClient wraps a Fetcher with telemetry.
type InstrumentedClient struct {
	fetcher   Fetcher
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented fetcher.
func NewInstrumentedClient(fetcher Fetcher, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		fetcher:   fetcher,
		telemetry: tel,
	}
}

// Fetch downloads a file with telemetry.
func (c *InstrumentedClient) Fetch(ctx context.Context, req Request) (string, error) {
	var path string

	err := c.telemetry.InstrumentTransfer(ctx, func(ctx context.Context) (string, int64, error) {
		rf, ok := c.fetcher.(resultFetcher)
		if !ok {
			var err error
			path, err = c.fetcher.Fetch(ctx, req)

			return ModeFresh, 0, err
		}

		res, err := rf.FetchResult(ctx, req)
		path = res.Path

		return res.Mode, res.BytesWritten, err
	})
	if err != nil {
		return "", err
	}

	return path, nil
}
