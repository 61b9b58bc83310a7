package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attributes must stay low cardinality. URLs, file names,
// dataset paths and batch ids go to logs, not attributes.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// InstrumentOperation wraps fn in a span tagged with the component.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName, trace.WithAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	))
	defer span.End()

	err := fn(ctx)

	span.SetAttributes(
		attribute.String("status", statusOf(err)),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentBatch instruments one FetchBatch call.
func (t *Telemetry) InstrumentBatch(ctx context.Context, files int, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	t.addGauge(ctx, t.batchesActive, 1)
	defer t.addGauge(ctx, t.batchesActive, -1)

	err := t.InstrumentOperation(ctx, "fetch_batch", "downloader", func(ctx context.Context) error {
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("batch.files", files))

		return fn(ctx)
	})

	t.RecordBatch(ctx, statusOf(err), files, time.Since(start))

	return err
}

// InstrumentTransfer instruments a single file transfer. fn reports the mode
// it ended up using and the bytes it wrote.
func (t *Telemetry) InstrumentTransfer(ctx context.Context, fn func(ctx context.Context) (mode string, written int64, err error)) error {
	if t == nil {
		_, _, err := fn(ctx)
		return err
	}

	start := time.Now()

	t.addGauge(ctx, t.transfersActive, 1)
	defer t.addGauge(ctx, t.transfersActive, -1)

	var (
		mode    string
		written int64
	)

	err := t.InstrumentOperation(ctx, "transfer_fetch", "transfer", func(ctx context.Context) error {
		var err error
		mode, written, err = fn(ctx)

		trace.SpanFromContext(ctx).SetAttributes(attribute.String("transfer.mode", mode))

		return err
	})

	t.RecordTransfer(ctx, mode, statusOf(err), written, time.Since(start))

	return err
}

// InstrumentExtraction instruments an archive extraction.
func (t *Telemetry) InstrumentExtraction(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "extract_archive", "archive", fn)

	t.RecordExtraction(ctx, statusOf(err))

	return err
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
