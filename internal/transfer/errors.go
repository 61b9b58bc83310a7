package transfer

import "fmt"

// TransportError represents a network or HTTP failure while fetching a URL.
// The partially written .part file is kept so a later call can resume.
type TransportError struct {
	Op         string // The step that failed (e.g., "request", "read_body", "finalize")
	URL        string
	StatusCode int   // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error // Underlying error, if any
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport error during %s of %s (HTTP %d)", e.Op, e.URL, e.StatusCode)
	}

	return fmt.Sprintf("transport error during %s of %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IntegrityError reports a checksum mismatch on a finalized file. The file is
// left in place for inspection.
type IntegrityError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// resumeRejectedError marks a resumed attempt the server did not honour. It
// never leaves this package: Fetch answers it with a fresh attempt.
type resumeRejectedError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *resumeRejectedError) Error() string {
	return fmt.Sprintf("resume from byte %d rejected: %s", e.Offset, e.Reason)
}

func (e *resumeRejectedError) Unwrap() error {
	return e.Err
}
