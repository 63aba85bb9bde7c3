package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/midst/internal/snapshot"
)

// ErrMissingCorrelationID is returned for a request without a correlation id.
var ErrMissingCorrelationID = errors.New("worker: correlation id is required")

// ParseError reports a malformed payload. Index is the offending array
// element, or -1 when the payload as a whole is not a JSON array.
type ParseError struct {
	CorrelationID string
	Index         int
	Err           error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("parse %s: %v", e.CorrelationID, e.Err)
	}
	return fmt.Sprintf("parse %s: snapshot[%d]: %v", e.CorrelationID, e.Index, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// Validator checks a parsed snapshot against a content schema.
type Validator interface {
	Validate(s snapshot.Snapshot) error
}

// Worker parses raw snapshot payloads. It holds no per-job state; a single
// Worker may serve many jobs one after another.
type Worker struct {
	validator Validator
}

// Option configures a Worker.
type Option func(*Worker)

// WithValidator rejects payload elements that fail v.
func WithValidator(v Validator) Option {
	return func(w *Worker) {
		w.validator = v
	}
}

// New creates a Worker.
func New(opts ...Option) *Worker {
	w := &Worker{}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run parses req.RawSnapshotsJSON, a JSON array of snapshot values, and
// returns the snapshots tagged with req.CorrelationID. On failure it returns
// a *ParseError and no Response.
func (w *Worker) Run(ctx context.Context, req Request) (Response, error) {
	if req.CorrelationID == "" {
		return Response{}, ErrMissingCorrelationID
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	snaps, err := snapshot.ParseArray(req.RawSnapshotsJSON)
	if err != nil {
		return Response{}, &ParseError{CorrelationID: req.CorrelationID, Index: -1, Err: err}
	}

	if w.validator != nil {
		for i, s := range snaps {
			if err := ctx.Err(); err != nil {
				return Response{}, err
			}
			if err := w.validator.Validate(s); err != nil {
				return Response{}, &ParseError{CorrelationID: req.CorrelationID, Index: i, Err: err}
			}
		}
	}

	return Response{CorrelationID: req.CorrelationID, Snapshots: snaps}, nil
}
