package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateJob is returned by Dispatch when the correlation id already
	// has an outstanding job.
	ErrDuplicateJob = errors.New("broker: correlation id already has an outstanding job")

	// ErrEmptyCorrelationID is returned by Dispatch for an empty id.
	ErrEmptyCorrelationID = errors.New("broker: correlation id is required")

	// ErrClosed is returned by Dispatch after Close, and carried by the
	// failure results of jobs still queued when Close was called.
	ErrClosed = errors.New("broker: closed")
)

// Stage identifies where a job failed.
type Stage string

const (
	// StageSpawn means no worker handle could be obtained.
	StageSpawn Stage = "spawn"

	// StageParse means the worker rejected the payload or crashed.
	StageParse Stage = "parse"

	// StageProtocol means the worker answered with the wrong correlation id.
	StageProtocol Stage = "protocol"

	// StageClosed means the broker closed before the job ran.
	StageClosed Stage = "closed"
)

// JobError is the error carried by a failure Result.
type JobError struct {
	CorrelationID string
	Stage         Stage
	Err           error
}

// Error implements the error interface.
func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed at %s: %v", e.CorrelationID, e.Stage, e.Err)
}

// Unwrap returns the underlying cause.
func (e *JobError) Unwrap() error {
	return e.Err
}

// IsJobError returns true if err is, or wraps, a *JobError.
func IsJobError(err error) bool {
	var je *JobError
	return errors.As(err, &je)
}
