package jobs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for an unknown job ID.
	ErrNotFound = errors.New("job not found")

	// ErrSubmitterAborted is the terminal error of a job whose submitting
	// unit of work rolled back. Such a job never runs.
	ErrSubmitterAborted = errors.New("submitting unit of work aborted")

	// ErrCancelled is the terminal error of a job cancelled before it ran.
	ErrCancelled = errors.New("job cancelled")

	// ErrStopped is the terminal error of a job still pending when the
	// orchestrator was closed.
	ErrStopped = errors.New("orchestrator stopped")
)

// SubmissionReason classifies a refused submission.
type SubmissionReason string

const (
	ReasonQueueDepthExceeded SubmissionReason = "queue_depth_exceeded"
	ReasonRateLimited        SubmissionReason = "rate_limited"
	ReasonInvalidPayload     SubmissionReason = "invalid_payload"
	ReasonUnknownTask        SubmissionReason = "unknown_task"
	ReasonInvalidSchedule    SubmissionReason = "invalid_schedule"
	ReasonChainDepthExceeded SubmissionReason = "chain_depth_exceeded"
	ReasonClosed             SubmissionReason = "closed"
)

// SubmissionError is returned when a job is not accepted. The caller may
// retry later or drop the work; nothing was enqueued.
type SubmissionError struct {
	Reason   SubmissionReason
	Strategy Strategy
	Name     string
	Detail   string
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("submit %s job %q: %s", e.Strategy, e.Name, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsQueueDepthExceeded reports whether err is a queue-depth refusal.
func IsQueueDepthExceeded(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se) && se.Reason == ReasonQueueDepthExceeded
}

// IsSubmissionError reports whether err is or wraps a *SubmissionError.
func IsSubmissionError(err error) bool {
	var se *SubmissionError
	return errors.As(err, &se)
}

// ExecutionError is the terminal error of a job whose work failed. For
// chunked-batch jobs Chunks lists the chunks that failed; the others were
// committed.
type ExecutionError struct {
	JobID  string
	Phase  string
	Err    error
	Chunks []ChunkFailure
}

func (e *ExecutionError) Error() string {
	if len(e.Chunks) > 0 {
		parts := make([]string, len(e.Chunks))
		for i, c := range e.Chunks {
			parts[i] = fmt.Sprintf("chunk %d: %s", c.Index, c.Reason)
		}
		return fmt.Sprintf("job %s: %d chunk(s) failed (%s)", e.JobID, len(e.Chunks), strings.Join(parts, "; "))
	}
	return fmt.Sprintf("job %s %s: %v", e.JobID, e.Phase, e.Err)
}

// Unwrap returns the phase error and every chunk error.
func (e *ExecutionError) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, c := range e.Chunks {
		if c.Err != nil {
			errs = append(errs, c.Err)
		}
	}
	return errs
}

// IsExecutionError reports whether err is or wraps an *ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
