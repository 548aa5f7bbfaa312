package engine

import (
	"errors"
	"fmt"
	"strings"
)

// DispatchError is returned by Dispatch when a stage fails.
//
// Committed reports whether the Persist step had already been committed
// when the failure happened. A failure before Persist (Committed=false)
// leaves nothing behind: the unit of work was rolled back and every job it
// submitted was discarded. A failure in AfterMutate (Committed=true) rolls
// back only the after-stage work; the persisted changes stay and PostCommit
// jobs are still submitted.
type DispatchError struct {
	EntityType string
	Op         string
	Stage      Stage
	Committed  bool
	Err        error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("dispatch %s %s at %s: %v", e.EntityType, e.Op, e.Stage, e.Err)
	if e.Committed {
		msg += " (persistence already committed)"
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Err }

// AsDispatchError extracts a *DispatchError from err's chain.
func AsDispatchError(err error) (*DispatchError, bool) {
	var de *DispatchError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Committed reports whether err is a dispatch failure that happened after
// the persisted changes were committed.
func Committed(err error) bool {
	de, ok := AsDispatchError(err)
	return ok && de.Committed
}

// Rejection is one record refused by a BeforeValidate handler.
type Rejection struct {
	EntityID string
	Reason   string
}

// ValidationError aggregates the rejections of one BeforeValidate stage.
type ValidationError struct {
	EntityType string
	Rejections []Rejection
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Rejections))
	for i, r := range e.Rejections {
		parts[i] = r.EntityID + ": " + r.Reason
	}
	return fmt.Sprintf("%d %s record(s) rejected: %s", len(e.Rejections), e.EntityType, strings.Join(parts, "; "))
}

// IsValidationError reports whether err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ErrNotUpdate is returned by StageContext.Transitions outside update
// events, where there is no old state to compare against.
var ErrNotUpdate = errors.New("transitions are only defined for update events")

// ErrWrongStage is returned when a StageContext method is used in a stage
// that does not support it.
var ErrWrongStage = errors.New("operation not available in this stage")
