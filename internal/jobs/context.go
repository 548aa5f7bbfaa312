package jobs

import (
	"errors"
	"log/slog"

	"github.com/roach88/govern/internal/bulk"
	"github.com/roach88/govern/internal/record"
	"github.com/roach88/govern/internal/uow"
)

// JobContext is handed to job code for one invocation.
//
// UoW and Bulk belong to the invocation's own async unit of work; nothing
// is shared with the submitter or with other invocations except the batch
// accumulator.
type JobContext struct {
	UoW    *uow.UnitOfWork
	Bulk   *bulk.Pipeline
	Logger *slog.Logger

	o     *Orchestrator
	e     *entry
	chunk int
	acc   *any

	enqueued bool
}

// JobID returns the job's ID.
func (jc *JobContext) JobID() string { return jc.e.id }

// Name returns the job's name.
func (jc *JobContext) Name() string { return jc.e.name }

// Depth returns the chain depth (0 for a job not enqueued by a chain).
func (jc *JobContext) Depth() int { return jc.e.depth }

// ChunkIndex returns the zero-based index of the chunk being executed, or
// -1 outside Batchable.Execute.
func (jc *JobContext) ChunkIndex() int { return jc.chunk }

// Accumulator returns the batch accumulator, nil for other strategies.
func (jc *JobContext) Accumulator() any {
	if jc.acc == nil {
		return nil
	}
	return *jc.acc
}

// SetAccumulator replaces the batch accumulator. The new value is kept
// only if the current invocation commits.
func (jc *JobContext) SetAccumulator(v any) {
	if jc.acc != nil {
		*jc.acc = v
	}
}

// Accumulate folds fn into the batch accumulator. A nil or differently
// typed accumulator is treated as A's zero value. fn should return a new
// value rather than mutate the old one, unless A implements Cloner, so a
// failed chunk's contribution can be discarded.
func Accumulate[A any](jc *JobContext, fn func(acc A) A) {
	cur, _ := jc.Accumulator().(A)
	jc.SetAccumulator(fn(cur))
}

// Accumulated returns the accumulator as A.
func Accumulated[A any](jc *JobContext) A {
	v, _ := jc.Accumulator().(A)
	return v
}

// errAlreadyEnqueued is returned by a second Enqueue from one invocation.
var errAlreadyEnqueued = errors.New("chainable job may enqueue only one successor")

// Enqueue submits next as the successor of the running chainable job. The
// successor is provisional until this invocation commits and never runs if
// it fails. Only one successor may be enqueued per invocation.
func (jc *JobContext) Enqueue(next Queueable) (Handle, error) {
	if jc.e.strategy != Chainable {
		return Handle{}, errors.New("enqueue is only available to chainable jobs")
	}
	if jc.enqueued {
		return Handle{}, errAlreadyEnqueued
	}
	h, err := jc.o.submit(Chain{Name: jc.e.name, Work: next}, jc.UoW, jc.e.id, jc.e.depth+1)
	if err != nil {
		return Handle{}, err
	}
	jc.enqueued = true
	return h, nil
}

// Submit submits an unrelated job from inside a job. Like every in-job
// submission it is provisional on this invocation committing.
func (jc *JobContext) Submit(spec Spec) (Handle, error) {
	return jc.o.submit(spec, jc.UoW, jc.e.id, 0)
}

// Payload returns the task payload for fire-and-forget and scheduled jobs.
func (jc *JobContext) Payload() record.Object {
	return jc.e.payload
}
