package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"

	"github.com/roach88/govern/internal/bulk"
	"github.com/roach88/govern/internal/clock"
	"github.com/roach88/govern/internal/persist"
	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/quota"
	"github.com/roach88/govern/internal/record"
	"github.com/roach88/govern/internal/uow"
)

type invocation func(ctx context.Context, jc *JobContext) error

// execute runs one admitted job to a terminal state. The strategy is
// selected here and nowhere else.
func (o *Orchestrator) execute(ctx context.Context, e *entry) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if e.state.Terminal() {
		o.mu.Unlock()
		if e.strategy == ChunkedBatch {
			o.vacate()
		}
		return
	}
	e.state = StateRunning
	e.startedAt = o.clock.Now()
	e.cancel = cancel
	o.mu.Unlock()

	var err error
	switch spec := e.spec.(type) {
	case Task:
		err = o.runTask(runCtx, e, spec.Name, spec.Payload)
	case firing:
		err = o.runTask(runCtx, e, spec.task, spec.payload)
	case Chain:
		err = o.runOnce(runCtx, e, spec.Work.Execute)
	case Batch:
		err = o.runBatch(runCtx, e, spec)
		o.vacate()
	default:
		err = fmt.Errorf("unsupported spec %T", e.spec)
	}

	if err != nil {
		o.complete(e, StateFailed, err)
		return
	}
	o.complete(e, StateSucceeded, nil)
}

func (o *Orchestrator) runTask(ctx context.Context, e *entry, name string, payload record.Object) error {
	o.mu.Lock()
	fn, ok := o.tasks[name]
	o.mu.Unlock()
	if !ok {
		return &ExecutionError{JobID: e.id, Phase: "execute", Err: fmt.Errorf("task %q is not registered", name)}
	}
	return o.runOnce(ctx, e, func(ctx context.Context, jc *JobContext) error {
		return fn(ctx, jc, payload)
	})
}

func (o *Orchestrator) runOnce(ctx context.Context, e *entry, fn invocation) error {
	if err := o.invoke(ctx, e, -1, nil, fn); err != nil {
		return &ExecutionError{JobID: e.id, Phase: "execute", Err: err}
	}
	return nil
}

// invoke runs fn in a fresh async unit of work and commits it. Any error,
// including a failed commit, rolls the unit of work back, which also
// discards the submissions fn made.
func (o *Orchestrator) invoke(ctx context.Context, e *entry, chunk int, acc *any, fn invocation) (err error) {
	id := o.ids.Generate()
	tx := uow.NewTransaction(id, o.guardCeiling)
	defer tx.End()

	logger := o.logger.With("job_id", e.id, "uow_id", id)
	u := uow.New(id, tx, o.backend, quota.New(quota.ModeAsync, o.asyncLimits), uow.WithLogger(logger))
	defer func() {
		_ = u.Close()
	}()

	jc := &JobContext{
		UoW:    u,
		Bulk:   bulk.New(u),
		Logger: logger,
		o:      o,
		e:      e,
		chunk:  chunk,
		acc:    acc,
	}

	start := o.clock.Now()
	err = protect(func() error { return fn(ctx, jc) })
	if err == nil {
		err = u.Tracker().Charge(quota.CPUMillis, clock.Millis(o.clock, start))
	}
	if err != nil {
		if qe, ok := quota.AsExceeded(err); ok {
			o.metrics.QuotaExceeded(string(qe.Resource), string(qe.Mode))
		}
		_ = u.Rollback()
		return err
	}
	return u.Commit()
}

// protect turns a panic in job code into an error.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn()
}

func (o *Orchestrator) runBatch(ctx context.Context, e *entry, spec Batch) error {
	acc := spec.Accumulator

	var q query.Select
	err := o.invoke(ctx, e, -1, &acc, func(ctx context.Context, jc *JobContext) error {
		var err error
		q, err = spec.Work.Start(ctx, jc)
		return err
	})
	if err != nil {
		return &ExecutionError{JobID: e.id, Phase: "start", Err: err}
	}

	size := spec.ChunkSize
	if size <= 0 {
		size = o.chunkSize
	}
	scan, err := bulk.NewScan(q, size)
	if err != nil {
		return &ExecutionError{JobID: e.id, Phase: "start", Err: err}
	}
	defer scan.Close()

	var failed []ChunkFailure
	var scanErr error
	cancelled := false
	for {
		if o.cancelRequested(e) || ctx.Err() != nil {
			cancelled = true
			break
		}

		index, after := scan.Chunks(), scan.Cursor()
		produced, attempts, err := o.runChunk(ctx, e, spec.Work, scan, index, &acc)
		if err != nil && !produced {
			scanErr = err
			break
		}
		if err != nil {
			failed = append(failed, ChunkFailure{
				Index:    index,
				After:    after,
				Attempts: attempts,
				Err:      err,
				Reason:   err.Error(),
			})
			o.logger.Warn("chunk failed",
				"job_id", e.id,
				"chunk", index,
				"attempts", attempts,
				"error", err)
		}
		if !produced {
			break
		}

		o.mu.Lock()
		e.chunkCursor = scan.Chunks()
		e.cursor = scan.Cursor()
		e.acc = acc
		o.mu.Unlock()
	}

	summary := Summary{
		Chunks:      scan.Chunks(),
		Records:     scan.Produced(),
		Failed:      failed,
		Cancelled:   cancelled,
		Accumulator: acc,
	}
	finishErr := o.invoke(context.WithoutCancel(ctx), e, -1, &acc, func(ctx context.Context, jc *JobContext) error {
		return spec.Work.Finish(ctx, jc, summary)
	})

	o.mu.Lock()
	summary.Accumulator = acc
	e.summary = &summary
	e.acc = acc
	o.mu.Unlock()

	switch {
	case finishErr != nil:
		return &ExecutionError{JobID: e.id, Phase: "finish", Err: finishErr, Chunks: failed}
	case scanErr != nil:
		return &ExecutionError{JobID: e.id, Phase: "scan", Err: scanErr, Chunks: failed}
	case len(failed) > 0:
		return &ExecutionError{JobID: e.id, Phase: "execute", Chunks: failed}
	}
	return nil
}

// runChunk realizes and executes the next chunk in its own unit of work.
// A chunk that fails with a version conflict is rewound and attempted
// again with backoff; any other failure is final. produced reports whether
// a chunk was realized at all, false meaning the sequence is exhausted
// (err == nil) or could not advance (err != nil).
func (o *Orchestrator) runChunk(ctx context.Context, e *entry, work Batchable, scan *bulk.Scan, index int, acc *any) (produced bool, attempts int, err error) {
	op := func() (struct{}, error) {
		attempts++
		if attempts > 1 && produced {
			scan.Rewind()
		}
		produced = false
		working := cloneAccumulator(*acc)

		start := o.clock.Now()
		err := o.invoke(ctx, e, index, &working, func(ctx context.Context, jc *JobContext) error {
			chunk, ok, err := scan.Next(ctx, jc.Bulk)
			if err != nil || !ok {
				return err
			}
			produced = true
			return work.Execute(ctx, jc, chunk)
		})
		if produced {
			o.metrics.ChunkObserved(o.clock.Now().Sub(start).Seconds())
		}
		if err != nil {
			if produced && errors.Is(err, persist.ErrConflict) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		*acc = working
		return struct{}{}, nil
	}

	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(o.newBackOff()),
		backoff.WithMaxTries(o.chunkTries))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return produced, attempts, err
}

func (o *Orchestrator) cancelRequested(e *entry) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return e.cancelled
}
