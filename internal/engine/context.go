package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/govern/internal/bulk"
	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/record"
	"github.com/roach88/govern/internal/transition"
	"github.com/roach88/govern/internal/uow"
)

// Handler runs one stage for one Event. Handlers must be idempotent: the
// recursion guard bounds re-entry, it does not prevent it.
type Handler func(ctx context.Context, sc *StageContext) error

// StageContext is what a handler sees of the dispatch it runs in.
//
// Old and New are immutable snapshots. BeforeMutate handlers change what
// is persisted through Amend; the change is visible through Pending and,
// in AfterMutate, through New.
type StageContext struct {
	Stage  Stage
	UoW    *uow.UnitOfWork
	Bulk   *bulk.Pipeline
	Logger *slog.Logger

	d          *Dispatcher
	ev         Event
	pending    record.Snapshot
	rejections []Rejection
	depth      int
	res        *Result
}

// EntityType returns the event's entity type.
func (sc *StageContext) EntityType() string { return sc.ev.EntityType }

// Op returns the event's operation.
func (sc *StageContext) Op() record.Operation { return sc.ev.Op }

// Old returns the state before the change. Empty for inserts.
func (sc *StageContext) Old() record.Snapshot { return sc.ev.Old }

// New returns the state after the change. Empty for deletes.
func (sc *StageContext) New() record.Snapshot { return sc.ev.New }

// Pending returns the new state as it will be persisted, including
// amendments made so far in BeforeMutate.
func (sc *StageContext) Pending() record.Snapshot { return sc.pending }

// Depth returns the nesting depth of the dispatch, 0 for the outermost.
func (sc *StageContext) Depth() int { return sc.depth }

// Transitions returns the entities of an update event whose old and new
// states satisfy pred, in new-state order.
func (sc *StageContext) Transitions(pred transition.Predicate) ([]record.Entity, error) {
	if sc.ev.Op != record.OpUpdate {
		return nil, ErrNotUpdate
	}
	return transition.Find(sc.ev.Old, sc.ev.New, pred), nil
}

// Reject marks a record as invalid. Any rejection aborts the event after
// the BeforeValidate stage completes, before anything is persisted.
func (sc *StageContext) Reject(entityID, reason string) error {
	if sc.Stage != BeforeValidate {
		return fmt.Errorf("reject in %s: %w", sc.Stage, ErrWrongStage)
	}
	sc.rejections = append(sc.rejections, Rejection{EntityID: entityID, Reason: reason})
	return nil
}

// Amend replaces a pending new-state entity before it is persisted.
func (sc *StageContext) Amend(e record.Entity) error {
	if sc.Stage != BeforeMutate {
		return fmt.Errorf("amend in %s: %w", sc.Stage, ErrWrongStage)
	}
	if e.Type == "" {
		e.Type = sc.ev.EntityType
	}
	next, err := sc.pending.Replace(e)
	if err != nil {
		return fmt.Errorf("amend: %w", err)
	}
	sc.pending = next
	return nil
}

// Submit hands a job to the orchestrator. The job is provisional: it runs
// only if this dispatch's unit of work commits.
func (sc *StageContext) Submit(spec jobs.Spec) (jobs.Handle, error) {
	if sc.d.jobs == nil {
		return jobs.Handle{}, errNoOrchestrator
	}
	h, err := sc.d.jobs.SubmitWithin(sc.UoW, spec)
	if err != nil {
		return jobs.Handle{}, err
	}
	sc.res.addJob(h)
	return h, nil
}

// Dispatch re-enters the dispatcher with ev in the same transaction and
// unit of work: recursion-guard counts and quota are shared, and nothing
// is committed until the outermost dispatch commits.
func (sc *StageContext) Dispatch(ctx context.Context, ev Event) error {
	return sc.d.nested(ctx, sc.UoW, ev, sc.depth+1, sc.res)
}
