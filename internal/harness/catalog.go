package harness

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/roach88/govern/internal/bulk"
	"github.com/roach88/govern/internal/engine"
	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/record"
)

// entry of the handler catalog. stages lists where the handler may be
// wired; nil means any stage that takes handlers.
type handlerDef struct {
	stages []engine.Stage
	build  func(r *runner, w Wiring) (engine.Handler, error)
}

// catalog holds the generic handlers scenarios can wire.
var catalog = map[string]handlerDef{
	"require-field": {stages: []engine.Stage{engine.BeforeValidate}, build: requireField},
	"set-field":     {stages: []engine.Stage{engine.BeforeMutate}, build: setField},
	"roll-up":       {stages: []engine.Stage{engine.AfterMutate}, build: rollUp},
	"re-enter":      {stages: []engine.Stage{engine.AfterMutate}, build: reEnter},
	"notify":        {build: notify},
	"chain":         {build: chain},
	"batch-sum":     {build: batchSum},
	"burn-cpu":      {build: burnCPU},
	"fail":          {build: failWith},
}

// HandlerNames returns the catalog's handler names in sorted order.
func HandlerNames() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

type args map[string]any

func (a args) str(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", fmt.Errorf("argument %q is required", key)
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q must be a non-empty string", key)
	}
	return s, nil
}

func (a args) integer(key string, def int) (int, error) {
	v, ok := a[key]
	if !ok {
		return def, nil
	}
	n, ok := v.(int)
	if !ok {
		return 0, fmt.Errorf("argument %q must be an integer", key)
	}
	return n, nil
}

// affected returns the entities an event is about: the new state, or the
// old one for deletes.
func affected(sc *engine.StageContext) []record.Entity {
	if sc.Op() == record.OpDelete {
		return sc.Old().Entities()
	}
	return sc.New().Entities()
}

func idValues(ids []string) []record.Value {
	out := make([]record.Value, len(ids))
	for i, id := range ids {
		out[i] = record.String(id)
	}
	return out
}

func requireField(_ *runner, w Wiring) (engine.Handler, error) {
	field, err := args(w.Args).str("field")
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, sc *engine.StageContext) error {
		for _, e := range sc.New().Entities() {
			if _, missing := e.Get(field).(record.Null); missing {
				if err := sc.Reject(e.ID, field+" is required"); err != nil {
					return err
				}
			}
		}
		return nil
	}, nil
}

func setField(_ *runner, w Wiring) (engine.Handler, error) {
	a := args(w.Args)
	field, err := a.str("field")
	if err != nil {
		return nil, err
	}
	v, err := record.FromGo(a["value"])
	if err != nil {
		return nil, fmt.Errorf("argument \"value\": %w", err)
	}
	return func(_ context.Context, sc *engine.StageContext) error {
		for _, e := range sc.Pending().Entities() {
			if err := sc.Amend(e.With(field, v)); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

// rollUp recomputes target on every parent touched by the event as the sum
// of field over the parent's children, then dispatches the parent update.
func rollUp(_ *runner, w Wiring) (engine.Handler, error) {
	a := args(w.Args)
	rel, err := a.str("parent")
	if err != nil {
		return nil, err
	}
	parentType, err := a.str("parent_type")
	if err != nil {
		return nil, err
	}
	field, err := a.str("field")
	if err != nil {
		return nil, err
	}
	target, err := a.str("target")
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context, sc *engine.StageContext) error {
		touched := affected(sc)
		if sc.Op() == record.OpUpdate {
			// Reparented children change the old parent's total too.
			touched = append(touched, sc.Old().Entities()...)
		}
		keys := bulk.CollectKeys(touched, bulk.Field(query.Parent(rel)))
		if len(keys) == 0 {
			return nil
		}

		children, err := sc.Bulk.FetchRelated(ctx, keys, query.Select{From: sc.EntityType()}, query.Parent(rel))
		if err != nil {
			return err
		}
		for _, kids := range children {
			defer sc.Bulk.Release(kids)
		}

		parents, err := sc.Bulk.Query(ctx, query.Select{
			From:   parentType,
			Filter: query.In{Field: query.FieldID, Values: idValues(keys)},
		})
		if err != nil {
			return err
		}
		defer sc.Bulk.Release(parents)
		if len(parents) == 0 {
			return nil
		}

		updated := make([]record.Entity, len(parents))
		for i, p := range parents {
			var sum int64
			for _, c := range children[p.ID] {
				sum += c.Int(field)
			}
			updated[i] = p.With(target, record.Int(sum))
		}
		ev, err := engine.NewUpdate(parentType, parents, updated)
		if err != nil {
			return err
		}
		return sc.Dispatch(ctx, ev)
	}, nil
}

// reEnter increments field on the event's entities through a nested
// update of the same type, re-entering the stage it is wired to.
func reEnter(_ *runner, w Wiring) (engine.Handler, error) {
	field, err := args(w.Args).str("field")
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, sc *engine.StageContext) error {
		if sc.Op() == record.OpDelete {
			return nil
		}
		current, err := sc.Bulk.Query(ctx, query.Select{
			From:   sc.EntityType(),
			Filter: query.In{Field: query.FieldID, Values: idValues(sc.New().IDs())},
		})
		if err != nil {
			return err
		}
		defer sc.Bulk.Release(current)

		updated := make([]record.Entity, len(current))
		for i, e := range current {
			updated[i] = e.With(field, record.Int(e.Int(field)+1))
		}
		ev, err := engine.NewUpdate(sc.EntityType(), current, updated)
		if err != nil {
			return err
		}
		return sc.Dispatch(ctx, ev)
	}, nil
}

func notify(_ *runner, w Wiring) (engine.Handler, error) {
	task, err := args(w.Args).str("task")
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, sc *engine.StageContext) error {
		ids := make([]string, 0, sc.New().Len()+sc.Old().Len())
		for _, e := range affected(sc) {
			ids = append(ids, e.ID)
		}
		_, err := sc.Submit(jobs.Task{Name: task, Payload: record.Object{
			"entity_type": record.String(sc.EntityType()),
			"count":       record.Int(len(ids)),
			"ids":         record.String(strings.Join(ids, ",")),
		}})
		return err
	}, nil
}

// chain submits a chainable job of the given number of links; every link
// but the last enqueues its successor.
func chain(r *runner, w Wiring) (engine.Handler, error) {
	a := args(w.Args)
	name, err := a.str("name")
	if err != nil {
		return nil, err
	}
	links, err := a.integer("links", 1)
	if err != nil {
		return nil, err
	}
	if links < 1 {
		return nil, errors.New("argument \"links\" must be at least 1")
	}
	return func(_ context.Context, sc *engine.StageContext) error {
		_, err := sc.Submit(jobs.Chain{Name: name, Work: r.chainLink(name, 1, links)})
		return err
	}, nil
}

func (r *runner) chainLink(name string, link, links int) jobs.Queueable {
	return jobs.QueueableFunc(func(_ context.Context, jc *jobs.JobContext) error {
		r.record(TraceEvent{Kind: KindTask, Name: name, Payload: record.Object{"link": record.Int(link)}})
		if link == links {
			return nil
		}
		_, err := jc.Enqueue(r.chainLink(name, link+1, links))
		return err
	})
}

func batchSum(r *runner, w Wiring) (engine.Handler, error) {
	a := args(w.Args)
	name, err := a.str("name")
	if err != nil {
		return nil, err
	}
	entityType, err := a.str("entity")
	if err != nil {
		return nil, err
	}
	field, err := a.str("field")
	if err != nil {
		return nil, err
	}
	size, err := a.integer("chunk_size", 0)
	if err != nil {
		return nil, err
	}
	work := &sumBatch{r: r, name: name, entityType: entityType, field: field}
	return func(_ context.Context, sc *engine.StageContext) error {
		_, err := sc.Submit(jobs.Batch{Name: name, Work: work, ChunkSize: size, Accumulator: int64(0)})
		return err
	}, nil
}

// sumBatch sums field over every entity of entityType.
type sumBatch struct {
	r          *runner
	name       string
	entityType string
	field      string
}

func (b *sumBatch) Start(_ context.Context, _ *jobs.JobContext) (query.Select, error) {
	return query.Select{From: b.entityType}, nil
}

func (b *sumBatch) Execute(_ context.Context, jc *jobs.JobContext, chunk []record.Entity) error {
	jobs.Accumulate(jc, func(acc int64) int64 {
		for _, e := range chunk {
			acc += e.Int(b.field)
		}
		return acc
	})
	return nil
}

func (b *sumBatch) Finish(_ context.Context, jc *jobs.JobContext, summary jobs.Summary) error {
	b.r.record(TraceEvent{Kind: KindTask, Name: b.name, Payload: record.Object{
		"chunks":  record.Int(summary.Chunks),
		"records": record.Int(summary.Records),
		"total":   record.Int(jobs.Accumulated[int64](jc)),
	}})
	return nil
}

// burnCPU advances the scenario clock, which the dispatcher charges as
// handler CPU time.
func burnCPU(r *runner, w Wiring) (engine.Handler, error) {
	millis, err := args(w.Args).integer("millis", 0)
	if err != nil {
		return nil, err
	}
	if millis <= 0 {
		return nil, errors.New("argument \"millis\" must be positive")
	}
	return func(_ context.Context, _ *engine.StageContext) error {
		r.clock.Advance(time.Duration(millis) * time.Millisecond)
		return nil
	}, nil
}

func failWith(_ *runner, w Wiring) (engine.Handler, error) {
	msg, err := args(w.Args).str("message")
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, _ *engine.StageContext) error {
		return errors.New(msg)
	}, nil
}
