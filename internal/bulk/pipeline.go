package bulk

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/govern/internal/persist"
	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/quota"
	"github.com/roach88/govern/internal/record"
	"github.com/roach88/govern/internal/uow"
)

// Extractor pulls a grouping key out of an entity. ok=false skips the
// entity.
type Extractor func(e record.Entity) (key string, ok bool)

// Field returns an Extractor reading field (query.FieldID or a
// query.Parent path are accepted).
func Field(field string) Extractor {
	return func(e record.Entity) (string, bool) {
		return query.KeyOf(e, field)
	}
}

// CollectKeys returns the distinct keys of entities in first-seen order.
// It performs no storage access and charges nothing.
func CollectKeys(entities []record.Entity, extract Extractor) []string {
	seen := make(map[string]struct{}, len(entities))
	keys := make([]string, 0, len(entities))
	for _, e := range entities {
		k, ok := extract(e)
		if !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// Pipeline performs batched storage access on behalf of one unit of work,
// charging that unit of work's tracker.
type Pipeline struct {
	u      *uow.UnitOfWork
	logger *slog.Logger
}

// New creates a pipeline bound to u.
func New(u *uow.UnitOfWork) *Pipeline {
	return &Pipeline{u: u, logger: u.Logger()}
}

// UnitOfWork returns the unit of work the pipeline charges.
func (p *Pipeline) UnitOfWork() *uow.UnitOfWork { return p.u }

// FetchRelated runs q restricted to entities whose field is one of keys,
// and groups the results by that field.
//
// Exactly one queries unit is charged however many keys are given. The
// fetched entities reserve their estimated size against the heap budget;
// callers release it with Release once the results are no longer needed.
// An empty key set returns an empty mapping without querying.
func (p *Pipeline) FetchRelated(ctx context.Context, keys []string, q query.Select, field string) (map[string][]record.Entity, error) {
	related := make(map[string][]record.Entity, len(keys))
	if len(keys) == 0 {
		return related, nil
	}

	values := make([]record.Value, len(keys))
	for i, k := range keys {
		values[i] = record.String(k)
	}
	q = q.Where(query.In{Field: field, Values: values})

	rows, err := p.query(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, e := range rows {
		k, ok := query.KeyOf(e, field)
		if !ok {
			continue
		}
		related[k] = append(related[k], e)
	}
	return related, nil
}

// Query runs q as a single batched fetch. One queries unit is charged.
func (p *Pipeline) Query(ctx context.Context, q query.Select) ([]record.Entity, error) {
	return p.query(ctx, q)
}

func (p *Pipeline) query(ctx context.Context, q query.Select) ([]record.Entity, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if err := p.charge(quota.Queries, 1); err != nil {
		return nil, err
	}
	s, err := p.u.Session(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.From, err)
	}
	if err := p.charge(quota.HeapBytes, record.SizeOfAll(rows)); err != nil {
		return nil, err
	}
	return rows, nil
}

// Release returns the heap reserved for entities fetched through this
// pipeline.
func (p *Pipeline) Release(entities []record.Entity) {
	p.u.Tracker().Release(record.SizeOfAll(entities))
}

// ApplyBulk writes op for every entity in one batched mutation.
func (p *Pipeline) ApplyBulk(ctx context.Context, op record.Operation, entities []record.Entity, mode persist.Mode) error {
	muts := make([]record.Mutation, len(entities))
	for i, e := range entities {
		muts[i] = record.Mutation{Op: op, Entity: e}
	}
	return p.Apply(ctx, muts, mode)
}

// Apply writes muts in one batched mutation. Exactly one mutations unit is
// charged, before anything is written; if the charge fails nothing is
// applied. In persist.AllowPartial mode per-entity failures come back as a
// *persist.PartialFailure.
func (p *Pipeline) Apply(ctx context.Context, muts []record.Mutation, mode persist.Mode) error {
	if len(muts) == 0 {
		return nil
	}
	if err := persist.ValidateMutations(muts); err != nil {
		return err
	}
	if err := p.charge(quota.Mutations, 1); err != nil {
		return err
	}
	s, err := p.u.Session(ctx)
	if err != nil {
		return err
	}
	if err := s.Apply(ctx, muts, mode); err != nil {
		if _, partial := persist.AsPartialFailure(err); partial {
			return err
		}
		return fmt.Errorf("apply %d mutations: %w", len(muts), err)
	}
	return nil
}

func (p *Pipeline) charge(r quota.Resource, amount int64) error {
	err := p.u.Tracker().Charge(r, amount)
	if err != nil && quota.IsExceeded(err) {
		p.logger.Error("quota exceeded",
			"event", "quota_exceeded",
			"uow_id", p.u.ID(),
			"resource", string(r),
			"error", err)
	}
	return err
}
