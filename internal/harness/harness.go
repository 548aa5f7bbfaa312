package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/roach88/govern/internal/config"
	"github.com/roach88/govern/internal/engine"
	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/persist"
	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/record"
	"github.com/roach88/govern/internal/store"
	"github.com/roach88/govern/internal/store/memstore"
	"github.com/roach88/govern/internal/testutil"
)

// Backends a scenario can select.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

type options struct {
	workDir string
	ledger  jobs.Ledger
	logger  *slog.Logger
}

// Option configures Run.
type Option func(*options)

// WithWorkDir places the SQLite database of sqlite-backed scenarios in dir
// instead of a temporary directory.
func WithWorkDir(dir string) Option {
	return func(o *options) { o.workDir = dir }
}

// WithLedger additionally records every terminal job in l.
func WithLedger(l jobs.Ledger) Option {
	return func(o *options) { o.ledger = l }
}

// WithLogger sets the logger handed to the dispatcher and orchestrator.
// Logs are discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// runner holds the state of one scenario execution.
//
// All steps run on the calling goroutine: jobs are driven with RunPending
// and schedules with Tick, so the trace order is deterministic.
type runner struct {
	scenario *Scenario
	cfg      config.Config
	clock    *testutil.ManualClock
	backend  persist.Backend
	orch     *jobs.Orchestrator
	disp     *engine.Dispatcher
	res      *Result

	mu   sync.Mutex
	step int
	done bool
}

// record appends ev to the trace under the current step. Events arriving
// after the last step (such as jobs stopped by Close) are dropped.
func (r *runner) record(ev TraceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return
	}
	ev.Step = r.step
	r.res.add(ev)
}

func (r *runner) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
}

// traceLedger turns terminal jobs into trace events and forwards them to an
// optional persistent ledger.
type traceLedger struct {
	r   *runner
	tee jobs.Ledger
}

func (l traceLedger) Record(ctx context.Context, job jobs.Job) error {
	l.r.record(TraceEvent{
		Kind:     KindJob,
		Name:     job.Name,
		Strategy: job.Strategy,
		State:    job.State,
		Error:    job.Error,
		Summary:  job.Summary,
	})
	if l.tee == nil {
		return nil
	}
	return l.tee.Record(ctx, job)
}

// Run executes a scenario against a fresh backend and returns the result.
//
// Execution flow:
//  1. Build the configuration from the defaults and the scenario's CUE
//  2. Open the backend and seed it
//  3. Wire handlers, tasks and configured schedules
//  4. Execute steps, checking dispatch expectations
//  5. Evaluate assertions
//
// A returned error means the scenario could not be set up. Failed
// expectations and assertions are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Parse([]byte(scenario.Config), scenario.Name+".cue")
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := &runner{
		scenario: scenario,
		cfg:      cfg,
		clock:    testutil.NewManualClock(time.Time{}),
		res:      NewResult(scenario.Name),
	}

	switch scenario.Backend {
	case "", BackendMemory:
		r.backend = memstore.New()
	case BackendSQLite:
		dir := o.workDir
		if dir == "" {
			dir, err = os.MkdirTemp("", "govern-scenario-*")
			if err != nil {
				return nil, fmt.Errorf("create work dir: %w", err)
			}
			defer os.RemoveAll(dir)
		}
		st, err := store.Open(filepath.Join(dir, scenario.Name+".db"))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		defer st.Close()
		r.backend = st
	default:
		return nil, fmt.Errorf("unknown backend %q", scenario.Backend)
	}

	jobOpts := append(cfg.JobOptions(),
		jobs.WithLogger(o.logger),
		jobs.WithClock(r.clock),
		jobs.WithIDGenerator(testutil.NewSequenceGenerator("job")),
		jobs.WithLedger(traceLedger{r: r, tee: o.ledger}),
		jobs.WithSubmitRate(rate.Inf, 0),
		jobs.WithChunkRetry(uint(cfg.Jobs.ChunkRetries), func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	)
	r.orch = jobs.New(r.backend, jobOpts...)
	defer r.orch.Close()

	engOpts := append(cfg.EngineOptions(),
		engine.WithLogger(o.logger),
		engine.WithClock(r.clock),
		engine.WithIDGenerator(testutil.NewSequenceGenerator("tx")),
		engine.WithOrchestrator(r.orch),
	)
	r.disp = engine.New(r.backend, engOpts...)

	if err := r.wire(); err != nil {
		return nil, err
	}
	if err := r.seed(ctx); err != nil {
		return nil, fmt.Errorf("seed: %w", err)
	}

	for i, step := range scenario.Steps {
		r.mu.Lock()
		r.step = i
		r.mu.Unlock()
		if err := r.runStep(ctx, step); err != nil {
			r.res.AddError(fmt.Sprintf("steps[%d]: %v", i, err))
		}
	}

	if err := r.loadFinal(ctx); err != nil {
		return nil, fmt.Errorf("load final state: %w", err)
	}
	r.finish()

	for _, msg := range EvaluateAssertions(r.res, scenario.Assertions) {
		r.res.AddError(msg)
	}
	return r.res, nil
}

// wire registers catalog handlers, recording tasks and schedules.
func (r *runner) wire() error {
	tasks := make(map[string]bool)
	for _, t := range r.scenario.Tasks {
		r.orch.RegisterTask(t.Name, r.recordingTask(t))
		tasks[t.Name] = true
	}
	declare := func(name string) {
		if !tasks[name] {
			r.orch.RegisterTask(name, r.recordingTask(TaskSpec{Name: name}))
			tasks[name] = true
		}
	}

	for i, w := range r.scenario.Wiring {
		if w.Stage == engine.PostCommit {
			declare(w.Task)
			r.disp.OnPostCommit(w.Entity, w.Task)
			continue
		}
		def, ok := catalog[w.Handler]
		if !ok {
			return fmt.Errorf("wiring[%d]: unknown handler %q", i, w.Handler)
		}
		if def.stages != nil && !slices.Contains(def.stages, w.Stage) {
			return fmt.Errorf("wiring[%d]: handler %s cannot run in %s", i, w.Handler, w.Stage)
		}
		h, err := def.build(r, w)
		if err != nil {
			return fmt.Errorf("wiring[%d]: %s: %w", i, w.Handler, err)
		}
		if err := r.disp.Register(w.Entity, w.Stage, h); err != nil {
			return fmt.Errorf("wiring[%d]: %w", i, err)
		}
		if t, ok := w.Args["task"].(string); ok && w.Handler == "notify" {
			declare(t)
		}
	}

	specs, err := r.cfg.ScheduleSpecs()
	if err != nil {
		return err
	}
	for _, s := range specs {
		declare(s.Task)
		if _, err := r.orch.Submit(s); err != nil {
			return fmt.Errorf("schedule %s: %w", s.Name, err)
		}
	}
	return nil
}

func (r *runner) recordingTask(t TaskSpec) jobs.TaskFunc {
	return func(_ context.Context, _ *jobs.JobContext, payload record.Object) error {
		r.record(TraceEvent{Kind: KindTask, Name: t.Name, Payload: payload})
		if t.Fail {
			return fmt.Errorf("task %s failed", t.Name)
		}
		return nil
	}
}

func (r *runner) seed(ctx context.Context) error {
	if len(r.scenario.Seed) == 0 {
		return nil
	}
	muts := make([]record.Mutation, len(r.scenario.Seed))
	for i, spec := range r.scenario.Seed {
		e, err := spec.build(spec.Entity)
		if err != nil {
			return err
		}
		muts[i] = record.Mutation{Op: record.OpInsert, Entity: e}
	}

	s, err := r.backend.Begin(ctx)
	if err != nil {
		return err
	}
	if err := s.Apply(ctx, muts, persist.AllOrNothing); err != nil {
		_ = s.Rollback()
		return err
	}
	return s.Commit()
}

func (r *runner) runStep(ctx context.Context, step Step) error {
	switch step.kind() {
	case "dispatch":
		return r.dispatch(ctx, step)
	case "run_jobs":
		r.orch.RunPending(ctx)
		return nil
	case "advance":
		d, err := time.ParseDuration(step.Advance)
		if err != nil {
			return err
		}
		now := r.clock.Advance(d)
		fired := r.orch.Tick(ctx, now)
		r.record(TraceEvent{Kind: KindFiring, Payload: record.Object{"fired": record.Int(fired)}})
		r.orch.RunPending(ctx)
		return nil
	default:
		return errors.New("empty step")
	}
}

// dispatch builds the step's event, splits it into batches of at most
// engine.MaxBatchSize and dispatches them in order, stopping at the first
// failure. The expectation is checked against the last dispatch.
func (r *runner) dispatch(ctx context.Context, step Step) error {
	ev, err := r.buildEvent(ctx, step.Dispatch)
	if err != nil {
		return err
	}
	parts, err := engine.Split(ev, engine.MaxBatchSize)
	if err != nil {
		return err
	}

	var (
		res     *engine.Result
		dispErr error
	)
	for _, part := range parts {
		res, dispErr = r.disp.Dispatch(ctx, part)
		r.recordDispatch(part, res, dispErr)
		if dispErr != nil {
			break
		}
	}

	return checkExpect(step.Expect, res, dispErr)
}

func (r *runner) recordDispatch(ev engine.Event, res *engine.Result, err error) {
	te := TraceEvent{Kind: KindDispatch, EntityType: ev.EntityType, Op: string(ev.Op)}
	if res != nil {
		r.mu.Lock()
		r.res.dispatches = append(r.res.dispatches, res)
		r.mu.Unlock()
		usage := res.Usage
		te.Stages = res.Stages
		te.Committed = res.Committed
		te.Usage = &usage
	}
	if err != nil {
		te.Error = err.Error()
	}
	r.record(te)
}

func (r *runner) buildEvent(ctx context.Context, d *DispatchStep) (engine.Event, error) {
	if d.Op == record.OpInsert {
		entities := make([]record.Entity, len(d.Records))
		for i, spec := range d.Records {
			e, err := spec.build(d.Entity)
			if err != nil {
				return engine.Event{}, err
			}
			entities[i] = e
		}
		return engine.NewInsert(d.Entity, entities...)
	}

	stored, err := r.load(ctx, d.Entity, recordIDs(d.Records))
	if err != nil {
		return engine.Event{}, err
	}
	olds := make([]record.Entity, len(d.Records))
	for i, spec := range d.Records {
		e, ok := stored[spec.ID]
		if !ok {
			return engine.Event{}, fmt.Errorf("%s %s: %w", d.Entity, spec.ID, persist.ErrNotFound)
		}
		olds[i] = e
	}
	if d.Op == record.OpDelete {
		return engine.NewDelete(d.Entity, olds...)
	}

	news := make([]record.Entity, len(olds))
	for i, spec := range d.Records {
		fields, err := record.ObjectFromGo(spec.Fields)
		if err != nil {
			return engine.Event{}, fmt.Errorf("%s %s: %w", d.Entity, spec.ID, err)
		}
		e := olds[i].Clone()
		for _, k := range fields.SortedKeys() {
			e = e.With(k, fields[k])
		}
		for rel, id := range spec.Parents {
			e = e.WithParent(rel, id)
		}
		news[i] = e
	}
	return engine.NewUpdate(d.Entity, olds, news)
}

func recordIDs(specs []EntitySpec) []string {
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID
	}
	return ids
}

// load reads committed entities by ID through a read-only session.
func (r *runner) load(ctx context.Context, entityType string, ids []string) (map[string]record.Entity, error) {
	s, err := r.backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = s.Rollback() }()

	found, err := s.Query(ctx, query.Select{
		From:   entityType,
		Filter: query.In{Field: query.FieldID, Values: idValues(ids)},
	})
	if err != nil {
		return nil, err
	}
	out := make(map[string]record.Entity, len(found))
	for _, e := range found {
		out[e.ID] = e
	}
	return out, nil
}

// loadFinal reads every entity a final_state assertion refers to.
func (r *runner) loadFinal(ctx context.Context) error {
	wanted := make(map[string][]string)
	for _, a := range r.scenario.Assertions {
		if a.Type == AssertFinalState {
			wanted[a.Entity] = append(wanted[a.Entity], a.ID)
		}
	}
	for entityType, ids := range wanted {
		found, err := r.load(ctx, entityType, ids)
		if err != nil {
			return err
		}
		for id, e := range found {
			r.res.final[entityKey(entityType, id)] = e
		}
	}
	return nil
}

// checkExpect compares a dispatch outcome with the step's expectation. A
// step without one expects success.
func checkExpect(want *Expect, res *engine.Result, err error) error {
	if want == nil || !want.Fails {
		if err != nil {
			return fmt.Errorf("unexpected error: %w", err)
		}
		if want != nil && want.Committed != nil && res != nil && res.Committed != *want.Committed {
			return fmt.Errorf("expected committed=%t, got %t", *want.Committed, res.Committed)
		}
		return nil
	}

	if err == nil {
		return errors.New("expected dispatch to fail, but it succeeded")
	}
	var problems []string
	if want.Stage != "" {
		de, ok := engine.AsDispatchError(err)
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("expected failure at %s, got %v", want.Stage, err))
		case de.Stage != want.Stage:
			problems = append(problems, fmt.Sprintf("expected failure at %s, got %s", want.Stage, de.Stage))
		}
	}
	if want.Committed != nil && engine.Committed(err) != *want.Committed {
		problems = append(problems, fmt.Sprintf("expected committed=%t, got %t", *want.Committed, engine.Committed(err)))
	}
	if len(want.Rejected) > 0 {
		var ve *engine.ValidationError
		if !errors.As(err, &ve) {
			problems = append(problems, fmt.Sprintf("expected rejections %v, got %v", want.Rejected, err))
		} else {
			got := make([]string, len(ve.Rejections))
			for i, rej := range ve.Rejections {
				got[i] = rej.EntityID
			}
			if !slices.Equal(got, want.Rejected) {
				problems = append(problems, fmt.Sprintf("expected rejections %v, got %v", want.Rejected, got))
			}
		}
	}
	if want.Contains != "" && !strings.Contains(err.Error(), want.Contains) {
		problems = append(problems, fmt.Sprintf("expected error containing %q, got %q", want.Contains, err.Error()))
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
