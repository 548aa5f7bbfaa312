package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/roach88/govern/internal/bulk"
	"github.com/roach88/govern/internal/clock"
	"github.com/roach88/govern/internal/guard"
	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/metrics"
	"github.com/roach88/govern/internal/persist"
	"github.com/roach88/govern/internal/quota"
	"github.com/roach88/govern/internal/record"
	"github.com/roach88/govern/internal/uow"
)

var errNoOrchestrator = errors.New("dispatcher has no job orchestrator")

// Outcome is what happened to one stage of one dispatch.
type Outcome string

const (
	OutcomeRan     Outcome = "ran"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// StageRun is one entry of a dispatch trace.
type StageRun struct {
	Stage      Stage   `json:"stage" yaml:"stage"`
	EntityType string  `json:"entity_type" yaml:"entity_type"`
	Depth      int     `json:"depth" yaml:"depth"`
	Handlers   int     `json:"handlers" yaml:"handlers"`
	Outcome    Outcome `json:"outcome" yaml:"outcome"`
}

// Result describes a finished dispatch, including nested dispatches made
// by its handlers. It is returned whether or not Dispatch failed.
type Result struct {
	TxID      string
	UoWID     string
	Stages    []StageRun
	Usage     quota.Usage
	Committed bool
	Jobs      []jobs.Handle

	// PostCommitErrors holds PostCommit submissions the orchestrator
	// refused. They do not fail the dispatch: persistence was committed.
	PostCommitErrors []error
}

func (r *Result) begin(run StageRun) int {
	r.Stages = append(r.Stages, run)
	return len(r.Stages) - 1
}

func (r *Result) addJob(h jobs.Handle) { r.Jobs = append(r.Jobs, h) }

// Ran reports how many times stage ran for entityType.
func (r *Result) Ran(entityType string, stage Stage) int {
	n := 0
	for _, s := range r.Stages {
		if s.EntityType == entityType && s.Stage == stage && s.Outcome == OutcomeRan {
			n++
		}
	}
	return n
}

// Skipped reports how many times stage was skipped for entityType.
func (r *Result) Skipped(entityType string, stage Stage) int {
	n := 0
	for _, s := range r.Stages {
		if s.EntityType == entityType && s.Stage == stage && s.Outcome == OutcomeSkipped {
			n++
		}
	}
	return n
}

type route struct {
	entityType string
	stage      Stage
}

// Dispatcher routes Events through the stage pipeline
// BeforeValidate → BeforeMutate → Persist → AfterMutate → PostCommit.
//
// Each outermost Dispatch runs in a fresh logical transaction and a sync
// unit of work. Stages run strictly in order in the calling goroutine.
// Register handlers before dispatching; Register and Dispatch may be
// called concurrently, but a dispatch sees the handlers registered when
// each stage starts.
type Dispatcher struct {
	backend persist.Backend
	jobs    *jobs.Orchestrator
	clock   clock.Clock
	ids     uow.IDGenerator
	logger  *slog.Logger
	metrics *metrics.Metrics

	syncLimits   quota.Limits
	guardCeiling int

	mu         sync.RWMutex
	handlers   map[route][]Handler
	postCommit map[string][]string
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock sets the clock used for CPU charges.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithIDGenerator sets the transaction and unit-of-work ID source.
func WithIDGenerator(g uow.IDGenerator) Option {
	return func(d *Dispatcher) { d.ids = g }
}

// WithMetrics records guard skips and quota failures on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithSyncLimits sets the quota ceilings of dispatch units of work.
func WithSyncLimits(l quota.Limits) Option {
	return func(d *Dispatcher) { d.syncLimits = l }
}

// WithGuardCeiling sets how often one (entity type, stage) may run per
// transaction.
func WithGuardCeiling(n int) Option {
	return func(d *Dispatcher) { d.guardCeiling = n }
}

// WithOrchestrator enables job submission from handlers and PostCommit.
func WithOrchestrator(o *jobs.Orchestrator) Option {
	return func(d *Dispatcher) { d.jobs = o }
}

// New creates a Dispatcher persisting through backend.
func New(backend persist.Backend, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend:      backend,
		clock:        clock.System{},
		ids:          uow.UUIDv7Generator{},
		logger:       slog.Default(),
		syncLimits:   quota.DefaultSync(),
		guardCeiling: guard.DefaultCeiling,
		handlers:     make(map[route][]Handler),
		postCommit:   make(map[string][]string),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds h to (entityType, stage). Handlers of one stage run in
// registration order. Only BeforeValidate, BeforeMutate and AfterMutate
// take handlers.
func (d *Dispatcher) Register(entityType string, stage Stage, h Handler) error {
	if entityType == "" {
		return errors.New("register: empty entity type")
	}
	if !handlerStage(stage) {
		return fmt.Errorf("register %s: stage %q does not take handlers", entityType, stage)
	}
	if h == nil {
		return fmt.Errorf("register %s %s: nil handler", entityType, stage)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r := route{entityType, stage}
	d.handlers[r] = append(d.handlers[r], h)
	return nil
}

// OnPostCommit submits the registered task as a fire-and-forget job after
// every committed dispatch of entityType. The payload carries entity_type,
// operation, count and the comma-separated ids.
func (d *Dispatcher) OnPostCommit(entityType, task string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.postCommit[entityType] = append(d.postCommit[entityType], task)
}

func (d *Dispatcher) handlersFor(entityType string, stage Stage) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handlers[route{entityType, stage}]
}

func (d *Dispatcher) postCommitTasks(entityType string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.postCommit[entityType]
}

// Dispatch runs ev through every stage in a new transaction.
//
// A failure in BeforeValidate, BeforeMutate or Persist returns a
// *DispatchError with Committed=false: nothing was persisted and jobs
// submitted so far never run. A failure in AfterMutate returns
// Committed=true: the persisted changes stay. The Result is non-nil
// whenever ev is valid.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	tx := uow.NewTransaction(d.ids.Generate(), d.guardCeiling)
	defer tx.End()

	id := d.ids.Generate()
	logger := d.logger.With("tx_id", tx.ID(), "uow_id", id)
	u := uow.New(id, tx, d.backend, quota.New(quota.ModeSync, d.syncLimits), uow.WithLogger(logger))
	defer func() {
		_ = u.Close()
	}()

	res := &Result{TxID: tx.ID(), UoWID: id}
	err := d.dispatch(ctx, u, ev, 0, res)
	res.Usage = u.Tracker().Usage()

	if err != nil {
		logger.Warn("dispatch failed",
			"entity_type", ev.EntityType,
			"operation", string(ev.Op),
			"committed", res.Committed,
			"error", err)
	} else {
		logger.Debug("dispatch complete",
			"entity_type", ev.EntityType,
			"operation", string(ev.Op),
			"entities", ev.Len(),
			"queries", res.Usage.Queries,
			"mutations", res.Usage.Mutations)
	}
	return res, err
}

func (d *Dispatcher) nested(ctx context.Context, u *uow.UnitOfWork, ev Event, depth int, res *Result) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return d.dispatch(ctx, u, ev, depth, res)
}

// dispatch runs the state machine. Only the outermost call (depth 0)
// commits or rolls back u; nested calls leave that to it.
func (d *Dispatcher) dispatch(ctx context.Context, u *uow.UnitOfWork, ev Event, depth int, res *Result) error {
	outer := depth == 0
	fail := func(stage Stage, committed bool, err error) error {
		if outer && !committed {
			_ = u.Rollback()
		}
		return &DispatchError{
			EntityType: ev.EntityType,
			Op:         string(ev.Op),
			Stage:      stage,
			Committed:  committed,
			Err:        err,
		}
	}

	pending := ev.New
	for _, stage := range []Stage{BeforeValidate, BeforeMutate} {
		sc, err := d.runStage(ctx, u, ev, stage, pending, depth, res)
		if err != nil {
			return fail(stage, false, err)
		}
		if sc != nil {
			pending = sc.pending
		}
	}

	i := res.begin(StageRun{Stage: Persist, EntityType: ev.EntityType, Depth: depth})
	if err := d.write(ctx, u, ev, pending); err != nil {
		res.Stages[i].Outcome = OutcomeFailed
		return fail(Persist, false, err)
	}
	if outer {
		if err := u.Commit(); err != nil {
			res.Stages[i].Outcome = OutcomeFailed
			return fail(Persist, false, err)
		}
		res.Committed = true
	}
	res.Stages[i].Outcome = OutcomeRan

	after := ev
	if ev.Op != record.OpDelete {
		after.New = pending
	}
	_, afterErr := d.runStage(ctx, u, after, AfterMutate, pending, depth, res)
	if afterErr == nil && outer {
		afterErr = u.Commit()
	}
	if afterErr != nil && outer {
		_ = u.Rollback()
	}

	d.submitPostCommit(u, after, depth, res)

	if afterErr != nil {
		return fail(AfterMutate, outer, afterErr)
	}
	return nil
}

// runStage runs every handler of (ev.EntityType, stage). It returns a nil
// context when the stage has no handlers or was skipped by the guard.
func (d *Dispatcher) runStage(ctx context.Context, u *uow.UnitOfWork, ev Event, stage Stage, pending record.Snapshot, depth int, res *Result) (*StageContext, error) {
	hs := d.handlersFor(ev.EntityType, stage)
	if len(hs) == 0 {
		return nil, nil
	}

	i := res.begin(StageRun{Stage: stage, EntityType: ev.EntityType, Depth: depth, Handlers: len(hs)})
	if !u.Guard().Allow(ev.EntityType, string(stage)) {
		res.Stages[i].Outcome = OutcomeSkipped
		d.skip(u, ev.EntityType, stage, depth)
		return nil, nil
	}

	sc := &StageContext{
		Stage:   stage,
		UoW:     u,
		Bulk:    bulk.New(u),
		Logger:  u.Logger().With("entity_type", ev.EntityType, "stage", string(stage), "lifecycle", Lifecycle(stage, ev.Op)),
		d:       d,
		ev:      ev,
		pending: pending,
		depth:   depth,
		res:     res,
	}
	for _, h := range hs {
		if err := d.invoke(ctx, u, sc, h); err != nil {
			res.Stages[i].Outcome = OutcomeFailed
			return nil, err
		}
	}
	if len(sc.rejections) > 0 {
		res.Stages[i].Outcome = OutcomeFailed
		return nil, &ValidationError{EntityType: ev.EntityType, Rejections: sc.rejections}
	}
	res.Stages[i].Outcome = OutcomeRan
	return sc, nil
}

// invoke runs one handler and charges its elapsed time as CPU.
func (d *Dispatcher) invoke(ctx context.Context, u *uow.UnitOfWork, sc *StageContext, h Handler) error {
	start := d.clock.Now()
	err := protect(func() error { return h(ctx, sc) })
	if err == nil {
		err = u.Tracker().Charge(quota.CPUMillis, clock.Millis(d.clock, start))
	}
	if qe, ok := quota.AsExceeded(err); ok {
		d.metrics.QuotaExceeded(string(qe.Resource), string(qe.Mode))
	}
	return err
}

func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return fn()
}

func (d *Dispatcher) skip(u *uow.UnitOfWork, entityType string, stage Stage, depth int) {
	limit := &guard.RecursionLimitError{EntityType: entityType, Stage: string(stage), Ceiling: u.Guard().Ceiling()}
	u.Logger().Info("stage skipped",
		"event", "recursion_limit",
		"entity_type", entityType,
		"stage", string(stage),
		"depth", depth,
		"error", limit)
	d.metrics.StageSkipped(string(stage))
}

// write applies the event's changes in one all-or-nothing mutation. The
// persistence step itself is not charged against the quota.
func (d *Dispatcher) write(ctx context.Context, u *uow.UnitOfWork, ev Event, pending record.Snapshot) error {
	var muts []record.Mutation
	switch ev.Op {
	case record.OpInsert, record.OpUpdate:
		for _, e := range pending.Entities() {
			muts = append(muts, record.Mutation{Op: ev.Op, Entity: e})
		}
	case record.OpDelete:
		for _, e := range ev.Old.Entities() {
			muts = append(muts, record.Mutation{Op: record.OpDelete, Entity: e})
		}
	}
	s, err := u.Session(ctx)
	if err != nil {
		return err
	}
	return s.Apply(ctx, muts, persist.AllOrNothing)
}

// submitPostCommit hands PostCommit tasks to the orchestrator. From the
// outermost dispatch they are submitted directly, persistence being
// committed already; from a nested one they are provisional on the
// enclosing unit of work.
func (d *Dispatcher) submitPostCommit(u *uow.UnitOfWork, ev Event, depth int, res *Result) {
	tasks := d.postCommitTasks(ev.EntityType)
	if len(tasks) == 0 {
		return
	}

	i := res.begin(StageRun{Stage: PostCommit, EntityType: ev.EntityType, Depth: depth, Handlers: len(tasks)})
	if d.jobs == nil {
		res.Stages[i].Outcome = OutcomeFailed
		res.PostCommitErrors = append(res.PostCommitErrors, errNoOrchestrator)
		return
	}
	if !u.Guard().Allow(ev.EntityType, string(PostCommit)) {
		res.Stages[i].Outcome = OutcomeSkipped
		d.skip(u, ev.EntityType, PostCommit, depth)
		return
	}

	entities := ev.Entities()
	ids := make([]string, len(entities))
	for j, e := range entities {
		ids[j] = e.ID
	}
	payload := record.Object{
		"entity_type": record.String(ev.EntityType),
		"operation":   record.String(ev.Op),
		"count":       record.Int(len(ids)),
		"ids":         record.String(strings.Join(ids, ",")),
	}

	res.Stages[i].Outcome = OutcomeRan
	for _, task := range tasks {
		spec := jobs.Task{Name: task, Payload: payload}
		var h jobs.Handle
		var err error
		if depth == 0 {
			h, err = d.jobs.Submit(spec)
		} else {
			h, err = d.jobs.SubmitWithin(u, spec)
		}
		if err != nil {
			res.Stages[i].Outcome = OutcomeFailed
			res.PostCommitErrors = append(res.PostCommitErrors, err)
			u.Logger().Error("post-commit submission refused",
				"event", "post_commit_refused",
				"entity_type", ev.EntityType,
				"task", task,
				"error", err)
			continue
		}
		res.addJob(h)
	}
}
