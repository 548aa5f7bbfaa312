package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	cronlib "github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/roach88/govern/internal/bulk"
	"github.com/roach88/govern/internal/clock"
	"github.com/roach88/govern/internal/guard"
	"github.com/roach88/govern/internal/metrics"
	"github.com/roach88/govern/internal/persist"
	"github.com/roach88/govern/internal/quota"
	"github.com/roach88/govern/internal/record"
	"github.com/roach88/govern/internal/uow"
)

const (
	// DefaultMaxActiveBatches is the number of chunked-batch jobs that may
	// execute concurrently.
	DefaultMaxActiveBatches = 5
	// DefaultMaxQueuedBatches is the number of chunked-batch jobs that may
	// wait for a slot.
	DefaultMaxQueuedBatches = 100
	// DefaultSubmitRate and DefaultSubmitBurst rate-limit submissions of the
	// strategies without a fixed slot count.
	DefaultSubmitRate  = 50
	DefaultSubmitBurst = 100
	// DefaultChunkTries is how many times a conflicting chunk is attempted.
	DefaultChunkTries = 3
)

// entry is the orchestrator's mutable record of one job. All fields are
// guarded by Orchestrator.mu.
type entry struct {
	id          string
	name        string
	strategy    Strategy
	spec        Spec
	payload     record.Object
	parent      string
	depth       int
	submittedBy string

	state     State
	released  bool
	cancelled bool
	err       error
	cancel    context.CancelFunc

	chunkCursor int
	cursor      string
	acc         any
	summary     *Summary

	cron     string
	schedule cronlib.Schedule
	firings  int
	nextRun  time.Time

	submittedAt time.Time
	startedAt   time.Time
	finishedAt  time.Time
	done        chan struct{}
}

func (e *entry) snapshot() Job {
	j := Job{
		ID:          e.id,
		Name:        e.name,
		Strategy:    e.strategy,
		State:       e.state,
		Payload:     e.payload,
		ParentID:    e.parent,
		Depth:       e.depth,
		SubmittedBy: e.submittedBy,
		ChunkCursor: e.chunkCursor,
		Cursor:      e.cursor,
		Accumulator: e.acc,
		Cron:        e.cron,
		Firings:     e.firings,
		NextRun:     e.nextRun,
		Cancelled:   e.cancelled,
		Err:         e.err,
		SubmittedAt: e.submittedAt,
		StartedAt:   e.startedAt,
		FinishedAt:  e.finishedAt,
	}
	if e.summary != nil {
		s := *e.summary
		j.Summary = &s
	}
	if e.err != nil {
		j.Error = e.err.Error()
	}
	return j
}

// Orchestrator accepts job submissions and executes them, each invocation
// in its own async unit of work.
//
// Submissions made inside a unit of work are provisional: the job becomes
// runnable only when that unit of work commits, and fails with
// ErrSubmitterAborted without running if it rolls back.
//
// Jobs execute either on a background loop (Run) or synchronously in the
// caller (RunPending). Use one or the other for a given orchestrator.
type Orchestrator struct {
	backend persist.Backend
	clock   clock.Clock
	ids     uow.IDGenerator
	logger  *slog.Logger
	metrics *metrics.Metrics
	ledger  Ledger

	asyncLimits   quota.Limits
	guardCeiling  int
	maxActive     int
	maxQueued     int
	maxChainDepth int
	chunkSize     int
	chunkTries    uint
	newBackOff    func() backoff.BackOff
	limiter       *rate.Limiter
	tickInterval  time.Duration

	mu          sync.Mutex
	tasks       map[string]TaskFunc
	jobs        map[string]*entry
	order       []string
	schedules   []*entry
	waiting     []*entry
	activeBatch int
	closed      bool

	ready *readyQueue
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithClock sets the clock used for timestamps, CPU charges and schedules.
func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithIDGenerator sets the job and unit-of-work ID source.
func WithIDGenerator(g uow.IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// WithMetrics records job outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLedger records terminal jobs on l.
//
// Record runs on the goroutine that finished the job, which may be a task
// holding an open session (Cancel of a pending job, for one). A ledger that
// shares a connection with the backend must not block there; store.Store
// buffers such records until the session ends.
func WithLedger(l Ledger) Option {
	return func(o *Orchestrator) { o.ledger = l }
}

// WithAsyncLimits sets the quota ceilings of job units of work.
func WithAsyncLimits(l quota.Limits) Option {
	return func(o *Orchestrator) { o.asyncLimits = l }
}

// WithGuardCeiling sets the recursion-guard ceiling of job transactions.
func WithGuardCeiling(n int) Option {
	return func(o *Orchestrator) { o.guardCeiling = n }
}

// WithBatchLimits sets the active and queued chunked-batch capacity.
func WithBatchLimits(active, queued int) Option {
	return func(o *Orchestrator) {
		o.maxActive = active
		o.maxQueued = queued
	}
}

// WithMaxChainDepth bounds how many successors a chain may grow.
// 0 means unbounded.
func WithMaxChainDepth(n int) Option {
	return func(o *Orchestrator) { o.maxChainDepth = n }
}

// WithChunkSize sets the default batch chunk size.
func WithChunkSize(n int) Option {
	return func(o *Orchestrator) { o.chunkSize = n }
}

// WithChunkRetry sets how often a conflicting chunk is attempted and the
// backoff between attempts.
func WithChunkRetry(tries uint, newBackOff func() backoff.BackOff) Option {
	return func(o *Orchestrator) {
		o.chunkTries = tries
		if newBackOff != nil {
			o.newBackOff = newBackOff
		}
	}
}

// WithSubmitRate sets the submission rate limit. rate.Inf disables it.
func WithSubmitRate(r rate.Limit, burst int) Option {
	return func(o *Orchestrator) { o.limiter = rate.NewLimiter(r, burst) }
}

// WithTickInterval sets how often Run checks schedules.
func WithTickInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.tickInterval = d }
}

// New creates an Orchestrator running jobs against backend.
func New(backend persist.Backend, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend:      backend,
		clock:        clock.System{},
		ids:          uow.UUIDv7Generator{},
		logger:       slog.Default(),
		asyncLimits:  quota.DefaultAsync(),
		guardCeiling: guard.DefaultCeiling,
		maxActive:    DefaultMaxActiveBatches,
		maxQueued:    DefaultMaxQueuedBatches,
		chunkSize:    bulk.DefaultChunkSize,
		chunkTries:   DefaultChunkTries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
		limiter:      rate.NewLimiter(rate.Limit(DefaultSubmitRate), DefaultSubmitBurst),
		tickInterval: time.Second,
		tasks:        make(map[string]TaskFunc),
		jobs:         make(map[string]*entry),
		ready:        newReadyQueue(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterTask registers a named task for fire-and-forget and scheduled
// jobs. Registering a name twice replaces the earlier function.
func (o *Orchestrator) RegisterTask(name string, fn TaskFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tasks[name] = fn
}

// Submit accepts a job outside any unit of work. It is runnable at once.
func (o *Orchestrator) Submit(spec Spec) (Handle, error) {
	return o.submit(spec, nil, "", 0)
}

// SubmitWithin accepts a job provisionally on u: it becomes runnable when
// u commits and never runs if u rolls back.
func (o *Orchestrator) SubmitWithin(u *uow.UnitOfWork, spec Spec) (Handle, error) {
	return o.submit(spec, u, "", 0)
}

func (o *Orchestrator) submit(spec Spec, u *uow.UnitOfWork, parent string, depth int) (Handle, error) {
	refuse := func(reason SubmissionReason, detail string) (Handle, error) {
		return Handle{}, &SubmissionError{Reason: reason, Strategy: spec.Strategy(), Name: spec.JobName(), Detail: detail}
	}

	e := &entry{
		name:        spec.JobName(),
		strategy:    spec.Strategy(),
		spec:        spec,
		parent:      parent,
		depth:       depth,
		state:       StatePending,
		submittedAt: o.clock.Now(),
		done:        make(chan struct{}),
	}
	if u != nil {
		e.submittedBy = u.ID()
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return refuse(ReasonClosed, "")
	}

	switch s := spec.(type) {
	case Task:
		if _, ok := o.tasks[s.Name]; !ok {
			o.mu.Unlock()
			return refuse(ReasonUnknownTask, "")
		}
		if err := primitivePayload(s.Payload); err != nil {
			o.mu.Unlock()
			return refuse(ReasonInvalidPayload, err.Error())
		}
		e.payload = s.Payload.Clone()
	case Chain:
		if s.Work == nil {
			o.mu.Unlock()
			return refuse(ReasonInvalidPayload, "chain work is nil")
		}
		if o.maxChainDepth > 0 && depth > o.maxChainDepth {
			o.mu.Unlock()
			return refuse(ReasonChainDepthExceeded, fmt.Sprintf("depth %d > %d", depth, o.maxChainDepth))
		}
	case Batch:
		if s.Work == nil {
			o.mu.Unlock()
			return refuse(ReasonInvalidPayload, "batch work is nil")
		}
		if s.ChunkSize > bulk.MaxChunkSize {
			o.mu.Unlock()
			return refuse(ReasonInvalidPayload, fmt.Sprintf("chunk size %d exceeds %d", s.ChunkSize, bulk.MaxChunkSize))
		}
		if n := o.outstandingBatches(); n >= o.maxActive+o.maxQueued {
			o.mu.Unlock()
			return refuse(ReasonQueueDepthExceeded, fmt.Sprintf("%d active, %d queued", o.maxActive, o.maxQueued))
		}
		e.acc = s.Accumulator
	case Schedule:
		sched, err := ParseCron(s.Cron)
		if err != nil {
			o.mu.Unlock()
			return refuse(ReasonInvalidSchedule, err.Error())
		}
		if _, ok := o.tasks[s.Task]; !ok {
			o.mu.Unlock()
			return refuse(ReasonUnknownTask, s.Task)
		}
		if err := primitivePayload(s.Payload); err != nil {
			o.mu.Unlock()
			return refuse(ReasonInvalidPayload, err.Error())
		}
		e.cron = s.Cron
		e.schedule = sched
		e.payload = s.Payload.Clone()
	case firing:
		e.payload = s.payload
	default:
		o.mu.Unlock()
		return refuse(ReasonInvalidPayload, fmt.Sprintf("unsupported spec %T", spec))
	}

	_, internal := spec.(firing)
	if spec.Strategy() != ChunkedBatch && !internal && !o.limiter.Allow() {
		o.mu.Unlock()
		return refuse(ReasonRateLimited, "")
	}

	e.id = o.ids.Generate()
	o.jobs[e.id] = e
	o.order = append(o.order, e.id)
	o.mu.Unlock()

	o.logger.Debug("job submitted",
		"job_id", e.id,
		"job_name", e.name,
		"strategy", string(e.strategy),
		"provisional", u != nil)

	if u != nil {
		u.Defer(func() { o.release(e) }, func() { o.abort(e) })
	} else {
		o.release(e)
	}
	return Handle{ID: e.id, Strategy: e.strategy}, nil
}

func primitivePayload(p record.Object) error {
	for _, k := range p.SortedKeys() {
		if !record.IsPrimitive(p[k]) {
			return fmt.Errorf("payload field %q is not a primitive value", k)
		}
	}
	return nil
}

// outstandingBatches counts chunked-batch jobs not yet terminal, including
// provisional ones. Caller holds o.mu.
func (o *Orchestrator) outstandingBatches() int {
	n := 0
	for _, e := range o.jobs {
		if e.strategy == ChunkedBatch && !e.state.Terminal() {
			n++
		}
	}
	return n
}

// release makes a committed job runnable.
func (o *Orchestrator) release(e *entry) {
	o.mu.Lock()
	if e.state.Terminal() {
		o.mu.Unlock()
		return
	}
	e.released = true
	if _, ok := e.spec.(Schedule); ok {
		e.state = StateRunning
		e.startedAt = o.clock.Now()
		e.nextRun = e.schedule.Next(e.startedAt)
		o.schedules = append(o.schedules, e)
		o.mu.Unlock()
		o.logger.Info("schedule active", "job_id", e.id, "cron", e.cron, "next_run", e.nextRun)
		return
	}
	o.mu.Unlock()

	if !o.ready.Enqueue(e) {
		o.complete(e, StateFailed, ErrStopped)
	}
}

// abort fails a provisional job whose submitter rolled back.
func (o *Orchestrator) abort(e *entry) {
	o.logger.Info("job discarded",
		"event", "submitter_aborted",
		"job_id", e.id,
		"strategy", string(e.strategy))
	o.complete(e, StateFailed, ErrSubmitterAborted)
}

// complete moves e to a terminal state exactly once.
func (o *Orchestrator) complete(e *entry, state State, err error) {
	o.mu.Lock()
	if e.state.Terminal() {
		o.mu.Unlock()
		return
	}
	e.state = state
	e.err = err
	e.finishedAt = o.clock.Now()
	e.cancel = nil
	snap := e.snapshot()
	close(e.done)
	o.mu.Unlock()

	o.metrics.JobFinished(string(snap.Strategy), string(snap.State))
	if err != nil {
		o.logger.Error("job failed",
			"job_id", snap.ID,
			"job_name", snap.Name,
			"strategy", string(snap.Strategy),
			"error", err)
	} else {
		o.logger.Info("job succeeded",
			"job_id", snap.ID,
			"job_name", snap.Name,
			"strategy", string(snap.Strategy))
	}
	if o.ledger != nil {
		if lerr := o.ledger.Record(context.Background(), snap); lerr != nil {
			o.logger.Warn("ledger record failed", "job_id", snap.ID, "error", lerr)
		}
	}
}

// admit decides whether a dequeued entry may start now. Chunked-batch jobs
// over the active slot count wait in FIFO order.
func (o *Orchestrator) admit(e *entry) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e.state.Terminal() {
		return false
	}
	if e.strategy != ChunkedBatch {
		return true
	}
	if o.activeBatch >= o.maxActive {
		o.waiting = append(o.waiting, e)
		return false
	}
	o.activeBatch++
	o.metrics.BatchStarted()
	return true
}

// vacate frees a batch slot and promotes the next waiting batch.
func (o *Orchestrator) vacate() {
	o.mu.Lock()
	o.activeBatch--
	o.metrics.BatchStopped()
	var next *entry
	for len(o.waiting) > 0 && next == nil {
		cand := o.waiting[0]
		o.waiting = o.waiting[1:]
		if !cand.state.Terminal() {
			next = cand
		}
	}
	o.mu.Unlock()

	if next != nil && !o.ready.Enqueue(next) {
		o.complete(next, StateFailed, ErrStopped)
	}
}

// RunPending executes every runnable job in the calling goroutine, including
// jobs that become runnable while it runs, and returns how many ran.
func (o *Orchestrator) RunPending(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		e, ok := o.ready.TryDequeue()
		if !ok {
			return n
		}
		if !o.admit(e) {
			continue
		}
		o.execute(ctx, e)
		n++
	}
	return n
}

// Run executes jobs as they become runnable and fires schedules on every
// tick, until ctx is cancelled or Close is called. Independent jobs run
// concurrently; chunked-batch jobs are bounded by the active slot count.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			if e, ok := o.ready.TryDequeue(); ok {
				if o.admit(e) {
					g.Go(func() error {
						o.execute(gctx, e)
						return nil
					})
				}
				continue
			}
			select {
			case <-gctx.Done():
				return nil
			case _, open := <-o.ready.Wait():
				if !open && o.ready.Len() == 0 {
					return nil
				}
			}
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(o.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if o.isClosed() {
					return nil
				}
				o.Tick(gctx, o.clock.Now())
			}
		}
	})

	o.logger.Info("orchestrator running",
		"max_active_batches", o.maxActive,
		"max_queued_batches", o.maxQueued,
		"tick_interval", o.tickInterval)
	return g.Wait()
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Status returns a snapshot of job id.
func (o *Orchestrator) Status(id string) (Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return e.snapshot(), nil
}

// Jobs returns snapshots of every job in submission order.
func (o *Orchestrator) Jobs() []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Job, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.jobs[id].snapshot())
	}
	return out
}

// Wait blocks until job id is terminal and returns its final snapshot.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Job, error) {
	o.mu.Lock()
	e, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	select {
	case <-ctx.Done():
		return Job{}, ctx.Err()
	case <-e.done:
		return o.Status(id)
	}
}

// Cancel requests cancellation of job id.
//
// A job that has not started fails with ErrCancelled and never runs. A
// running chunked-batch job stops producing chunks and still runs Finish
// with Summary.Cancelled set. A running task or chain has its context
// cancelled. An active schedule stops firing and succeeds. Cancelling a
// terminal job is a no-op.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	e, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if e.state.Terminal() {
		o.mu.Unlock()
		return nil
	}
	e.cancelled = true

	switch {
	case e.strategy == Scheduled && e.schedule != nil && e.state == StateRunning:
		o.dropSchedule(e)
		o.mu.Unlock()
		o.complete(e, StateSucceeded, nil)
	case e.state == StatePending:
		o.mu.Unlock()
		o.complete(e, StateFailed, ErrCancelled)
	default:
		cancel := e.cancel
		batch := e.strategy == ChunkedBatch
		o.mu.Unlock()
		if !batch && cancel != nil {
			cancel()
		}
	}
	o.logger.Info("job cancel requested", "job_id", id)
	return nil
}

func (o *Orchestrator) dropSchedule(e *entry) {
	for i, s := range o.schedules {
		if s == e {
			o.schedules = append(o.schedules[:i], o.schedules[i+1:]...)
			return
		}
	}
}

// Drain waits until every committed job other than active schedules is
// terminal, including successors enqueued while draining.
func (o *Orchestrator) Drain(ctx context.Context) error {
	for {
		o.mu.Lock()
		var waits []chan struct{}
		for _, e := range o.jobs {
			if e.released && !e.state.Terminal() && e.schedule == nil {
				waits = append(waits, e.done)
			}
		}
		o.mu.Unlock()
		if len(waits) == 0 {
			return nil
		}
		for _, ch := range waits {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
			}
		}
	}
}

// Close stops accepting submissions. Runnable jobs that have not started
// fail with ErrStopped and active schedules stop.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	schedules := o.schedules
	waiting := o.waiting
	o.schedules = nil
	o.waiting = nil
	o.mu.Unlock()

	for _, e := range o.ready.Close() {
		o.complete(e, StateFailed, ErrStopped)
	}
	for _, e := range waiting {
		o.complete(e, StateFailed, ErrStopped)
	}
	for _, e := range schedules {
		o.complete(e, StateSucceeded, nil)
	}
}
