package jobs

import (
	"context"
	"time"

	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/record"
)

// Strategy is the execution strategy of a job.
type Strategy string

const (
	FireAndForget Strategy = "fire_and_forget"
	Chainable     Strategy = "chainable"
	ChunkedBatch  Strategy = "chunked_batch"
	Scheduled     Strategy = "scheduled"
)

// State is a job's lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether s is succeeded or failed.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Spec describes work to submit. The set of specs is closed: Task, Chain,
// Batch and Schedule. The orchestrator selects behavior with a single type
// switch over them.
type Spec interface {
	Strategy() Strategy
	JobName() string
}

// Task is a fire-and-forget job: a registered task function invoked once
// with primitive arguments.
type Task struct {
	Name    string
	Payload record.Object
}

func (Task) Strategy() Strategy { return FireAndForget }
func (t Task) JobName() string { return t.Name }

// Chain is a chainable queued job carrying one opaque stateful object.
// Work may enqueue a single successor on completion.
type Chain struct {
	Name string
	Work Queueable
}

func (Chain) Strategy() Strategy { return Chainable }
func (c Chain) JobName() string { return c.Name }

// Batch is a chunked-batch job. Work.Start produces the query to scan,
// Work.Execute runs once per chunk, Work.Finish once at the end.
// Accumulator seeds the state carried across chunks. Every chunk attempt
// works on a copy; a reference-typed accumulator (map, slice, pointer) that
// Execute changes in place must implement Cloner, or a failed chunk's
// changes survive.
type Batch struct {
	Name        string
	Work        Batchable
	ChunkSize   int
	Accumulator any
}

func (Batch) Strategy() Strategy { return ChunkedBatch }

// Cloner is implemented by accumulators that need a deep copy before each
// chunk attempt.
type Cloner interface {
	Clone() any
}

func cloneAccumulator(v any) any {
	if c, ok := v.(Cloner); ok {
		return c.Clone()
	}
	return v
}
func (b Batch) JobName() string { return b.Name }

// Schedule is a scheduled-recurring job. Every firing of Cron submits an
// independent job running Task with Payload.
type Schedule struct {
	Name    string
	Cron    string
	Task    string
	Payload record.Object
}

func (Schedule) Strategy() Strategy { return Scheduled }
func (s Schedule) JobName() string { return s.Name }

// firing is one instance of a Schedule.
type firing struct {
	schedule string
	task     string
	payload  record.Object
}

func (firing) Strategy() Strategy { return Scheduled }
func (f firing) JobName() string { return f.task }

// TaskFunc implements a named fire-and-forget or scheduled task.
type TaskFunc func(ctx context.Context, jc *JobContext, payload record.Object) error

// Queueable is the work object of a chainable job.
type Queueable interface {
	Execute(ctx context.Context, jc *JobContext) error
}

// QueueableFunc adapts a function to Queueable.
type QueueableFunc func(ctx context.Context, jc *JobContext) error

func (f QueueableFunc) Execute(ctx context.Context, jc *JobContext) error { return f(ctx, jc) }

// Batchable is the work object of a chunked-batch job.
//
// Start, every Execute and Finish each run in a fresh async unit of work.
// Only the accumulator (see Accumulate) and the chunk cursor survive from
// one call to the next. Execute calls for one job never overlap.
type Batchable interface {
	Start(ctx context.Context, jc *JobContext) (query.Select, error)
	Execute(ctx context.Context, jc *JobContext, chunk []record.Entity) error
	Finish(ctx context.Context, jc *JobContext, summary Summary) error
}

// Summary is handed to Batchable.Finish and kept on the job.
type Summary struct {
	Chunks      int            `json:"chunks"`
	Records     int64          `json:"records"`
	Failed      []ChunkFailure `json:"failed,omitempty"`
	Cancelled   bool           `json:"cancelled"`
	Accumulator any            `json:"accumulator,omitempty"`
}

// ChunkFailure records a chunk whose unit of work failed after retries.
// Its contribution to the accumulator was discarded.
type ChunkFailure struct {
	Index    int    `json:"index"`
	After    string `json:"after"`
	Attempts int    `json:"attempts"`
	Err      error  `json:"-"`
	Reason   string `json:"reason"`
}

// Handle identifies a submitted job.
type Handle struct {
	ID       string
	Strategy Strategy
}

// Job is a point-in-time copy of a job's state.
type Job struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Strategy    Strategy      `json:"strategy"`
	State       State         `json:"state"`
	Payload     record.Object `json:"payload,omitempty"`
	ParentID    string        `json:"parent_id,omitempty"`
	Depth       int           `json:"depth"`
	SubmittedBy string        `json:"submitted_by,omitempty"`

	// Chunked-batch progress.
	ChunkCursor int      `json:"chunk_cursor"`
	Cursor      string   `json:"cursor,omitempty"`
	Accumulator any      `json:"accumulator,omitempty"`
	Summary     *Summary `json:"summary,omitempty"`

	// Scheduled definitions.
	Cron    string    `json:"cron,omitempty"`
	Firings int       `json:"firings,omitempty"`
	NextRun time.Time `json:"next_run,omitzero"`

	Cancelled   bool      `json:"cancelled"`
	Err         error     `json:"-"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}
