package harness

import (
	"github.com/roach88/govern/internal/engine"
	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/quota"
	"github.com/roach88/govern/internal/record"
)

// Trace event kinds.
const (
	KindDispatch = "dispatch"
	KindJob      = "job"
	KindTask     = "task"
	KindFiring   = "firing"
)

// TraceEvent is one observable effect of a scenario step. Only the fields
// of its Kind are set.
type TraceEvent struct {
	Kind string `json:"kind"`
	Step int    `json:"step"`

	// Dispatch.
	EntityType string            `json:"entity_type,omitempty"`
	Op         string            `json:"op,omitempty"`
	Stages     []engine.StageRun `json:"stages,omitempty"`
	Committed  bool              `json:"committed,omitempty"`
	Usage      *quota.Usage      `json:"usage,omitempty"`
	Error      string            `json:"error,omitempty"`

	// Job, task and firing.
	Name     string        `json:"name,omitempty"`
	Strategy jobs.Strategy `json:"strategy,omitempty"`
	State    jobs.State    `json:"state,omitempty"`
	Payload  record.Object `json:"payload,omitempty"`
	Summary  *jobs.Summary `json:"summary,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Name is the scenario name.
	Name string `json:"name"`

	// Pass indicates overall success: every step expectation and every
	// assertion held.
	Pass bool `json:"pass"`

	// Trace contains every dispatch, terminal job and task run in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failure messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	dispatches []*engine.Result
	final      map[string]record.Entity
}

// NewResult creates a new passing result.
func NewResult(name string) *Result {
	return &Result{
		Name:   name,
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		final:  make(map[string]record.Entity),
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}

func entityKey(entityType, id string) string {
	return entityType + "/" + id
}
