package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/govern/internal/engine"
	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/quota"
	"github.com/roach88/govern/internal/record"
)

// Assertion types.
const (
	AssertStageCount = "stage_count"
	AssertJobCount   = "job_count"
	AssertTaskCount  = "task_count"
	AssertTaskOrder  = "task_order"
	AssertFinalState = "final_state"
	AssertUsage      = "usage"
)

// Assertion is a check over the trace or the final state.
//
//   - stage_count: stage runs matching entity, stage and outcome (default
//     "ran") across every dispatch, nested ones included
//   - job_count: terminal jobs matching name, strategy and state
//   - task_count: runs of a recording or catalog task
//   - task_order: task runs appear in the given order (not necessarily
//     adjacent)
//   - final_state: the stored entity holds expect (subset match), or is
//     absent
//   - usage: a resource's consumption in the dispatch of step equals count
//     or is at most at_most
type Assertion struct {
	Type string `yaml:"type"`

	Entity  string         `yaml:"entity,omitempty"`
	Stage   engine.Stage   `yaml:"stage,omitempty"`
	Outcome engine.Outcome `yaml:"outcome,omitempty"`

	Name     string        `yaml:"name,omitempty"`
	Strategy jobs.Strategy `yaml:"strategy,omitempty"`
	State    jobs.State    `yaml:"state,omitempty"`

	Task  string   `yaml:"task,omitempty"`
	Tasks []string `yaml:"tasks,omitempty"`

	ID     string         `yaml:"id,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`
	Absent bool           `yaml:"absent,omitempty"`

	Step     *int           `yaml:"step,omitempty"`
	Resource quota.Resource `yaml:"resource,omitempty"`
	AtMost   *int64         `yaml:"at_most,omitempty"`

	Count *int `yaml:"count,omitempty"`
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion %s failed: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

func validateAssertion(index int, a *Assertion) error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("assertions[%d] (%s): %s", index, a.Type, fmt.Sprintf(format, args...))
	}
	switch a.Type {
	case AssertStageCount:
		if a.Stage == "" || a.Count == nil {
			return fail("stage and count are required")
		}
		if !slices.Contains(engine.Stages, a.Stage) {
			return fail("unknown stage %q", a.Stage)
		}
		switch a.Outcome {
		case "", engine.OutcomeRan, engine.OutcomeSkipped, engine.OutcomeFailed:
		default:
			return fail("unknown outcome %q", a.Outcome)
		}
	case AssertJobCount:
		if a.Count == nil {
			return fail("count is required")
		}
	case AssertTaskCount:
		if a.Task == "" || a.Count == nil {
			return fail("task and count are required")
		}
	case AssertTaskOrder:
		if len(a.Tasks) < 2 {
			return fail("at least two tasks are required")
		}
	case AssertFinalState:
		if a.Entity == "" || a.ID == "" {
			return fail("entity and id are required")
		}
		if a.Absent == (len(a.Expect) > 0) {
			return fail("exactly one of expect or absent is required")
		}
	case AssertUsage:
		if a.Step == nil || a.Resource == "" {
			return fail("step and resource are required")
		}
		if !slices.Contains(quota.Resources, a.Resource) {
			return fail("unknown resource %q", a.Resource)
		}
		if (a.Count == nil) == (a.AtMost == nil) {
			return fail("exactly one of count or at_most is required")
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown type %q", index, a.Type)
	}
	return nil
}

// EvaluateAssertions checks every assertion against res and returns one
// message per failure.
func EvaluateAssertions(res *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := evaluate(res, a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func evaluate(res *Result, a Assertion) error {
	switch a.Type {
	case AssertStageCount:
		return assertStageCount(res, a)
	case AssertJobCount:
		return assertJobCount(res, a)
	case AssertTaskCount:
		return assertTaskCount(res, a)
	case AssertTaskOrder:
		return assertTaskOrder(res, a)
	case AssertFinalState:
		return assertFinalState(res, a)
	case AssertUsage:
		return assertUsage(res, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertStageCount(res *Result, a Assertion) error {
	outcome := a.Outcome
	if outcome == "" {
		outcome = engine.OutcomeRan
	}
	count := 0
	for _, d := range res.dispatches {
		for _, run := range d.Stages {
			if run.Stage == a.Stage && run.Outcome == outcome && (a.Entity == "" || run.EntityType == a.Entity) {
				count++
			}
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d %s runs of %s%s", *a.Count, outcome, a.Stage, entitySuffix(a.Entity)),
			Actual:   fmt.Sprintf("%d", count),
		}
	}
	return nil
}

func entitySuffix(entityType string) string {
	if entityType == "" {
		return ""
	}
	return " on " + entityType
}

func assertJobCount(res *Result, a Assertion) error {
	count := 0
	for _, ev := range res.Trace {
		if ev.Kind != KindJob {
			continue
		}
		if (a.Name == "" || ev.Name == a.Name) &&
			(a.Strategy == "" || ev.Strategy == a.Strategy) &&
			(a.State == "" || ev.State == a.State) {
			count++
		}
	}
	if count != *a.Count {
		var filter []string
		for _, kv := range [][2]string{{"name", a.Name}, {"strategy", string(a.Strategy)}, {"state", string(a.State)}} {
			if kv[1] != "" {
				filter = append(filter, kv[0]+"="+kv[1])
			}
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d jobs matching [%s]", *a.Count, strings.Join(filter, " ")),
			Actual:   fmt.Sprintf("%d", count),
		}
	}
	return nil
}

func taskRuns(res *Result) []string {
	var names []string
	for _, ev := range res.Trace {
		if ev.Kind == KindTask {
			names = append(names, ev.Name)
		}
	}
	return names
}

func assertTaskCount(res *Result, a Assertion) error {
	count := 0
	for _, name := range taskRuns(res) {
		if name == a.Task {
			count++
		}
	}
	if count != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d runs of %s", *a.Count, a.Task),
			Actual:   fmt.Sprintf("%d", count),
		}
	}
	return nil
}

func assertTaskOrder(res *Result, a Assertion) error {
	runs := taskRuns(res)
	pos := 0
	for _, want := range a.Tasks {
		i := slices.Index(runs[pos:], want)
		if i < 0 {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("tasks in order %v", a.Tasks),
				Actual:   fmt.Sprintf("%s missing after position %d in %v", want, pos, runs),
			}
		}
		pos += i + 1
	}
	return nil
}

func assertFinalState(res *Result, a Assertion) error {
	e, found := res.final[entityKey(a.Entity, a.ID)]
	if a.Absent {
		if found {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s %s absent", a.Entity, a.ID), Actual: "present"}
		}
		return nil
	}
	if !found {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s %s present", a.Entity, a.ID), Actual: "not found"}
	}

	want, err := record.ObjectFromGo(a.Expect)
	if err != nil {
		return fmt.Errorf("expect: %w", err)
	}
	for _, field := range want.SortedKeys() {
		got := e.Get(field)
		if !record.Equal(got, want[field]) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s %s field %q = %v", a.Entity, a.ID, field, record.ToGo(want[field])),
				Actual:   fmt.Sprintf("%v", record.ToGo(got)),
			}
		}
	}
	return nil
}

func assertUsage(res *Result, a Assertion) error {
	var usage *quota.Usage
	for _, ev := range res.Trace {
		if ev.Kind == KindDispatch && ev.Step == *a.Step && ev.Usage != nil {
			usage = ev.Usage
		}
	}
	if usage == nil {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("a dispatch in step %d", *a.Step), Actual: "none"}
	}

	got := usage.Get(a.Resource)
	switch {
	case a.Count != nil && got != int64(*a.Count):
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s = %d in step %d", a.Resource, *a.Count, *a.Step),
			Actual:   fmt.Sprintf("%d", got),
		}
	case a.AtMost != nil && got > *a.AtMost:
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s <= %d in step %d", a.Resource, *a.AtMost, *a.Step),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}
