package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govern/internal/engine"
	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/quota"
	"github.com/roach88/govern/internal/record"
)

func intp(n int) *int       { return &n }
func int64p(n int64) *int64 { return &n }

func sampleResult() *Result {
	res := NewResult("sample")
	res.dispatches = []*engine.Result{{
		Stages: []engine.StageRun{
			{Stage: engine.Persist, EntityType: "account", Outcome: engine.OutcomeRan},
			{Stage: engine.AfterMutate, EntityType: "account", Outcome: engine.OutcomeRan},
			{Stage: engine.AfterMutate, EntityType: "account", Outcome: engine.OutcomeSkipped},
			{Stage: engine.Persist, EntityType: "invoice", Depth: 1, Outcome: engine.OutcomeRan},
		},
	}}
	res.add(TraceEvent{Kind: KindDispatch, Step: 0, Usage: &quota.Usage{Queries: 3, HeapBytes: 512}})
	res.add(TraceEvent{Kind: KindTask, Step: 1, Name: "email"})
	res.add(TraceEvent{Kind: KindJob, Step: 1, Name: "email", Strategy: jobs.FireAndForget, State: jobs.StateSucceeded})
	res.add(TraceEvent{Kind: KindTask, Step: 1, Name: "audit"})
	res.add(TraceEvent{Kind: KindJob, Step: 1, Name: "audit", Strategy: jobs.FireAndForget, State: jobs.StateFailed})
	res.final[entityKey("account", "a1")] = record.NewEntity("account", "a1", record.Object{"status": record.String("open"), "n": record.Int(2)})
	return res
}

func TestEvaluateAssertions_Pass(t *testing.T) {
	assertions := []Assertion{
		{Type: AssertStageCount, Stage: engine.Persist, Count: intp(2)},
		{Type: AssertStageCount, Stage: engine.Persist, Entity: "invoice", Count: intp(1)},
		{Type: AssertStageCount, Stage: engine.AfterMutate, Outcome: engine.OutcomeSkipped, Count: intp(1)},
		{Type: AssertJobCount, Count: intp(2)},
		{Type: AssertJobCount, State: jobs.StateFailed, Count: intp(1)},
		{Type: AssertJobCount, Name: "email", Strategy: jobs.FireAndForget, Count: intp(1)},
		{Type: AssertTaskCount, Task: "audit", Count: intp(1)},
		{Type: AssertTaskOrder, Tasks: []string{"email", "audit"}},
		{Type: AssertFinalState, Entity: "account", ID: "a1", Expect: map[string]any{"status": "open", "n": 2}},
		{Type: AssertFinalState, Entity: "account", ID: "a2", Absent: true},
		{Type: AssertUsage, Step: intp(0), Resource: quota.Queries, Count: intp(3)},
		{Type: AssertUsage, Step: intp(0), Resource: quota.HeapBytes, AtMost: int64p(1024)},
	}
	assert.Empty(t, EvaluateAssertions(sampleResult(), assertions))
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	tests := []struct {
		name string
		a    Assertion
		want string
	}{
		{"stage count", Assertion{Type: AssertStageCount, Stage: engine.Persist, Entity: "account", Count: intp(5)}, "5 ran runs of persist on account"},
		{"job count", Assertion{Type: AssertJobCount, State: jobs.StateSucceeded, Count: intp(2)}, "2 jobs matching [state=succeeded]"},
		{"task count", Assertion{Type: AssertTaskCount, Task: "email", Count: intp(0)}, "0 runs of email"},
		{"task order", Assertion{Type: AssertTaskOrder, Tasks: []string{"audit", "email"}}, "email missing after position 2"},
		{"field mismatch", Assertion{Type: AssertFinalState, Entity: "account", ID: "a1", Expect: map[string]any{"status": "closed"}}, `field "status" = closed`},
		{"missing entity", Assertion{Type: AssertFinalState, Entity: "account", ID: "a9", Expect: map[string]any{"status": "open"}}, "not found"},
		{"unexpected entity", Assertion{Type: AssertFinalState, Entity: "account", ID: "a1", Absent: true}, "present"},
		{"usage count", Assertion{Type: AssertUsage, Step: intp(0), Resource: quota.Queries, Count: intp(1)}, "queries = 1 in step 0"},
		{"usage ceiling", Assertion{Type: AssertUsage, Step: intp(0), Resource: quota.HeapBytes, AtMost: int64p(100)}, "heap_bytes <= 100"},
		{"usage without dispatch", Assertion{Type: AssertUsage, Step: intp(1), Resource: quota.Queries, Count: intp(1)}, "a dispatch in step 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tt.a})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
		})
	}
}

func TestAssertionError_Message(t *testing.T) {
	err := &AssertionError{Type: AssertTaskCount, Expected: "1 runs of audit", Actual: "0"}
	assert.Equal(t, "assertion task_count failed: expected 1 runs of audit, got 0", err.Error())
}
