package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/record"
	"github.com/roach88/govern/internal/store/memstore"
	tu "github.com/roach88/govern/internal/testutil"
)

func TestParseCron(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"five fields", "*/5 * * * *", false},
		{"descriptor", "@hourly", false},
		{"empty", "", true},
		{"seconds field not accepted", "0 */5 * * * *", true},
		{"garbage", "every day", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := jobs.ParseCron(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSchedule_InvalidCronRefused(t *testing.T) {
	o, _ := newTestOrchestrator(t, memstore.New())
	o.RegisterTask("t", func(context.Context, *jobs.JobContext, record.Object) error { return nil })

	_, err := o.Submit(jobs.Schedule{Name: "nightly", Cron: "bogus", Task: "t"})
	var se *jobs.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, jobs.ReasonInvalidSchedule, se.Reason)
}

func TestSchedule_FiringsAreIndependent(t *testing.T) {
	ctx := context.Background()
	o, clk := newTestOrchestrator(t, memstore.New())

	var seen []record.Object
	calls := 0
	o.RegisterTask("sweep", func(_ context.Context, _ *jobs.JobContext, payload record.Object) error {
		calls++
		seen = append(seen, payload)
		if calls == 1 {
			return errors.New("first firing fails")
		}
		return nil
	})

	h, err := o.Submit(jobs.Schedule{
		Name:    "sweeper",
		Cron:    "*/5 * * * *",
		Task:    "sweep",
		Payload: record.Object{"region": record.String("emea")},
	})
	require.NoError(t, err)
	assert.Equal(t, jobs.Scheduled, h.Strategy)

	sched, _ := o.Status(h.ID)
	assert.Equal(t, jobs.StateRunning, sched.State)
	assert.Equal(t, tu.Epoch.Add(5*time.Minute), sched.NextRun)

	assert.Equal(t, 0, o.Tick(ctx, clk.Now()), "not due yet")

	assert.Equal(t, 1, o.Tick(ctx, clk.Advance(5*time.Minute)))
	assert.Equal(t, 1, o.RunPending(ctx))

	assert.Equal(t, 1, o.Tick(ctx, clk.Advance(5*time.Minute)))
	assert.Equal(t, 1, o.RunPending(ctx))

	require.Len(t, seen, 2)
	assert.Equal(t, record.String("emea"), seen[1]["region"])

	var firings []jobs.Job
	for _, j := range o.Jobs() {
		if j.ParentID == h.ID {
			firings = append(firings, j)
		}
	}
	require.Len(t, firings, 2)
	assert.Equal(t, jobs.StateFailed, firings[0].State)
	assert.Equal(t, jobs.StateSucceeded, firings[1].State, "a failed firing does not stop later ones")

	sched, _ = o.Status(h.ID)
	assert.Equal(t, jobs.StateRunning, sched.State)
	assert.Equal(t, 2, sched.Firings)
	assert.Equal(t, tu.Epoch.Add(15*time.Minute), sched.NextRun)
}

func TestSchedule_MissedFiringsCoalesce(t *testing.T) {
	ctx := context.Background()
	o, clk := newTestOrchestrator(t, memstore.New())
	o.RegisterTask("t", func(context.Context, *jobs.JobContext, record.Object) error { return nil })

	_, err := o.Submit(jobs.Schedule{Name: "s", Cron: "*/5 * * * *", Task: "t"})
	require.NoError(t, err)

	// An hour passes between ticks: one firing, not twelve.
	assert.Equal(t, 1, o.Tick(ctx, clk.Advance(time.Hour)))
	assert.Equal(t, 0, o.Tick(ctx, clk.Now()))
}

func TestSchedule_CancelStopsFiring(t *testing.T) {
	ctx := context.Background()
	o, clk := newTestOrchestrator(t, memstore.New())
	o.RegisterTask("t", func(context.Context, *jobs.JobContext, record.Object) error { return nil })

	h, err := o.Submit(jobs.Schedule{Name: "s", Cron: "@every 1m", Task: "t"})
	require.NoError(t, err)
	require.NoError(t, o.Cancel(h.ID))

	assert.Equal(t, 0, o.Tick(ctx, clk.Advance(time.Hour)))
	job, _ := o.Status(h.ID)
	assert.Equal(t, jobs.StateSucceeded, job.State)
	assert.True(t, job.Cancelled)
}

func TestSchedule_DrainIgnoresActiveSchedules(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	o, _ := newTestOrchestrator(t, memstore.New())
	o.RegisterTask("t", func(context.Context, *jobs.JobContext, record.Object) error { return nil })

	_, err := o.Submit(jobs.Schedule{Name: "s", Cron: "@daily", Task: "t"})
	require.NoError(t, err)
	assert.NoError(t, o.Drain(ctx))
}
