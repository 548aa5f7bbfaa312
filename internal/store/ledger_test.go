package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/persist"
	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/record"
	tu "github.com/roach88/govern/internal/testutil"
)

func finishedJob(id string, state jobs.State, finished time.Time) jobs.Job {
	return jobs.Job{
		ID:          id,
		Name:        "notify",
		Strategy:    jobs.FireAndForget,
		State:       state,
		Payload:     record.Object{"ids": record.String("a1,a2")},
		SubmittedAt: tu.Epoch,
		FinishedAt:  finished,
	}
}

func TestLedger_RecordAndList(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.Record(ctx, finishedJob("job-2", jobs.StateFailed, tu.Epoch.Add(2*time.Second))))
	require.NoError(t, s.Record(ctx, finishedJob("job-1", jobs.StateSucceeded, tu.Epoch.Add(time.Second))))

	got, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "job-1", got[0].ID)
	assert.Equal(t, "job-2", got[1].ID)
	assert.Equal(t, record.String("a1,a2"), got[0].Payload["ids"])
	assert.True(t, got[0].FinishedAt.Equal(tu.Epoch.Add(time.Second)))

	failed, err := s.ListJobs(ctx, JobFilter{State: jobs.StateFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "job-2", failed[0].ID)

	limited, err := s.ListJobs(ctx, JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestLedger_RecordReplaces(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	j := finishedJob("sched-1", jobs.StateSucceeded, tu.Epoch)
	j.Strategy = jobs.Scheduled
	require.NoError(t, s.Record(ctx, j))

	j.Firings = 4
	j.Cancelled = true
	require.NoError(t, s.Record(ctx, j))

	got, err := s.ListJobs(ctx, JobFilter{Strategy: jobs.Scheduled})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 4, got[0].Firings)
	assert.True(t, got[0].Cancelled)
}

func TestLedger_FilterByParent(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	child := finishedJob("job-2", jobs.StateSucceeded, tu.Epoch)
	child.ParentID = "job-1"
	require.NoError(t, s.Record(ctx, finishedJob("job-1", jobs.StateSucceeded, tu.Epoch)))
	require.NoError(t, s.Record(ctx, child))

	got, err := s.ListJobs(ctx, JobFilter{ParentID: "job-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "job-2", got[0].ID)
}

// The store serves as both the orchestrator's backend and its ledger.
func TestOrchestrator_UsesStore(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	o := jobs.New(s,
		jobs.WithLedger(s),
		jobs.WithIDGenerator(tu.NewSequenceGenerator("job")),
		jobs.WithClock(tu.NewManualClock(time.Time{})),
		jobs.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		jobs.WithSubmitRate(rate.Inf, 0),
	)
	t.Cleanup(o.Close)

	o.RegisterTask("create", func(ctx context.Context, jc *jobs.JobContext, payload record.Object) error {
		id, _ := payload["id"].(record.String)
		if id == "" {
			return errors.New("id is required")
		}
		sess, err := jc.UoW.Session(ctx)
		if err != nil {
			return err
		}
		return sess.Apply(ctx, []record.Mutation{
			{Op: record.OpInsert, Entity: account(string(id), nil)},
		}, persist.AllOrNothing)
	})

	_, err := o.Submit(jobs.Task{Name: "create", Payload: record.Object{"id": record.String("a1")}})
	require.NoError(t, err)
	_, err = o.Submit(jobs.Task{Name: "create", Payload: record.Object{}})
	require.NoError(t, err)
	assert.Equal(t, 2, o.RunPending(ctx))

	got := committed(t, s, query.Select{From: "Account"})
	require.Len(t, got, 1)
	assert.Equal(t, "a1", got[0].ID)

	recorded, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	assert.Equal(t, jobs.StateSucceeded, recorded[0].State)
	assert.Equal(t, jobs.StateFailed, recorded[1].State)
	assert.Contains(t, recorded[1].Error, "id is required")
}

func TestLedger_RecordDuringOpenSession(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	sess, err := s.Begin(ctx)
	require.NoError(t, err)

	// The session owns the only connection, so a direct write would wait
	// on it until the deadline.
	rctx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Record(rctx, finishedJob("job-1", jobs.StateFailed, tu.Epoch)))
	require.NoError(t, s.Record(rctx, finishedJob("job-2", jobs.StateSucceeded, tu.Epoch.Add(time.Second))))

	require.NoError(t, sess.Rollback())
	require.NoError(t, sess.Rollback())

	got, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "job-1", got[0].ID)
	assert.Equal(t, "job-2", got[1].ID)
}

func TestLedger_BufferedUntilLastSessionEnds(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, finishedJob("job-1", jobs.StateSucceeded, tu.Epoch)))
	require.NoError(t, sess.Commit())

	sess, err = s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, finishedJob("job-2", jobs.StateSucceeded, tu.Epoch)))

	require.NoError(t, sess.Rollback())
	require.NoError(t, s.Record(ctx, finishedJob("job-3", jobs.StateSucceeded, tu.Epoch)))

	got, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestLedger_FlushedOnClose(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")
	s, err := Open(path)
	require.NoError(t, err)

	sess, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Record(ctx, finishedJob("job-1", jobs.StateSucceeded, tu.Epoch)))
	require.NoError(t, sess.Rollback())
	require.NoError(t, s.Record(ctx, finishedJob("job-2", jobs.StateSucceeded, tu.Epoch)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	got, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// A task holding the store's only connection cancels a pending job; the
// cancelled job's ledger record must not wait on that connection.
func TestOrchestrator_CancelPendingInsideSession(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	o := jobs.New(s,
		jobs.WithLedger(s),
		jobs.WithIDGenerator(tu.NewSequenceGenerator("job")),
		jobs.WithClock(tu.NewManualClock(time.Time{})),
		jobs.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		jobs.WithSubmitRate(rate.Inf, 0),
	)
	t.Cleanup(o.Close)

	var victim jobs.Handle
	o.RegisterTask("cancel", func(ctx context.Context, jc *jobs.JobContext, _ record.Object) error {
		sess, err := jc.UoW.Session(ctx)
		if err != nil {
			return err
		}
		if err := sess.Apply(ctx, []record.Mutation{
			{Op: record.OpInsert, Entity: account("a1", nil)},
		}, persist.AllOrNothing); err != nil {
			return err
		}
		return o.Cancel(victim.ID)
	})
	o.RegisterTask("noop", func(context.Context, *jobs.JobContext, record.Object) error { return nil })

	canceller, err := o.Submit(jobs.Task{Name: "cancel"})
	require.NoError(t, err)
	victim, err = o.Submit(jobs.Task{Name: "noop"})
	require.NoError(t, err)

	done := make(chan int, 1)
	go func() { done <- o.RunPending(ctx) }()
	select {
	case n := <-done:
		assert.Equal(t, 1, n)
	case <-time.After(10 * time.Second):
		t.Fatal("RunPending blocked")
	}

	recorded, err := s.ListJobs(ctx, JobFilter{})
	require.NoError(t, err)
	require.Len(t, recorded, 2)
	states := map[string]jobs.State{}
	for _, j := range recorded {
		states[j.ID] = j.State
	}
	assert.Equal(t, jobs.StateSucceeded, states[canceller.ID])
	assert.Equal(t, jobs.StateFailed, states[victim.ID])
	assert.Len(t, committed(t, s, query.Select{From: "Account"}), 1)
}
