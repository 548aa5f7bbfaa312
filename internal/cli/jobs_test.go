package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/store"
	tu "github.com/roach88/govern/internal/testutil"
)

func ledgerDB(t *testing.T, list ...jobs.Job) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	for _, j := range list {
		require.NoError(t, st.Record(context.Background(), j))
	}
	return path
}

func recorded(id, name string, strategy jobs.Strategy, state jobs.State, parent string, after time.Duration) jobs.Job {
	j := jobs.Job{
		ID:          id,
		Name:        name,
		Strategy:    strategy,
		State:       state,
		ParentID:    parent,
		SubmittedAt: tu.Epoch,
		FinishedAt:  tu.Epoch.Add(after),
	}
	if state == jobs.StateFailed {
		j.Error = "chain depth exceeded"
	}
	return j
}

func sampleLedger(t *testing.T) string {
	return ledgerDB(t,
		recorded("job-1", "fulfil", jobs.Chainable, jobs.StateSucceeded, "", time.Second),
		recorded("job-2", "fulfil", jobs.Chainable, jobs.StateFailed, "job-1", 2*time.Second),
		recorded("job-3", "email", jobs.FireAndForget, jobs.StateSucceeded, "", 3*time.Second),
	)
}

func TestJobs_Table(t *testing.T) {
	out, err := execute(t, "jobs", "--db", sampleLedger(t))
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "STRATEGY")
	assert.Contains(t, out, "job-1")
	assert.Contains(t, out, "email")
	assert.Contains(t, out, "chain depth exceeded")
	assert.Contains(t, out, "2025-01-01T00:00:03Z")
}

func TestJobs_Filters(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{"state", []string{"--state", "failed"}, []string{"job-2"}},
		{"strategy", []string{"--strategy", "fire_and_forget"}, []string{"job-3"}},
		{"parent", []string{"--parent", "job-1"}, []string{"job-2"}},
		{"limit", []string{"--limit", "2"}, []string{"job-1", "job-2"}},
	}
	db := sampleLedger(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"jobs", "--db", db, "--format", "json"}, tt.args...)
			out, err := execute(t, args...)
			require.NoError(t, err)

			var resp struct {
				Status string `json:"status"`
				Data   struct {
					Jobs  []jobs.Job `json:"jobs"`
					Total int        `json:"total"`
				} `json:"data"`
			}
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			assert.Equal(t, "ok", resp.Status)
			ids := make([]string, len(resp.Data.Jobs))
			for i, j := range resp.Data.Jobs {
				ids[i] = j.ID
			}
			assert.Equal(t, tt.want, ids)
			assert.Equal(t, len(tt.want), resp.Data.Total)
		})
	}
}

func TestJobs_Empty(t *testing.T) {
	out, err := execute(t, "jobs", "--db", ledgerDB(t))
	require.NoError(t, err)
	assert.Contains(t, out, "No jobs found.")
}

func TestJobs_MissingDatabase(t *testing.T) {
	out, err := execute(t, "jobs", "--db", filepath.Join(t.TempDir(), "missing.db"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "E_NOT_FOUND")
}

func TestJobs_RequiresDB(t *testing.T) {
	_, err := execute(t, "jobs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db")
}

func TestJobs_NegativeLimit(t *testing.T) {
	_, err := execute(t, "jobs", "--db", sampleLedger(t), "--limit", "-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
