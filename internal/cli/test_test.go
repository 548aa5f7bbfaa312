package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govern/internal/jobs"
	"github.com/roach88/govern/internal/store"
)

var scenarioDir = filepath.Join("..", "harness", "testdata", "scenarios")

const passingScenario = `name: tiny
description: "A single insert commits"
steps:
  - dispatch:
      op: insert
      entity: account
      records:
        - id: a1
          fields: { name: "Acme" }
assertions:
  - type: final_state
    entity: account
    id: a1
    expect: { name: "Acme" }
`

const failingScenario = `name: broken
description: "The assertion expects the wrong value"
steps:
  - dispatch:
      op: insert
      entity: account
      records:
        - id: a1
          fields: { name: "Acme" }
assertions:
  - type: final_state
    entity: account
    id: a1
    expect: { name: "Globex" }
`

// scenarioTree writes files under dir/scenarios and returns that directory.
func scenarioTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scenarios")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestTest_PackagedScenarios(t *testing.T) {
	out, err := execute(t, "test", scenarioDir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ basic_insert")
	assert.Contains(t, out, "✓ rollup")
	assert.Contains(t, out, "Test Summary: 8 passed, 0 failed, 8 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTest_Filter(t *testing.T) {
	out, err := execute(t, "test", scenarioDir, "--filter", "chain*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ chain_depth")
	assert.NotContains(t, out, "basic_insert")
	assert.Contains(t, out, "1 total")
}

func TestTest_InvalidFilter(t *testing.T) {
	_, err := execute(t, "test", scenarioDir, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTest_SingleFile(t *testing.T) {
	out, err := execute(t, "test", filepath.Join(scenarioDir, "jobs.yaml"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTest_Failure(t *testing.T) {
	dir := scenarioTree(t, map[string]string{"tiny.yaml": passingScenario, "broken.yaml": failingScenario})

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✓ tiny")
	assert.Contains(t, out, "✗ broken")
	assert.Contains(t, out, "assertion final_state failed")
	assert.Contains(t, out, "Test Summary: 1 passed, 1 failed, 2 total")
}

func TestTest_FailureJSON(t *testing.T) {
	dir := scenarioTree(t, map[string]string{"broken.yaml": failingScenario})

	out, err := execute(t, "test", dir, "--format", "json")
	require.Error(t, err)
	assert.True(t, IsReported(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
		Error  *CLIError  `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeTestFailed, resp.Error.Code)
	assert.Equal(t, 1, resp.Data.Failed)
	require.Len(t, resp.Data.Scenarios, 1)
	assert.Equal(t, "broken", resp.Data.Scenarios[0].Name)
	assert.NotEmpty(t, resp.Data.Scenarios[0].Errors)
}

func TestTest_LoadError(t *testing.T) {
	dir := scenarioTree(t, map[string]string{"bad.yaml": "name: bad\n"})

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ bad")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTest_NoScenarios(t *testing.T) {
	out, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTest_MissingPath(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTest_GoldenUpdateAndCompare(t *testing.T) {
	dir := scenarioTree(t, map[string]string{"tiny.yaml": passingScenario})
	golden := filepath.Join(filepath.Dir(dir), "golden", "tiny.golden")

	out, err := execute(t, "test", dir, "--update")
	require.NoError(t, err, out)
	data, err := os.ReadFile(golden)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"scenario_name": "tiny"`)

	out, err = execute(t, "test", dir)
	require.NoError(t, err, out)

	require.NoError(t, os.WriteFile(golden, []byte("{}\n"), 0o644))
	out, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTest_RecordsLedger(t *testing.T) {
	db := filepath.Join(t.TempDir(), "ledger.db")

	out, err := execute(t, "test", filepath.Join(scenarioDir, "basic_insert.yaml"), "--db", db)
	require.NoError(t, err, out)

	st, err := store.Open(db)
	require.NoError(t, err)
	defer st.Close()

	got, err := st.ListJobs(context.Background(), store.JobFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "basic_insert/job-1", got[0].ID)
	assert.Equal(t, "audit", got[0].Name)
	assert.Equal(t, jobs.StateSucceeded, got[0].State)
}

func TestScenarioLedger_PrefixesIDs(t *testing.T) {
	mem := &jobs.MemoryLedger{}
	l := scenarioLedger{scenario: "jobs", next: mem}

	require.NoError(t, l.Record(context.Background(), jobs.Job{ID: "job-2", ParentID: "job-1"}))
	require.NoError(t, l.Record(context.Background(), jobs.Job{ID: "job-1"}))

	got := mem.Jobs()
	require.Len(t, got, 2)
	assert.Equal(t, "jobs/job-2", got[0].ID)
	assert.Equal(t, "jobs/job-1", got[0].ParentID)
	assert.Empty(t, got[1].ParentID)
}

func TestGoldenFilePath(t *testing.T) {
	got := goldenFilePath(filepath.Join("testdata", "scenarios", "rollup.yaml"))
	assert.Equal(t, filepath.Join("testdata", "golden", "rollup.golden"), got)
}
