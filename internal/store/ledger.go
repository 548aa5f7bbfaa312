package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/roach88/govern/internal/jobs"
)

var _ jobs.Ledger = (*Store)(nil)

// Record stores a terminal job snapshot. Recording the same job again
// replaces the earlier snapshot.
//
// While a Session is open the snapshot is buffered and written once the
// last open Session ends, so Record never waits on the single connection.
// A job completed from inside a dispatch (a handler cancelling a pending
// job, for one) would otherwise block forever.
func (s *Store) Record(ctx context.Context, job jobs.Job) error {
	s.mu.Lock()
	if s.open > 0 {
		s.pending = append(s.pending, job)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.record(ctx, job)
}

// flushLedger writes buffered snapshots in recording order. It does nothing
// while a session is open.
func (s *Store) flushLedger(ctx context.Context) error {
	s.mu.Lock()
	if s.open > 0 || len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	for i, job := range batch {
		if err := s.record(ctx, job); err != nil {
			s.mu.Lock()
			s.pending = append(batch[i:], s.pending...)
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

func (s *Store) record(ctx context.Context, job jobs.Job) error {
	snapshot, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, strategy, state, parent_id, cancelled, error, submitted_at, finished_at, snapshot)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			cancelled = excluded.cancelled,
			error = excluded.error,
			finished_at = excluded.finished_at,
			snapshot = excluded.snapshot`,
		job.ID, job.Name, string(job.Strategy), string(job.State), job.ParentID,
		job.Cancelled, job.Error, job.SubmittedAt.UnixNano(), job.FinishedAt.UnixNano(),
		string(snapshot))
	if err != nil {
		return fmt.Errorf("record job %s: %w", job.ID, err)
	}
	return nil
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	State    jobs.State
	Strategy jobs.Strategy
	ParentID string
	Limit    int
}

// ListJobs returns recorded snapshots ordered by finish time, then ID.
// Snapshots still buffered behind an open Session are not included, and
// ListJobs must not be called from the goroutine holding that Session.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]jobs.Job, error) {
	var (
		where  []string
		params []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		params = append(params, string(f.State))
	}
	if f.Strategy != "" {
		where = append(where, "strategy = ?")
		params = append(params, string(f.Strategy))
	}
	if f.ParentID != "" {
		where = append(where, "parent_id = ?")
		params = append(params, f.ParentID)
	}

	var b strings.Builder
	b.WriteString("SELECT snapshot FROM jobs")
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY finished_at ASC, id COLLATE BINARY ASC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, b.String(), params...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		var job jobs.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return nil, fmt.Errorf("decode job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}
