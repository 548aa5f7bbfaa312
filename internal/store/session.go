package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/govern/internal/persist"
	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/querysql"
	"github.com/roach88/govern/internal/record"
)

// session is one SQL transaction. AllOrNothing batches and each
// AllowPartial mutation run under their own savepoint, so a failed
// mutation never leaves partial writes in the transaction.
type session struct {
	tx    *sql.Tx
	store *Store
	done  bool
}

func (s *session) Query(ctx context.Context, q query.Select) ([]record.Entity, error) {
	stmt, params, err := querysql.Compile(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.tx.QueryContext(ctx, stmt, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.From, err)
	}
	defer rows.Close()

	var out []record.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", q.From, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.From, err)
	}
	return out, nil
}

func (s *session) Apply(ctx context.Context, muts []record.Mutation, mode persist.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("store: invalid mode %q", mode)
	}
	if err := persist.ValidateMutations(muts); err != nil {
		return err
	}

	if mode == persist.AllowPartial {
		return persist.ApplyEach(muts, func(m record.Mutation) error {
			return s.savepoint(ctx, "apply_one", func() error {
				return s.applyOne(ctx, m)
			})
		})
	}

	return s.savepoint(ctx, "apply_batch", func() error {
		for _, m := range muts {
			if err := s.applyOne(ctx, m); err != nil {
				return &persist.MutationError{Op: m.Op, EntityID: m.Entity.ID, Err: err}
			}
		}
		return nil
	})
}

// savepoint runs fn inside a named savepoint, rolling back to it when fn
// fails.
func (s *session) savepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rerr := s.tx.ExecContext(ctx, "ROLLBACK TO "+name); rerr != nil {
			return errors.Join(err, fmt.Errorf("rollback to %s: %w", name, rerr))
		}
		if _, rerr := s.tx.ExecContext(ctx, "RELEASE "+name); rerr != nil {
			return errors.Join(err, fmt.Errorf("release %s: %w", name, rerr))
		}
		return err
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

func (s *session) applyOne(ctx context.Context, m record.Mutation) error {
	e := m.Entity
	switch m.Op {
	case record.OpInsert:
		fields, parents, err := encodeEntity(e)
		if err != nil {
			return err
		}
		_, err = s.tx.ExecContext(ctx,
			`INSERT INTO entities (type, id, version, fields, parents) VALUES (?, ?, 1, ?, ?)`,
			e.Type, e.ID, fields, parents)
		if isConstraint(err) {
			return persist.ErrExists
		}
		return err

	case record.OpUpdate:
		fields, parents, err := encodeEntity(e)
		if err != nil {
			return err
		}
		stmt := `UPDATE entities SET version = version + 1, fields = ?, parents = ? WHERE type = ? AND id = ?`
		args := []any{fields, parents, e.Type, e.ID}
		return s.versioned(ctx, e, stmt, args)

	case record.OpDelete:
		return s.versioned(ctx, e, `DELETE FROM entities WHERE type = ? AND id = ?`, []any{e.Type, e.ID})

	default:
		return fmt.Errorf("unsupported operation %q", m.Op)
	}
}

// versioned runs an update or delete, checking e.Version when set. When no
// row matched it tells a missing entity from a stale version.
func (s *session) versioned(ctx context.Context, e record.Entity, stmt string, args []any) error {
	if e.Version != 0 {
		stmt += " AND version = ?"
		args = append(args, e.Version)
	}
	res, err := s.tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var found int
	err = s.tx.QueryRowContext(ctx,
		`SELECT 1 FROM entities WHERE type = ? AND id = ?`, e.Type, e.ID).Scan(&found)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return persist.ErrNotFound
	case err != nil:
		return err
	default:
		return persist.ErrConflict
	}
}

func (s *session) Commit() error {
	err := s.tx.Commit()
	s.finish()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback is a no-op once the transaction has finished.
func (s *session) Rollback() error {
	err := s.tx.Rollback()
	s.finish()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func (s *session) finish() {
	if s.done {
		return
	}
	s.done = true
	if s.store != nil {
		s.store.sessionDone()
	}
}

func isConstraint(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		serr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func encodeEntity(e record.Entity) (fields, parents string, err error) {
	obj := e.Fields
	if obj == nil {
		obj = record.Object{}
	}
	fb, err := record.MarshalCanonical(obj)
	if err != nil {
		return "", "", fmt.Errorf("encode fields of %s: %w", e.ID, err)
	}

	rels := e.Parents
	if rels == nil {
		rels = map[string]string{}
	}
	pb, err := json.Marshal(rels)
	if err != nil {
		return "", "", fmt.Errorf("encode parents of %s: %w", e.ID, err)
	}
	return string(fb), string(pb), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (record.Entity, error) {
	var (
		e               record.Entity
		fields, parents string
	)
	if err := row.Scan(&e.Type, &e.ID, &e.Version, &fields, &parents); err != nil {
		return record.Entity{}, err
	}
	if err := e.Fields.UnmarshalJSON([]byte(fields)); err != nil {
		return record.Entity{}, fmt.Errorf("decode fields of %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(parents), &e.Parents); err != nil {
		return record.Entity{}, fmt.Errorf("decode parents of %s: %w", e.ID, err)
	}
	if len(e.Parents) == 0 {
		e.Parents = nil
	}
	return e, nil
}
