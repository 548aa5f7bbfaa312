package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/govern/internal/persist"
	"github.com/roach88/govern/internal/query"
	"github.com/roach88/govern/internal/record"
)

// createTestStore opens a fresh database in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seed inserts entities in one committed session.
func seed(t *testing.T, s *Store, entities ...record.Entity) {
	t.Helper()
	muts := make([]record.Mutation, len(entities))
	for i, e := range entities {
		muts[i] = record.Mutation{Op: record.OpInsert, Entity: e}
	}
	sess, err := s.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, sess.Apply(context.Background(), muts, persist.AllOrNothing))
	require.NoError(t, sess.Commit())
}

// committed runs q in a read-only session.
func committed(t *testing.T, s *Store, q query.Select) []record.Entity {
	t.Helper()
	sess, err := s.Begin(context.Background())
	require.NoError(t, err)
	defer sess.Rollback()
	out, err := sess.Query(context.Background(), q)
	require.NoError(t, err)
	return out
}

func account(id string, fields record.Object) record.Entity {
	return record.NewEntity("Account", id, fields)
}
