package uow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/govern/internal/persist"
	"github.com/roach88/govern/internal/quota"
	"github.com/roach88/govern/internal/record"
	"github.com/roach88/govern/internal/store/memstore"
)

func newTestUoW(store *memstore.Store) *UnitOfWork {
	tx := NewTransaction("tx-1", 2)
	return New("uow-1", tx, store, quota.New(quota.ModeSync, quota.DefaultSync()))
}

func insert(ctx context.Context, t *testing.T, u *UnitOfWork, id string) {
	t.Helper()
	s, err := u.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, []record.Mutation{
		{Op: record.OpInsert, Entity: record.NewEntity("Account", id, nil)},
	}, persist.AllOrNothing))
}

func TestUnitOfWork_CommitReleasesDeferred(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	u := newTestUoW(store)

	var committed, aborted int
	insert(ctx, t, u, "a1")
	u.Defer(func() { committed++ }, func() { aborted++ })

	require.NoError(t, u.Commit())
	assert.Equal(t, 1, committed)
	assert.Equal(t, 0, aborted)

	_, ok := store.Get("Account", "a1")
	assert.True(t, ok)
	assert.Equal(t, 1, u.Commits())
}

func TestUnitOfWork_RollbackAbortsDeferred(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	u := newTestUoW(store)

	var committed, aborted int
	insert(ctx, t, u, "a1")
	u.Defer(func() { committed++ }, func() { aborted++ })

	require.NoError(t, u.Rollback())
	assert.Equal(t, 0, committed)
	assert.Equal(t, 1, aborted)
	assert.Equal(t, 0, store.Len())
}

func TestUnitOfWork_UsableAcrossCommits(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	u := newTestUoW(store)

	insert(ctx, t, u, "a1")
	require.NoError(t, u.Commit())

	var aborted bool
	insert(ctx, t, u, "a2")
	u.Defer(nil, func() { aborted = true })
	require.NoError(t, u.Rollback())

	assert.True(t, aborted)
	_, ok := store.Get("Account", "a1")
	assert.True(t, ok, "first commit survives a later rollback")
	_, ok = store.Get("Account", "a2")
	assert.False(t, ok)
}

func TestUnitOfWork_FailedCommitAborts(t *testing.T) {
	ctx := context.Background()
	store := memstore.New(record.NewEntity("Account", "a1", nil))
	u := newTestUoW(store)

	s, err := u.Session(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, []record.Mutation{
		{Op: record.OpUpdate, Entity: record.NewEntity("Account", "a1", record.Object{"n": record.Int(1)})},
	}, persist.AllOrNothing))

	other, _ := store.Begin(ctx)
	require.NoError(t, other.Apply(ctx, []record.Mutation{
		{Op: record.OpUpdate, Entity: record.NewEntity("Account", "a1", record.Object{"n": record.Int(2)})},
	}, persist.AllOrNothing))
	require.NoError(t, other.Commit())

	var aborted bool
	u.Defer(nil, func() { aborted = true })
	err = u.Commit()
	assert.ErrorIs(t, err, persist.ErrConflict)
	assert.True(t, aborted)
}

func TestUnitOfWork_CloseRefusesWork(t *testing.T) {
	ctx := context.Background()
	u := newTestUoW(memstore.New())
	require.NoError(t, u.Close())

	_, err := u.Session(ctx)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, u.Commit(), ErrClosed)

	var aborted bool
	u.Defer(nil, func() { aborted = true })
	assert.True(t, aborted)
}

func TestTransaction_EndResetsGuard(t *testing.T) {
	tx := NewTransaction("tx", 1)
	assert.True(t, tx.Guard().Allow("Account", "before_mutate"))
	assert.False(t, tx.Guard().Allow("Account", "before_mutate"))

	tx.End()
	tx.End()
	assert.True(t, tx.Ended())
	assert.Equal(t, 0, tx.Guard().Count("Account", "before_mutate"))
}

func TestUUIDv7Generator(t *testing.T) {
	g := UUIDv7Generator{}
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
