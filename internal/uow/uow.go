// Package uow defines the transactional scopes the dispatcher and the
// orchestrator run work in.
//
// A Transaction is the logical external transaction: it owns the recursion
// guard counters, which survive re-entrant dispatches and are reset when
// the transaction ends. A UnitOfWork owns one quota tracker and drives one
// or more persistence sessions; it relays their commit and abort signals to
// work registered as provisional (job submissions).
package uow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/govern/internal/guard"
	"github.com/roach88/govern/internal/persist"
	"github.com/roach88/govern/internal/quota"
)

// ErrClosed is returned when a closed unit of work is asked for a session.
var ErrClosed = errors.New("unit of work is closed")

// Transaction scopes recursion-guard counts.
type Transaction struct {
	id    string
	guard *guard.Guard

	mu    sync.Mutex
	ended bool
}

// NewTransaction starts a logical transaction with the given guard ceiling.
func NewTransaction(id string, ceiling int) *Transaction {
	return &Transaction{id: id, guard: guard.New(ceiling)}
}

// ID returns the transaction ID.
func (t *Transaction) ID() string { return t.id }

// Guard returns the transaction's recursion guard.
func (t *Transaction) Guard() *guard.Guard { return t.guard }

// End resets the guard. Safe to call more than once.
func (t *Transaction) End() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ended {
		return
	}
	t.ended = true
	t.guard.Reset()
}

// Ended reports whether End has been called.
func (t *Transaction) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

type provisional struct {
	onCommit func()
	onAbort  func()
}

// UnitOfWork is one quota scope.
//
// Storage work runs in a session opened lazily on first use. Commit
// publishes the current session and releases everything deferred since the
// previous commit; Rollback discards both. The unit of work stays usable
// after either: later work opens a fresh session. This is how the
// dispatcher commits at Persist and still runs AfterMutate handlers under
// the same quota.
type UnitOfWork struct {
	id      string
	tx      *Transaction
	tracker *quota.Tracker
	backend persist.Backend
	logger  *slog.Logger

	mu      sync.Mutex
	session persist.Session
	pending []provisional
	commits int
	closed  bool
}

// Option configures a UnitOfWork.
type Option func(*UnitOfWork)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(u *UnitOfWork) { u.logger = l }
}

// New creates a unit of work in tx charging tracker.
func New(id string, tx *Transaction, backend persist.Backend, tracker *quota.Tracker, opts ...Option) *UnitOfWork {
	u := &UnitOfWork{
		id:      id,
		tx:      tx,
		tracker: tracker,
		backend: backend,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *UnitOfWork) ID() string { return u.id }
func (u *UnitOfWork) Tx() *Transaction { return u.tx }
func (u *UnitOfWork) Tracker() *quota.Tracker { return u.tracker }
func (u *UnitOfWork) Mode() quota.Mode { return u.tracker.Mode() }
func (u *UnitOfWork) Guard() *guard.Guard { return u.tx.Guard() }
func (u *UnitOfWork) Logger() *slog.Logger { return u.logger }
func (u *UnitOfWork) Backend() persist.Backend { return u.backend }

// Session returns the open session, beginning one if necessary.
func (u *UnitOfWork) Session(ctx context.Context) (persist.Session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, ErrClosed
	}
	if u.session != nil {
		return u.session, nil
	}
	s, err := u.backend.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	u.session = s
	return s, nil
}

// Defer registers provisional work. onCommit runs after the next
// successful Commit, onAbort after the next Rollback or failed Commit.
// Either may be nil. On a closed unit of work onAbort runs immediately.
func (u *UnitOfWork) Defer(onCommit, onAbort func()) {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		if onAbort != nil {
			onAbort()
		}
		return
	}
	u.pending = append(u.pending, provisional{onCommit: onCommit, onAbort: onAbort})
	u.mu.Unlock()
}

// Commit commits the open session, if any, and releases deferred work.
// A failed commit aborts the deferred work and returns the error.
func (u *UnitOfWork) Commit() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return ErrClosed
	}
	s := u.session
	pending := u.pending
	u.session = nil
	u.pending = nil
	u.mu.Unlock()

	if s != nil {
		if err := s.Commit(); err != nil {
			u.logger.Error("commit failed",
				"event", "commit_failed",
				"uow_id", u.id,
				"error", err)
			runAbort(pending)
			return fmt.Errorf("commit: %w", err)
		}
	}

	u.mu.Lock()
	u.commits++
	u.mu.Unlock()

	for _, p := range pending {
		if p.onCommit != nil {
			p.onCommit()
		}
	}
	return nil
}

// Rollback discards the open session, then aborts deferred work.
func (u *UnitOfWork) Rollback() error {
	u.mu.Lock()
	s := u.session
	pending := u.pending
	u.session = nil
	u.pending = nil
	u.mu.Unlock()

	var err error
	if s != nil {
		if rerr := s.Rollback(); rerr != nil {
			err = fmt.Errorf("rollback: %w", rerr)
		}
	}
	runAbort(pending)
	return err
}

// Close rolls back anything uncommitted and refuses further work.
func (u *UnitOfWork) Close() error {
	err := u.Rollback()
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	return err
}

// Commits returns how many times Commit succeeded.
func (u *UnitOfWork) Commits() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.commits
}

func runAbort(pending []provisional) {
	for _, p := range pending {
		if p.onAbort != nil {
			p.onAbort()
		}
	}
}
