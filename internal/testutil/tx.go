package testutil

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// FakeTx is a pgx.Tx for unit tests of services that only begin, commit and
// roll back. Any query method panics.
type FakeTx struct {
	pgx.Tx

	mu         sync.Mutex
	Committed  bool
	RolledBack bool
	CommitErr  error
}

// Commit marks the transaction committed.
func (t *FakeTx) Commit(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Committed || t.RolledBack {
		return pgx.ErrTxClosed
	}
	if t.CommitErr != nil {
		t.RolledBack = true
		return t.CommitErr
	}
	t.Committed = true
	return nil
}

// Rollback marks the transaction rolled back.
func (t *FakeTx) Rollback(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Committed || t.RolledBack {
		return pgx.ErrTxClosed
	}
	t.RolledBack = true
	return nil
}

// Closed reports whether the transaction was committed or rolled back.
func (t *FakeTx) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Committed || t.RolledBack
}
