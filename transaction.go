package pagekv

import (
	"github.com/pagekv/pagekv/internal/locking"
	"github.com/pagekv/pagekv/internal/logging"
	"github.com/pagekv/pagekv/internal/txn"
)

// LockResult is the outcome of a lock acquisition attempt (spec §4.6).
type LockResult = locking.Result

const (
	LockAcquired        = locking.Acquired
	LockUpgraded        = locking.Upgraded
	LockOwnedShared     = locking.OwnedShared
	LockOwnedUpgradable = locking.OwnedUpgradable
	LockOwnedExclusive  = locking.OwnedExclusive
	LockTimedOut        = locking.TimedOut
)

// Transaction is a client-held handle on one in-flight transaction (spec
// §3, §4.9): lock acquisition, undo/redo emission, commit/rollback, and
// nested scopes all happen through it. The zero value is not usable; obtain
// one from Database.NewTransaction.
type Transaction struct {
	db    *Database
	inner *txn.Transaction

	// requestID correlates this transaction's log entries independent of
	// its engine-assigned id, which stays 0 until the first mutation.
	requestID string
	log       logging.Logger
}

// ID returns the transaction's id, 0 until its first mutation (spec §3: "a
// txn id of 0 denotes no redo").
func (t *Transaction) ID() uint64 { return t.inner.ID() }

// RequestID returns the correlation id assigned to this transaction at
// NewTransaction time, usable to find its log entries regardless of whether
// it ever performs a mutation.
func (t *Transaction) RequestID() string { return t.requestID }

// Durability returns the transaction's configured durability mode.
func (t *Transaction) Durability() DurabilityMode { return t.inner.Durability() }

// Enter pushes a new nested scope (spec §4.9).
func (t *Transaction) Enter() { t.inner.Enter() }

// Exit rolls back everything done since the matching Enter and pops the
// scope (spec §4.9).
func (t *Transaction) Exit() error { return t.inner.Exit() }

// Commit commits the current scope. A commit of the outermost scope is
// final: it releases every lock the transaction owns and truncates its
// undo log (spec §4.9).
func (t *Transaction) Commit() error {
	final := t.inner.Depth() == 1
	if err := t.inner.Commit(); err != nil {
		if t.log != nil {
			t.log.Warn("transaction commit failed", "txn_id", t.inner.ID(), "error", err)
		}
		return err
	}
	if final {
		t.db.forgetLive(t.inner)
		if t.log != nil {
			t.log.Debug("transaction committed", "txn_id", t.inner.ID())
		}
	}
	return nil
}

// Reset rolls back every outstanding scope, releases all owned locks, and
// leaves the transaction ready to be discarded (spec §4.9).
func (t *Transaction) Reset() error {
	err := t.inner.Reset()
	t.db.forgetLive(t.inner)
	if err != nil && t.log != nil {
		t.log.Warn("transaction reset failed", "txn_id", t.inner.ID(), "error", err)
	}
	return err
}

// LockShared acquires a shared lock on (index, key).
func (t *Transaction) LockShared(index *Index, key []byte) (LockResult, error) {
	return t.inner.LockShared(index.ID(), key)
}

// LockUpgradable acquires an upgradable lock on (index, key).
func (t *Transaction) LockUpgradable(index *Index, key []byte) (LockResult, error) {
	return t.inner.LockUpgradable(index.ID(), key)
}

// LockExclusive acquires an exclusive lock on (index, key), assigning the
// transaction's id on its first mutation (spec §4.9).
func (t *Transaction) LockExclusive(index *Index, key []byte) (LockResult, error) {
	return t.inner.LockExclusive(index.ID(), key)
}

// UnlockToShared downgrades a held lock on (index, key) to shared.
func (t *Transaction) UnlockToShared(index *Index, key []byte) {
	t.inner.UnlockToShared(index.ID(), key)
}

// UnlockToUpgradable downgrades a held lock on (index, key) to upgradable.
func (t *Transaction) UnlockToUpgradable(index *Index, key []byte) {
	t.inner.UnlockToUpgradable(index.ID(), key)
}
