// Package txn implements transactions and their undo logs (spec §4.7, §4.9):
// lock acquisition, undo/redo emission, commit/rollback, and nested scopes.
package txn

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pagekv/pagekv/internal/locking"
	"github.com/pagekv/pagekv/internal/storage"
)

// idGenerator hands out monotonic, never-reused transaction ids (spec
// invariant 7). A txn id of 0 denotes "no redo" (spec §3).
type idGenerator struct {
	counter uint64
}

func (g *idGenerator) next() uint64 {
	return atomic.AddUint64(&g.counter, 1)
}

// Peek returns the id that would be assigned by the next call to next,
// without consuming it, used to snapshot a watermark into the checkpoint
// header.
func (g *idGenerator) Peek() uint64 {
	return atomic.LoadUint64(&g.counter) + 1
}

// NewIDGenerator constructs a generator resuming after last (the header's
// persisted transactionId, so ids are never reused across a restart).
func NewIDGenerator(last uint64) *idGenerator {
	return &idGenerator{counter: last}
}

// IDGenerator is the exported type alias callers outside this package use
// to hold a generator returned by NewIDGenerator.
type IDGenerator = idGenerator

// Scope is one entry in a transaction's nested-scope stack: its undo log
// position at entry, so `exit` can unwind exactly the records made within it.
type Scope struct {
	undoMark int
}

// Transaction tracks id, durability mode, lock mode, nested scopes, owned
// locks, and its undo log (spec §3, §4.9).
type Transaction struct {
	mu sync.Mutex

	id        uint64
	parentID  uint64
	durability storage.DurabilityMode
	lockMode  locking.Mode
	scopes    []Scope
	undo      *UndoLog
	locks     *locking.Manager
	redo      *storage.RedoWriter
	lockTimeout time.Duration

	ownedKeys []ownedKey
	gen       *idGenerator
	applier   RollbackApplier
}

type ownedKey struct {
	treeID uint64
	key    []byte
}

// OwnerID implements locking.Owner.
func (t *Transaction) OwnerID() uint64 { return t.id }

// OwnerLabel implements locking.Owner.
func (t *Transaction) OwnerLabel() string {
	if t.id == 0 {
		return "auto-commit"
	}
	return "txn-" + itoa(t.id)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// New constructs a transaction with id 0 (assigned lazily on first mutation,
// per spec §4.9) under the given durability mode. applier is the rollback
// target (the database's trees) that Exit/Reset replay undo records against.
func New(gen *idGenerator, locks *locking.Manager, redo *storage.RedoWriter, durability storage.DurabilityMode, lockTimeout time.Duration, applier RollbackApplier) *Transaction {
	return &Transaction{
		gen:         gen,
		locks:       locks,
		redo:        redo,
		durability:  durability,
		lockTimeout: lockTimeout,
		undo:        NewUndoLog(),
		scopes:      []Scope{{}},
		applier:     applier,
	}
}

// ensureID lazily assigns a nonzero id on first mutation.
func (t *Transaction) ensureID() uint64 {
	if t.id == 0 && t.durability != storage.NoRedoDurability {
		t.id = t.gen.next()
	}
	return t.id
}

// Enter pushes a new nested scope (spec §4.9).
func (t *Transaction) Enter() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.scopes = append(t.scopes, Scope{undoMark: t.undo.Len()})
}

// Exit rolls back to the start of the current scope and pops it.
func (t *Transaction) Exit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.scopes) == 0 {
		return nil
	}
	top := t.scopes[len(t.scopes)-1]
	t.scopes = t.scopes[:len(t.scopes)-1]
	return t.undo.RollbackTo(top.undoMark, t.applier)
}

// Commit commits the current scope. A final commit (the outermost scope)
// releases all owned locks and truncates the undo log.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.scopes) > 1 {
		t.scopes = t.scopes[:len(t.scopes)-1]
		return nil
	}

	if t.id != 0 {
		if _, err := t.redo.TxnCommit(t.durability, t.id); err != nil {
			return err
		}
	}

	for _, ok := range t.ownedKeys {
		t.locks.Unlock(t, ok.treeID, ok.key)
	}
	t.ownedKeys = nil
	t.undo.Truncate()
	return nil
}

// Reset rolls back all outstanding scopes and releases locks, leaving the
// transaction ready for its zero value to be discarded.
func (t *Transaction) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	err := t.undo.RollbackTo(0, t.applier)
	for _, ok := range t.ownedKeys {
		t.locks.Unlock(t, ok.treeID, ok.key)
	}
	t.ownedKeys = nil
	t.scopes = []Scope{{}}
	return err
}

// ID returns the transaction's id (0 if not yet assigned).
func (t *Transaction) ID() uint64 { return t.id }

// Depth reports the number of open nested scopes; 1 means only the implicit
// outermost scope remains, so the next Commit/Reset is the final one.
func (t *Transaction) Depth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.scopes)
}

// Durability returns the transaction's durability mode.
func (t *Transaction) Durability() storage.DurabilityMode { return t.durability }

// LockShared acquires a shared lock on (treeID, key).
func (t *Transaction) LockShared(treeID uint64, key []byte) (locking.Result, error) {
	res, err := t.locks.Acquire(t, treeID, key, locking.Shared, t.lockTimeout)
	if err == nil {
		t.trackOwned(treeID, key)
	}
	return res, err
}

// LockUpgradable acquires an upgradable lock on (treeID, key).
func (t *Transaction) LockUpgradable(treeID uint64, key []byte) (locking.Result, error) {
	res, err := t.locks.Acquire(t, treeID, key, locking.Upgradable, t.lockTimeout)
	if err == nil {
		t.trackOwned(treeID, key)
	}
	return res, err
}

// LockExclusive acquires an exclusive lock on (treeID, key), assigning the
// transaction's id on first mutation.
func (t *Transaction) LockExclusive(treeID uint64, key []byte) (locking.Result, error) {
	t.mu.Lock()
	t.ensureID()
	t.mu.Unlock()

	res, err := t.locks.Acquire(t, treeID, key, locking.Exclusive, t.lockTimeout)
	if err == nil {
		t.trackOwned(treeID, key)
	}
	return res, err
}

func (t *Transaction) trackOwned(treeID uint64, key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ownedKeys = append(t.ownedKeys, ownedKey{treeID: treeID, key: append([]byte(nil), key...)})
}

// UnlockToShared downgrades a held lock.
func (t *Transaction) UnlockToShared(treeID uint64, key []byte) {
	t.locks.UnlockToShared(t, treeID, key)
}

// UnlockToUpgradable downgrades a held lock.
func (t *Transaction) UnlockToUpgradable(treeID uint64, key []byte) {
	t.locks.UnlockToUpgradable(t, treeID, key)
}

// RecordStore appends an undo record for an insert/update. It emits no redo:
// the caller emits the redo op afterwards through EmitStore (spec §5
// ordering rule 4: redo after undo is durable in memory, same thread).
func (t *Transaction) RecordStore(treeID uint64, key, prevValue []byte, wasPresent bool) error {
	t.mu.Lock()
	t.ensureID()
	t.mu.Unlock()

	if wasPresent {
		t.undo.AppendUpdate(treeID, key, prevValue)
	} else {
		t.undo.AppendTombstone(treeID, key)
	}
	return nil
}

// RecordDelete appends an undo record for a delete.
func (t *Transaction) RecordDelete(treeID uint64, key, prevValue []byte) error {
	t.mu.Lock()
	t.ensureID()
	t.mu.Unlock()

	t.undo.AppendUpdate(treeID, key, prevValue)
	return nil
}

// EmitStore emits the redo record for a store, after the undo record is
// durable in memory.
func (t *Transaction) EmitStore(treeID uint64, key, value []byte) error {
	_, err := t.redo.Store(t.durability, t.id, treeID, key, value)
	return err
}

// EmitDelete emits the redo record for a delete.
func (t *Transaction) EmitDelete(treeID uint64, key []byte) error {
	_, err := t.redo.Delete(t.durability, t.id, treeID, key)
	return err
}

// UndoLog returns the transaction's undo log for spilling/checkpointing.
func (t *Transaction) UndoLog() *UndoLog { return t.undo }
