package txn

import (
	"testing"
	"time"

	"github.com/pagekv/pagekv/internal/locking"
	"github.com/pagekv/pagekv/internal/storage"
)

// fakeApplier records undo replay calls against an in-memory key/value map,
// standing in for the btree trees a real Database would roll back against.
type fakeApplier struct {
	values map[string][]byte
}

func newFakeApplier() *fakeApplier { return &fakeApplier{values: map[string][]byte{}} }

func fkey(treeID uint64, key []byte) string {
	return string(append([]byte{byte(treeID)}, key...))
}

func (a *fakeApplier) UndoStore(treeID uint64, key, prevValue []byte) error {
	if prevValue == nil {
		delete(a.values, fkey(treeID, key))
		return nil
	}
	a.values[fkey(treeID, key)] = append([]byte(nil), prevValue...)
	return nil
}

func (a *fakeApplier) UndoInsert(treeID uint64, key []byte) error {
	delete(a.values, fkey(treeID, key))
	return nil
}

func newTestTxn(t *testing.T, applier RollbackApplier) *Transaction {
	t.Helper()
	dir := t.TempDir()
	redo, err := storage.NewRedoWriter(dir, "redo", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = redo.Close() })

	locks := locking.NewManager(locking.UpgradeStrict)
	gen := NewIDGenerator(0)
	return New(gen, locks, redo, storage.SyncDurability, time.Second, applier)
}

func TestTransactionCommitTruncatesUndoAndReleasesLocks(t *testing.T) {
	applier := newFakeApplier()
	tx := newTestTxn(t, applier)

	if _, err := tx.LockExclusive(1, []byte("k")); err != nil {
		t.Fatal(err)
	}
	if err := tx.RecordStore(1, []byte("k"), nil, false); err != nil {
		t.Fatal(err)
	}
	applier.values[fkey(1, []byte("k"))] = []byte("v1")
	if err := tx.EmitStore(1, []byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}

	if tx.ID() == 0 {
		t.Fatal("expected a nonzero id after a mutation")
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if tx.UndoLog().Len() != 0 {
		t.Fatalf("undo log not truncated after commit: %d records", tx.UndoLog().Len())
	}

	// Locks released: another owner should now be able to acquire exclusive.
	locks := tx.locks
	res, err := locks.Acquire(fakeOwner{2}, 1, []byte("k"), locking.Exclusive, time.Second)
	if err != nil || res != locking.Acquired {
		t.Fatalf("expected lock free after commit, res=%v err=%v", res, err)
	}
}

type fakeOwner struct{ id uint64 }

func (o fakeOwner) OwnerID() uint64    { return o.id }
func (o fakeOwner) OwnerLabel() string { return "other" }

func TestTransactionResetRollsBackInsert(t *testing.T) {
	applier := newFakeApplier()
	tx := newTestTxn(t, applier)

	if _, err := tx.LockExclusive(1, []byte("k")); err != nil {
		t.Fatal(err)
	}
	if err := tx.RecordStore(1, []byte("k"), nil, false); err != nil {
		t.Fatal(err)
	}
	applier.values[fkey(1, []byte("k"))] = []byte("v1")

	if err := tx.Reset(); err != nil {
		t.Fatal(err)
	}
	if _, ok := applier.values[fkey(1, []byte("k"))]; ok {
		t.Fatal("expected insert to be undone on reset")
	}
}

func TestTransactionResetRestoresPreviousValue(t *testing.T) {
	applier := newFakeApplier()
	applier.values[fkey(1, []byte("k"))] = []byte("original")
	tx := newTestTxn(t, applier)

	if _, err := tx.LockExclusive(1, []byte("k")); err != nil {
		t.Fatal(err)
	}
	if err := tx.RecordStore(1, []byte("k"), []byte("original"), true); err != nil {
		t.Fatal(err)
	}
	applier.values[fkey(1, []byte("k"))] = []byte("updated")

	if err := tx.Reset(); err != nil {
		t.Fatal(err)
	}
	got := applier.values[fkey(1, []byte("k"))]
	if string(got) != "original" {
		t.Fatalf("got %q, want %q", got, "original")
	}
}

func TestTransactionNestedScopeExitUnwindsOnlyThatScope(t *testing.T) {
	applier := newFakeApplier()
	applier.values[fkey(1, []byte("k"))] = []byte("v0")
	tx := newTestTxn(t, applier)

	if _, err := tx.LockExclusive(1, []byte("k")); err != nil {
		t.Fatal(err)
	}
	if err := tx.RecordStore(1, []byte("k"), []byte("v0"), true); err != nil {
		t.Fatal(err)
	}
	applier.values[fkey(1, []byte("k"))] = []byte("v1")

	tx.Enter()
	if err := tx.RecordStore(1, []byte("k"), []byte("v1"), true); err != nil {
		t.Fatal(err)
	}
	applier.values[fkey(1, []byte("k"))] = []byte("v2")

	if err := tx.Exit(); err != nil {
		t.Fatal(err)
	}
	if got := string(applier.values[fkey(1, []byte("k"))]); got != "v1" {
		t.Fatalf("after Exit: got %q, want v1", got)
	}

	if err := tx.Reset(); err != nil {
		t.Fatal(err)
	}
	if got := string(applier.values[fkey(1, []byte("k"))]); got != "v0" {
		t.Fatalf("after Reset: got %q, want v0", got)
	}
}

func TestTransactionIDAssignedLazilyOnFirstMutation(t *testing.T) {
	applier := newFakeApplier()
	tx := newTestTxn(t, applier)
	if tx.ID() != 0 {
		t.Fatalf("expected id 0 before any mutation, got %d", tx.ID())
	}
	if _, err := tx.LockShared(1, []byte("k")); err != nil {
		t.Fatal(err)
	}
	if tx.ID() != 0 {
		t.Fatal("a shared lock alone should not assign an id")
	}
	if _, err := tx.LockExclusive(1, []byte("k2")); err != nil {
		t.Fatal(err)
	}
	if tx.ID() == 0 {
		t.Fatal("expected a nonzero id after an exclusive lock")
	}
}

func TestTransactionNoRedoDurabilitySkipsIDAssignment(t *testing.T) {
	applier := newFakeApplier()
	dir := t.TempDir()
	redo, err := storage.NewRedoWriter(dir, "redo", 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = redo.Close() })
	locks := locking.NewManager(locking.UpgradeStrict)
	gen := NewIDGenerator(0)
	tx := New(gen, locks, redo, storage.NoRedoDurability, time.Second, applier)

	if _, err := tx.LockExclusive(1, []byte("k")); err != nil {
		t.Fatal(err)
	}
	if tx.ID() != 0 {
		t.Fatalf("NoRedoDurability txn should never get an id, got %d", tx.ID())
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
}
