package txn

import "github.com/pagekv/pagekv/internal/storage"

// UndoKind distinguishes undo record shapes (spec §4.7).
type UndoKind byte

const (
	// UndoTombstone undoes an insert: rollback deletes the key.
	UndoTombstone UndoKind = iota
	// UndoUpdate undoes an update or delete: rollback restores PrevValue,
	// or leaves the key a ghost if PrevValue is nil.
	UndoUpdate
	// UndoScopeBoundary names a nested-scope marker kind. No record of this
	// kind is appended: RollbackTo works from the integer marks returned by
	// Len, and replay skips this kind.
	UndoScopeBoundary
)

// UndoRecord is one reversal entry: (tree id, operation, key, previous
// value for in-place updates, or tombstone for insertions).
type UndoRecord struct {
	Kind      UndoKind
	TreeID    uint64
	Key       []byte
	PrevValue []byte
}

// UndoLog is the per-transaction chain of reversal records. All records
// live in RAM: the log does not spill to pages when it outgrows
// undoLogBufferLimit, which nothing consults. The storage engine writes each
// in-flight log's records to a page chain only at checkpoint time, via
// BuildMasterUndoLog.
type UndoLog struct {
	records []UndoRecord
	spillID storage.PageID
}

const undoLogBufferLimit = 256

// NewUndoLog constructs an empty undo log.
func NewUndoLog() *UndoLog {
	return &UndoLog{spillID: storage.InvalidPageID}
}

// RestoreUndoLog reconstructs an undo log from records recovered from a
// spilled chain, for replaying a crashed transaction's rollback during
// recovery (spec §4.11 step 5).
func RestoreUndoLog(records []UndoRecord) *UndoLog {
	return &UndoLog{records: records, spillID: storage.InvalidPageID}
}

// Len reports the number of live records, used as a scope mark.
func (u *UndoLog) Len() int { return len(u.records) }

// AppendTombstone records that key was freshly inserted under treeID:
// rollback deletes it.
func (u *UndoLog) AppendTombstone(treeID uint64, key []byte) {
	u.records = append(u.records, UndoRecord{
		Kind:   UndoTombstone,
		TreeID: treeID,
		Key:    append([]byte(nil), key...),
	})
}

// AppendUpdate records key's previous value under treeID: rollback restores
// it (or deletes the key if prevValue is nil, meaning the key did not exist
// before this transaction touched it via a delete-of-nonexistent ghost).
func (u *UndoLog) AppendUpdate(treeID uint64, key, prevValue []byte) {
	u.records = append(u.records, UndoRecord{
		Kind:      UndoUpdate,
		TreeID:    treeID,
		Key:       append([]byte(nil), key...),
		PrevValue: append([]byte(nil), prevValue...),
	})
}

// RollbackApplier is implemented by whatever owns the B+tree state the undo
// log reverses against; the storage engine supplies the real one.
type RollbackApplier interface {
	UndoStore(treeID uint64, key, prevValue []byte) error
	UndoInsert(treeID uint64, key []byte) error
}

// Replay replays every record in reverse against applier, without emitting
// redo (spec §4.7: "rollback replays records in reverse ... without redo
// emission").
func (u *UndoLog) Replay(applier RollbackApplier) error {
	for i := len(u.records) - 1; i >= 0; i-- {
		if err := u.replayOne(applier, u.records[i]); err != nil {
			return err
		}
	}
	u.records = nil
	return nil
}

func (u *UndoLog) replayOne(applier RollbackApplier, rec UndoRecord) error {
	switch rec.Kind {
	case UndoTombstone:
		return applier.UndoInsert(rec.TreeID, rec.Key)
	case UndoUpdate:
		return applier.UndoStore(rec.TreeID, rec.Key, rec.PrevValue)
	default:
		return nil
	}
}

// RollbackTo replays records in reverse back to mark (a value previously
// returned by Len) against applier, then discards them. Used by Exit to
// unwind exactly one nested scope, and by Reset (with mark 0) to unwind the
// whole transaction.
func (u *UndoLog) RollbackTo(mark int, applier RollbackApplier) error {
	if mark < 0 || mark > len(u.records) {
		mark = 0
	}
	for i := len(u.records) - 1; i >= mark; i-- {
		if err := u.replayOne(applier, u.records[i]); err != nil {
			return err
		}
	}
	u.records = u.records[:mark]
	return nil
}

// Truncate discards all records, called at final commit.
func (u *UndoLog) Truncate() {
	u.records = nil
	u.spillID = storage.InvalidPageID
}

// Records returns the live in-RAM records, used when building the master
// undo log at checkpoint time.
func (u *UndoLog) Records() []UndoRecord {
	return u.records
}
