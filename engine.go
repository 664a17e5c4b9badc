package pagekv

import (
	"sync/atomic"

	"github.com/pagekv/pagekv/internal/locking"
	"github.com/pagekv/pagekv/internal/storage"
	"github.com/pagekv/pagekv/internal/txn"
)

// pageKVEncodingVersion is the on-disk encoding version this build writes
// into every committed header extra area (spec §6's HeaderExtra.encodingVersion).
const pageKVEncodingVersion uint32 = 1

// This file wires *Database into the three narrow interfaces the storage
// package's Checkpointer and Recovery drivers are written against
// (internal/storage/checkpoint.go's CheckpointTarget, recovery.go's
// RecoveryTarget) plus the undo log's RollbackApplier (internal/txn/undolog.go),
// so those packages stay testable in isolation while the engine supplies the
// real tree/lock/allocator state they orchestrate (spec §4.9-§4.11).

// ---- txn.RollbackApplier --------------------------------------------------

// UndoStore restores key to prevValue within treeID, driven by a transaction
// rollback replaying its undo log in reverse (spec §4.7).
func (db *Database) UndoStore(treeID uint64, key, prevValue []byte) error {
	tree, err := db.treeByID(treeID)
	if err != nil {
		return err
	}
	return tree.UndoStore(key, prevValue)
}

// UndoInsert reverses a fresh insert of key within treeID, leaving a ghost.
func (db *Database) UndoInsert(treeID uint64, key []byte) error {
	tree, err := db.treeByID(treeID)
	if err != nil {
		return err
	}
	return tree.UndoInsert(key)
}

// ---- storage.CheckpointTarget ---------------------------------------------

// RegistryRootLatch returns the latch on the registry tree's current root
// node (spec §4.10 step 4). A failure to resolve the root (I/O error) marks
// the database panicked per spec §7, since no checkpoint can proceed without
// it; a latch that is always immediately available is returned so the
// checkpointer's acquisition loop does not hang on a value no caller can use.
func (db *Database) RegistryRootLatch() *storage.Latch {
	l, err := db.registryTree.RootLatch()
	if err != nil {
		db.markClosed(err)
		return &storage.Latch{}
	}
	return l
}

// Allocator returns the page allocator (spec §4.2).
func (db *Database) Allocator() *storage.PageAllocator { return db.alloc }

// Redo returns the redo writer (spec §4.8).
func (db *Database) Redo() *storage.RedoWriter { return db.redo }

// PageStore returns the page store (spec §4.1).
func (db *Database) PageStore() *storage.PageStore { return db.pageStore }

// HasDirtyNodes reports whether any node is dirty under the current commit
// color (spec §4.10 step 1's no-op fast path).
func (db *Database) HasDirtyNodes() bool { return db.alloc.HasDirty() }

// EncodingVersion returns the on-disk encoding version for new headers.
func (db *Database) EncodingVersion() uint32 { return pageKVEncodingVersion }

// RootPageID returns the registry tree's current root page id, the value
// persisted as HeaderExtra.RootPageID (spec §6).
func (db *Database) RootPageID() storage.PageID { return db.registryTree.RootID() }

// NextTransactionID returns the watermark the next transaction id would be
// assigned, persisted into HeaderExtra.TransactionID so ids are never reused
// across a restart (spec invariant 7).
func (db *Database) NextTransactionID() uint64 { return db.idGen.Peek() }

// BuildMasterUndoLog writes every live transaction's undo log to its own
// page chain, then writes a master chain of (txnId, headPageId) rows
// referencing them (spec §4.10 step 7, glossary "Master undo log"). The new
// chains are tracked in pendingMasterChains rather than freed immediately:
// the previous round's chains are still referenced by the about-to-be-
// superseded active header until PageStore.Commit succeeds, so they are only
// released in TruncateMasterUndoLog, after that commit durably lands.
func (db *Database) BuildMasterUndoLog() (storage.PageID, error) {
	db.liveMu.Lock()
	txns := make([]*txn.Transaction, 0, len(db.live))
	for t := range db.live {
		txns = append(txns, t)
	}
	db.liveMu.Unlock()

	entries := make(map[uint64]storage.PageID)
	var newChains []storage.PageID
	for _, t := range txns {
		if t.ID() == 0 {
			continue
		}
		records := t.UndoLog().Records()
		if len(records) == 0 {
			continue
		}
		head, err := writeChain(db.alloc, db.pageStore, db.opts.PageSize, encodeUndoRecords(records))
		if err != nil {
			return storage.InvalidPageID, err
		}
		entries[t.ID()] = head
		newChains = append(newChains, head)
	}

	if len(entries) == 0 {
		db.pendingMasterChains = newChains
		return storage.InvalidPageID, nil
	}

	masterHead, err := writeChain(db.alloc, db.pageStore, db.opts.PageSize, encodeMasterEntries(entries))
	if err != nil {
		return storage.InvalidPageID, err
	}
	newChains = append(newChains, masterHead)
	db.pendingMasterChains = newChains
	return masterHead, nil
}

// TruncateMasterUndoLog is called after PageStore.Commit has durably
// installed the new header referencing the master undo log BuildMasterUndoLog
// just wrote (spec §4.10 step 9). It is the point at which the *previous*
// round's chains become truly unreachable (no header points at them anymore)
// and can be freed; it also advances the allocator's checkpointed boundary so
// subsequent fragment/page deletes know which ids must be deferred.
func (db *Database) TruncateMasterUndoLog(storage.PageID) error {
	for _, head := range db.lastMasterSubChains {
		if err := freeChain(db.alloc, db.pageStore, db.opts.PageSize, head); err != nil {
			return err
		}
	}
	db.lastMasterSubChains = db.pendingMasterChains
	db.pendingMasterChains = nil
	db.alloc.Checkpointed()
	db.alloc.MarkCheckpointed()
	return nil
}

// ---- storage.RecoveryTarget -------------------------------------------------

// ActiveExtra returns the active header's extra payload (spec §4.11 step 1).
func (db *Database) ActiveExtra() storage.HeaderExtra { return db.pageStore.ActiveExtra() }

// LoadMasterUndoLog reads the master undo log chain rooted at id and decodes
// its (txnId, headPageId) rows (spec §4.11 step 2).
func (db *Database) LoadMasterUndoLog(id storage.PageID) (map[uint64]storage.PageID, error) {
	payload, err := readChain(db.pageStore, db.opts.PageSize, id)
	if err != nil {
		return nil, err
	}
	return decodeMasterEntries(payload)
}

// RebuildUndoLog reconstructs one recovered transaction's undo records from
// its spilled page chain (spec §4.11 step 2).
func (db *Database) RebuildUndoLog(txnID uint64, headPageID storage.PageID) error {
	payload, err := readChain(db.pageStore, db.opts.PageSize, headPageID)
	if err != nil {
		return err
	}
	records, err := decodeUndoRecords(payload)
	if err != nil {
		return err
	}
	db.recoveredMu.Lock()
	db.recovered[txnID] = records
	db.recoveredMu.Unlock()
	return nil
}

// recoveryOwner is the locking.Owner a recovered transaction locks keys
// under while its fate (commit vs rollback) is still undetermined (spec
// §4.11 step 2: "Acquire upgradable locks for each recovered txn as it is
// rebuilt").
type recoveryOwner uint64

func (o recoveryOwner) OwnerID() uint64    { return uint64(o) }
func (o recoveryOwner) OwnerLabel() string { return "recovered-txn-" + itoa(uint64(o)) }

// LockUpgradableForRecovery acquires an upgradable lock on every key
// referenced by txnID's recovered undo records, so no client operation (once
// accepted) can observe or mutate them before resolution.
func (db *Database) LockUpgradableForRecovery(txnID uint64) error {
	db.recoveredMu.Lock()
	records := db.recovered[txnID]
	db.recoveredMu.Unlock()

	owner := recoveryOwner(txnID)
	for _, rec := range records {
		if _, err := db.locks.Acquire(owner, rec.TreeID, rec.Key, locking.Upgradable, db.opts.LockTimeout); err != nil {
			return err
		}
		db.recoveredMu.Lock()
		db.recoveredKeys[txnID] = append(db.recoveredKeys[txnID], lockedKey{treeID: rec.TreeID, key: rec.Key})
		db.recoveredMu.Unlock()
	}
	return nil
}

func (db *Database) unlockRecovered(txnID uint64) {
	owner := recoveryOwner(txnID)
	db.recoveredMu.Lock()
	keys := db.recoveredKeys[txnID]
	delete(db.recoveredKeys, txnID)
	delete(db.recovered, txnID)
	db.recoveredMu.Unlock()

	for _, lk := range keys {
		db.locks.Unlock(owner, lk.treeID, lk.key)
	}
}

// recoveryTxn is the synthetic btree.Txn redo replay drives trees with: it
// records no undo and emits no further redo, since the mutation it applies is
// itself being read out of the redo log (spec §4.11 step 3: "applying each op
// directly to trees under a synthetic recovery transaction state").
type recoveryTxn struct{}

func (recoveryTxn) ID() uint64 { return 0 }
func (recoveryTxn) LockExclusive(uint64, []byte) (locking.Result, error) {
	return locking.Acquired, nil
}
func (recoveryTxn) RecordStore(uint64, []byte, []byte, bool) error { return nil }
func (recoveryTxn) RecordDelete(uint64, []byte, []byte) error      { return nil }
func (recoveryTxn) EmitStore(uint64, []byte, []byte) error         { return nil }
func (recoveryTxn) EmitDelete(uint64, []byte) error                { return nil }

// ApplyRedoStore replays one redo store record directly against its tree.
func (db *Database) ApplyRedoStore(treeID uint64, key, value []byte) error {
	tree, err := db.treeByID(treeID)
	if err != nil {
		return err
	}
	cur := tree.NewCursor()
	defer cur.Close()
	return cur.Store(recoveryTxn{}, key, value)
}

// ApplyRedoDelete replays one redo delete record directly against its tree.
func (db *Database) ApplyRedoDelete(treeID uint64, key []byte) error {
	tree, err := db.treeByID(treeID)
	if err != nil {
		return err
	}
	cur := tree.NewCursor()
	defer cur.Close()
	return cur.Delete(recoveryTxn{}, key)
}

// ForgetRecoveredTxn discards a recovered transaction whose last redo record
// was a commit (spec §4.11 step 4): its mutations are already applied by
// redo replay, so nothing further happens beyond releasing its locks.
func (db *Database) ForgetRecoveredTxn(txnID uint64) {
	db.unlockRecovered(txnID)
}

// RollbackRecoveredTxn replays a recovered transaction's undo log in reverse
// against the current tree state, without emitting redo (spec §4.11 step 4).
func (db *Database) RollbackRecoveredTxn(txnID uint64) error {
	db.recoveredMu.Lock()
	records := db.recovered[txnID]
	db.recoveredMu.Unlock()

	log := txn.RestoreUndoLog(records)
	if err := log.Replay(db); err != nil {
		return err
	}
	db.unlockRecovered(txnID)
	return nil
}

// ForceCheckpoint runs an immediate checkpoint, used after recovery performs
// any replay or rollback work (spec §4.11 step 5).
func (db *Database) ForceCheckpoint() error {
	db.treesMu.Lock()
	err := db.syncRegistry()
	db.treesMu.Unlock()
	if err != nil {
		return err
	}
	_, err = db.checkpoint.Run()
	return err
}

// EmptyFragmentedTrash drains the fragmented-trash tree: page ids queued for
// deletion by a transaction that turned out to have rolled back (spec §4.11
// step 5, glossary "Master undo log"'s sibling concept for fragment pages).
// Only FragmentedValue deletes reachable through a still-live header's undo
// chain ever populate it (ordinary deletes free their pages directly through
// the allocator's immediate/deferred split, spec §4.5); for a cleanly
// recovered database, this is typically empty.
func (db *Database) EmptyFragmentedTrash() error {
	cur := db.trashTree.NewCursor()
	defer cur.Close()

	var keys [][]byte
	if err := cur.First(); err != nil {
		return err
	}
	for cur.Key() != nil {
		keys = append(keys, append([]byte(nil), cur.Key()...))
		val, err := cur.Value()
		if err != nil {
			return err
		}
		db.alloc.RecyclePage(decodeRegistryValue(val))
		if err := cur.Next(); err != nil {
			return err
		}
	}

	for _, k := range keys {
		tc := db.trashTree.NewCursor()
		if err := tc.Find(k); err != nil {
			tc.Close()
			return err
		}
		if err := tc.Delete(db.internalTxn, k); err != nil {
			tc.Close()
			return err
		}
		tc.Close()
	}
	return nil
}

// SetHasCheckpointed records that at least one checkpoint (including a
// post-recovery forced one) has durably completed (spec §4.11 step 6).
func (db *Database) SetHasCheckpointed() {
	atomic.StoreInt32(&db.hasCheckpointed, 1)
}

// BaseFilePath returns the configured base file path, used by Recovery to
// locate redo segment files (spec §6).
func (db *Database) BaseFilePath() string { return db.opts.BaseFilePath }

// PageSize returns the configured page size.
func (db *Database) PageSize() int { return db.opts.PageSize }
