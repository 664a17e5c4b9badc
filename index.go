package pagekv

import (
	"github.com/pagekv/pagekv/internal/storage"
	"github.com/pagekv/pagekv/internal/storage/btree"
)

// Index is an open, named B+tree handle (spec §3: "Tree"). Obtain one with
// Database.OpenIndex; release it with Index.Close when done. A tree stays
// open while any external Index handle references it; the node cache's
// reclaimUnreferencedTrees sweep (db.go) retires it once the last one is
// closed (spec §3 Lifecycles, §5 "weakly referenced").
type Index struct {
	db     *Database
	name   string
	tree   *btree.Tree
	closed bool
}

// OpenIndex opens (creating if absent) the named index. Opening the same
// name twice returns independent handles sharing the same underlying tree.
func (db *Database) OpenIndex(name string) (*Index, error) {
	if err := db.checkClosed(); err != nil {
		return nil, err
	}

	db.namesMu.Lock()
	id, err := db.lookupOrCreateTreeID(name)
	db.namesMu.Unlock()
	if err != nil {
		return nil, err
	}

	tree, err := db.treeByID(id)
	if err != nil {
		return nil, err
	}
	db.incTreeRef(id)
	return &Index{db: db, name: name, tree: tree}, nil
}

// lookupOrCreateTreeID resolves name to its tree id via the key-map tree,
// allocating and persisting a fresh id on first use (spec §3's "Registry").
// Callers hold db.namesMu.
func (db *Database) lookupOrCreateTreeID(name string) (uint64, error) {
	fc := db.keyMapTree.NewCursor()
	defer fc.Close()
	if err := fc.Find(forwardKey(name)); err != nil {
		return 0, err
	}
	if fc.Key() != nil {
		val, err := fc.Value()
		if err != nil {
			return 0, err
		}
		return beUint64(val), nil
	}

	id, err := db.nextTreeID()
	if err != nil {
		return 0, err
	}
	if err := fc.Store(db.internalTxn, forwardKey(name), beBytes(id)); err != nil {
		return 0, err
	}
	rc := db.keyMapTree.NewCursor()
	defer rc.Close()
	if err := rc.Store(db.internalTxn, reverseKey(id), []byte(name)); err != nil {
		return 0, err
	}
	if err := db.persistTreeIDCounter(); err != nil {
		return 0, err
	}
	return id, nil
}

// DropIndex removes name's registry and key-map rows so it no longer
// resolves to a tree (spec §3 Lifecycles: "dropped by transactionally
// removing registry rows"). Handles already holding an *Index for it keep
// working against the orphaned tree until closed.
func (db *Database) DropIndex(name string) error {
	if err := db.checkClosed(); err != nil {
		return err
	}

	db.namesMu.Lock()
	defer db.namesMu.Unlock()

	fc := db.keyMapTree.NewCursor()
	defer fc.Close()
	if err := fc.Find(forwardKey(name)); err != nil {
		return err
	}
	if fc.Key() == nil {
		return storage.ErrTreeNotFound
	}
	val, err := fc.Value()
	if err != nil {
		return err
	}
	id := beUint64(val)

	if err := fc.Delete(db.internalTxn, forwardKey(name)); err != nil {
		return err
	}
	rc := db.keyMapTree.NewCursor()
	defer rc.Close()
	if err := rc.Delete(db.internalTxn, reverseKey(id)); err != nil {
		return err
	}

	db.treesMu.Lock()
	defer db.treesMu.Unlock()
	regCur := db.registryTree.NewCursor()
	defer regCur.Close()
	if err := regCur.Delete(db.internalTxn, encodeRegistryKey(id)); err != nil {
		return err
	}

	delete(db.trees, id)
	delete(db.treeRefs, id)
	return nil
}

// Close releases this handle's reference on the underlying tree. It does
// not drop the index; other open handles (or a future OpenIndex) keep it
// live.
func (ix *Index) Close() error {
	if ix.closed {
		return nil
	}
	ix.closed = true
	ix.db.decTreeRef(ix.tree.ID())
	return nil
}

// Name returns the index's registered name.
func (ix *Index) Name() string { return ix.name }

// ID returns the index's stable tree id (spec §3).
func (ix *Index) ID() uint64 { return ix.tree.ID() }

// Load performs a point lookup, returning ok=false if key is absent.
func (ix *Index) Load(key []byte) (value []byte, ok bool, err error) {
	if err := ix.db.checkClosed(); err != nil {
		return nil, false, err
	}
	return ix.tree.Get(key)
}

// Store inserts or updates key with value. If t is nil, the store runs
// auto-commit: a transaction begun and committed for this one operation
// (spec §4.9 "Auto-commit mode").
func (ix *Index) Store(t *Transaction, key, value []byte) error {
	if err := ix.db.checkClosed(); err != nil {
		return err
	}
	if t != nil {
		cur := ix.tree.NewCursor()
		defer cur.Close()
		return cur.Store(t.inner, key, value)
	}
	return ix.autoCommit(func(inner btree.Txn) error {
		cur := ix.tree.NewCursor()
		defer cur.Close()
		return cur.Store(inner, key, value)
	})
}

// Delete removes key. A transaction with a txn id, auto-commit included,
// leaves a ghost, removed later when its leaf is compacted; a
// NoRedoDurability transaction (txn id 0) removes the entry directly.
func (ix *Index) Delete(t *Transaction, key []byte) error {
	if err := ix.db.checkClosed(); err != nil {
		return err
	}
	if t != nil {
		cur := ix.tree.NewCursor()
		defer cur.Close()
		return cur.Delete(t.inner, key)
	}
	return ix.autoCommit(func(inner btree.Txn) error {
		cur := ix.tree.NewCursor()
		defer cur.Close()
		return cur.Delete(inner, key)
	})
}

// autoCommit runs fn under a transaction begun and committed just for this
// operation, rolling back on failure (spec §4.9, §7 "auto-commit operations
// fully roll back on failure").
func (ix *Index) autoCommit(fn func(btree.Txn) error) error {
	t := ix.db.NewTransaction(ix.db.opts.DurabilityMode)
	if err := fn(t.inner); err != nil {
		_ = t.Reset()
		return err
	}
	return t.Commit()
}

// NewCursor opens a cursor over this index (spec §3, §4.4).
func (ix *Index) NewCursor() *Cursor {
	return &Cursor{db: ix.db, index: ix, inner: ix.tree.NewCursor()}
}
