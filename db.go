// Package pagekv implements an embedded, transactional, single-process
// key-value storage engine built around a disk-backed, copy-on-write B+tree
// (spec §1). Database wires together the paged store, node cache, lock
// manager, redo/undo logging, checkpointer, and recovery driver built in the
// internal/storage, internal/locking, and internal/txn packages.
package pagekv

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pagekv/pagekv/internal/locking"
	"github.com/pagekv/pagekv/internal/logging"
	"github.com/pagekv/pagekv/internal/storage"
	"github.com/pagekv/pagekv/internal/storage/btree"
	"github.com/pagekv/pagekv/internal/txn"
)

// Database is one open instance of the storage engine (spec §2's "core"
// component set, wired end to end). Exported entry points are Open, Close,
// Destroy, RestoreFromSnapshot, Checkpoint, NewTransaction, OpenIndex, and
// DropIndex.
type Database struct {
	opts        storage.Options
	instanceID  uuid.UUID
	pageStore   *storage.PageStore
	alloc       *storage.PageAllocator
	cache       *storage.NodeCache
	locks       *locking.Manager
	redo        *storage.RedoWriter
	fileLock    *storage.FileLock
	idGen       *txn.IDGenerator
	checkpoint  *storage.Checkpointer

	// log is the engine's general-purpose logger (internal/logging.Logger);
	// zapLog is a separately constructed *zap.SugaredLogger because
	// logging.Logger intentionally hides its concrete zap handle, while
	// storage.NewCheckpointer/NewRecovery require one directly.
	log    logging.Logger
	zapLog *zap.SugaredLogger

	treesMu       sync.RWMutex
	trees         map[uint64]*btree.Tree
	treeRefs      map[uint64]int
	registryTree  *btree.Tree
	keyMapTree    *btree.Tree
	trashTree     *btree.Tree
	treeIDCounter uint64
	treeIDMask    uint64

	// namesMu serializes OpenIndex/DropIndex by name so two concurrent
	// opens of the same new name cannot each allocate a distinct tree id
	// for it (spec §3 Lifecycles: "opened by name").
	namesMu sync.Mutex

	// internalTxn drives the registry/key-map/trash trees' own mutations
	// (txn id 0: spec §3 "a txn id of 0 denotes no redo").
	internalTxn *txn.Transaction

	liveMu  sync.Mutex
	live    map[*txn.Transaction]struct{}

	recoveredMu sync.Mutex
	recovered   map[uint64][]txn.UndoRecord
	recoveredKeys map[uint64][]lockedKey

	lastMasterSubChains []storage.PageID
	pendingMasterChains []storage.PageID

	hasCheckpointed int32

	closeOnce sync.Once
	closedMu  sync.RWMutex
	closedErr error

	stopTimer chan struct{}
	timerWG   sync.WaitGroup
}

type lockedKey struct {
	treeID uint64
	key    []byte
}

// Open opens (creating if absent) a Database at opts.BaseFilePath, running
// recovery if the file was not cleanly closed (spec §4.11).
func Open(opts Options) (*Database, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	if opts.Mkdirs {
		if dir := filepath.Dir(opts.BaseFilePath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, "pagekv: create base directory")
			}
		}
	}

	var fileLock *storage.FileLock
	if !opts.ReadOnly {
		fl, err := storage.AcquireFileLock(opts.BaseFilePath + ".lock")
		if err != nil {
			return nil, err
		}
		fileLock = fl
	}

	pageStore, err := storage.OpenPageStore(opts.BaseFilePath, opts.PageSize, opts.ReadOnly, opts.Crypto)
	if err != nil {
		if fileLock != nil {
			fileLock.Release()
		}
		return nil, err
	}

	redo, err := storage.NewRedoWriter(filepath.Dir(opts.BaseFilePath), filepath.Base(opts.BaseFilePath), 0, opts.Crypto)
	if err != nil {
		pageStore.Close()
		if fileLock != nil {
			fileLock.Release()
		}
		return nil, err
	}

	minFrames := int(opts.MinCachedBytes / int64(opts.PageSize))
	maxFrames := int(opts.MaxCachedBytes / int64(opts.PageSize))
	if minFrames < 1 {
		minFrames = 1
	}
	if maxFrames < minFrames {
		maxFrames = minFrames
	}

	db := &Database{
		opts:       opts,
		instanceID: uuid.New(),
		pageStore:  pageStore,
		alloc:      storage.NewPageAllocator(pageStore),
		cache:      storage.NewNodeCache(minFrames, maxFrames, pageStore),
		locks:      locking.NewManager(locking.UpgradeRule(opts.LockUpgradeRule)),
		redo:       redo,
		fileLock:   fileLock,
		idGen:      txn.NewIDGenerator(pageStore.ActiveExtra().TransactionID),
		log:        logging.NewDefault(),
		zapLog:     newZapLogger(),
		trees:      make(map[uint64]*btree.Tree),
		treeRefs:   make(map[uint64]int),
		live:       make(map[*txn.Transaction]struct{}),
		recovered:  make(map[uint64][]txn.UndoRecord),
		recoveredKeys: make(map[uint64][]lockedKey),
		stopTimer:  make(chan struct{}),
	}
	db.cache.SetReclaimCallback(db.reclaimUnreferencedTrees)
	db.internalTxn = txn.New(db.idGen, db.locks, db.redo, storage.NoRedoDurability, opts.LockTimeout, db)

	extra := pageStore.ActiveExtra()
	db.registryTree = btree.New(pageStore, db.alloc, db.cache, registryTreeID, extra.RootPageID, opts.PageSize)
	db.trees[registryTreeID] = db.registryTree

	keyMapRoot, err := db.lookupRegistryRoot(keyMapTreeID)
	if err != nil {
		db.teardown()
		return nil, err
	}
	db.keyMapTree = btree.New(pageStore, db.alloc, db.cache, keyMapTreeID, keyMapRoot, opts.PageSize)
	db.trees[keyMapTreeID] = db.keyMapTree

	trashRoot, err := db.lookupRegistryRoot(fragmentTrashTreeID)
	if err != nil {
		db.teardown()
		return nil, err
	}
	db.trashTree = btree.New(pageStore, db.alloc, db.cache, fragmentTrashTreeID, trashRoot, opts.PageSize)
	db.trees[fragmentTrashTreeID] = db.trashTree

	if err := db.loadTreeIDState(); err != nil {
		db.teardown()
		return nil, err
	}

	db.checkpoint = storage.NewCheckpointer(db, opts.CheckpointSizeThreshold, opts.CheckpointDelayThreshold, db.zapLog)

	recovery := storage.NewRecovery(db, opts.Crypto, db.zapLog)
	if _, err := recovery.Run(); err != nil {
		db.teardown()
		return nil, errors.Wrap(err, "pagekv: recovery")
	}

	if !opts.ReadOnly {
		if err := storage.WriteInfoFile(opts.BaseFilePath+".info", opts, pageStore.ActiveExtra()); err != nil {
			db.teardown()
			return nil, err
		}
		db.startCheckpointTimer()
	}

	return db, nil
}

// newZapLogger builds a standalone zap logger for the storage internals
// that require a concrete *zap.SugaredLogger handle.
func newZapLogger() *zap.SugaredLogger {
	l, _ := zap.NewProduction()
	return l.Sugar()
}

func (db *Database) lookupRegistryRoot(id uint64) (storage.PageID, error) {
	cur := db.registryTree.NewCursor()
	defer cur.Close()
	if err := cur.Find(encodeRegistryKey(id)); err != nil {
		return storage.InvalidPageID, err
	}
	if cur.Key() == nil {
		return storage.InvalidPageID, nil
	}
	val, err := cur.Value()
	if err != nil {
		return storage.InvalidPageID, err
	}
	return decodeRegistryValue(val), nil
}

// loadTreeIDState reads the scramble mask and next-id counter from the
// key-map tree, generating them on first open (spec invariant 8).
func (db *Database) loadTreeIDState() error {
	cur := db.keyMapTree.NewCursor()
	defer cur.Close()

	if err := cur.Find([]byte{keyMapMaskKey}); err != nil {
		return err
	}
	if cur.Key() != nil {
		v, err := cur.Value()
		if err != nil {
			return err
		}
		db.treeIDMask = beUint64(v)
	} else {
		db.treeIDMask = newTreeIDMask()
		if err := cur.Store(db.internalTxn, []byte{keyMapMaskKey}, beBytes(db.treeIDMask)); err != nil {
			return err
		}
	}

	if err := cur.Find([]byte{keyMapCounterKey}); err != nil {
		return err
	}
	if cur.Key() != nil {
		v, err := cur.Value()
		if err != nil {
			return err
		}
		db.treeIDCounter = beUint64(v)
	} else {
		db.treeIDCounter = firstUserTreeID
	}
	return nil
}

func (db *Database) persistTreeIDCounter() error {
	cur := db.keyMapTree.NewCursor()
	defer cur.Close()
	return cur.Store(db.internalTxn, []byte{keyMapCounterKey}, beBytes(db.treeIDCounter))
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func beBytes(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

// reclaimUnreferencedTrees is the node cache's last-resort eviction hook
// (spec §4.3): it drops *btree.Tree handles for indexes with no open
// reference, so their nodes become collectible on the next eviction pass.
func (db *Database) reclaimUnreferencedTrees() {
	db.treesMu.Lock()
	defer db.treesMu.Unlock()
	for id := range db.trees {
		if isReservedTreeID(id) {
			continue
		}
		if db.treeRefs[id] == 0 {
			delete(db.trees, id)
		}
	}
}

func (db *Database) incTreeRef(id uint64) {
	db.treesMu.Lock()
	db.treeRefs[id]++
	db.treesMu.Unlock()
}

func (db *Database) decTreeRef(id uint64) {
	db.treesMu.Lock()
	if db.treeRefs[id] > 0 {
		db.treeRefs[id]--
	}
	db.treesMu.Unlock()
}

func (db *Database) startCheckpointTimer() {
	if db.opts.CheckpointRate <= 0 {
		return
	}
	db.timerWG.Add(1)
	go func() {
		defer db.timerWG.Done()
		ticker := time.NewTicker(db.opts.CheckpointRate)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := db.Checkpoint(); err != nil && db.log != nil {
					db.log.Warn("background checkpoint failed", "error", err)
				}
			case <-db.stopTimer:
				return
			}
		}
	}()
}

// Checkpoint forces an immediate checkpoint attempt (spec §4.10).
func (db *Database) Checkpoint() error {
	if err := db.checkClosed(); err != nil {
		return err
	}
	db.treesMu.Lock()
	err := db.syncRegistry()
	db.treesMu.Unlock()
	if err != nil {
		return err
	}
	_, err = db.checkpoint.Run()
	return err
}

func (db *Database) checkClosed() error {
	db.closedMu.RLock()
	defer db.closedMu.RUnlock()
	if db.closedErr != nil {
		return &storage.ClosedError{Cause: db.closedErr}
	}
	return nil
}

// markClosed records the cause of an unrecoverable failure, surfacing
// ClosedError from every subsequent operation (spec §7 panic handling).
func (db *Database) markClosed(cause error) {
	db.closedMu.Lock()
	defer db.closedMu.Unlock()
	if db.closedErr == nil {
		db.closedErr = cause
	}
	if db.opts.EventListener != nil && cause != nil {
		db.opts.EventListener.OnPanic(cause)
	}
}

// Close flushes a final checkpoint and releases every resource held by the
// database. Close is idempotent.
func (db *Database) Close() error {
	var err error
	db.closeOnce.Do(func() {
		close(db.stopTimer)
		db.timerWG.Wait()

		if !db.opts.ReadOnly {
			_ = db.Checkpoint()
		}

		db.cache.Close()
		if cerr := db.redo.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := db.pageStore.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if db.fileLock != nil {
			if cerr := db.fileLock.Release(); cerr != nil && err == nil {
				err = cerr
			}
		}
		db.markClosed(storage.ErrClosed)
	})
	return err
}

// Destroy erases any existing files at opts.BaseFilePath and its companions,
// then opens a fresh database (spec §6: "destroy(config) (erases existing
// files then opens)").
func Destroy(opts Options) (*Database, error) {
	if opts.ReadOnly {
		return nil, storage.ErrReadOnlyDestroy
	}
	for _, suffix := range []string{"", ".lock", ".info"} {
		_ = os.Remove(opts.BaseFilePath + suffix)
	}
	matches, _ := filepath.Glob(opts.BaseFilePath + ".redo.*")
	for _, m := range matches {
		_ = os.Remove(m)
	}
	return Open(opts)
}

// RestoreFromSnapshot erases any existing files at opts.BaseFilePath, writes
// r's bytes as the fresh data file, then opens it normally: ordinary
// recovery then replays whatever redo state the snapshot captured (spec §6).
func RestoreFromSnapshot(opts Options, r io.Reader) (*Database, error) {
	if opts.ReadOnly {
		return nil, storage.ErrReadOnlyDestroy
	}
	for _, suffix := range []string{"", ".lock", ".info"} {
		_ = os.Remove(opts.BaseFilePath + suffix)
	}
	matches, _ := filepath.Glob(opts.BaseFilePath + ".redo.*")
	for _, m := range matches {
		_ = os.Remove(m)
	}

	f, err := os.OpenFile(opts.BaseFilePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "pagekv: create snapshot target")
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "pagekv: write snapshot bytes")
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return Open(opts)
}

// NewTransaction begins a new transaction under the given durability mode
// (spec §4.9). The transaction is not attached to any lock until its first
// mutation.
func (db *Database) NewTransaction(durability DurabilityMode) *Transaction {
	inner := txn.New(db.idGen, db.locks, db.redo, durability, db.opts.LockTimeout, db)
	db.liveMu.Lock()
	db.live[inner] = struct{}{}
	db.liveMu.Unlock()

	requestID := logging.GenerateRequestID()
	var log logging.Logger
	if db.log != nil {
		log = db.log.WithRequestID(requestID)
	}
	return &Transaction{db: db, inner: inner, requestID: requestID, log: log}
}

func (db *Database) forgetLive(inner *txn.Transaction) {
	db.liveMu.Lock()
	delete(db.live, inner)
	db.liveMu.Unlock()
}

func (db *Database) teardown() {
	if db.redo != nil {
		db.redo.Close()
	}
	if db.pageStore != nil {
		db.pageStore.Close()
	}
	if db.fileLock != nil {
		db.fileLock.Release()
	}
}
