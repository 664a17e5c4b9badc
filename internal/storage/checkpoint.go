package storage

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// CheckpointTarget is what the Checkpointer orchestrates a flush against: the
// registry tree's root latch, the allocator's dirty-color queues, and the
// redo writer's position. Database implements this; it is kept as a narrow
// interface so checkpoint.go and recovery.go can be tested without the full
// engine.
type CheckpointTarget interface {
	RegistryRootLatch() *Latch
	Allocator() *PageAllocator
	Redo() *RedoWriter
	PageStore() *PageStore
	HasDirtyNodes() bool
	BuildMasterUndoLog() (PageID, error)
	TruncateMasterUndoLog(PageID) error
	EncodingVersion() uint32
	RootPageID() PageID
	NextTransactionID() uint64
}

// Checkpointer orchestrates quiescence, flush, header swap, and redo
// rotation (spec §4.10). It is driven either on demand or by a timer/size
// threshold.
type Checkpointer struct {
	target CheckpointTarget
	log    *zap.SugaredLogger

	sizeThreshold int64
	delayMax      time.Duration
}

// NewCheckpointer constructs a Checkpointer against target.
func NewCheckpointer(target CheckpointTarget, sizeThreshold int64, delayMax time.Duration, log *zap.SugaredLogger) *Checkpointer {
	return &Checkpointer{target: target, sizeThreshold: sizeThreshold, delayMax: delayMax, log: log}
}

// Run executes one checkpoint attempt following the nine-step protocol in
// spec §4.10. It returns (false, nil) for the no-op fast path of step 1.
func (c *Checkpointer) Run() (bool, error) {
	// Step 1: nothing dirty → just sync redo.
	if !c.target.HasDirtyNodes() {
		return false, c.target.Redo().Sync()
	}

	// Step 2: open the next redo segment outside any lock.
	if err := c.target.Redo().CheckpointPrepare(); err != nil {
		return false, errors.Wrap(err, "storage: checkpoint prepare redo")
	}

	// Step 3: acquire the exclusive commit lock with exponential backoff,
	// de-prioritizing long shared holders without starving the checkpointer.
	if err := c.acquireExclusiveWithBackoff(); err != nil {
		return false, err
	}

	// Step 4: acquire the registry root's shared latch; if unavailable,
	// release the commit lock and restart from step 3.
	rootLatch := c.target.RegistryRootLatch()
	for !rootLatch.TryShared() {
		c.target.PageStore().ExclusiveCommitUnlock()
		if err := c.acquireExclusiveWithBackoff(); err != nil {
			return false, err
		}
	}

	// Step 5: capture redo position/txn id, flip the commit color.
	redoPos := c.target.Redo().Position()
	redoTxnID := c.target.NextTransactionID()
	frozenColor := c.target.Allocator().FlipColor()

	// Step 6: release root latch and exclusive commit lock; writers resume,
	// dirtying only the new color.
	rootLatch.ReleaseShared()
	c.target.PageStore().ExclusiveCommitUnlock()

	// Step 7: build the master undo log referencing every in-flight txn.
	masterUndoID, err := c.target.BuildMasterUndoLog()
	if err != nil {
		c.abort()
		return false, errors.Wrap(err, "storage: build master undo log")
	}

	// Step 8: commit. Inside prepare, flush the frozen color then return
	// the new header extra bytes.
	err = c.target.PageStore().Commit(func() (HeaderExtra, error) {
		if err := c.target.Allocator().FlushDirtyNodes(frozenColor); err != nil {
			return HeaderExtra{}, err
		}
		return HeaderExtra{
			EncodingVersion:     c.target.EncodingVersion(),
			RootPageID:          c.target.RootPageID(),
			MasterUndoLogPageID: masterUndoID,
			TransactionID:       redoTxnID,
			RedoPosition:        redoPos,
			RedoTxnID:           redoTxnID,
		}, nil
	})
	if err != nil {
		// If step 8 throws, the flush state is reverted and the exclusive
		// commit lock is released on behalf of the caller; the checkpoint
		// is aborted (spec §4.10).
		c.abort()
		return false, errors.Wrap(err, "storage: checkpoint commit")
	}

	// Step 9: truncate the master undo log and release old redo segments.
	if err := c.target.TruncateMasterUndoLog(masterUndoID); err != nil {
		return true, errors.Wrap(err, "storage: truncate master undo log")
	}
	if err := c.target.Redo().CheckpointSwitch(); err != nil {
		return true, err
	}
	if err := c.target.Redo().Checkpointed(redoPos); err != nil {
		return true, err
	}

	if c.log != nil {
		c.log.Infow("checkpoint complete", "redoPos", redoPos, "redoTxnId", redoTxnID)
	}
	return true, nil
}

func (c *Checkpointer) abort() {
	if c.target.PageStore().TryExclusiveCommitLock() {
		c.target.PageStore().ExclusiveCommitUnlock()
	}
}

// acquireExclusiveWithBackoff tries the exclusive commit lock with
// exponentially increasing timed tries (spec §4.10 step 3). It is itself
// non-cancellable, matching spec §5's cancellation rules.
func (c *Checkpointer) acquireExclusiveWithBackoff() error {
	delay := time.Millisecond
	for {
		if c.target.PageStore().TryExclusiveCommitLock() {
			return nil
		}
		time.Sleep(delay)
		delay *= 2
		if delay > c.delayMax {
			delay = c.delayMax
		}
	}
}

// ShouldCheckpoint reports whether the size threshold has been exceeded
// since the last checkpoint. Nothing in the engine calls it.
func ShouldCheckpoint(bytesSinceLast, threshold int64) bool {
	return threshold > 0 && bytesSinceLast >= threshold
}
