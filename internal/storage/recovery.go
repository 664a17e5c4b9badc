package storage

import (
	"io"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RecoveryTarget is the narrow surface Recovery drives while reconstructing
// state after a restart (spec §4.11). Database implements it.
type RecoveryTarget interface {
	ActiveExtra() HeaderExtra
	LoadMasterUndoLog(id PageID) (map[uint64]PageID, error)
	RebuildUndoLog(txnID uint64, headPageID PageID) error
	LockUpgradableForRecovery(txnID uint64) error
	ApplyRedoStore(treeID uint64, key, value []byte) error
	ApplyRedoDelete(treeID uint64, key []byte) error
	ForgetRecoveredTxn(txnID uint64)
	RollbackRecoveredTxn(txnID uint64) error
	ForceCheckpoint() error
	EmptyFragmentedTrash() error
	SetHasCheckpointed()
	BaseFilePath() string
	PageSize() int
}

// Recovery replays redo after applying the master undo log, reconciling
// surviving transactions (spec §4.11).
type Recovery struct {
	target RecoveryTarget
	crypto CryptoProvider
	log    *zap.SugaredLogger
}

// NewRecovery constructs a Recovery driver against target. crypto may be nil;
// when set it must be the same CryptoProvider the redo writer that produced
// these segments was opened with, so replay can decrypt them.
func NewRecovery(target RecoveryTarget, crypto CryptoProvider, log *zap.SugaredLogger) *Recovery {
	return &Recovery{target: target, crypto: crypto, log: log}
}

// Run executes the six-step recovery protocol. It returns whether any
// recovery work actually occurred (surviving txns or replayed redo), which
// the caller uses to decide whether to force an immediate checkpoint.
func (r *Recovery) Run() (bool, error) {
	extra := r.target.ActiveExtra()
	didWork := false

	// Step 2: reconstruct per-txn undo logs from the master undo log.
	live := map[uint64]PageID{}
	if extra.MasterUndoLogPageID != InvalidPageID {
		var err error
		live, err = r.target.LoadMasterUndoLog(extra.MasterUndoLogPageID)
		if err != nil {
			return false, errors.Wrap(err, "storage: load master undo log")
		}
		for txnID, headPage := range live {
			if err := r.target.RebuildUndoLog(txnID, headPage); err != nil {
				return false, errors.Wrap(err, "storage: rebuild undo log")
			}
			if err := r.target.LockUpgradableForRecovery(txnID); err != nil {
				return false, errors.Wrap(err, "storage: lock recovered txn")
			}
			didWork = true
		}
	}

	// Step 3: replay redo from extra.RedoPosition forward. Terminator
	// mismatches or EOF mean the tail of that segment is torn; stop
	// consuming it and move to the next segment rather than failing.
	lastOpByTxn := map[uint64]RedoOp{}
	segNum, consumed := uint64(0), uint64(0)
	for {
		path := filepath.Join(filepath.Dir(r.target.BaseFilePath()), segmentFileName(r.target.BaseFilePath(), segNum))
		reader, err := OpenRedoSegmentReader(path, consumed, r.crypto)
		if err != nil {
			break // no more segments
		}

		for {
			rec, err := reader.Next()
			if err == io.EOF {
				break
			}
			if errors.Is(err, ErrTruncatedTail) {
				if r.log != nil {
					r.log.Warnw("torn redo tail, stopping segment early", "segment", segNum)
				}
				break
			}
			if err != nil {
				reader.Close()
				return didWork, err
			}

			if rec.EndPos <= extra.RedoPosition {
				continue
			}

			if err := r.applyRecord(rec); err != nil {
				reader.Close()
				return didWork, err
			}
			lastOpByTxn[rec.TxnID] = rec.Op
			consumed = rec.EndPos
			didWork = true
		}
		reader.Close()
		segNum++
	}

	// Step 4: resolve every surviving txn: committed ones are forgotten,
	// others are rolled back via their reconstructed undo log.
	for txnID := range live {
		if lastOpByTxn[txnID] == RedoTxnCommit {
			r.target.ForgetRecoveredTxn(txnID)
		} else {
			if err := r.target.RollbackRecoveredTxn(txnID); err != nil {
				return didWork, errors.Wrap(err, "storage: rollback recovered txn")
			}
		}
		didWork = true
	}

	// Step 5: if any recovery work occurred, force an immediate checkpoint
	// then empty the fragmented-trash tree.
	if didWork {
		if err := r.target.ForceCheckpoint(); err != nil {
			return didWork, errors.Wrap(err, "storage: post-recovery checkpoint")
		}
		if err := r.target.EmptyFragmentedTrash(); err != nil {
			return didWork, errors.Wrap(err, "storage: empty fragmented trash")
		}
	}

	// Step 6: mark durable recovery complete.
	r.target.SetHasCheckpointed()
	return didWork, nil
}

func (r *Recovery) applyRecord(rec *RedoRecord) error {
	switch rec.Op {
	case RedoStore, RedoStoreNoLock:
		return r.target.ApplyRedoStore(rec.TreeID, rec.Key, rec.Value)
	case RedoDelete, RedoDeleteNoLock:
		return r.target.ApplyRedoDelete(rec.TreeID, rec.Key)
	default:
		return nil // txn boundaries and control ops carry no tree mutation
	}
}

func segmentFileName(basePath string, n uint64) string {
	return filepath.Base(basePath) + ".redo." + itoa(n)
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
