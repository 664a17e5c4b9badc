package storage

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// RedoOp identifies a logical operation recorded in the redo log (spec §4.8).
type RedoOp byte

const (
	RedoStore RedoOp = iota + 1
	RedoDelete
	RedoStoreNoLock
	RedoDeleteNoLock
	RedoTxnEnter
	RedoTxnRollback
	RedoTxnCommit
	RedoDropIndex
	RedoTimestamp
	RedoEndFile
	RedoShutdown
)

// redoMagic is the fixed 8-byte magic for redo segment headers (spec §6).
var redoMagic = [8]byte{0x05, 0xFE, 0x00, 0x00, 0x00, 0x00, 0x00, 0xBE}

const redoEncodingVersion = 1
const redoSegmentHeaderSize = 8 + 4 + 8 + 4 // magic + version + logId + seed

// RedoWriter is the append-only, segmented, terminator-validated logical
// operation log (spec §4.8). Each record is followed by a 4-byte terminator
// chained from a per-segment xorshift seed so recovery can distinguish a
// torn tail from corruption.
type RedoWriter struct {
	mu sync.Mutex

	dir    string
	baseName string
	logID  uint64

	file   *os.File
	bw     *bufio.Writer
	seed   uint32
	pos    uint64 // monotonic logical position, spans segment rotations
	segNum uint64

	pendingSegNum uint64
	pendingSeed   uint32

	crypto    CryptoProvider
	encStream io.WriteCloser // non-nil when crypto is set: wraps bw, one sealed record per append
}

// NewRedoWriter opens (creating if needed) the first redo segment under dir
// with the given base file name and log id.
func NewRedoWriter(dir, baseName string, logID uint64, crypto CryptoProvider) (*RedoWriter, error) {
	w := &RedoWriter{dir: dir, baseName: baseName, logID: logID, crypto: crypto}
	if err := w.openSegment(0, 1); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RedoWriter) segmentPath(n uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s.redo.%d", w.baseName, n))
}

func (w *RedoWriter) openSegment(n uint64, seed uint32) error {
	f, err := os.OpenFile(w.segmentPath(n), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "storage: open redo segment")
	}

	hdr := make([]byte, redoSegmentHeaderSize)
	copy(hdr[0:8], redoMagic[:])
	binary.LittleEndian.PutUint32(hdr[8:12], redoEncodingVersion)
	binary.LittleEndian.PutUint64(hdr[12:20], w.logID)
	binary.LittleEndian.PutUint32(hdr[20:24], seed)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return err
	}

	w.file = f
	w.bw = bufio.NewWriter(f)
	w.seed = seed
	w.segNum = n
	return w.openEncStreamLocked()
}

// openEncStreamLocked (re)creates the per-segment encrypting stream over bw
// when a CryptoProvider is configured; the segment header itself (magic,
// version, log id, seed) stays in clear so a reader can always identify and
// open the file before it knows whether the body is encrypted.
func (w *RedoWriter) openEncStreamLocked() error {
	if w.crypto == nil {
		w.encStream = nil
		return nil
	}
	enc, err := w.crypto.NewEncryptingStream(w.logID, w.bw)
	if err != nil {
		return errors.Wrap(err, "storage: open redo encrypting stream")
	}
	w.encStream = enc
	return nil
}

// nextTerminator advances the xorshift chain and returns the next 4-byte
// terminator (spec §6: "x ^= x<<13; x ^= x>>17; x ^= x<<5; never zero").
func nextTerminator(x uint32) uint32 {
	x ^= x << 13
	x ^= x >> 17
	x ^= x << 5
	if x == 0 {
		x = 1
	}
	return x
}

// append writes opcode and operands, followed by the chained terminator, and
// returns the record's ending logical position. When a CryptoProvider is
// configured, the whole record (opcode + operands + terminator) is sealed as
// one encrypted frame via encStream so the reader can decrypt and then parse
// it exactly as it would the plaintext bytes (spec §6, §4.8).
func (w *RedoWriter) append(op RedoOp, operands []byte) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seed = nextTerminator(w.seed)
	var term [4]byte
	binary.LittleEndian.PutUint32(term[:], w.seed)

	if w.encStream != nil {
		rec := make([]byte, 0, 1+len(operands)+4)
		rec = append(rec, byte(op))
		rec = append(rec, operands...)
		rec = append(rec, term[:]...)
		if _, err := w.encStream.Write(rec); err != nil {
			return 0, err
		}
	} else {
		if err := w.bw.WriteByte(byte(op)); err != nil {
			return 0, err
		}
		if len(operands) > 0 {
			if _, err := w.bw.Write(operands); err != nil {
				return 0, err
			}
		}
		if _, err := w.bw.Write(term[:]); err != nil {
			return 0, err
		}
	}

	w.pos += uint64(1 + len(operands) + 4)
	return w.pos, nil
}

func encodeStoreOperands(txnID uint64, treeID uint64, key, value []byte) []byte {
	buf := make([]byte, 8+8+4+len(key)+4+len(value))
	o := 0
	binary.LittleEndian.PutUint64(buf[o:], txnID)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], treeID)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], uint32(len(key)))
	o += 4
	o += copy(buf[o:], key)
	binary.LittleEndian.PutUint32(buf[o:], uint32(len(value)))
	o += 4
	copy(buf[o:], value)
	return buf
}

func encodeDeleteOperands(txnID, treeID uint64, key []byte) []byte {
	buf := make([]byte, 8+8+4+len(key))
	o := 0
	binary.LittleEndian.PutUint64(buf[o:], txnID)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], treeID)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], uint32(len(key)))
	o += 4
	copy(buf[o:], key)
	return buf
}

func encodeTxnOperands(txnID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, txnID)
	return buf
}

// Store logs a store(key, value) under treeID for txnID, honoring mode.
func (w *RedoWriter) Store(mode DurabilityMode, txnID, treeID uint64, key, value []byte) (uint64, error) {
	op := RedoStore
	if txnID == 0 {
		op = RedoStoreNoLock
	}
	return w.emit(mode, op, encodeStoreOperands(txnID, treeID, key, value))
}

// Delete logs a delete(key) under treeID for txnID, honoring mode.
func (w *RedoWriter) Delete(mode DurabilityMode, txnID, treeID uint64, key []byte) (uint64, error) {
	op := RedoDelete
	if txnID == 0 {
		op = RedoDeleteNoLock
	}
	return w.emit(mode, op, encodeDeleteOperands(txnID, treeID, key))
}

// TxnCommit logs a commit boundary for txnID.
func (w *RedoWriter) TxnCommit(mode DurabilityMode, txnID uint64) (uint64, error) {
	return w.emit(mode, RedoTxnCommit, encodeTxnOperands(txnID))
}

// TxnRollback logs a rollback boundary for txnID.
func (w *RedoWriter) TxnRollback(mode DurabilityMode, txnID uint64) (uint64, error) {
	return w.emit(mode, RedoTxnRollback, encodeTxnOperands(txnID))
}

// TxnEnter logs entry into a nested scope for txnID.
func (w *RedoWriter) TxnEnter(mode DurabilityMode, txnID uint64) (uint64, error) {
	return w.emit(mode, RedoTxnEnter, encodeTxnOperands(txnID))
}

// emit applies the durability selector from spec §4.8: NO_REDO records
// nothing, NO_FLUSH buffers only, NO_SYNC flushes to the OS, SYNC flushes
// and fsyncs.
func (w *RedoWriter) emit(mode DurabilityMode, op RedoOp, operands []byte) (uint64, error) {
	if mode == NoRedoDurability {
		return 0, nil
	}
	pos, err := w.append(op, operands)
	if err != nil {
		return 0, err
	}
	switch mode {
	case NoFlushDurability:
		return pos, nil
	case NoSyncDurability:
		return pos, w.flushLocked()
	default: // SyncDurability
		if err := w.flushLocked(); err != nil {
			return pos, err
		}
		return pos, w.file.Sync()
	}
}

func (w *RedoWriter) flushLocked() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bw.Flush()
}

// Sync flushes and fsyncs the current segment, used by the checkpointer's
// no-op-dirty fast path (spec §4.10 step 1).
func (w *RedoWriter) Sync() error {
	if err := w.flushLocked(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Position reports the current monotonic logical position.
func (w *RedoWriter) Position() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos
}

// CheckpointPrepare runs outside the commit lock (spec §4.10 step 2). It
// only records the next segment's number and starting terminator seed; it
// does not open the segment file, which CheckpointSwitch does.
func (w *RedoWriter) CheckpointPrepare() error {
	w.mu.Lock()
	next := w.segNum + 1
	seed := w.seed + 1
	if seed == 0 {
		seed = 1
	}
	w.mu.Unlock()

	// The new segment is opened lazily at CheckpointSwitch time so that a
	// checkpoint which aborts after Prepare leaves no orphaned empty file.
	w.pendingSegNum, w.pendingSeed = next, seed
	return nil
}

// CheckpointSwitch finishes the current segment and switches the active one
// (spec §4.10 step 2/8 boundary).
func (w *RedoWriter) CheckpointSwitch() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.bw.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if w.encStream != nil {
		if err := w.encStream.Close(); err != nil {
			return err
		}
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	return w.openSegmentLocked(w.pendingSegNum, w.pendingSeed)
}

func (w *RedoWriter) openSegmentLocked(n uint64, seed uint32) error {
	f, err := os.OpenFile(w.segmentPath(n), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "storage: open redo segment")
	}
	hdr := make([]byte, redoSegmentHeaderSize)
	copy(hdr[0:8], redoMagic[:])
	binary.LittleEndian.PutUint32(hdr[8:12], redoEncodingVersion)
	binary.LittleEndian.PutUint64(hdr[12:20], w.logID)
	binary.LittleEndian.PutUint32(hdr[20:24], seed)
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.bw = bufio.NewWriter(f)
	w.seed = seed
	w.segNum = n
	return w.openEncStreamLocked()
}

// Checkpointed deletes segments strictly below pos (spec §4.10 step 9).
func (w *RedoWriter) Checkpointed(pos uint64) error {
	w.mu.Lock()
	current := w.segNum
	w.mu.Unlock()

	for n := uint64(0); n < current; n++ {
		_ = os.Remove(w.segmentPath(n))
	}
	return nil
}

// Close flushes and closes the active segment.
func (w *RedoWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bw.Flush(); err != nil {
		return err
	}
	if w.encStream != nil {
		if err := w.encStream.Close(); err != nil {
			return err
		}
	}
	return w.file.Close()
}
