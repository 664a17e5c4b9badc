package storage

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// RedoRecord is one decoded logical operation read back from a segment.
type RedoRecord struct {
	Op      RedoOp
	TxnID   uint64
	TreeID  uint64
	Key     []byte
	Value   []byte
	EndPos  uint64
}

// RedoSegmentReader sequentially decodes records from one redo segment file,
// validating the xorshift-chained terminator after each record (spec §4.8,
// §6). A mismatched or truncated terminator yields ErrTruncatedTail rather
// than ErrCorruption, so Recovery can stop consuming this segment's tail and
// move on to the next one instead of treating it as a hard failure.
//
// src is where records are actually parsed from: the raw file when no
// CryptoProvider is configured, or a decrypting stream over it when one is
// (see RedoWriter.append — each record is sealed as one frame, so a single
// decrypted blob here contains exactly one opcode+operands+terminator run,
// in the same shape the plaintext path parses).
type RedoSegmentReader struct {
	f      *os.File
	src    io.Reader
	dec    io.ReadCloser
	logID  uint64
	seed   uint32
	posBase uint64
}

// OpenRedoSegmentReader opens path and validates its header. crypto may be
// nil, in which case records are read as plaintext.
func OpenRedoSegmentReader(path string, posBase uint64, crypto CryptoProvider) (*RedoSegmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, redoSegmentHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		f.Close()
		return nil, errors.Wrap(ErrTruncatedTail, "storage: redo segment header")
	}
	var magic [8]byte
	copy(magic[:], hdr[0:8])
	if magic != redoMagic {
		f.Close()
		return nil, errors.Wrap(ErrCorruption, "storage: bad redo segment magic")
	}
	logID := binary.LittleEndian.Uint64(hdr[12:20])
	seed := binary.LittleEndian.Uint32(hdr[20:24])

	r := &RedoSegmentReader{f: f, logID: logID, seed: seed, posBase: posBase}
	r.src = f
	if crypto != nil {
		dec, err := crypto.NewDecryptingStream(logID, f)
		if err != nil {
			f.Close()
			return nil, errors.Wrap(err, "storage: open redo decrypting stream")
		}
		r.dec = dec
		r.src = dec
	}
	return r, nil
}

// Next decodes the next record, or returns io.EOF at a clean segment end.
// A torn tail (a partial opcode/operand/terminator) returns ErrTruncatedTail.
func (r *RedoSegmentReader) Next() (*RedoRecord, error) {
	var opByte [1]byte
	n, err := r.src.Read(opByte[:])
	if err == io.EOF || n == 0 {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	op := RedoOp(opByte[0])

	operands, err := r.readOperands(op)
	if err != nil {
		return nil, errors.Wrap(ErrTruncatedTail, "storage: redo operand read")
	}

	var term [4]byte
	if _, err := io.ReadFull(r.src, term[:]); err != nil {
		return nil, errors.Wrap(ErrTruncatedTail, "storage: redo terminator read")
	}
	r.seed = nextTerminator(r.seed)
	if binary.LittleEndian.Uint32(term[:]) != r.seed {
		return nil, errors.Wrap(ErrTruncatedTail, "storage: redo terminator mismatch")
	}

	rec, err := decodeOperands(op, operands)
	if err != nil {
		return nil, err
	}
	r.posBase += uint64(1 + len(operands) + 4)
	rec.EndPos = r.posBase
	return rec, nil
}

func (r *RedoSegmentReader) readOperands(op RedoOp) ([]byte, error) {
	switch op {
	case RedoStore, RedoStoreNoLock:
		return readLenPrefixedDouble(r.src)
	case RedoDelete, RedoDeleteNoLock:
		return readLenPrefixedSingle(r.src)
	case RedoTxnEnter, RedoTxnRollback, RedoTxnCommit:
		buf := make([]byte, 8)
		_, err := io.ReadFull(r.src, buf)
		return buf, err
	case RedoDropIndex:
		buf := make([]byte, 8)
		_, err := io.ReadFull(r.src, buf)
		return buf, err
	case RedoTimestamp:
		buf := make([]byte, 8)
		_, err := io.ReadFull(r.src, buf)
		return buf, err
	case RedoEndFile, RedoShutdown:
		return nil, nil
	default:
		return nil, errors.Wrap(ErrCorruption, "storage: unknown redo opcode")
	}
}

// readLenPrefixedDouble reads txnId(8) treeId(8) keyLen(4) key valueLen(4) value.
func readLenPrefixedDouble(src io.Reader) ([]byte, error) {
	head := make([]byte, 8+8+4)
	if _, err := io.ReadFull(src, head); err != nil {
		return nil, err
	}
	keyLen := binary.LittleEndian.Uint32(head[16:20])
	rest := make([]byte, keyLen+4)
	if _, err := io.ReadFull(src, rest); err != nil {
		return nil, err
	}
	valLen := binary.LittleEndian.Uint32(rest[keyLen : keyLen+4])
	val := make([]byte, valLen)
	if _, err := io.ReadFull(src, val); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(head)+len(rest)+len(val))
	buf = append(buf, head...)
	buf = append(buf, rest...)
	buf = append(buf, val...)
	return buf, nil
}

// readLenPrefixedSingle reads txnId(8) treeId(8) keyLen(4) key.
func readLenPrefixedSingle(src io.Reader) ([]byte, error) {
	head := make([]byte, 8+8+4)
	if _, err := io.ReadFull(src, head); err != nil {
		return nil, err
	}
	keyLen := binary.LittleEndian.Uint32(head[16:20])
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(src, key); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(head)+len(key))
	buf = append(buf, head...)
	buf = append(buf, key...)
	return buf, nil
}

func decodeOperands(op RedoOp, buf []byte) (*RedoRecord, error) {
	rec := &RedoRecord{Op: op}
	switch op {
	case RedoStore, RedoStoreNoLock:
		rec.TxnID = binary.LittleEndian.Uint64(buf[0:8])
		rec.TreeID = binary.LittleEndian.Uint64(buf[8:16])
		keyLen := binary.LittleEndian.Uint32(buf[16:20])
		o := 20
		rec.Key = append([]byte(nil), buf[o:o+int(keyLen)]...)
		o += int(keyLen)
		valLen := binary.LittleEndian.Uint32(buf[o : o+4])
		o += 4
		rec.Value = append([]byte(nil), buf[o:o+int(valLen)]...)
	case RedoDelete, RedoDeleteNoLock:
		rec.TxnID = binary.LittleEndian.Uint64(buf[0:8])
		rec.TreeID = binary.LittleEndian.Uint64(buf[8:16])
		keyLen := binary.LittleEndian.Uint32(buf[16:20])
		rec.Key = append([]byte(nil), buf[20:20+int(keyLen)]...)
	case RedoTxnEnter, RedoTxnRollback, RedoTxnCommit, RedoDropIndex, RedoTimestamp:
		rec.TxnID = binary.LittleEndian.Uint64(buf[0:8])
	}
	return rec, nil
}

// Close closes the underlying segment file.
func (r *RedoSegmentReader) Close() error { return r.f.Close() }
