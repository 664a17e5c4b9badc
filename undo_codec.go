package pagekv

import (
	"encoding/binary"

	"github.com/pagekv/pagekv/internal/storage"
	"github.com/pagekv/pagekv/internal/txn"
)

// encodeUndoRecords serializes one transaction's live undo records into the
// byte payload spilled to a page chain by writeChain (spec §4.7). Each
// record is kind(1) | treeId(8) | keyLen(4) | key | prevLen(4) | prevValue,
// with prevLen == 0xFFFFFFFF distinguishing a nil PrevValue from an empty one.
func encodeUndoRecords(records []txn.UndoRecord) []byte {
	var out []byte
	for _, r := range records {
		out = append(out, byte(r.Kind))

		var treeBuf [8]byte
		binary.LittleEndian.PutUint64(treeBuf[:], r.TreeID)
		out = append(out, treeBuf[:]...)

		out = append(out, encodeLenPrefixed(r.Key)...)
		out = append(out, encodeLenPrefixed(r.PrevValue)...)
	}
	return out
}

func encodeLenPrefixed(b []byte) []byte {
	var lenBuf [4]byte
	if b == nil {
		binary.LittleEndian.PutUint32(lenBuf[:], 0xFFFFFFFF)
		return lenBuf[:]
	}
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	return append(lenBuf[:], b...)
}

// decodeUndoRecords is the inverse of encodeUndoRecords.
func decodeUndoRecords(buf []byte) ([]txn.UndoRecord, error) {
	var records []txn.UndoRecord
	off := 0
	for off < len(buf) {
		if off+9 > len(buf) {
			return nil, storage.ErrCorruption
		}
		kind := txn.UndoKind(buf[off])
		off++
		treeID := binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8

		key, n, err := decodeLenPrefixed(buf[off:])
		if err != nil {
			return nil, err
		}
		off += n

		prev, n, err := decodeLenPrefixed(buf[off:])
		if err != nil {
			return nil, err
		}
		off += n

		records = append(records, txn.UndoRecord{Kind: kind, TreeID: treeID, Key: key, PrevValue: prev})
	}
	return records, nil
}

func decodeLenPrefixed(buf []byte) ([]byte, int, error) {
	if len(buf) < 4 {
		return nil, 0, storage.ErrCorruption
	}
	l := binary.LittleEndian.Uint32(buf[0:4])
	if l == 0xFFFFFFFF {
		return nil, 4, nil
	}
	if len(buf) < 4+int(l) {
		return nil, 0, storage.ErrCorruption
	}
	return append([]byte(nil), buf[4:4+int(l)]...), 4 + int(l), nil
}

// encodeMasterEntries packs (txnID, headPageID) rows of the master undo log
// (spec §4.10 step 7: "build the master undo log referencing every in-flight
// txn").
func encodeMasterEntries(entries map[uint64]storage.PageID) []byte {
	out := make([]byte, 0, len(entries)*16)
	for txnID, head := range entries {
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[0:8], txnID)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(head))
		out = append(out, buf[:]...)
	}
	return out
}

func decodeMasterEntries(buf []byte) (map[uint64]storage.PageID, error) {
	if len(buf)%16 != 0 {
		return nil, storage.ErrCorruption
	}
	entries := make(map[uint64]storage.PageID, len(buf)/16)
	for off := 0; off < len(buf); off += 16 {
		txnID := binary.LittleEndian.Uint64(buf[off : off+8])
		head := storage.PageID(binary.LittleEndian.Uint64(buf[off+8 : off+16]))
		entries[txnID] = head
	}
	return entries, nil
}
