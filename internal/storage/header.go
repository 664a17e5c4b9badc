package storage

import "encoding/binary"

// File header constants (spec §6: "Page file format").
const (
	// HeaderExtraSize is the size of the caller-supplied payload area inside
	// each file header: encodingVersion(4) | rootPageId(8) |
	// masterUndoLogPageId(8) | transactionId(8) | redoPosition(8) | redoTxnId(8).
	HeaderExtraSize = 44

	// headerFixedSize is magic(4) + formatVersion(4) + commitCounter(8) +
	// extra(44) + checksum(4).
	headerFixedSize = 4 + 4 + 8 + HeaderExtraSize + 4

	// CurrentFormatVersion is the on-disk page-store format version.
	CurrentFormatVersion uint32 = 1
)

// Magic identifies a pagekv data file: "PKV\x00".
var Magic = [4]byte{'P', 'K', 'V', 0x00}

// HeaderExtra is the caller-filled payload written into every commit header.
// PageStore.commit's prepare() callback returns these bytes; Recovery reads
// them back from whichever header slot is active.
type HeaderExtra struct {
	EncodingVersion     uint32
	RootPageID          PageID
	MasterUndoLogPageID PageID
	TransactionID       uint64
	RedoPosition        uint64
	RedoTxnID           uint64
}

func (e HeaderExtra) serializeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], e.EncodingVersion)
	binary.LittleEndian.PutUint64(buf[4:12], uint64(e.RootPageID))
	binary.LittleEndian.PutUint64(buf[12:20], uint64(e.MasterUndoLogPageID))
	binary.LittleEndian.PutUint64(buf[20:28], e.TransactionID)
	binary.LittleEndian.PutUint64(buf[28:36], e.RedoPosition)
	binary.LittleEndian.PutUint64(buf[36:44], e.RedoTxnID)
}

func deserializeHeaderExtra(buf []byte) HeaderExtra {
	return HeaderExtra{
		EncodingVersion:     binary.LittleEndian.Uint32(buf[0:4]),
		RootPageID:          PageID(binary.LittleEndian.Uint64(buf[4:12])),
		MasterUndoLogPageID: PageID(binary.LittleEndian.Uint64(buf[12:20])),
		TransactionID:       binary.LittleEndian.Uint64(buf[20:28]),
		RedoPosition:        binary.LittleEndian.Uint64(buf[28:36]),
		RedoTxnID:           binary.LittleEndian.Uint64(buf[36:44]),
	}
}

// fileHeader is one of the two on-disk commit headers. The active slot is
// whichever has a valid checksum and the higher CommitCounter (invariant 6:
// a redo position P is durable iff the active header records redoPos >= P).
type fileHeader struct {
	Magic         [4]byte
	FormatVersion uint32
	CommitCounter uint64
	Extra         HeaderExtra
	Checksum      uint32
}

func newFileHeader() *fileHeader {
	return &fileHeader{Magic: Magic, FormatVersion: CurrentFormatVersion}
}

func (h *fileHeader) serializeTo(buf []byte) error {
	if len(buf) < headerFixedSize {
		return ErrInvalidPageSize
	}
	for i := 0; i < headerFixedSize; i++ {
		buf[i] = 0
	}
	copy(buf[0:4], h.Magic[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.FormatVersion)
	binary.LittleEndian.PutUint64(buf[8:16], h.CommitCounter)
	h.Extra.serializeTo(buf[16 : 16+HeaderExtraSize])
	sumOffset := 16 + HeaderExtraSize
	h.Checksum = checksum32(buf[0:sumOffset])
	binary.LittleEndian.PutUint32(buf[sumOffset:sumOffset+4], h.Checksum)
	return nil
}

func deserializeFileHeader(buf []byte) (*fileHeader, error) {
	if len(buf) < headerFixedSize {
		return nil, ErrInvalidPageSize
	}
	h := &fileHeader{}
	copy(h.Magic[:], buf[0:4])
	h.FormatVersion = binary.LittleEndian.Uint32(buf[4:8])
	h.CommitCounter = binary.LittleEndian.Uint64(buf[8:16])
	h.Extra = deserializeHeaderExtra(buf[16 : 16+HeaderExtraSize])
	sumOffset := 16 + HeaderExtraSize
	h.Checksum = binary.LittleEndian.Uint32(buf[sumOffset : sumOffset+4])

	if h.Magic != Magic {
		return h, ErrInvalidMagic
	}
	if checksum32(buf[0:sumOffset]) != h.Checksum {
		return h, ErrHeaderChecksum
	}
	return h, nil
}
