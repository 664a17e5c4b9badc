package storage

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// PageStore owns the on-disk page file: fixed-size page I/O, the two-header
// double-buffer commit scheme, and the shared/exclusive commit lock that
// coordinates mutators against the checkpointer (spec §4.1).
type PageStore struct {
	file     *os.File
	mmap     *MmapManager
	pgSize   int
	readOnly bool

	commitMu sync.RWMutex // shared: held by mutators; exclusive: held by checkpointer

	headerMu  sync.Mutex
	active    int // 0 or 1: which header slot is currently active
	headers   [2]*fileHeader
	commitCtr uint64

	crypto CryptoProvider
}

// OpenPageStore opens or creates the page file at path and validates (or
// initializes) its two file headers.
func OpenPageStore(path string, pageSize int, readOnly bool, crypto CryptoProvider) (*PageStore, error) {
	flag := os.O_RDWR | os.O_CREATE
	if readOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "storage: open page file")
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	s := &PageStore{
		file:     file,
		pgSize:   pageSize,
		readOnly: readOnly,
		crypto:   crypto,
	}

	if info.Size() < int64(2*pageSize) {
		if readOnly {
			file.Close()
			return nil, ErrUnmodifiable
		}
		if err := s.initializeHeaders(); err != nil {
			file.Close()
			return nil, err
		}
	} else if err := s.loadHeaders(); err != nil {
		file.Close()
		return nil, err
	}

	mmap, err := NewMmapManagerWithOptions(file, info.Size(), MmapOptions{PageSize: pageSize, ReadOnly: readOnly})
	if err != nil {
		file.Close()
		return nil, err
	}
	s.mmap = mmap

	return s, nil
}

func (s *PageStore) pageSize() int { return s.pgSize }

func (s *PageStore) initializeHeaders() error {
	buf := make([]byte, 2*s.pgSize)
	h0 := newFileHeader()
	h1 := newFileHeader()
	if err := h0.serializeTo(buf[0:headerFixedSize]); err != nil {
		return err
	}
	if err := h1.serializeTo(buf[s.pgSize : s.pgSize+headerFixedSize]); err != nil {
		return err
	}
	if _, err := s.file.WriteAt(buf, 0); err != nil {
		return err
	}
	s.headers[0], s.headers[1] = h0, h1
	s.active = 0
	return nil
}

func (s *PageStore) loadHeaders() error {
	buf := make([]byte, 2*s.pgSize)
	if _, err := s.file.ReadAt(buf, 0); err != nil {
		return errors.Wrap(err, "storage: read file headers")
	}

	h0, err0 := deserializeFileHeader(buf[0:headerFixedSize])
	h1, err1 := deserializeFileHeader(buf[s.pgSize : s.pgSize+headerFixedSize])

	switch {
	case err0 != nil && err1 != nil:
		return errors.Wrap(ErrCorruption, "storage: both file headers invalid")
	case err0 != nil:
		s.headers[0], s.headers[1] = h1, h1
		s.active = 1
	case err1 != nil:
		s.headers[0], s.headers[1] = h0, h0
		s.active = 0
	default:
		s.headers[0], s.headers[1] = h0, h1
		if h1.CommitCounter > h0.CommitCounter {
			s.active = 1
		} else {
			s.active = 0
		}
	}
	s.commitCtr = s.headers[s.active].CommitCounter
	return nil
}

// ActiveExtra returns the HeaderExtra payload of the currently active header.
func (s *PageStore) ActiveExtra() HeaderExtra {
	s.headerMu.Lock()
	defer s.headerMu.Unlock()
	return s.headers[s.active].Extra
}

// SharedCommitLock is held by every mutator for the duration of a structural
// change (spec §4.1, §5 ordering rule 3: acquired before any node is dirtied).
func (s *PageStore) SharedCommitLock() { s.commitMu.RLock() }

// SharedCommitUnlock releases a shared commit lock hold.
func (s *PageStore) SharedCommitUnlock() { s.commitMu.RUnlock() }

// ExclusiveCommitLock is used by the checkpointer to quiesce mutators during
// the color-flip window.
func (s *PageStore) ExclusiveCommitLock() { s.commitMu.Lock() }

// TryExclusiveCommitLock attempts the exclusive commit lock without blocking,
// used by the checkpointer's exponential-backoff acquisition loop.
func (s *PageStore) TryExclusiveCommitLock() bool { return s.commitMu.TryLock() }

// ExclusiveCommitUnlock releases an exclusive commit lock hold.
func (s *PageStore) ExclusiveCommitUnlock() { s.commitMu.Unlock() }

// Read reads the page with id into buf. If the store was opened with a
// CryptoProvider that also implements PageCipher, the page body (id >= 2;
// the two file headers are never encrypted) is decrypted in place after
// the raw read.
func (s *PageStore) Read(id PageID, buf []byte) error {
	n, err := s.mmap.ReadAt(buf, int64(id)*int64(s.pgSize))
	if err != nil {
		return errors.Wrap(err, "storage: read page")
	}
	if n < len(buf) {
		return errors.Wrap(ErrCorruption, "storage: short page read")
	}
	if id >= firstAllocatablePageID {
		if cipher, ok := s.crypto.(PageCipher); ok {
			if err := cipher.DecryptPage(uint64(id), buf, buf); err != nil {
				return errors.Wrap(err, "storage: decrypt page")
			}
		}
	}
	return nil
}

// write is the unexported form used by the allocator and node cache, which
// hold no knowledge of the exclusive/shared commit lock discipline
// themselves — callers are expected to already hold the appropriate lock.
func (s *PageStore) write(id PageID, buf []byte) error {
	if s.readOnly {
		return ErrUnmodifiable
	}
	payload := buf
	if id >= firstAllocatablePageID {
		if cipher, ok := s.crypto.(PageCipher); ok {
			encrypted := make([]byte, len(buf))
			if err := cipher.EncryptPage(uint64(id), encrypted, buf); err != nil {
				return errors.Wrap(err, "storage: encrypt page")
			}
			payload = encrypted
		}
	}
	off := int64(id) * int64(s.pgSize)
	if off+int64(len(payload)) > s.mmap.Size() {
		if err := s.mmap.Remap(off + int64(len(payload))); err != nil {
			return err
		}
	}
	_, err := s.mmap.WriteAt(payload, off)
	return err
}

// Write is the exported, lock-disciplined form of write used outside the
// allocator's own flush path.
func (s *PageStore) Write(id PageID, buf []byte) error { return s.write(id, buf) }

// PrepareFunc returns the bytes of the new header extra area; the caller
// fills it with root page id, redo position, etc. (spec §4.1).
type PrepareFunc func() (HeaderExtra, error)

// Commit performs the two-header double-write commit protocol. It neither
// takes nor checks the exclusive commit lock: the Checkpointer calls it at
// step 8, after releasing that lock at step 6 (spec §4.10).
func (s *PageStore) Commit(prepare PrepareFunc) error {
	if s.readOnly {
		return ErrUnmodifiable
	}

	extra, err := prepare()
	if err != nil {
		return err
	}

	if err := s.mmap.Sync(); err != nil {
		return errors.Wrap(err, "storage: sync dirty pages")
	}

	s.headerMu.Lock()
	defer s.headerMu.Unlock()

	inactive := 1 - s.active
	h := newFileHeader()
	h.CommitCounter = s.commitCtr + 1
	h.Extra = extra

	buf := make([]byte, s.pgSize)
	if err := h.serializeTo(buf[:headerFixedSize]); err != nil {
		return err
	}
	if _, err := s.file.WriteAt(buf, int64(inactive)*int64(s.pgSize)); err != nil {
		return errors.Wrap(err, "storage: write inactive header")
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "storage: sync header")
	}

	s.headers[inactive] = h
	s.active = inactive
	s.commitCtr = h.CommitCounter
	return nil
}

// Close flushes and closes the underlying file.
func (s *PageStore) Close() error {
	if s.mmap != nil {
		if !s.readOnly {
			_ = s.mmap.Sync()
		}
		if err := s.mmap.Close(); err != nil {
			return err
		}
	}
	return s.file.Close()
}
