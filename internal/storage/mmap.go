package storage

import (
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Mmap errors.
var (
	ErrMmapNotMapped      = errors.New("storage: file is not memory mapped")
	ErrMmapAlreadyMapped  = errors.New("storage: file is already memory mapped")
	ErrMmapInvalidSize    = errors.New("storage: invalid mmap size")
	ErrMmapClosed         = errors.New("storage: mmap manager is closed")
	ErrMmapReadOnly       = errors.New("storage: mmap is read-only")
	ErrMmapPageOutOfRange = errors.New("storage: page id out of mmap range")
	ErrFileNotOpen        = errors.New("storage: file is not open")
)

// MmapManager memory-maps a data file for zero-copy page access. Reads go
// straight against the mapped region; writes go through WriteAt followed by
// an explicit Sync (msync/FlushViewOfFile), matching the PageStore's own
// buffering discipline rather than relying on the OS to flush dirty pages on
// its own schedule.
type MmapManager struct {
	file      *os.File
	data      []byte
	size      int64
	pageSize  int
	readOnly  bool
	mu        sync.RWMutex
	closed    bool
	mapHandle uintptr // Windows file mapping handle, unused on Unix
}

// MmapOptions configures the MmapManager.
type MmapOptions struct {
	PageSize int
	ReadOnly bool
}

// DefaultMmapOptions returns the default MmapManager options.
func DefaultMmapOptions() MmapOptions {
	return MmapOptions{PageSize: DefaultPageSize}
}

// NewMmapManager maps file, using the current file size unless size is given.
func NewMmapManager(file *os.File, size int64) (*MmapManager, error) {
	return NewMmapManagerWithOptions(file, size, DefaultMmapOptions())
}

// NewMmapManagerWithOptions maps file with custom options.
func NewMmapManagerWithOptions(file *os.File, size int64, opts MmapOptions) (*MmapManager, error) {
	if file == nil {
		return nil, ErrFileNotOpen
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = info.Size()
	}
	if size < int64(opts.PageSize) {
		size = int64(opts.PageSize)
	}
	size = alignToPageSize(size, opts.PageSize)

	if info.Size() < size && !opts.ReadOnly {
		if err := file.Truncate(size); err != nil {
			return nil, err
		}
	}

	m := &MmapManager{
		file:     file,
		pageSize: opts.PageSize,
		size:     size,
		readOnly: opts.ReadOnly,
	}
	if err := m.mapFile(); err != nil {
		return nil, err
	}
	return m, nil
}

func alignToPageSize(size int64, pageSize int) int64 {
	ps := int64(pageSize)
	if size%ps == 0 {
		return size
	}
	return ((size / ps) + 1) * ps
}

// Close unmaps the file.
func (m *MmapManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMmapClosed
	}
	m.closed = true
	if m.data == nil {
		return nil
	}
	return m.unmapFile()
}

// GetPage returns a zero-copy slice into the mapped region for id.
func (m *MmapManager) GetPage(id PageID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrMmapClosed
	}
	if m.data == nil {
		return nil, ErrMmapNotMapped
	}
	offset := int64(id) * int64(m.pageSize)
	end := offset + int64(m.pageSize)
	if end > m.size {
		return nil, ErrMmapPageOutOfRange
	}
	return m.data[offset:end], nil
}

// GetPageRange returns a slice covering count consecutive pages starting at startID.
func (m *MmapManager) GetPageRange(startID PageID, count int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrMmapClosed
	}
	if m.data == nil {
		return nil, ErrMmapNotMapped
	}
	if count <= 0 {
		return nil, ErrMmapInvalidSize
	}
	offset := int64(startID) * int64(m.pageSize)
	end := offset + int64(count)*int64(m.pageSize)
	if end > m.size {
		return nil, ErrMmapPageOutOfRange
	}
	return m.data[offset:end], nil
}

// Remap grows or shrinks the mapping, extending the backing file first.
func (m *MmapManager) Remap(newSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrMmapClosed
	}
	if m.readOnly {
		return ErrMmapReadOnly
	}
	if newSize <= 0 {
		return ErrMmapInvalidSize
	}
	newSize = alignToPageSize(newSize, m.pageSize)
	if newSize == m.size {
		return nil
	}
	if m.data != nil {
		if err := m.unmapFile(); err != nil {
			return err
		}
	}
	info, err := m.file.Stat()
	if err != nil {
		return err
	}
	if info.Size() < newSize {
		if err := m.file.Truncate(newSize); err != nil {
			return err
		}
	}
	m.size = newSize
	return m.mapFile()
}

// Sync flushes the mapped region to the backing file (msync/FlushViewOfFile).
func (m *MmapManager) Sync() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMmapClosed
	}
	if m.data == nil {
		return ErrMmapNotMapped
	}
	return m.syncFile()
}

// Size returns the current mapped size in bytes.
func (m *MmapManager) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// PageSize returns the page size used for alignment.
func (m *MmapManager) PageSize() int { return m.pageSize }

// PageCount returns the number of pages in the mapped region.
func (m *MmapManager) PageCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size / int64(m.pageSize)
}

// IsReadOnly reports whether the mapping is read-only.
func (m *MmapManager) IsReadOnly() bool { return m.readOnly }

// IsMapped reports whether the file is currently mapped.
func (m *MmapManager) IsMapped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data != nil && !m.closed
}

// File returns the underlying file.
func (m *MmapManager) File() *os.File { return m.file }

// ReadAt reads from the mapped region at off.
func (m *MmapManager) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrMmapClosed
	}
	if m.data == nil {
		return 0, ErrMmapNotMapped
	}
	if off < 0 || off >= m.size {
		return 0, ErrMmapPageOutOfRange
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt writes into the mapped region at off. Callers must still call
// Sync for the write to become durable.
func (m *MmapManager) WriteAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrMmapClosed
	}
	if m.readOnly {
		return 0, ErrMmapReadOnly
	}
	if m.data == nil {
		return 0, ErrMmapNotMapped
	}
	if off < 0 || off >= m.size {
		return 0, ErrMmapPageOutOfRange
	}
	return copy(m.data[off:], p), nil
}
