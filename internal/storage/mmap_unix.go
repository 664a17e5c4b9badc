//go:build unix || darwin || linux

package storage

import "golang.org/x/sys/unix"

// mapFile maps the file using golang.org/x/sys/unix, which wraps mmap(2)
// with a stable cross-platform signature (vs. the lower-level syscall
// package, which varies its constant names per GOOS).
func (m *MmapManager) mapFile() error {
	if m.data != nil {
		return ErrMmapAlreadyMapped
	}

	prot := unix.PROT_READ
	if !m.readOnly {
		prot |= unix.PROT_WRITE
	}

	data, err := unix.Mmap(int(m.file.Fd()), 0, int(m.size), prot, unix.MAP_SHARED)
	if err != nil {
		return err
	}

	m.data = data
	return nil
}

func (m *MmapManager) unmapFile() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

func (m *MmapManager) syncFile() error {
	if m.data == nil {
		return ErrMmapNotMapped
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

// Advise hints the kernel about expected access patterns for the mapped region.
func (m *MmapManager) Advise(advice int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMmapClosed
	}
	if m.data == nil {
		return ErrMmapNotMapped
	}
	return unix.Madvise(m.data, advice)
}

// MadviseSequential hints that pages will be accessed sequentially.
func (m *MmapManager) MadviseSequential() error { return m.Advise(unix.MADV_SEQUENTIAL) }

// MadviseRandom hints that pages will be accessed randomly.
func (m *MmapManager) MadviseRandom() error { return m.Advise(unix.MADV_RANDOM) }

// MadviseWillNeed hints that pages will be needed soon.
func (m *MmapManager) MadviseWillNeed() error { return m.Advise(unix.MADV_WILLNEED) }

// MadviseDontNeed hints that pages won't be needed soon.
func (m *MmapManager) MadviseDontNeed() error { return m.Advise(unix.MADV_DONTNEED) }

// Lock locks the mapped pages in memory, preventing them from being paged out.
func (m *MmapManager) Lock() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMmapClosed
	}
	if m.data == nil {
		return ErrMmapNotMapped
	}
	return unix.Mlock(m.data)
}

// Unlock unlocks pages locked by Lock.
func (m *MmapManager) Unlock() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMmapClosed
	}
	if m.data == nil {
		return ErrMmapNotMapped
	}
	return unix.Munlock(m.data)
}
