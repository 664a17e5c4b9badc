//go:build windows

package storage

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapFile maps the file using golang.org/x/sys/windows, which supplies typed
// wrappers over CreateFileMapping/MapViewOfFile instead of hand-rolled
// syscall.NewLazyDLL procedure lookups.
func (m *MmapManager) mapFile() error {
	if m.data != nil {
		return ErrMmapAlreadyMapped
	}

	prot := uint32(windows.PAGE_READONLY)
	access := uint32(windows.FILE_MAP_READ)
	if !m.readOnly {
		prot = windows.PAGE_READWRITE
		access = windows.FILE_MAP_WRITE | windows.FILE_MAP_READ
	}

	sizeHigh := uint32(m.size >> 32)
	sizeLow := uint32(m.size)

	handle, err := windows.CreateFileMapping(windows.Handle(m.file.Fd()), nil, prot, sizeHigh, sizeLow, nil)
	if err != nil {
		return err
	}

	addr, err := windows.MapViewOfFile(handle, access, 0, 0, uintptr(m.size))
	if err != nil {
		windows.CloseHandle(handle)
		return err
	}

	m.mapHandle = uintptr(handle)
	m.data = unsafe.Slice((*byte)(unsafe.Pointer(addr)), m.size)
	return nil
}

func (m *MmapManager) unmapFile() error {
	if m.data == nil {
		return nil
	}
	addr := uintptr(unsafe.Pointer(&m.data[0]))
	if err := windows.UnmapViewOfFile(addr); err != nil {
		return err
	}
	if m.mapHandle != 0 {
		windows.CloseHandle(windows.Handle(m.mapHandle))
		m.mapHandle = 0
	}
	m.data = nil
	return nil
}

func (m *MmapManager) syncFile() error {
	if m.data == nil {
		return ErrMmapNotMapped
	}
	addr := uintptr(unsafe.Pointer(&m.data[0]))
	return windows.FlushViewOfFile(addr, uintptr(len(m.data)))
}

// Advise is a no-op on Windows; madvise has no direct equivalent.
func (m *MmapManager) Advise(advice int) error { return nil }

// MadviseSequential is a no-op on Windows.
func (m *MmapManager) MadviseSequential() error { return nil }

// MadviseRandom is a no-op on Windows.
func (m *MmapManager) MadviseRandom() error { return nil }

// MadviseWillNeed is a no-op on Windows.
func (m *MmapManager) MadviseWillNeed() error { return nil }

// MadviseDontNeed is a no-op on Windows.
func (m *MmapManager) MadviseDontNeed() error { return nil }

// Lock locks the mapped pages in memory via VirtualLock.
func (m *MmapManager) Lock() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrMmapClosed
	}
	if m.data == nil {
		return ErrMmapNotMapped
	}
	addr := uintptr(unsafe.Pointer(&m.data[0]))
	return windows.VirtualLock(addr, uintptr(len(m.data)))
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
	addr := uintptr(unsafe.Pointer(&m.data[0]))
	return windows.VirtualUnlock(addr, uintptr(len(m.data)))
}
