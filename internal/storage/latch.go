package storage

import "sync"

// Latch is a short, non-reentrant mutual-exclusion primitive protecting an
// in-memory structure (a node, the LRU list, a lock-manager shard). It is
// distinct from a Lock, which protects a logical key across operations and
// may be held across I/O or blocking waits; a Latch never is.
type Latch struct {
	mu sync.RWMutex
}

// Exclusive acquires the latch for writing, blocking until available.
func (l *Latch) Exclusive() { l.mu.Lock() }

// ReleaseExclusive releases a latch held by Exclusive.
func (l *Latch) ReleaseExclusive() { l.mu.Unlock() }

// TryExclusive attempts to acquire the latch for writing without blocking.
func (l *Latch) TryExclusive() bool { return l.mu.TryLock() }

// Shared acquires the latch for reading, blocking until available.
func (l *Latch) Shared() { l.mu.RLock() }

// ReleaseShared releases a latch held by Shared.
func (l *Latch) ReleaseShared() { l.mu.RUnlock() }

// TryShared attempts to acquire the latch for reading without blocking.
func (l *Latch) TryShared() bool { return l.mu.TryRLock() }
