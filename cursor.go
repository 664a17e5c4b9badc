package pagekv

import (
	"math/rand"

	"github.com/pagekv/pagekv/internal/storage/btree"
)

// Cursor is a latch-coupled traversal handle over one Index (spec §3,
// §4.4). It is not safe for concurrent use by multiple goroutines, and
// must be closed to release the latch it may be holding.
type Cursor struct {
	db    *Database
	index *Index
	inner *btree.Cursor
}

// Close releases the cursor's bound node latch.
func (c *Cursor) Close() { c.inner.Close() }

// First binds the cursor to the index's first live entry.
func (c *Cursor) First() error { return c.inner.First() }

// Last binds the cursor to the index's last live entry.
func (c *Cursor) Last() error { return c.inner.Last() }

// Find binds the cursor to key, establishing a position even if key is
// absent so a lock can be taken on a not-yet-existing key (spec §4.4
// "find"; glossary "Ghost").
func (c *Cursor) Find(key []byte) error { return c.inner.Find(key) }

// FindGe binds the cursor to the first live entry with key >= target.
func (c *Cursor) FindGe(target []byte) error { return c.inner.FindGe(target) }

// FindGt binds the cursor to the first live entry with key > target.
func (c *Cursor) FindGt(target []byte) error { return c.inner.FindGt(target) }

// FindLe binds the cursor to the last live entry with key <= target.
func (c *Cursor) FindLe(target []byte) error { return c.inner.FindLe(target) }

// FindLt binds the cursor to the last live entry with key < target.
func (c *Cursor) FindLt(target []byte) error { return c.inner.FindLt(target) }

// FindNearby is Find, optimized for repeated nearby lookups (spec §4.4).
func (c *Cursor) FindNearby(target []byte) error { return c.inner.FindNearby(target) }

// Next advances to the next live entry, crossing leaf boundaries.
func (c *Cursor) Next() error { return c.inner.Next() }

// Previous moves to the previous live entry.
func (c *Cursor) Previous() error { return c.inner.Prev() }

// Skip moves forward n live entries (or backward, if n is negative).
func (c *Cursor) Skip(n int) error { return c.inner.Skip(n) }

// Random binds the cursor to a pseudo-randomly chosen live entry.
func (c *Cursor) Random(rnd *rand.Rand) error { return c.inner.Random(rnd) }

// Key returns the key the cursor is bound to, or nil if unbound or absent.
func (c *Cursor) Key() []byte { return c.inner.Key() }

// Value returns the bound entry's value, reconstructing a fragmented value
// if necessary, or nil if unbound, absent, or a ghost.
func (c *Cursor) Value() ([]byte, error) { return c.inner.Value() }

// Store inserts or updates key with value under t's undo/redo emission. t
// must not be nil; use Index.Store for auto-commit semantics.
func (c *Cursor) Store(t *Transaction, key, value []byte) error {
	return c.inner.Store(t.inner, key, value)
}

// Delete removes key under t, leaving a ghost (spec §4.4 "Store
// semantics"). t must not be nil; use Index.Delete for auto-commit.
func (c *Cursor) Delete(t *Transaction, key []byte) error {
	return c.inner.Delete(t.inner, key)
}
