package btree

import (
	"math/rand"

	"github.com/pagekv/pagekv/internal/storage"
)

// CursorFrame binds a Cursor to the leaf node holding its current position
// (spec invariant 5: "a cursor always resolves to its bound key, or reports
// not-found, across concurrent splits and merges of its node"). Node.go's
// InsertEntryAt/RemoveEntryAt keep pos correct as the leaf mutates under the
// cursor; split.go and delete.go move the frame to a new node when the old
// one is split or merged away.
type CursorFrame struct {
	node        *Node
	pos         int
	notFoundKey []byte
}

// Cursor is a latch-coupled traversal handle over one Tree (spec §3).
// It is not safe for concurrent use by multiple goroutines.
type Cursor struct {
	tree  *Tree
	frame *CursorFrame
}

// NewCursor constructs a cursor with no bound position.
func (t *Tree) NewCursor() *Cursor {
	return &Cursor{tree: t}
}

// unbind detaches the cursor from its current frame, if any. Only a frame
// registered on its node holds that node's shared latch; the end-of-range
// frames that Next, Prev and the seek helpers leave behind hold none.
func (c *Cursor) unbind() {
	if c.frame != nil {
		for _, f := range c.frame.node.Frames() {
			if f == c.frame {
				c.frame.node.RemoveFrame(c.frame)
				c.frame.node.Latch().ReleaseShared()
				break
			}
		}
		c.frame = nil
	}
}

// Close releases the cursor's bound node latch. A bound Cursor left
// unclosed keeps holding its leaf's shared latch, which blocks writers to
// that leaf.
func (c *Cursor) Close() {
	c.unbind()
}

// Find descends to the leaf that would hold key and binds the cursor there.
// It returns storage.ErrTreeNotFound-free: absence is reported by Value/Key
// returning nil, not by an error, matching the ghost-skip contract (spec
// glossary: "Ghost").
func (c *Cursor) Find(key []byte) error {
	c.unbind()

	leaf, err := c.tree.descendToLeaf(key, false)
	if err != nil {
		return err
	}

	idx, found := leaf.FindEntry(key)
	frame := &CursorFrame{node: leaf, pos: idx}
	if !found {
		frame.notFoundKey = key
	}
	leaf.AddFrame(frame)
	c.frame = frame
	return nil
}

// First binds the cursor to the tree's first entry.
func (c *Cursor) First() error {
	c.unbind()
	leaf, err := c.tree.leftmostLeaf()
	if err != nil {
		return err
	}
	frame := &CursorFrame{node: leaf, pos: 0}
	if len(leaf.Entries) == 0 {
		frame.notFoundKey = []byte{}
	}
	leaf.AddFrame(frame)
	c.frame = frame
	return nil
}

// Last binds the cursor to the tree's last entry.
func (c *Cursor) Last() error {
	c.unbind()
	leaf, err := c.tree.rightmostLeaf()
	if err != nil {
		return err
	}
	pos := len(leaf.Entries) - 1
	frame := &CursorFrame{node: leaf, pos: pos}
	if pos < 0 {
		frame.notFoundKey = []byte{}
	}
	leaf.AddFrame(frame)
	c.frame = frame
	return nil
}

// Next advances the cursor to the next non-ghost entry, crossing leaf
// boundaries via the sibling link (spec §4.4).
func (c *Cursor) Next() error {
	if c.frame == nil {
		return c.First()
	}
	for {
		leaf := c.frame.node
		pos := c.frame.pos
		if pos < 0 {
			pos = 0
		} else if c.frame.notFoundKey == nil {
			pos++
		}

		for pos < len(leaf.Entries) {
			if !leaf.Entries[pos].Ghost {
				c.rebind(leaf, pos)
				return nil
			}
			pos++
		}

		next := leaf.Next
		c.unbind()
		if next == storage.InvalidPageID {
			c.frame = &CursorFrame{node: leaf, pos: len(leaf.Entries), notFoundKey: []byte{}}
			return nil
		}
		n, err := c.tree.loadLatchedShared(next)
		if err != nil {
			return err
		}
		c.frame = &CursorFrame{node: n, pos: -1}
		n.AddFrame(c.frame)
	}
}

// Prev moves the cursor to the previous non-ghost entry.
func (c *Cursor) Prev() error {
	if c.frame == nil {
		return c.Last()
	}
	for {
		leaf := c.frame.node
		pos := c.frame.pos - 1
		for pos >= 0 {
			if !leaf.Entries[pos].Ghost {
				c.rebind(leaf, pos)
				return nil
			}
			pos--
		}

		prev := leaf.Prev
		c.unbind()
		if prev == storage.InvalidPageID {
			c.frame = &CursorFrame{node: leaf, pos: -1, notFoundKey: []byte{}}
			return nil
		}
		n, err := c.tree.loadLatchedShared(prev)
		if err != nil {
			return err
		}
		c.frame = &CursorFrame{node: n, pos: len(n.Entries)}
		n.AddFrame(c.frame)
	}
}

func (c *Cursor) rebind(leaf *Node, pos int) {
	old := c.frame
	old.node.RemoveFrame(old)
	c.frame = &CursorFrame{node: leaf, pos: pos}
	leaf.AddFrame(c.frame)
}

// Key returns the key the cursor is bound to, or nil if unbound or not found.
func (c *Cursor) Key() []byte {
	if c.frame == nil || c.frame.notFoundKey != nil {
		return nil
	}
	if c.frame.pos < 0 || c.frame.pos >= len(c.frame.node.Entries) {
		return nil
	}
	return c.frame.node.Entries[c.frame.pos].Key
}

// Value returns the bound entry's value, reconstructing a fragmented value
// if necessary, or nil if unbound, not found, or a ghost.
func (c *Cursor) Value() ([]byte, error) {
	if c.frame == nil || c.frame.notFoundKey != nil {
		return nil, nil
	}
	if c.frame.pos < 0 || c.frame.pos >= len(c.frame.node.Entries) {
		return nil, nil
	}
	e := c.frame.node.Entries[c.frame.pos]
	if e.Ghost {
		return nil, nil
	}
	if !e.Fragmented {
		return e.Value, nil
	}
	return c.tree.reconstructValue(e.Value)
}

// seekNonGhostFrom binds the cursor to the first non-ghost entry at or after
// pos within c.frame.node, crossing leaf boundaries forward as needed (the
// shared core of Next and the findGe/findGt family; spec §4.4).
func (c *Cursor) seekNonGhostFrom(pos int) error {
	for {
		leaf := c.frame.node
		for pos < len(leaf.Entries) {
			if !leaf.Entries[pos].Ghost {
				c.rebind(leaf, pos)
				return nil
			}
			pos++
		}

		next := leaf.Next
		c.unbind()
		if next == storage.InvalidPageID {
			c.frame = &CursorFrame{node: leaf, pos: len(leaf.Entries), notFoundKey: []byte{}}
			return nil
		}
		n, err := c.tree.loadLatchedShared(next)
		if err != nil {
			return err
		}
		c.frame = &CursorFrame{node: n, pos: 0}
		n.AddFrame(c.frame)
		pos = 0
	}
}

// seekNonGhostBackwardFrom is seekNonGhostFrom's mirror image, used by
// findLe/findLt.
func (c *Cursor) seekNonGhostBackwardFrom(pos int) error {
	for {
		leaf := c.frame.node
		for pos >= 0 {
			if !leaf.Entries[pos].Ghost {
				c.rebind(leaf, pos)
				return nil
			}
			pos--
		}

		prev := leaf.Prev
		c.unbind()
		if prev == storage.InvalidPageID {
			c.frame = &CursorFrame{node: leaf, pos: -1, notFoundKey: []byte{}}
			return nil
		}
		n, err := c.tree.loadLatchedShared(prev)
		if err != nil {
			return err
		}
		pos = len(n.Entries) - 1
		c.frame = &CursorFrame{node: n, pos: pos}
		n.AddFrame(c.frame)
	}
}

// FindGe binds the cursor to the first live entry with key >= target,
// skipping ghosts (spec §4.4).
func (c *Cursor) FindGe(target []byte) error {
	if err := c.Find(target); err != nil {
		return err
	}
	return c.seekNonGhostFrom(c.frame.pos)
}

// FindGt binds the cursor to the first live entry with key > target.
func (c *Cursor) FindGt(target []byte) error {
	if err := c.Find(target); err != nil {
		return err
	}
	pos := c.frame.pos
	if c.frame.notFoundKey == nil {
		pos++
	}
	return c.seekNonGhostFrom(pos)
}

// FindLe binds the cursor to the last live entry with key <= target.
func (c *Cursor) FindLe(target []byte) error {
	if err := c.Find(target); err != nil {
		return err
	}
	pos := c.frame.pos
	if c.frame.notFoundKey != nil {
		pos--
	}
	return c.seekNonGhostBackwardFrom(pos)
}

// FindLt binds the cursor to the last live entry with key < target.
func (c *Cursor) FindLt(target []byte) error {
	if err := c.Find(target); err != nil {
		return err
	}
	return c.seekNonGhostBackwardFrom(c.frame.pos - 1)
}

// FindNearby behaves like Find, but reuses the cursor's currently bound leaf
// without a fresh root-to-leaf descent when target still falls within that
// leaf's key range — the fast path for sequential access patterns (spec
// §4.4: "findNearby").
func (c *Cursor) FindNearby(target []byte) error {
	if c.frame != nil && c.frame.node.IsLeaf() {
		leaf := c.frame.node
		n := len(leaf.Entries)
		loOK := n == 0 || leaf.Prev == storage.InvalidPageID || Compare(target, leaf.Entries[0].Key) >= 0
		hiOK := n == 0 || leaf.Next == storage.InvalidPageID || Compare(target, leaf.Entries[n-1].Key) <= 0
		if loOK && hiOK {
			idx, found := leaf.FindEntry(target)
			c.rebind(leaf, idx)
			if !found {
				c.frame.notFoundKey = target
			}
			return nil
		}
	}
	return c.Find(target)
}

// Skip moves the cursor forward n live entries (or backward, if n is
// negative), skipping ghosts (spec §4.4: "skip").
func (c *Cursor) Skip(n int) error {
	for ; n > 0; n-- {
		if err := c.Next(); err != nil {
			return err
		}
	}
	for ; n < 0; n++ {
		if err := c.Prev(); err != nil {
			return err
		}
	}
	return nil
}

// Random binds the cursor to a pseudo-randomly chosen live entry, walking
// from the root and picking a uniformly random child at each level rather
// than descending toward any particular key (spec §4.4: "random").
func (c *Cursor) Random(rnd *rand.Rand) error {
	c.unbind()

	root, err := c.tree.rootNode()
	if err != nil {
		return err
	}
	cur := root
	cur.Latch().Shared()
	for !cur.IsLeaf() {
		c.tree.finishSplitIfPending(cur)
		idx := rnd.Intn(len(cur.Children))
		child, err := c.tree.fetch(cur.Children[idx])
		if err != nil {
			cur.Latch().ReleaseShared()
			return err
		}
		child.Latch().Shared()
		cur.Latch().ReleaseShared()
		cur = child
	}

	frame := &CursorFrame{node: cur}
	if len(cur.Entries) == 0 {
		frame.notFoundKey = []byte{}
		cur.AddFrame(frame)
		c.frame = frame
		return nil
	}
	frame.pos = rnd.Intn(len(cur.Entries))
	cur.AddFrame(frame)
	c.frame = frame
	return c.seekNonGhostFrom(frame.pos)
}

// Store inserts or updates key with value under txn's undo/redo emission.
func (c *Cursor) Store(txn Txn, key, value []byte) error {
	return c.tree.store(txn, key, value)
}

// Delete removes key: under a txn with a nonzero id the entry becomes a
// ghost, removed later when its leaf is compacted; under a txn id of 0 (no
// redo) the entry is removed directly.
func (c *Cursor) Delete(txn Txn, key []byte) error {
	return c.tree.delete(txn, key)
}
