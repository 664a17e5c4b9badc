package btree

import (
	"github.com/pagekv/pagekv/internal/storage"
)

// Type is a node's content kind (spec §3: "type (internal / leaf / fragment
// / stub)").
type Type byte

const (
	TypeInternal Type = iota
	TypeLeaf
	TypeFragment
	TypeStub
)

// CachedState distinguishes a clean node from one dirtied against one of the
// checkpoint's two colors (spec §3).
type CachedState byte

const (
	StateClean CachedState = iota
	StateDirtyColorA
	StateDirtyColorB
)

// Entry is one leaf key/value pair. Ghost marks a tombstone left by a
// not-yet-committed delete (spec glossary: "Ghost").
type Entry struct {
	Key       []byte
	Value     []byte
	Fragmented bool
	Ghost     bool
}

// PendingSplit is attached to a node that could not accept an insert; it is
// propagated up on the next ascent and finished cooperatively by whichever
// thread next needs the node (spec §4.4 "Split").
type PendingSplit struct {
	SeparatorKey []byte
	NewSiblingID storage.PageID
	SiblingOnLeft bool
}

// Node is the in-memory, latch-protected wrapper over one page (spec §3).
// Keys are kept decoded (rather than as packed page bytes) so descent and
// mutation operate directly on Go slices; WriteTo/Decode in serialize.go
// convert to and from the packed on-disk form at load and flush time.
type Node struct {
	id    storage.PageID
	typ   Type
	color storage.DirtyColor
	state CachedState

	latch storage.Latch

	// Internal-node children; Keys[i] separates Children[i] and Children[i+1].
	Keys     [][]byte
	Children []storage.PageID

	// Leaf-node entries, in key order.
	Entries []Entry

	// Sibling links for leaf range scans.
	Next, Prev storage.PageID

	frames []*CursorFrame
	split  *PendingSplit

	pinned bool // true for root nodes: never evictable (invariant 1)
}

// NewLeaf constructs an empty leaf node for id.
func NewLeaf(id storage.PageID) *Node {
	return &Node{id: id, typ: TypeLeaf, Next: storage.InvalidPageID, Prev: storage.InvalidPageID}
}

// NewInternal constructs an empty internal node for id.
func NewInternal(id storage.PageID) *Node {
	return &Node{id: id, typ: TypeInternal}
}

// ID returns the node's page id.
func (n *Node) ID() storage.PageID { return n.id }

// Latch returns the node's reader/writer latch.
func (n *Node) Latch() *storage.Latch { return &n.latch }

// IsLeaf reports whether this is a leaf node.
func (n *Node) IsLeaf() bool { return n.typ == TypeLeaf }

// IsDirty reports whether the node has uncommitted changes.
func (n *Node) IsDirty() bool { return n.state != StateClean }

// MarkClean is called after a checkpoint flush writes the node back.
func (n *Node) MarkClean() { n.state = StateClean }

// MarkDirty records that the node was dirtied under color (spec invariant 2).
func (n *Node) MarkDirty(color storage.DirtyColor) {
	n.color = color
	if color == storage.ColorA {
		n.state = StateDirtyColorA
	} else {
		n.state = StateDirtyColorB
	}
}

// Color reports which commit color the node was last dirtied under.
func (n *Node) Color() storage.DirtyColor { return n.color }

// Evictable reports whether the node cache may evict this node: pinned root
// nodes never are (invariant 1).
func (n *Node) Evictable() bool { return !n.pinned }

// Pin marks the node as a pinned root, exempt from eviction.
func (n *Node) Pin() { n.pinned = true }

// Unpin clears a prior Pin, used when a tree's old root is replaced.
func (n *Node) Unpin() { n.pinned = false }

// KeyCount returns the number of keys (internal) or entries (leaf) in the node.
func (n *Node) KeyCount() int {
	if n.typ == TypeLeaf {
		return len(n.Entries)
	}
	return len(n.Keys)
}

// PendingSplitDescriptor returns the node's attached split descriptor, if any.
func (n *Node) PendingSplitDescriptor() *PendingSplit { return n.split }

// SetPendingSplit attaches split to the node.
func (n *Node) SetPendingSplit(s *PendingSplit) { n.split = s }

// ClearPendingSplit removes the node's split descriptor.
func (n *Node) ClearPendingSplit() { n.split = nil }

// AddFrame registers cursor frame f as bound to this node (invariant 5).
func (n *Node) AddFrame(f *CursorFrame) {
	n.frames = append(n.frames, f)
}

// RemoveFrame unregisters f from this node's frame list.
func (n *Node) RemoveFrame(f *CursorFrame) {
	for i, fr := range n.frames {
		if fr == f {
			n.frames = append(n.frames[:i], n.frames[i+1:]...)
			return
		}
	}
}

// Frames returns the frames currently bound to this node, used by split and
// delete to fix up concurrent cursors.
func (n *Node) Frames() []*CursorFrame { return n.frames }

// ChildForKey returns the child that should contain key (internal nodes only).
func (n *Node) ChildForKey(key []byte) storage.PageID {
	idx := n.findKeyIndex(key)
	return n.Children[idx]
}

// findKeyIndex returns the index of the child/entry slot key belongs at:
// for internal nodes, the count of keys <= key (i.e. the child index);
// for leaves, the lower-bound insertion index.
func (n *Node) findKeyIndex(key []byte) int {
	if n.typ == TypeLeaf {
		lo, hi := 0, len(n.Entries)
		for lo < hi {
			mid := (lo + hi) / 2
			if Compare(n.Entries[mid].Key, key) < 0 {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		return lo
	}

	lo, hi := 0, len(n.Keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if Compare(n.Keys[mid], key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// FindEntry returns the index and presence of key among this leaf's entries.
func (n *Node) FindEntry(key []byte) (int, bool) {
	lo, hi := 0, len(n.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := Compare(n.Entries[mid].Key, key)
		if cmp < 0 {
			lo = mid + 1
		} else if cmp > 0 {
			hi = mid
		} else {
			return mid, true
		}
	}
	return lo, false
}

// InsertEntryAt inserts e at index i in a leaf node, shifting subsequent
// cursor frames per spec §4.4's fixup rule.
func (n *Node) InsertEntryAt(i int, e Entry) {
	n.Entries = append(n.Entries, Entry{})
	copy(n.Entries[i+1:], n.Entries[i:])
	n.Entries[i] = e

	for _, f := range n.frames {
		if f.pos >= i {
			f.pos++
		}
	}
}

// RemoveEntryAt removes the entry at index i from a leaf node.
func (n *Node) RemoveEntryAt(i int) Entry {
	e := n.Entries[i]
	n.Entries = append(n.Entries[:i], n.Entries[i+1:]...)

	for _, f := range n.frames {
		switch {
		case f.pos > i:
			f.pos--
		case f.pos == i:
			f.notFoundKey = e.Key
		}
	}
	return e
}

// InsertChildAt inserts key/child at index i in an internal node: Keys[i] =
// key, Children[i+1] = child.
func (n *Node) InsertChildAt(i int, key []byte, child storage.PageID) {
	n.Keys = append(n.Keys, nil)
	copy(n.Keys[i+1:], n.Keys[i:])
	n.Keys[i] = key

	n.Children = append(n.Children, storage.InvalidPageID)
	copy(n.Children[i+2:], n.Children[i+1:])
	n.Children[i+1] = child
}

// RemoveSeparatorAt removes the separator key at index i and the child to
// its right from an internal node (used when a merge removes a sibling).
func (n *Node) RemoveSeparatorAt(i int) {
	n.Keys = append(n.Keys[:i], n.Keys[i+1:]...)
	n.Children = append(n.Children[:i+1], n.Children[i+2:]...)
}

// FreeSpaceEstimate approximates remaining page bytes for this node, used by
// split/merge threshold checks. It is not an upper bound: it counts fewer
// bytes per leaf entry and for the header than packedSize in serialize.go,
// so it can report more free space than the packed page has.
func (n *Node) FreeSpaceEstimate(pageSize int) int {
	used := 16
	if n.typ == TypeLeaf {
		for _, e := range n.Entries {
			used += 4 + len(e.Key) + 4 + len(e.Value)
		}
	} else {
		for _, k := range n.Keys {
			used += 4 + len(k) + 8
		}
		used += 8
	}
	free := pageSize - used
	if free < 0 {
		return 0
	}
	return free
}
