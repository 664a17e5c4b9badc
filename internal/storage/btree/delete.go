package btree

import (
	"github.com/pagekv/pagekv/internal/storage"
	"github.com/pagekv/pagekv/internal/storage/fragment"
)

// mergeLoadFactor: a leaf under this fraction of a page is a rebalance
// candidate (spec §4.4 "Delete / merge").
const mergeLoadFactor = 0.25

// delete removes key. Under a transaction with a nonzero id it leaves a
// ghost entry rather than a hard removal (spec glossary: "Ghost") so that a
// concurrent cursor bound to the slot can still observe its old position
// until the owning transaction commits and a later visitor compacts the
// ghost away; under a txn id of 0 (no redo) the entry is removed directly.
func (t *Tree) delete(txn Txn, key []byte) error {
	if _, err := txn.LockExclusive(t.id, key); err != nil {
		return err
	}

	leaf, err := t.descendToLeaf(key, true)
	if err != nil {
		return err
	}
	defer leaf.Latch().ReleaseExclusive()
	t.finishSplitIfPending(leaf)

	idx, found := leaf.FindEntry(key)
	if !found || leaf.Entries[idx].Ghost {
		return nil
	}

	var prevValue []byte
	e := leaf.Entries[idx]
	if e.Fragmented {
		prevValue, _ = t.reconstructValue(e.Value)
		if err := fragment.DeleteFragments(t.fragmentAllocator(), e.Value, t.pageSize, t.alloc.IsCheckpointed); err != nil {
			return err
		}
	} else {
		prevValue = e.Value
	}

	if txn.ID() == 0 {
		// A txn id of 0 writes no redo: the entry is removed outright.
		leaf.RemoveEntryAt(idx)
	} else {
		leaf.Entries[idx].Ghost = true
		leaf.Entries[idx].Value = nil
	}

	if err := txn.RecordDelete(t.id, key, prevValue); err != nil {
		return err
	}
	t.markDirty(leaf)

	if estimatedSize(leaf) < int(float64(t.pageSize)*mergeLoadFactor) {
		t.compactGhosts(leaf)
		t.tryMerge(leaf)
	}

	return txn.EmitDelete(t.id, key)
}

// compactGhosts removes ghost entries with no bound cursor frame; a ghost
// still referenced by a frame (so that RemoveEntryAt's notFoundKey fixup
// can still fire) is left for the frame to release first.
func (t *Tree) compactGhosts(leaf *Node) {
	i := 0
	for i < len(leaf.Entries) {
		if leaf.Entries[i].Ghost && !boundAt(leaf, i) {
			leaf.RemoveEntryAt(i)
			continue
		}
		i++
	}
}

func boundAt(n *Node, i int) bool {
	for _, f := range n.Frames() {
		if f.pos == i {
			return true
		}
	}
	return false
}

// tryMerge attempts to merge an underfull leaf with a sibling: the left
// sibling whenever the leaf has one, otherwise the right sibling; the
// siblings' free space is not compared. Like split, an
// interrupted merge simply leaves the tree slightly underfull rather than
// corrupt; merging is an optimization, not a correctness requirement, so
// failures here are silently absorbed.
func (t *Tree) tryMerge(leaf *Node) {
	if len(leaf.Entries) == 0 {
		t.removeEmptyLeaf(leaf)
		return
	}

	parent, err := t.findParentExclusive(leaf.id)
	if err != nil {
		return
	}
	defer parent.Latch().ReleaseExclusive()

	idx := -1
	for i, c := range parent.Children {
		if c == leaf.id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	var siblingIdx int
	var leftOfLeaf bool
	if idx > 0 {
		siblingIdx = idx - 1
		leftOfLeaf = true
	} else if idx < len(parent.Children)-1 {
		siblingIdx = idx + 1
		leftOfLeaf = false
	} else {
		return
	}

	sibling, err := t.fetch(parent.Children[siblingIdx])
	if err != nil {
		return
	}
	sibling.Latch().Exclusive()
	defer sibling.Latch().ReleaseExclusive()

	combined := estimatedSize(leaf) + estimatedSize(sibling)
	if combined > t.pageSize {
		return
	}

	if leftOfLeaf {
		t.mergeLeaves(sibling, leaf, parent, siblingIdx)
	} else {
		t.mergeLeaves(leaf, sibling, parent, idx)
	}
}

// mergeLeaves folds right's entries into left and removes the separator
// pointing at right from parent. sepIdx is the index of the separator key
// between left and right in parent.Keys.
func (t *Tree) mergeLeaves(left, right *Node, parent *Node, sepIdx int) {
	offset := len(left.Entries)
	left.Entries = append(left.Entries, right.Entries...)
	left.Next = right.Next
	if right.Next != storage.InvalidPageID {
		if next, err := t.fetch(right.Next); err == nil {
			next.Latch().Exclusive()
			next.Prev = left.id
			t.markDirty(next)
			next.Latch().ReleaseExclusive()
		}
	}

	for _, f := range right.Frames() {
		f.pos += offset
		right.RemoveFrame(f)
		left.AddFrame(f)
		f.node = left
	}

	parent.RemoveSeparatorAt(sepIdx)
	t.markDirty(left)
	t.markDirty(parent)

	t.mu.Lock()
	delete(t.nodes, right.id)
	t.mu.Unlock()
	t.alloc.DeletePage(right.id, right.Color())

	if len(parent.Keys) == 0 {
		t.mu.RLock()
		isRoot := parent.id == t.rootID
		t.mu.RUnlock()
		if isRoot {
			t.mu.Lock()
			t.rootID = left.id
			t.mu.Unlock()
			left.Pin()
			parent.Unpin()
			t.mu.Lock()
			delete(t.nodes, parent.id)
			t.mu.Unlock()
			t.alloc.DeletePage(parent.id, parent.Color())
		}
	}
}

// removeEmptyLeaf handles the degenerate case of a leaf with zero live
// entries: if it is also the root, the tree becomes an empty tree but the
// root page id is kept (an empty leaf is a valid empty tree). A non-root
// empty leaf is left in place as well: tryMerge returns right after this
// call, so such a leaf is not merged into a sibling.
func (t *Tree) removeEmptyLeaf(leaf *Node) {
	t.mu.RLock()
	isRoot := leaf.id == t.rootID
	t.mu.RUnlock()
	if isRoot {
		return
	}
}
