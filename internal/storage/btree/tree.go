package btree

import (
	"sync"

	"github.com/pagekv/pagekv/internal/locking"
	"github.com/pagekv/pagekv/internal/storage"
	"github.com/pagekv/pagekv/internal/storage/fragment"
)

// Txn is the subset of *txn.Transaction the tree needs to record undo/redo
// and acquire locks. It is expressed as an interface here, rather than a
// direct import, so this package stays decoupled from the transaction
// manager's own dependency on locking and storage (spec §4.9's ordering
// rule: undo recorded before redo emitted, same goroutine).
type Txn interface {
	ID() uint64
	LockExclusive(treeID uint64, key []byte) (locking.Result, error)
	RecordStore(treeID uint64, key, prevValue []byte, wasPresent bool) error
	RecordDelete(treeID uint64, key, prevValue []byte) error
	EmitStore(treeID uint64, key, value []byte) error
	EmitDelete(treeID uint64, key []byte) error
}

// PageIO is the narrow page-read/write surface the tree needs from the
// store, satisfied by *storage.PageStore.
type PageIO interface {
	Read(id storage.PageID, buf []byte) error
	Write(id storage.PageID, buf []byte) error
}

// Tree is one B+tree keyed by a stable tree id (the registry and every user
// index are each a Tree; spec §3).
type Tree struct {
	id        uint64
	io        PageIO
	alloc     *storage.PageAllocator
	cache     *storage.NodeCache
	pageSize  int
	maxInline int

	mu     sync.RWMutex
	rootID storage.PageID
	nodes  map[storage.PageID]*Node
}

// New constructs a Tree rooted at rootID. rootID may be storage.InvalidPageID
// for a brand new, empty tree, in which case an empty leaf root is allocated
// on first use.
func New(io PageIO, alloc *storage.PageAllocator, cache *storage.NodeCache, id uint64, rootID storage.PageID, pageSize int) *Tree {
	return &Tree{
		id:        id,
		io:        io,
		alloc:     alloc,
		cache:     cache,
		pageSize:  pageSize,
		maxInline: pageSize / 4,
		rootID:    rootID,
		nodes:     make(map[storage.PageID]*Node),
	}
}

// ID returns the tree's stable id.
func (t *Tree) ID() uint64 { return t.id }

// RootID returns the tree's current root page id, observing any completed
// root split (spec §4.4).
func (t *Tree) RootID() storage.PageID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootID
}

// RootLatch returns the latch on the tree's current root node, allocating an
// empty root if the tree is brand new. The checkpointer takes this latch
// shared to serialize against an in-flight root split (spec §4.10 step 4).
func (t *Tree) RootLatch() (*storage.Latch, error) {
	n, err := t.rootNode()
	if err != nil {
		return nil, err
	}
	return n.Latch(), nil
}

// loadLatchedShared loads (or fetches from the in-memory map) the node for
// id and returns it latched shared. Callers release the latch when done;
// cursor frames hold it for the life of the frame.
func (t *Tree) loadLatchedShared(id storage.PageID) (*Node, error) {
	n, err := t.fetch(id)
	if err != nil {
		return nil, err
	}
	n.Latch().Shared()
	return n, nil
}

func (t *Tree) fetch(id storage.PageID) (*Node, error) {
	t.mu.RLock()
	if n, ok := t.nodes[id]; ok {
		t.mu.RUnlock()
		t.cache.Used(id)
		return n, nil
	}
	t.mu.RUnlock()

	buf := make([]byte, t.pageSize)
	if err := t.io.Read(id, buf); err != nil {
		return nil, err
	}
	n, err := Decode(id, buf)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if existing, ok := t.nodes[id]; ok {
		t.mu.Unlock()
		return existing, nil
	}
	t.nodes[id] = n
	t.mu.Unlock()

	_ = t.cache.AllocLatched(true)
	t.cache.Track(n)
	return n, nil
}

func (t *Tree) allocNode(leaf bool) (*Node, error) {
	var n *Node
	if leaf {
		n = NewLeaf(storage.InvalidPageID)
	} else {
		n = NewInternal(storage.InvalidPageID)
	}
	pid := t.alloc.AllocPage(n)
	n.id = pid

	t.mu.Lock()
	t.nodes[pid] = n
	t.mu.Unlock()

	t.cache.Track(n)
	return n, nil
}

// descendToLeaf latch-couples from root to the leaf that would hold key
// (spec §5: "parent-before-child acquisition order, descending" — each
// parent is released as soon as the child is latched).
func (t *Tree) descendToLeaf(key []byte, exclusive bool) (*Node, error) {
	root, err := t.rootNode()
	if err != nil {
		return nil, err
	}

	cur := root
	cur.Latch().Shared()
	for !cur.IsLeaf() {
		t.finishSplitIfPending(cur)
		childID := cur.ChildForKey(key)
		child, err := t.fetch(childID)
		if err != nil {
			cur.Latch().ReleaseShared()
			return nil, err
		}
		child.Latch().Shared()
		cur.Latch().ReleaseShared()
		cur = child
	}

	if exclusive {
		cur.Latch().ReleaseShared()
		cur.Latch().Exclusive()
	}
	return cur, nil
}

func (t *Tree) rootNode() (*Node, error) {
	t.mu.RLock()
	root := t.rootID
	t.mu.RUnlock()

	if root == storage.InvalidPageID {
		n, err := t.allocNode(true)
		if err != nil {
			return nil, err
		}
		n.Pin()
		t.mu.Lock()
		t.rootID = n.id
		t.mu.Unlock()
		return n, nil
	}
	n, err := t.fetch(root)
	if err != nil {
		return nil, err
	}
	n.Pin()
	return n, nil
}

func (t *Tree) leftmostLeaf() (*Node, error) {
	n, err := t.rootNode()
	if err != nil {
		return nil, err
	}
	n.Latch().Shared()
	for !n.IsLeaf() {
		t.finishSplitIfPending(n)
		child, err := t.fetch(n.Children[0])
		if err != nil {
			n.Latch().ReleaseShared()
			return nil, err
		}
		child.Latch().Shared()
		n.Latch().ReleaseShared()
		n = child
	}
	return n, nil
}

func (t *Tree) rightmostLeaf() (*Node, error) {
	n, err := t.rootNode()
	if err != nil {
		return nil, err
	}
	n.Latch().Shared()
	for !n.IsLeaf() {
		t.finishSplitIfPending(n)
		child, err := t.fetch(n.Children[len(n.Children)-1])
		if err != nil {
			n.Latch().ReleaseShared()
			return nil, err
		}
		child.Latch().Shared()
		n.Latch().ReleaseShared()
		n = child
	}
	return n, nil
}

// Get performs a point lookup without binding a cursor.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	leaf, err := t.descendToLeaf(key, false)
	if err != nil {
		return nil, false, err
	}
	defer leaf.Latch().ReleaseShared()

	idx, found := leaf.FindEntry(key)
	if !found || leaf.Entries[idx].Ghost {
		return nil, false, nil
	}
	e := leaf.Entries[idx]
	if !e.Fragmented {
		return e.Value, true, nil
	}
	v, err := t.reconstructValue(e.Value)
	return v, true, err
}

func (t *Tree) reconstructValue(encoded []byte) ([]byte, error) {
	return fragment.Reconstruct(t.fragmentAllocator(), encoded, t.pageSize)
}

func (t *Tree) fragmentAllocator() fragment.PageAllocator {
	return &treeFragmentAllocator{t: t}
}

type treeFragmentAllocator struct{ t *Tree }

func (a *treeFragmentAllocator) AllocPage() (storage.PageID, error) {
	return a.t.alloc.AllocPage(noopFlushable{}), nil
}
func (a *treeFragmentAllocator) ReadPage(id storage.PageID, buf []byte) error {
	return a.t.io.Read(id, buf)
}
func (a *treeFragmentAllocator) WritePage(id storage.PageID, buf []byte) error {
	return a.t.io.Write(id, buf)
}
func (a *treeFragmentAllocator) RecyclePage(id storage.PageID) {
	a.t.alloc.RecyclePage(id)
}
func (a *treeFragmentAllocator) DeferFreePage(id storage.PageID) {
	// DeletePage frees at once when given the current color; passing the
	// other color puts the page on the pending list until Checkpointed.
	other := storage.ColorA
	if a.t.alloc.CurrentColor() == storage.ColorA {
		other = storage.ColorB
	}
	a.t.alloc.DeletePage(id, other)
}

// noopFlushable lets fragment pages piggyback on the allocator's id space
// without participating in node-cache dirty tracking: a fragment page's
// bytes are written immediately by fragment.Fragment, not at checkpoint.
type noopFlushable struct{}

func (noopFlushable) ID() storage.PageID    { return storage.InvalidPageID }
func (noopFlushable) Latch() *storage.Latch { return &storage.Latch{} }
func (noopFlushable) WriteTo([]byte) error  { return nil }
func (noopFlushable) MarkClean()            {}

// finishSplitIfPending cooperatively completes a split left pending on n by
// a previous, interrupted insert (spec §4.4).
func (t *Tree) finishSplitIfPending(n *Node) {
	if n.PendingSplitDescriptor() == nil {
		return
	}
	t.finishSplit(n)
}
