// Package btree implements the copy-on-write B+tree at the core of pagekv:
// node layout, latch-coupled search/split/merge, and cursor traversal (spec
// §4.4). Keys are arbitrary byte strings ordered unsigned-lexicographically;
// values may be stored inline or as a fragmented out-of-line reference built
// by internal/storage/fragment.
//
// # Usage
//
//	tree := btree.New(pageIO, alloc, cache, treeID, storage.InvalidPageID, pageSize)
//	cur := tree.NewCursor()
//	err := cur.Store(txn, []byte("k"), []byte("v"))
//	err = cur.Find([]byte("k"))
//	value, err := cur.Value()
//
// A Node is the in-memory, latch-protected decoding of one page: this
// package never touches raw page bytes directly during a mutation, only at
// load (via Decode) and at checkpoint flush time (via WriteTo).
package btree
