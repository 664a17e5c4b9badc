package btree

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/pagekv/pagekv/internal/locking"
	"github.com/pagekv/pagekv/internal/storage"
)

// fakeTxn is a no-op Txn: it grants every lock immediately and discards
// undo/redo, enough to drive tree mutations in isolation from the txn
// package.
type fakeTxn struct{ id uint64 }

func (f *fakeTxn) ID() uint64 { return f.id }
func (f *fakeTxn) LockExclusive(treeID uint64, key []byte) (locking.Result, error) {
	return locking.Acquired, nil
}
func (f *fakeTxn) RecordStore(treeID uint64, key, prevValue []byte, wasPresent bool) error {
	return nil
}
func (f *fakeTxn) RecordDelete(treeID uint64, key, prevValue []byte) error { return nil }
func (f *fakeTxn) EmitStore(treeID uint64, key, value []byte) error       { return nil }
func (f *fakeTxn) EmitDelete(treeID uint64, key []byte) error             { return nil }

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	dir := t.TempDir()
	const pageSize = 4096

	store, err := storage.OpenPageStore(filepath.Join(dir, "data.pk"), pageSize, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	alloc := storage.NewPageAllocator(store)
	cache := storage.NewNodeCache(16, 4096, store)

	return New(store, alloc, cache, 1, storage.InvalidPageID, pageSize)
}

func TestTreeStoreGetDelete(t *testing.T) {
	tree := newTestTree(t)
	txn := &fakeTxn{id: 1}

	cur := tree.NewCursor()
	defer cur.Close()

	if err := cur.Store(txn, []byte("a"), []byte("apple")); err != nil {
		t.Fatal(err)
	}
	if err := cur.Store(txn, []byte("b"), []byte("banana")); err != nil {
		t.Fatal(err)
	}

	v, ok, err := tree.Get([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "apple" {
		t.Fatalf("got %q, ok=%v", v, ok)
	}

	if err := cur.Delete(txn, []byte("a")); err != nil {
		t.Fatal(err)
	}
	_, ok, err = tree.Get([]byte("a"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected key to be gone after delete")
	}

	v, ok, err = tree.Get([]byte("b"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "banana" {
		t.Fatalf("unrelated key corrupted: got %q, ok=%v", v, ok)
	}
}

func TestTreeStoreOverwriteUpdatesValue(t *testing.T) {
	tree := newTestTree(t)
	txn := &fakeTxn{id: 1}
	cur := tree.NewCursor()
	defer cur.Close()

	if err := cur.Store(txn, []byte("k"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := cur.Store(txn, []byte("k"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := tree.Get([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "v2" {
		t.Fatalf("got %q, ok=%v, want v2", v, ok)
	}
}

// TestTreeManyInsertsTriggerSplits inserts enough keys to force internal
// node splits, then verifies every key is still reachable in sorted order
// via cursor traversal (spec §4.4).
func TestTreeManyInsertsTriggerSplits(t *testing.T) {
	tree := newTestTree(t)
	txn := &fakeTxn{id: 1}
	cur := tree.NewCursor()

	const n = 2000
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = fmt.Sprintf("key-%05d", i)
	}

	for _, k := range keys {
		if err := cur.Store(txn, []byte(k), []byte("value-"+k)); err != nil {
			t.Fatalf("store %q: %v", k, err)
		}
	}
	cur.Close()

	for _, k := range keys {
		v, ok, err := tree.Get([]byte(k))
		if err != nil {
			t.Fatalf("get %q: %v", k, err)
		}
		if !ok || string(v) != "value-"+k {
			t.Fatalf("get %q: got %q, ok=%v", k, v, ok)
		}
	}

	walk := tree.NewCursor()
	defer walk.Close()
	if err := walk.First(); err != nil {
		t.Fatal(err)
	}
	count := 0
	var prev string
	for walk.Key() != nil {
		k := string(walk.Key())
		if count > 0 && k <= prev {
			t.Fatalf("keys out of order: %q after %q", k, prev)
		}
		prev = k
		count++
		if err := walk.Next(); err != nil {
			t.Fatal(err)
		}
	}
	if count != n {
		t.Fatalf("walked %d keys, want %d", count, n)
	}
}

func TestCursorFindGeGtLeLt(t *testing.T) {
	tree := newTestTree(t)
	txn := &fakeTxn{id: 1}
	cur := tree.NewCursor()

	for _, k := range []string{"b", "d", "f", "h"} {
		if err := cur.Store(txn, []byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	cur.Close()

	cases := []struct {
		name   string
		method func(c *Cursor, target []byte) error
		target string
		want   string // "" means not found
	}{
		{"Ge exact", (*Cursor).FindGe, "d", "d"},
		{"Ge between", (*Cursor).FindGe, "c", "d"},
		{"Ge past end", (*Cursor).FindGe, "z", ""},
		{"Gt exact", (*Cursor).FindGt, "d", "f"},
		{"Gt between", (*Cursor).FindGt, "c", "d"},
		{"Le exact", (*Cursor).FindLe, "d", "d"},
		{"Le between", (*Cursor).FindLe, "e", "d"},
		{"Le before start", (*Cursor).FindLe, "a", ""},
		{"Lt exact", (*Cursor).FindLt, "d", "b"},
		{"Lt between", (*Cursor).FindLt, "e", "d"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			probe := tree.NewCursor()
			defer probe.Close()
			if err := c.method(probe, []byte(c.target)); err != nil {
				t.Fatal(err)
			}
			got := probe.Key()
			if c.want == "" {
				if got != nil {
					t.Fatalf("got %q, want not-found", got)
				}
				return
			}
			if string(got) != c.want {
				t.Fatalf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestCursorSkip(t *testing.T) {
	tree := newTestTree(t)
	txn := &fakeTxn{id: 1}
	cur := tree.NewCursor()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		if err := cur.Store(txn, []byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	cur.Close()

	probe := tree.NewCursor()
	defer probe.Close()
	if err := probe.First(); err != nil {
		t.Fatal(err)
	}
	if err := probe.Skip(2); err != nil {
		t.Fatal(err)
	}
	if string(probe.Key()) != "c" {
		t.Fatalf("got %q, want c", probe.Key())
	}
	if err := probe.Skip(-1); err != nil {
		t.Fatal(err)
	}
	if string(probe.Key()) != "b" {
		t.Fatalf("got %q, want b", probe.Key())
	}
}

func TestCursorRandomAlwaysReturnsALiveKey(t *testing.T) {
	tree := newTestTree(t)
	txn := &fakeTxn{id: 1}
	cur := tree.NewCursor()
	want := map[string]bool{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f"} {
		if err := cur.Store(txn, []byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
		want[k] = true
	}
	cur.Close()

	rnd := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		probe := tree.NewCursor()
		if err := probe.Random(rnd); err != nil {
			t.Fatal(err)
		}
		k := probe.Key()
		if k == nil || !want[string(k)] {
			probe.Close()
			t.Fatalf("Random returned unexpected key %q", k)
		}
		probe.Close()
	}
}

func TestFragmentedValueRoundTrip(t *testing.T) {
	tree := newTestTree(t)
	txn := &fakeTxn{id: 1}
	cur := tree.NewCursor()
	defer cur.Close()

	big := make([]byte, 500_000)
	for i := range big {
		big[i] = byte(i)
	}
	if err := cur.Store(txn, []byte("big"), big); err != nil {
		t.Fatal(err)
	}

	v, ok, err := tree.Get([]byte("big"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected big key present")
	}
	if len(v) != len(big) {
		t.Fatalf("got %d bytes, want %d", len(v), len(big))
	}
	for i := range big {
		if v[i] != big[i] {
			t.Fatalf("byte %d differs: got %d want %d", i, v[i], big[i])
		}
	}
}
