package fragment

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/pagekv/pagekv/internal/storage"
)

// memAllocator is an in-memory fragment.PageAllocator: a flat page table
// plus a monotonic id counter, enough to exercise Fragment/Reconstruct
// without a real PageStore.
type memAllocator struct {
	pages   map[storage.PageID][]byte
	next    storage.PageID
	deferred []storage.PageID
	recycled []storage.PageID
}

func newMemAllocator() *memAllocator {
	return &memAllocator{pages: make(map[storage.PageID][]byte), next: 2}
}

func (a *memAllocator) AllocPage() (storage.PageID, error) {
	id := a.next
	a.next++
	return id, nil
}

func (a *memAllocator) ReadPage(id storage.PageID, buf []byte) error {
	copy(buf, a.pages[id])
	return nil
}

func (a *memAllocator) WritePage(id storage.PageID, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	a.pages[id] = cp
	return nil
}

func (a *memAllocator) RecyclePage(id storage.PageID) { a.recycled = append(a.recycled, id) }
func (a *memAllocator) DeferFreePage(id storage.PageID) { a.deferred = append(a.deferred, id) }

// TestFragmentReconstructRoundTrip is spec testable property 3:
// reconstruct(fragment(v, max)) == v, for all valid max >= the lower bound.
func TestFragmentReconstructRoundTrip(t *testing.T) {
	const pageSize = 4096
	sizes := []int{0, 1, 15, 16, 1000, 4096, 4097, 10_000, 1_000_000}
	maxInlines := []int{16, 64, 256, pageSize / 4}

	for _, size := range sizes {
		value := make([]byte, size)
		rand.New(rand.NewSource(int64(size) + 1)).Read(value)

		for _, maxInline := range maxInlines {
			alloc := newMemAllocator()
			encoded, err := Fragment(alloc, value, maxInline, pageSize)
			if err != nil {
				t.Fatalf("size=%d maxInline=%d: Fragment: %v", size, maxInline, err)
			}
			got, err := Reconstruct(alloc, encoded, pageSize)
			if err != nil {
				t.Fatalf("size=%d maxInline=%d: Reconstruct: %v", size, maxInline, err)
			}
			if !bytes.Equal(got, value) {
				t.Fatalf("size=%d maxInline=%d: round trip mismatch (got %d bytes, want %d)",
					size, maxInline, len(got), len(value))
			}
		}
	}
}

func TestFragmentInlineShapeForSmallValues(t *testing.T) {
	alloc := newMemAllocator()
	value := []byte("small value")
	encoded, err := Fragment(alloc, value, 64, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if Shape(encoded[0]>>4) != ShapeInline || encoded[0] != byte(ShapeInline) {
		t.Fatalf("expected inline shape, got header byte %#x", encoded[0])
	}
	if len(alloc.pages) != 0 {
		t.Fatalf("inline shape should not allocate pages, got %d", len(alloc.pages))
	}
}

func TestFragmentDirectShapeForMidSizedValues(t *testing.T) {
	alloc := newMemAllocator()
	value := make([]byte, 4096*3)
	for i := range value {
		value[i] = byte(i)
	}
	encoded, err := Fragment(alloc, value, 256, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if Shape(encoded[0]>>4) != ShapeDirect {
		t.Fatalf("expected direct shape, got %d", encoded[0]>>4)
	}
	if len(alloc.pages) != 3 {
		t.Fatalf("expected 3 direct pages, got %d", len(alloc.pages))
	}
}

func TestFragmentIndirectShapeForLargeValues(t *testing.T) {
	alloc := newMemAllocator()
	value := make([]byte, 1_000_000)
	rand.New(rand.NewSource(7)).Read(value)

	encoded, err := Fragment(alloc, value, 16, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if Shape(encoded[0]>>4) != ShapeIndirect {
		t.Fatalf("expected indirect shape, got %d", encoded[0]>>4)
	}

	got, err := Reconstruct(alloc, encoded, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, value) {
		t.Fatal("indirect round trip mismatch")
	}
}

func TestDeleteFragmentsFreesAllPages(t *testing.T) {
	alloc := newMemAllocator()
	value := make([]byte, 1_000_000)
	encoded, err := Fragment(alloc, value, 16, 4096)
	if err != nil {
		t.Fatal(err)
	}
	wantPages := len(alloc.pages)

	neverCheckpointed := func(storage.PageID) bool { return false }
	if err := DeleteFragments(alloc, encoded, 4096, neverCheckpointed); err != nil {
		t.Fatal(err)
	}
	if len(alloc.recycled) != wantPages {
		t.Fatalf("expected %d pages recycled, got %d", wantPages, len(alloc.recycled))
	}
	if len(alloc.deferred) != 0 {
		t.Fatalf("expected no deferred frees, got %d", len(alloc.deferred))
	}
}

func TestDeleteFragmentsDefersWhenCheckpointed(t *testing.T) {
	alloc := newMemAllocator()
	value := make([]byte, 1_000_000)
	encoded, err := Fragment(alloc, value, 16, 4096)
	if err != nil {
		t.Fatal(err)
	}
	wantPages := len(alloc.pages)

	alwaysCheckpointed := func(storage.PageID) bool { return true }
	if err := DeleteFragments(alloc, encoded, 4096, alwaysCheckpointed); err != nil {
		t.Fatal(err)
	}
	if len(alloc.deferred) != wantPages {
		t.Fatalf("expected %d pages deferred, got %d", wantPages, len(alloc.deferred))
	}
	if len(alloc.recycled) != 0 {
		t.Fatalf("expected no immediate recycles, got %d", len(alloc.recycled))
	}
}

func TestIndirectLevelsMatchesFanout(t *testing.T) {
	const pageSize = 4096
	fanout := pageSize / pagePointerSize // 682

	cases := []struct {
		length int
		want   int
	}{
		{length: pageSize, want: 0},
		{length: pageSize + 1, want: 1},
		{length: pageSize * fanout, want: 1},
		{length: pageSize*fanout + 1, want: 2},
	}
	for _, c := range cases {
		if got := IndirectLevels(c.length, pageSize); got != c.want {
			t.Errorf("IndirectLevels(%d, %d) = %d, want %d", c.length, pageSize, got, c.want)
		}
	}
}
