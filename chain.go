package pagekv

import (
	"encoding/binary"

	"github.com/pagekv/pagekv/internal/storage"
)

// chainHeaderSize is the per-page overhead of a linked raw-page chain: an
// 8-byte pointer to the next page (storage.InvalidPageID terminates).
const chainHeaderSize = 8

// writeChain splits payload across as many freshly allocated pages as needed
// and links them, returning the head page id. It is the on-disk shape shared
// by the master undo log and by each recovered transaction's own spilled
// undo chain (spec §4.7 "spills to dedicated pages"), modeled on the same
// "allocate a raw page outside the node cache" pattern tree.go uses for
// fragment pages.
func writeChain(alloc *storage.PageAllocator, io pageRawIO, pageSize int, payload []byte) (storage.PageID, error) {
	if len(payload) == 0 {
		return storage.InvalidPageID, nil
	}

	chunk := pageSize - chainHeaderSize
	pageCount := (len(payload) + chunk - 1) / chunk

	ids := make([]storage.PageID, pageCount)
	for i := range ids {
		ids[i] = alloc.AllocPage(noopChainPage{})
	}

	for i, id := range ids {
		buf := make([]byte, pageSize)
		next := storage.InvalidPageID
		if i+1 < len(ids) {
			next = ids[i+1]
		}
		binary.LittleEndian.PutUint64(buf[0:8], uint64(next))

		start := i * chunk
		end := start + chunk
		if end > len(payload) {
			end = len(payload)
		}
		copy(buf[chainHeaderSize:], payload[start:end])

		if err := io.Write(id, buf); err != nil {
			return storage.InvalidPageID, err
		}
	}
	return ids[0], nil
}

// readChain walks a chain built by writeChain and returns the concatenated
// payload.
func readChain(io pageRawIO, pageSize int, head storage.PageID) ([]byte, error) {
	var out []byte
	id := head
	for id != storage.InvalidPageID {
		buf := make([]byte, pageSize)
		if err := io.Read(id, buf); err != nil {
			return nil, err
		}
		next := storage.PageID(binary.LittleEndian.Uint64(buf[0:8]))
		out = append(out, buf[chainHeaderSize:]...)
		id = next
	}
	return out, nil
}

// freeChain releases every page in a chain built by writeChain through
// DeletePage with the allocator's current color, so each page goes straight
// to the immediately-reusable free set; nothing is deferred to the next
// checkpoint.
func freeChain(alloc *storage.PageAllocator, io pageRawIO, pageSize int, head storage.PageID) error {
	id := head
	for id != storage.InvalidPageID {
		buf := make([]byte, pageSize)
		if err := io.Read(id, buf); err != nil {
			return err
		}
		next := storage.PageID(binary.LittleEndian.Uint64(buf[0:8]))
		alloc.DeletePage(id, alloc.CurrentColor())
		id = next
	}
	return nil
}

// pageRawIO is the bare page read/write surface the chain helpers need,
// satisfied directly by *storage.PageStore.
type pageRawIO interface {
	Read(id storage.PageID, buf []byte) error
	Write(id storage.PageID, buf []byte) error
}

// noopChainPage lets chain pages share the allocator's id space without
// participating in node-cache dirty tracking, exactly like tree.go's
// noopFlushable for fragment pages: chain pages are written immediately by
// writeChain, not at checkpoint flush time.
type noopChainPage struct{}

func (noopChainPage) ID() storage.PageID    { return storage.InvalidPageID }
func (noopChainPage) Latch() *storage.Latch { return &storage.Latch{} }
func (noopChainPage) WriteTo([]byte) error  { return nil }
func (noopChainPage) MarkClean()            {}
