// Package fragment implements the fragmented value codec (spec §4.5):
// encoding, reconstructing, and deleting oversize values that cannot fit in
// a single leaf entry.
package fragment

import (
	"encoding/binary"
	"math"

	"github.com/pagekv/pagekv/internal/storage"
	"github.com/pkg/errors"
)

// Shape is the chosen encoding for a fragmented value (spec §3, §4.5).
type Shape byte

const (
	// ShapeInline holds the full value inline; never produced by Fragment
	// for values requiring fragmentation, but valid as a decode target for
	// callers that mix inline and fragmented entries in one leaf.
	ShapeInline Shape = iota
	// ShapeDirect holds the total length plus a flat list of direct page
	// pointers covering the whole value; no part of the value is inline.
	ShapeDirect
	// ShapeIndirect holds a header and a single pointer to an i-node tree.
	ShapeIndirect
)

// header bit layout: the shape sits in the high nibble; the low bits encode
// the total-length-field width (2/4/6/8 bytes) and direct-vs-indirect
// pointers. hasInlineBit is never set: no shape stores an inline remainder.
const (
	lenWidthMask  = 0x03 // 0=2,1=4,2=6,3=8 bytes
	hasInlineBit  = 0x04
	indirectBit   = 0x08
)

var ErrTooLarge = errors.New("fragment: value exceeds addressable length for this width")

// PageAllocator is the minimal allocator surface Fragment/Reconstruct need.
type PageAllocator interface {
	AllocPage() (storage.PageID, error)
	ReadPage(id storage.PageID, buf []byte) error
	WritePage(id storage.PageID, buf []byte) error
	RecyclePage(id storage.PageID)
	DeferFreePage(id storage.PageID)
}

func lenWidthFor(n int) (byte, int) {
	switch {
	case n < 1<<16:
		return 0, 2
	case n < 1<<32:
		return 1, 4
	case n < 1<<48:
		return 2, 6
	default:
		return 3, 8
	}
}

func putLen(buf []byte, width int, n uint64) {
	switch width {
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(n))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(n))
	case 6:
		var b8 [8]byte
		binary.LittleEndian.PutUint64(b8[:], n)
		copy(buf, b8[:6])
	default:
		binary.LittleEndian.PutUint64(buf, n)
	}
}

func getLen(buf []byte, width int) uint64 {
	switch width {
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 6:
		var b8 [8]byte
		copy(b8[:6], buf)
		return binary.LittleEndian.Uint64(b8[:])
	default:
		return binary.LittleEndian.Uint64(buf)
	}
}

const pagePointerSize = 6 // 48-bit page ids, per spec §3/§6

func putPageID(buf []byte, id storage.PageID) {
	var b8 [8]byte
	binary.LittleEndian.PutUint64(b8[:], uint64(id))
	copy(buf, b8[:pagePointerSize])
}

func getPageID(buf []byte) storage.PageID {
	var b8 [8]byte
	copy(b8[:pagePointerSize], buf)
	return storage.PageID(binary.LittleEndian.Uint64(b8[:]))
}

// IndirectLevels computes L = ceil_log_{P/6}(ceil(len/P)) (spec §4.5), the
// number of i-node levels needed so each i-node has at most pageSize/6
// children.
func IndirectLevels(length, pageSize int) int {
	fanout := pageSize / pagePointerSize
	pages := (length + pageSize - 1) / pageSize
	if pages <= 1 {
		return 0
	}
	levels := 0
	capacity := fanout
	for capacity < pages {
		capacity *= fanout
		levels++
	}
	return levels + 1
}

// Fragment chooses a shape for value given maxInline (spec §4.5):
// fully inline if small; total length + direct pointers to pages holding the
// whole value (no inline remainder) if the direct pointer list fits in the
// entry; header-only + single indirect pointer to
// an i-node tree otherwise.
func Fragment(alloc PageAllocator, value []byte, maxInline, pageSize int) ([]byte, error) {
	if len(value) <= maxInline {
		return append([]byte{byte(ShapeInline)}, value...), nil
	}

	widthCode, width := lenWidthFor(len(value))

	directCapacity := maxInline - 1 - width
	directPages := (len(value) + pageSize - 1) / pageSize
	if directCapacity >= directPages*pagePointerSize && directPages > 0 {
		return fragmentDirect(alloc, value, widthCode, width, pageSize)
	}
	return fragmentIndirect(alloc, value, widthCode, width, pageSize)
}

func fragmentDirect(alloc PageAllocator, value []byte, widthCode byte, width, pageSize int) ([]byte, error) {
	totalPages := (len(value) + pageSize - 1) / pageSize
	out := make([]byte, 0, 1+width+totalPages*pagePointerSize)
	hdr := byte(ShapeDirect)<<4 | widthCode
	out = append(out, hdr)

	lenBuf := make([]byte, width)
	putLen(lenBuf, width, uint64(len(value)))
	out = append(out, lenBuf...)

	buf := make([]byte, pageSize)
	for off := 0; off < len(value); off += pageSize {
		id, err := alloc.AllocPage()
		if err != nil {
			return nil, err
		}
		n := copy(buf, value[off:])
		for i := n; i < pageSize; i++ {
			buf[i] = 0
		}
		if err := alloc.WritePage(id, buf); err != nil {
			return nil, err
		}
		ptr := make([]byte, pagePointerSize)
		putPageID(ptr, id)
		out = append(out, ptr...)
	}
	return out, nil
}

func fragmentIndirect(alloc PageAllocator, value []byte, widthCode byte, width, pageSize int) ([]byte, error) {
	levels := IndirectLevels(len(value), pageSize)
	rootID, err := buildINodeTree(alloc, value, pageSize, levels)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+width+pagePointerSize)
	hdr := byte(ShapeIndirect)<<4 | widthCode | indirectBit
	out = append(out, hdr)
	lenBuf := make([]byte, width)
	putLen(lenBuf, width, uint64(len(value)))
	out = append(out, lenBuf...)
	ptr := make([]byte, pagePointerSize)
	putPageID(ptr, rootID)
	out = append(out, ptr...)
	return out, nil
}

// buildINodeTree recursively writes data pages (level 0) or i-node pages
// (level > 0) bottom-up and returns the root page id.
func buildINodeTree(alloc PageAllocator, value []byte, pageSize, level int) (storage.PageID, error) {
	if level == 0 {
		id, err := alloc.AllocPage()
		if err != nil {
			return 0, err
		}
		buf := make([]byte, pageSize)
		copy(buf, value)
		if err := alloc.WritePage(id, buf); err != nil {
			return 0, err
		}
		return id, nil
	}

	fanout := pageSize / pagePointerSize
	childCapacity := pageSize
	for i := 1; i < level; i++ {
		childCapacity *= fanout
	}

	var children []storage.PageID
	for off := 0; off < len(value); off += childCapacity {
		end := off + childCapacity
		if end > len(value) {
			end = len(value)
		}
		childID, err := buildINodeTree(alloc, value[off:end], pageSize, level-1)
		if err != nil {
			return 0, err
		}
		children = append(children, childID)
	}

	id, err := alloc.AllocPage()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, pageSize)
	for i, c := range children {
		putPageID(buf[i*pagePointerSize:], c)
	}
	if err := alloc.WritePage(id, buf); err != nil {
		return 0, err
	}
	return id, nil
}

// Reconstruct is symmetric to Fragment: it decodes encoded and returns the
// original value.
func Reconstruct(alloc PageAllocator, encoded []byte, pageSize int) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, nil
	}
	shapeByte := encoded[0]
	shape := Shape(shapeByte >> 4)
	if shapeByte == byte(ShapeInline) {
		return append([]byte(nil), encoded[1:]...), nil
	}
	widthCode := shapeByte & lenWidthMask
	width := []int{2, 4, 6, 8}[widthCode]

	length := getLen(encoded[1:1+width], width)
	if length > math.MaxInt32*4 {
		return nil, ErrTooLarge
	}
	body := encoded[1+width:]

	switch shape {
	case ShapeDirect:
		return reconstructDirect(alloc, body, int(length), pageSize)
	case ShapeIndirect:
		rootID := getPageID(body)
		levels := IndirectLevels(int(length), pageSize)
		out := make([]byte, 0, length)
		out, err := readINodeTree(alloc, rootID, pageSize, levels, int(length), out)
		return out, err
	default:
		return nil, errors.New("fragment: unknown shape")
	}
}

func reconstructDirect(alloc PageAllocator, ptrs []byte, length, pageSize int) ([]byte, error) {
	out := make([]byte, 0, length)
	buf := make([]byte, pageSize)
	for off := 0; off < len(ptrs); off += pagePointerSize {
		id := getPageID(ptrs[off : off+pagePointerSize])
		if err := alloc.ReadPage(id, buf); err != nil {
			return nil, err
		}
		remain := length - len(out)
		if remain > pageSize {
			remain = pageSize
		}
		out = append(out, buf[:remain]...)
	}
	return out, nil
}

func readINodeTree(alloc PageAllocator, id storage.PageID, pageSize, level, remaining int, out []byte) ([]byte, error) {
	buf := make([]byte, pageSize)
	if err := alloc.ReadPage(id, buf); err != nil {
		return nil, err
	}
	if level == 0 {
		n := remaining
		if n > pageSize {
			n = pageSize
		}
		return append(out, buf[:n]...), nil
	}

	fanout := pageSize / pagePointerSize
	childCapacity := pageSize
	for i := 1; i < level; i++ {
		childCapacity *= fanout
	}

	left := remaining
	for off := 0; off < pageSize && left > 0; off += pagePointerSize {
		childID := getPageID(buf[off : off+pagePointerSize])
		if childID == storage.InvalidPageID {
			break
		}
		take := childCapacity
		if take > left {
			take = left
		}
		var err error
		out, err = readINodeTree(alloc, childID, pageSize, level-1, take, out)
		if err != nil {
			return nil, err
		}
		left -= take
	}
	return out, nil
}

// DeleteFragments frees every page referenced by encoded: recycled if the
// page was never part of a durable checkpoint, deferred otherwise (spec
// §4.5). checkpointed reports whether a page id was allocated before the
// last durable checkpoint.
func DeleteFragments(alloc PageAllocator, encoded []byte, pageSize int, checkpointed func(storage.PageID) bool) error {
	if len(encoded) == 0 {
		return nil
	}
	shapeByte := encoded[0]
	shape := Shape(shapeByte >> 4)
	if shapeByte == byte(ShapeInline) {
		return nil
	}
	widthCode := shapeByte & lenWidthMask
	width := []int{2, 4, 6, 8}[widthCode]
	length := getLen(encoded[1:1+width], width)
	body := encoded[1+width:]

	free := func(id storage.PageID) {
		if checkpointed(id) {
			alloc.DeferFreePage(id)
		} else {
			alloc.RecyclePage(id)
		}
	}

	switch shape {
	case ShapeDirect:
		for off := 0; off < len(body); off += pagePointerSize {
			free(getPageID(body[off : off+pagePointerSize]))
		}
		return nil
	case ShapeIndirect:
		rootID := getPageID(body)
		levels := IndirectLevels(int(length), pageSize)
		return freeINodeTree(alloc, rootID, pageSize, levels, int(length), free)
	default:
		return errors.New("fragment: unknown shape")
	}
}

func freeINodeTree(alloc PageAllocator, id storage.PageID, pageSize, level, remaining int, free func(storage.PageID)) error {
	if level == 0 {
		free(id)
		return nil
	}
	buf := make([]byte, pageSize)
	if err := alloc.ReadPage(id, buf); err != nil {
		return err
	}

	fanout := pageSize / pagePointerSize
	childCapacity := pageSize
	for i := 1; i < level; i++ {
		childCapacity *= fanout
	}

	left := remaining
	for off := 0; off < pageSize && left > 0; off += pagePointerSize {
		childID := getPageID(buf[off : off+pagePointerSize])
		if childID == storage.InvalidPageID {
			break
		}
		take := childCapacity
		if take > left {
			take = left
		}
		if err := freeINodeTree(alloc, childID, pageSize, level-1, take, free); err != nil {
			return err
		}
		left -= take
	}
	free(id)
	return nil
}
