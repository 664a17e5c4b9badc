package btree

import (
	"encoding/binary"

	"github.com/pagekv/pagekv/internal/storage"
	"github.com/pkg/errors"
)

// On-disk node layout (spec §3, §4.4): a fixed header followed by a
// variable-length key (and, for leaves, value) area. Internal nodes store
// one more child pointer than key; leaves store one entry per key.
//
//	byte 0:       type (TypeInternal/TypeLeaf/TypeFragment/TypeStub)
//	bytes 1-2:    key/entry count (uint16)
//	bytes 3-10:   Next sibling PageID (leaves only; zero for internal)
//	bytes 11-18:  Prev sibling PageID (leaves only; zero for internal)
//	bytes 19+:    packed keys (internal) or entries (leaf)
//
// Internal node body: per key, a 4-byte length prefix + key bytes, followed
// by (count+1) 8-byte child PageIDs.
//
// Leaf node body: per entry, a 4-byte key-length prefix + key bytes, a
// 1-byte flag field (bit 0 = fragmented, bit 1 = ghost), and a 4-byte
// value-length prefix + value bytes (ghost entries carry a zero-length
// value).
const (
	nodeHeaderSize = 1 + 2 + 8 + 8

	entryFlagFragmented = 1 << 0
	entryFlagGhost       = 1 << 1
)

// ErrNodeTooLarge is returned by WriteTo when a node's packed form does not
// fit in the page buffer supplied by the caller (the allocator/cache always
// supply one page's worth of bytes).
var ErrNodeTooLarge = errors.New("btree: node does not fit in one page")

// packedSize returns the exact number of bytes WriteTo would need.
func (n *Node) packedSize() int {
	size := nodeHeaderSize
	if n.typ == TypeLeaf {
		for _, e := range n.Entries {
			size += 4 + len(e.Key) + 1 + 4 + len(e.Value)
		}
		return size
	}
	for _, k := range n.Keys {
		size += 4 + len(k)
	}
	size += 8 * len(n.Children)
	return size
}

// WriteTo packs the node into buf, which must be exactly one page's worth of
// bytes; unused trailing bytes are zeroed. It implements storage.Flushable
// and storage.CacheEntry so the allocator and node cache can write a dirty
// node back without depending on this package.
func (n *Node) WriteTo(buf []byte) error {
	need := n.packedSize()
	if need > len(buf) {
		return ErrNodeTooLarge
	}
	for i := range buf {
		buf[i] = 0
	}

	buf[0] = byte(n.typ)
	binary.LittleEndian.PutUint16(buf[1:3], uint16(n.KeyCount()))
	binary.LittleEndian.PutUint64(buf[3:11], uint64(n.Next))
	binary.LittleEndian.PutUint64(buf[11:19], uint64(n.Prev))

	off := nodeHeaderSize
	if n.typ == TypeLeaf {
		for _, e := range n.Entries {
			binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Key)))
			off += 4
			off += copy(buf[off:], e.Key)

			var flags byte
			if e.Fragmented {
				flags |= entryFlagFragmented
			}
			if e.Ghost {
				flags |= entryFlagGhost
			}
			buf[off] = flags
			off++

			binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Value)))
			off += 4
			off += copy(buf[off:], e.Value)
		}
		return nil
	}

	for _, k := range n.Keys {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(k)))
		off += 4
		off += copy(buf[off:], k)
	}
	for _, c := range n.Children {
		binary.LittleEndian.PutUint64(buf[off:], uint64(c))
		off += 8
	}
	return nil
}

// Decode unpacks one page's bytes into a Node wrapper for id (spec §3: "a
// Node is created on cache miss"). It is the read-side counterpart of
// WriteTo, called only at load and never during a mutation in progress.
func Decode(id storage.PageID, buf []byte) (*Node, error) {
	if len(buf) < nodeHeaderSize {
		return nil, errors.Wrap(storage.ErrCorruption, "btree: short node page")
	}

	typ := Type(buf[0])
	count := int(binary.LittleEndian.Uint16(buf[1:3]))
	next := storage.PageID(binary.LittleEndian.Uint64(buf[3:11]))
	prev := storage.PageID(binary.LittleEndian.Uint64(buf[11:19]))

	n := &Node{id: id, typ: typ, Next: next, Prev: prev}
	off := nodeHeaderSize

	if typ == TypeLeaf {
		n.Entries = make([]Entry, count)
		for i := 0; i < count; i++ {
			if off+4 > len(buf) {
				return nil, errors.Wrap(storage.ErrCorruption, "btree: truncated entry key length")
			}
			klen := int(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
			if off+klen > len(buf) {
				return nil, errors.Wrap(storage.ErrCorruption, "btree: truncated entry key")
			}
			key := append([]byte(nil), buf[off:off+klen]...)
			off += klen

			if off+1 > len(buf) {
				return nil, errors.Wrap(storage.ErrCorruption, "btree: truncated entry flags")
			}
			flags := buf[off]
			off++

			if off+4 > len(buf) {
				return nil, errors.Wrap(storage.ErrCorruption, "btree: truncated entry value length")
			}
			vlen := int(binary.LittleEndian.Uint32(buf[off:]))
			off += 4
			if off+vlen > len(buf) {
				return nil, errors.Wrap(storage.ErrCorruption, "btree: truncated entry value")
			}
			var value []byte
			if vlen > 0 {
				value = append([]byte(nil), buf[off:off+vlen]...)
			}
			off += vlen

			n.Entries[i] = Entry{
				Key:        key,
				Value:      value,
				Fragmented: flags&entryFlagFragmented != 0,
				Ghost:      flags&entryFlagGhost != 0,
			}
		}
		return n, nil
	}

	n.Keys = make([][]byte, count)
	for i := 0; i < count; i++ {
		if off+4 > len(buf) {
			return nil, errors.Wrap(storage.ErrCorruption, "btree: truncated internal key length")
		}
		klen := int(binary.LittleEndian.Uint32(buf[off:]))
		off += 4
		if off+klen > len(buf) {
			return nil, errors.Wrap(storage.ErrCorruption, "btree: truncated internal key")
		}
		n.Keys[i] = append([]byte(nil), buf[off:off+klen]...)
		off += klen
	}

	childCount := count + 1
	n.Children = make([]storage.PageID, childCount)
	for i := 0; i < childCount; i++ {
		if off+8 > len(buf) {
			return nil, errors.Wrap(storage.ErrCorruption, "btree: truncated child pointer")
		}
		n.Children[i] = storage.PageID(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}
	return n, nil
}
