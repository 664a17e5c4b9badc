package pagekv

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/pagekv/pagekv/internal/storage"
	"github.com/pagekv/pagekv/internal/storage/btree"
)

// Reserved tree ids (spec §3 glossary: "Registry", "Tree"). The registry
// tree's own root page id lives directly in the file header's extra bytes
// rather than as a row inside itself; every other tree's current root page
// id is a row inside the registry tree, keyed by its 8-byte big-endian id.
const (
	registryTreeID    uint64 = 1
	keyMapTreeID      uint64 = 2
	fragmentTrashTreeID uint64 = 3
	firstUserTreeID   uint64 = 4
)

func isReservedTreeID(id uint64) bool {
	return id == registryTreeID || id == keyMapTreeID || id == fragmentTrashTreeID
}

// Key-map tree key prefixes (spec §3 glossary: "Registry" — "(name→id) and
// (id→name) mappings plus a random mask used to scramble newly allocated
// tree ids").
const (
	keyMapMaskKey       byte = 0x00
	keyMapForwardPrefix byte = 0x01
	keyMapReversePrefix byte = 0x02
	keyMapCounterKey    byte = 0x03
)

func encodeRegistryKey(treeID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, treeID)
	return buf
}

func decodeRegistryValue(buf []byte) storage.PageID {
	return storage.PageID(binary.BigEndian.Uint64(buf))
}

func encodeRegistryValue(id storage.PageID) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

func forwardKey(name string) []byte {
	return append([]byte{keyMapForwardPrefix}, []byte(name)...)
}

func reverseKey(id uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = keyMapReversePrefix
	binary.BigEndian.PutUint64(buf[1:], id)
	return buf
}

// treeByID lazily constructs (or returns the cached) *btree.Tree for id,
// resolving its current root page id from the registry tree (spec §3
// glossary: "Registry").
func (db *Database) treeByID(id uint64) (*btree.Tree, error) {
	db.treesMu.RLock()
	if t, ok := db.trees[id]; ok {
		db.treesMu.RUnlock()
		return t, nil
	}
	db.treesMu.RUnlock()

	db.treesMu.Lock()
	defer db.treesMu.Unlock()
	if t, ok := db.trees[id]; ok {
		return t, nil
	}

	rootID := storage.InvalidPageID
	if id == registryTreeID {
		rootID = db.pageStore.ActiveExtra().RootPageID
	} else {
		cur := db.registryTree.NewCursor()
		defer cur.Close()
		if err := cur.Find(encodeRegistryKey(id)); err != nil {
			return nil, err
		}
		if v := cur.Key(); v != nil {
			val, err := cur.Value()
			if err != nil {
				return nil, err
			}
			if val != nil {
				rootID = decodeRegistryValue(val)
			}
		}
	}

	t := btree.New(db.pageStore, db.alloc, db.cache, id, rootID, db.opts.PageSize)
	db.trees[id] = t
	return t, nil
}

// syncRegistry writes every open tree's current root page id into the
// registry tree, called immediately before a checkpoint builds its commit
// header (spec §4.10: the registry is what RootPageID resolves through for
// every tree except itself).
func (db *Database) syncRegistry() error {
	db.treesMu.RLock()
	defer db.treesMu.RUnlock()

	cur := db.registryTree.NewCursor()
	defer cur.Close()
	for id, t := range db.trees {
		if id == registryTreeID {
			continue
		}
		if err := cur.Store(db.internalTxn, encodeRegistryKey(id), encodeRegistryValue(t.RootID())); err != nil {
			return err
		}
	}
	return nil
}

// nextTreeID allocates a fresh, scrambled user tree id (spec invariant 8:
// "generation scrambles a monotonic counter XORed with a per-database
// random mask"). Reserved ids are excluded by construction: the counter
// starts at firstUserTreeID and the mask is generated once at creation, so
// the scrambled result only coincidentally needing a retry is handled by
// re-scrambling until it lands outside the reserved range.
func (db *Database) nextTreeID() (uint64, error) {
	db.treesMu.Lock()
	defer db.treesMu.Unlock()

	for {
		counter := db.treeIDCounter
		db.treeIDCounter++
		id := counter ^ db.treeIDMask
		if !isReservedTreeID(id) && id != 0 {
			return id, nil
		}
	}
}

// newTreeIDMask generates the per-database scramble mask the first time a
// database is created (spec invariant 8), grounded on the teacher's use of
// google/uuid for other instance identifiers.
func newTreeIDMask() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[:8])
}
