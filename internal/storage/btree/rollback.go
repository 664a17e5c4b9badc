package btree

// UndoStore restores key to prevValue (or removes it, if prevValue is nil),
// without recording undo or emitting redo: it is the reversal half of store,
// driven by txn.UndoLog.Replay during a transaction rollback (spec §4.7).
func (t *Tree) UndoStore(key, prevValue []byte) error {
	leaf, err := t.descendToLeaf(key, true)
	if err != nil {
		return err
	}
	defer leaf.Latch().ReleaseExclusive()
	t.finishSplitIfPending(leaf)

	idx, found := leaf.FindEntry(key)
	if prevValue == nil {
		if found {
			leaf.Entries[idx].Ghost = true
			leaf.Entries[idx].Value = nil
			t.markDirty(leaf)
		}
		return nil
	}

	encoded, fragmented, err := t.encodeValue(prevValue)
	if err != nil {
		return err
	}
	if found {
		leaf.Entries[idx] = Entry{Key: append([]byte(nil), key...), Value: encoded, Fragmented: fragmented}
	} else {
		leaf.InsertEntryAt(idx, Entry{Key: append([]byte(nil), key...), Value: encoded, Fragmented: fragmented})
	}
	t.markDirty(leaf)

	if estimatedSize(leaf) > int(float64(t.pageSize)*splitLoadFactor) {
		return t.splitLeaf(leaf)
	}
	return nil
}

// UndoInsert removes key, leaving a ghost behind exactly as a normal delete
// would: it is the reversal of a fresh insert, driven by an undo tombstone
// record.
func (t *Tree) UndoInsert(key []byte) error {
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
	leaf.Entries[idx].Ghost = true
	leaf.Entries[idx].Value = nil
	t.markDirty(leaf)

	if estimatedSize(leaf) < int(float64(t.pageSize)*mergeLoadFactor) {
		t.compactGhosts(leaf)
		t.tryMerge(leaf)
	}
	return nil
}
