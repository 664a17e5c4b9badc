package pagekv

import (
	"bytes"
	"path/filepath"
	"testing"
)

func testOptions(t *testing.T) Options {
	t.Helper()
	opts := DefaultOptions()
	opts.BaseFilePath = filepath.Join(t.TempDir(), "test.pk")
	return opts
}

// TestOpenStoreLoadCloseReopenRoundTrip is spec §8 end-to-end scenario 1:
// data survives a clean close and reopen.
func TestOpenStoreLoadCloseReopenRoundTrip(t *testing.T) {
	opts := testOptions(t)

	db, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	ix, err := db.OpenIndex("widgets")
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Store(nil, []byte("alpha"), []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := ix.Store(nil, []byte("beta"), []byte("two")); err != nil {
		t.Fatal(err)
	}
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	ix2, err := db2.OpenIndex("widgets")
	if err != nil {
		t.Fatal(err)
	}
	defer ix2.Close()

	v, ok, err := ix2.Load([]byte("alpha"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !bytes.Equal(v, []byte("one")) {
		t.Fatalf("got %q ok=%v, want \"one\"", v, ok)
	}
	v, ok, err = ix2.Load([]byte("beta"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !bytes.Equal(v, []byte("two")) {
		t.Fatalf("got %q ok=%v, want \"two\"", v, ok)
	}
}

// TestTransactionResetRollsBackStore is spec §8 end-to-end scenario 2: a
// transaction's Store is invisible after Reset (rollback).
func TestTransactionResetRollsBackStore(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ix, err := db.OpenIndex("accounts")
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()

	if err := ix.Store(nil, []byte("balance"), []byte("100")); err != nil {
		t.Fatal(err)
	}

	txn := db.NewTransaction(SyncDurability)
	if err := ix.Store(txn, []byte("balance"), []byte("999")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := ix.Load([]byte("balance"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "999" {
		t.Fatalf("expected uncommitted write visible within same process, got %q ok=%v", v, ok)
	}

	if err := txn.Reset(); err != nil {
		t.Fatal(err)
	}

	v, ok, err = ix.Load([]byte("balance"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || string(v) != "100" {
		t.Fatalf("expected rollback to restore original value, got %q ok=%v", v, ok)
	}
}

// TestTransactionCommitPersistsAcrossReopen exercises a real multi-step
// transaction whose commit (rather than reset) should survive Close/Open.
func TestTransactionCommitPersistsAcrossReopen(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}

	ix, err := db.OpenIndex("ledger")
	if err != nil {
		t.Fatal(err)
	}

	txn := db.NewTransaction(SyncDurability)
	if err := ix.Store(txn, []byte("k1"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := ix.Store(txn, []byte("k2"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatal(err)
	}

	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	ix2, err := db2.OpenIndex("ledger")
	if err != nil {
		t.Fatal(err)
	}
	defer ix2.Close()

	for k, want := range map[string]string{"k1": "v1", "k2": "v2"} {
		v, ok, err := ix2.Load([]byte(k))
		if err != nil {
			t.Fatal(err)
		}
		if !ok || string(v) != want {
			t.Fatalf("key %q: got %q ok=%v, want %q", k, v, ok, want)
		}
	}
}

// TestFragmentedValueSurvivesCheckpointAndReopen is spec §8 end-to-end
// scenario 3: a value large enough to fragment round trips through a forced
// checkpoint and a fresh reopen.
func TestFragmentedValueSurvivesCheckpointAndReopen(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}

	ix, err := db.OpenIndex("blobs")
	if err != nil {
		t.Fatal(err)
	}

	big := make([]byte, 300_000)
	for i := range big {
		big[i] = byte(i * 7)
	}
	if err := ix.Store(nil, []byte("blob"), big); err != nil {
		t.Fatal(err)
	}

	if err := db.Checkpoint(); err != nil {
		t.Fatal(err)
	}

	v, ok, err := ix.Load([]byte("blob"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !bytes.Equal(v, big) {
		t.Fatalf("post-checkpoint read mismatch: ok=%v len=%d", ok, len(v))
	}

	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	db2, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()
	ix2, err := db2.OpenIndex("blobs")
	if err != nil {
		t.Fatal(err)
	}
	defer ix2.Close()

	v, ok, err = ix2.Load([]byte("blob"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !bytes.Equal(v, big) {
		t.Fatalf("post-reopen read mismatch: ok=%v len=%d", ok, len(v))
	}
}

// TestDropIndexRemovesIt covers the Index lifecycle's drop path.
func TestDropIndexRemovesIt(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ix, err := db.OpenIndex("temp")
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Store(nil, []byte("k"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}

	if err := db.DropIndex("temp"); err != nil {
		t.Fatal(err)
	}

	ix2, err := db.OpenIndex("temp")
	if err != nil {
		t.Fatal(err)
	}
	defer ix2.Close()
	_, ok, err := ix2.Load([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected a dropped-and-reopened index to start empty")
	}
}

// TestCursorIterationOverIndex exercises the public Cursor API end to end.
func TestCursorIterationOverIndex(t *testing.T) {
	opts := testOptions(t)
	db, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ix, err := db.OpenIndex("sorted")
	if err != nil {
		t.Fatal(err)
	}
	defer ix.Close()

	for _, k := range []string{"c", "a", "e", "b", "d"} {
		if err := ix.Store(nil, []byte(k), []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	cur := ix.NewCursor()
	defer cur.Close()
	if err := cur.First(); err != nil {
		t.Fatal(err)
	}
	var got []string
	for cur.Key() != nil {
		got = append(got, string(cur.Key()))
		if err := cur.Next(); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"a", "b", "c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
