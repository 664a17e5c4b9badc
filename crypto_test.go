package pagekv

import (
	"bytes"
	"os"
	"testing"

	"github.com/pagekv/pagekv/internal/crypto"
)

// TestEncryptedStoreRoundTrip is spec §6's crypto capability exercised
// end-to-end: data written under a CryptoProvider survives a close and
// reopen with the same key, and the page file on disk is not plaintext.
func TestEncryptedStoreRoundTrip(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	encKey, err := crypto.NewEncryptionKey(key)
	if err != nil {
		t.Fatal(err)
	}

	opts := testOptions(t)
	opts.Crypto = crypto.NewProvider(encKey)

	db, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	ix, err := db.OpenIndex("secrets")
	if err != nil {
		t.Fatal(err)
	}
	if err := ix.Store(nil, []byte("alpha"), []byte("classified payload")); err != nil {
		t.Fatal(err)
	}
	if err := ix.Close(); err != nil {
		t.Fatal(err)
	}
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(opts.BaseFilePath)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(raw, []byte("classified payload")) {
		t.Error("page file contains plaintext value, want encrypted")
	}

	db2, err := Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer db2.Close()

	ix2, err := db2.OpenIndex("secrets")
	if err != nil {
		t.Fatal(err)
	}
	defer ix2.Close()

	v, ok, err := ix2.Load([]byte("alpha"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !bytes.Equal(v, []byte("classified payload")) {
		t.Fatalf("got %q ok=%v, want \"classified payload\"", v, ok)
	}
}
