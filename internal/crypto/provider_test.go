package crypto

import (
	"bytes"
	"io"
	"testing"
)

func TestProviderStreamRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	encKey, _ := NewEncryptionKey(key)
	p := NewProvider(encKey)

	var buf bytes.Buffer
	enc, err := p.NewEncryptingStream(1, &buf)
	if err != nil {
		t.Fatalf("NewEncryptingStream() error = %v", err)
	}

	records := [][]byte{
		[]byte("store|tree1|alpha|one"),
		[]byte("store|tree1|beta|two"),
		{},
		[]byte("delete|tree1|alpha"),
	}
	for _, rec := range records {
		if _, err := enc.Write(rec); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	dec, err := p.NewDecryptingStream(1, bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("NewDecryptingStream() error = %v", err)
	}
	defer dec.Close()

	for _, want := range records {
		got := make([]byte, len(want))
		n, err := io.ReadFull(dec, got)
		if len(want) > 0 && err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if n != len(want) || !bytes.Equal(got[:n], want) {
			t.Errorf("Read() = %q, want %q", got[:n], want)
		}
	}
}

func TestProviderStreamWrongKeyFails(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()
	encKey1, _ := NewEncryptionKey(key1)
	encKey2, _ := NewEncryptionKey(key2)

	var buf bytes.Buffer
	enc, _ := NewProvider(encKey1).NewEncryptingStream(1, &buf)
	enc.Write([]byte("payload"))
	enc.Close()

	dec, _ := NewProvider(encKey2).NewDecryptingStream(1, bytes.NewReader(buf.Bytes()))
	out := make([]byte, 7)
	if _, err := dec.Read(out); err == nil {
		t.Error("Read() with wrong key succeeded, want error")
	}
}

func TestProviderPageCipherRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	encKey, _ := NewEncryptionKey(key)
	p := NewProvider(encKey)

	plain := make([]byte, 4096)
	for i := range plain {
		plain[i] = byte(i)
	}

	encrypted := make([]byte, len(plain))
	if err := p.EncryptPage(7, encrypted, plain); err != nil {
		t.Fatalf("EncryptPage() error = %v", err)
	}
	if bytes.Equal(encrypted, plain) {
		t.Error("EncryptPage() did not change page contents")
	}
	if len(encrypted) != len(plain) {
		t.Fatalf("EncryptPage() grew the page: got %d bytes, want %d", len(encrypted), len(plain))
	}

	decrypted := make([]byte, len(encrypted))
	if err := p.DecryptPage(7, decrypted, encrypted); err != nil {
		t.Fatalf("DecryptPage() error = %v", err)
	}
	if !bytes.Equal(decrypted, plain) {
		t.Error("DecryptPage() did not recover original page")
	}
}

func TestProviderPageCipherDifferentPageIDsDiffer(t *testing.T) {
	key, _ := GenerateKey()
	encKey, _ := NewEncryptionKey(key)
	p := NewProvider(encKey)

	plain := bytes.Repeat([]byte{0xAB}, 256)
	a := make([]byte, len(plain))
	b := make([]byte, len(plain))
	p.EncryptPage(2, a, plain)
	p.EncryptPage(3, b, plain)

	if bytes.Equal(a, b) {
		t.Error("EncryptPage() produced identical ciphertext for different page ids")
	}
}

func TestProviderPageCipherInPlace(t *testing.T) {
	key, _ := GenerateKey()
	encKey, _ := NewEncryptionKey(key)
	p := NewProvider(encKey)

	plain := []byte("in-place page body aliasing dst and src")
	buf := append([]byte(nil), plain...)

	if err := p.EncryptPage(9, buf, buf); err != nil {
		t.Fatalf("EncryptPage() error = %v", err)
	}
	if err := p.DecryptPage(9, buf, buf); err != nil {
		t.Fatalf("DecryptPage() error = %v", err)
	}
	if !bytes.Equal(buf, plain) {
		t.Error("in-place EncryptPage/DecryptPage round trip mismatch")
	}
}
