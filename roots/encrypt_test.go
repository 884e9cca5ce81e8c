package roots

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/intellect4all/acorn"
)

func testKey() []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestEncryptRootRoundTrip(t *testing.T) {
	r, err := NewEncryptRoot(200, testKey())
	if err != nil {
		t.Fatal(err)
	}
	ctx := acorn.Context{DocID: "doc-1"}
	original := []byte(`{"hello":"world"}`)

	sealed, err := r.OnStash(ctx, original)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, []byte("hello")) {
		t.Error("sealed bytes should not contain the plaintext")
	}

	back, err := r.OnCrack(ctx, sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, original) {
		t.Errorf("got %q after round-trip, want %q", back, original)
	}
}

func TestEncryptRootRejectsWrongDocID(t *testing.T) {
	r, err := NewEncryptRoot(200, testKey())
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := r.OnStash(acorn.Context{DocID: "doc-1"}, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.OnCrack(acorn.Context{DocID: "doc-2"}, sealed); err == nil {
		t.Error("expected authentication failure with mismatched DocID AAD")
	}
}

func TestEncryptRootRejectsBadKeySize(t *testing.T) {
	if _, err := NewEncryptRoot(200, []byte("too short")); err == nil {
		t.Error("expected an error for a non-32-byte key")
	}
}

func TestEncryptRootProducesDistinctCiphertextsPerWrite(t *testing.T) {
	r, err := NewEncryptRoot(200, testKey())
	if err != nil {
		t.Fatal(err)
	}
	ctx := acorn.Context{DocID: "doc-1"}
	a, err := r.OnStash(ctx, []byte("same plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.OnStash(ctx, []byte("same plaintext"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a, b) {
		t.Error("two writes of the same plaintext should produce different ciphertexts (random nonce)")
	}
}
