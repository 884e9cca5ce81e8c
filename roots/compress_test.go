package roots

import (
	"bytes"
	"strings"
	"testing"

	"github.com/intellect4all/acorn"
)

func TestCompressRootRoundTrip(t *testing.T) {
	r := NewCompressRoot(100)
	original := []byte(strings.Repeat("the quick brown fox ", 50))

	compressed, err := r.OnStash(acorn.Context{}, original)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(compressed, original) {
		t.Error("compressed form should differ from the original for repetitive input")
	}

	back, err := r.OnCrack(acorn.Context{}, compressed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(back, original) {
		t.Errorf("got %q after round-trip, want %q", back, original)
	}
}

func TestCompressRootDecodeRejectsGarbage(t *testing.T) {
	r := NewCompressRoot(100)
	if _, err := r.OnCrack(acorn.Context{}, []byte("not snappy data, definitely not")); err == nil {
		t.Error("expected an error decoding non-snappy bytes")
	}
}

func TestCompressRootNameAndSequence(t *testing.T) {
	r := NewCompressRoot(42)
	if r.Name() != "compress" {
		t.Errorf("got name %q, want compress", r.Name())
	}
	if r.Sequence() != 42 {
		t.Errorf("got sequence %d, want 42", r.Sequence())
	}
}
