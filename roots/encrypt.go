package roots

import (
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/intellect4all/acorn"
)

// EncryptRoot wraps bytes in an authenticated ChaCha20-Poly1305 envelope on
// write and opens it on read. The nonce is generated per write and stored
// as a prefix to the ciphertext, so no external nonce bookkeeping is
// needed by the caller.
type EncryptRoot struct {
	seq  int
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewEncryptRoot returns an EncryptRoot keyed by key, which must be exactly
// chacha20poly1305.KeySize (32) bytes.
func NewEncryptRoot(sequence int, key []byte) (*EncryptRoot, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("roots: encrypt root: %w", err)
	}
	return &EncryptRoot{seq: sequence, aead: aead}, nil
}

func (e *EncryptRoot) Name() string  { return "encrypt" }
func (e *EncryptRoot) Sequence() int { return e.seq }

func (e *EncryptRoot) OnStash(ctx acorn.Context, data []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("roots: encrypt root: generate nonce: %w", err)
	}
	sealed := e.aead.Seal(nil, nonce, data, []byte(ctx.DocID))
	return append(nonce, sealed...), nil
}

func (e *EncryptRoot) OnCrack(ctx acorn.Context, data []byte) ([]byte, error) {
	n := e.aead.NonceSize()
	if len(data) < n {
		return nil, fmt.Errorf("roots: encrypt root: ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:n], data[n:]
	plain, err := e.aead.Open(nil, nonce, ciphertext, []byte(ctx.DocID))
	if err != nil {
		return nil, fmt.Errorf("roots: encrypt root: open: %w", err)
	}
	return plain, nil
}
