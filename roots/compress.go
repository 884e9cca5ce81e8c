package roots

import (
	"fmt"

	"github.com/golang/snappy"

	"github.com/intellect4all/acorn"
)

// CompressRoot replaces bytes with their Snappy-compressed form on write
// and reverses it on read. Snappy is favored over a general-purpose
// codec here for the same reason the wider storage-engine ecosystem
// reaches for it in this position: it is tuned for fast round-trips on
// already-serialized records rather than maximal ratio.
type CompressRoot struct {
	seq int
}

// NewCompressRoot returns a CompressRoot registered at the given sequence.
func NewCompressRoot(sequence int) *CompressRoot {
	return &CompressRoot{seq: sequence}
}

func (c *CompressRoot) Name() string  { return "compress" }
func (c *CompressRoot) Sequence() int { return c.seq }

func (c *CompressRoot) OnStash(_ acorn.Context, data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (c *CompressRoot) OnCrack(_ acorn.Context, data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("roots: compress root decode: %w", err)
	}
	return out, nil
}
