// Package serializer converts typed records to and from the byte sequence
// that flows through the root pipeline (spec §4.A).
package serializer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/intellect4all/acorn"
)

// Serializer converts a Record to/from bytes. A record is always
// serialized in full — not just the payload — so that timestamp and
// version round-trip through any root that rewrites the byte stream.
type Serializer interface {
	Serialize(r acorn.Record) ([]byte, error)
	Deserialize(data []byte) (acorn.Record, error)
}

// wireRecord is the JSON-on-the-wire shape. Timestamps are encoded as
// UnixNano so the round-trip is exact regardless of the decoder's location.
type wireRecord struct {
	Key       string `json:"key"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"ts"`
	Version   uint32 `json:"version"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
}

// JSON is the default serializer: JSON over UTF-8 (spec §4.A).
type JSON struct{}

// New returns the default JSON serializer.
func New() Serializer {
	return JSON{}
}

func (JSON) Serialize(r acorn.Record) ([]byte, error) {
	w := wireRecord{
		Key:       r.Key,
		Payload:   r.Payload,
		Timestamp: r.Timestamp.UTC().UnixNano(),
		Version:   r.Version,
	}
	if r.HasExpiry() {
		w.ExpiresAt = r.ExpiresAt.UTC().UnixNano()
	}
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("serializer: marshal record %q: %w", r.Key, err)
	}
	return data, nil
}

func (JSON) Deserialize(data []byte) (acorn.Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return acorn.Record{}, fmt.Errorf("serializer: unmarshal record: %w", err)
	}
	r := acorn.Record{
		Key:       w.Key,
		Payload:   w.Payload,
		Timestamp: time.Unix(0, w.Timestamp).UTC(),
		Version:   w.Version,
	}
	if w.ExpiresAt != 0 {
		r.ExpiresAt = time.Unix(0, w.ExpiresAt).UTC()
	}
	return r, nil
}
