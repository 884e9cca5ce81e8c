package serializer

import (
	"bytes"
	"testing"
	"time"

	"github.com/intellect4all/acorn"
)

func TestJSONRoundTrip(t *testing.T) {
	s := New()
	ts := time.Date(2024, 3, 14, 15, 9, 26, 0, time.UTC)
	rec := acorn.Record{
		Key:       "k1",
		Payload:   []byte(`{"nested":"payload"}`),
		Timestamp: ts,
		Version:   7,
	}

	data, err := s.Serialize(rec)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}

	if got.Key != rec.Key {
		t.Errorf("got key %q, want %q", got.Key, rec.Key)
	}
	if !bytes.Equal(got.Payload, rec.Payload) {
		t.Errorf("got payload %q, want %q", got.Payload, rec.Payload)
	}
	if got.Version != rec.Version {
		t.Errorf("got version %d, want %d", got.Version, rec.Version)
	}
	if !got.Timestamp.Equal(rec.Timestamp) {
		t.Errorf("got timestamp %v, want %v", got.Timestamp, rec.Timestamp)
	}
	if got.HasExpiry() {
		t.Error("record without expiry should not round-trip one")
	}
}

func TestJSONRoundTripWithExpiry(t *testing.T) {
	s := New()
	expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := acorn.Record{
		Key:       "k1",
		Payload:   []byte("x"),
		Timestamp: time.Now().UTC(),
		ExpiresAt: expiry,
	}

	data, err := s.Serialize(rec)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.HasExpiry() {
		t.Fatal("expected round-tripped record to carry an expiry")
	}
	if !got.ExpiresAt.Equal(expiry) {
		t.Errorf("got expiry %v, want %v", got.ExpiresAt, expiry)
	}
}

func TestJSONDeserializeRejectsGarbage(t *testing.T) {
	s := New()
	if _, err := s.Deserialize([]byte("not json")); err == nil {
		t.Error("expected an error deserializing non-JSON bytes")
	}
}

func TestJSONSerializeEmptyPayload(t *testing.T) {
	s := New()
	rec := acorn.Record{Key: "tombstone", Timestamp: time.Now().UTC()}

	data, err := s.Serialize(rec)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Payload) != 0 {
		t.Errorf("got payload %q, want empty", got.Payload)
	}
}
