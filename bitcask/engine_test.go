package bitcask

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/intellect4all/acorn"
	"github.com/intellect4all/acorn/internal/testutil"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := testutil.TempDir(t)
	cfg := DefaultConfig(dir)
	cfg.Compaction.Manual = true
	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestStashAndCrack(t *testing.T) {
	e := openTestEngine(t)

	if err := e.Stash("k1", []byte("hello")); err != nil {
		t.Fatal(err)
	}

	rec, err := e.Crack("k1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec.Payload, []byte("hello")) {
		t.Errorf("got payload %q, want %q", rec.Payload, "hello")
	}
	if rec.Version != 1 {
		t.Errorf("got version %d, want 1", rec.Version)
	}
}

func TestCrackMissingKey(t *testing.T) {
	e := openTestEngine(t)

	if _, err := e.Crack("missing"); !errors.Is(err, acorn.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestStashOverwriteBumpsVersion(t *testing.T) {
	e := openTestEngine(t)

	if err := e.Stash("k1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := e.Stash("k1", []byte("v2")); err != nil {
		t.Fatal(err)
	}

	rec, err := e.Crack("k1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec.Payload, []byte("v2")) {
		t.Errorf("got payload %q, want %q", rec.Payload, "v2")
	}
	if rec.Version != 2 {
		t.Errorf("got version %d, want 2", rec.Version)
	}
}

func TestTossDeletesKey(t *testing.T) {
	e := openTestEngine(t)

	if err := e.Stash("k1", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := e.Toss("k1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Crack("k1"); !errors.Is(err, acorn.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestTossThenStashRevives(t *testing.T) {
	e := openTestEngine(t)

	if err := e.Stash("k1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := e.Toss("k1"); err != nil {
		t.Fatal(err)
	}
	if err := e.Stash("k1", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	rec, err := e.Crack("k1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec.Payload, []byte("v2")) {
		t.Errorf("got payload %q, want %q", rec.Payload, "v2")
	}
}

func TestStashRejectsEmptyKey(t *testing.T) {
	e := openTestEngine(t)

	if err := e.Stash("", []byte("x")); !errors.Is(err, acorn.ErrInvalidArgument) {
		t.Errorf("got %v, want ErrInvalidArgument", err)
	}
}

func TestCrackAllIteratesLiveSet(t *testing.T) {
	e := openTestEngine(t)

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		if err := e.Stash(k, []byte(v)); err != nil {
			t.Fatal(err)
		}
	}
	if err := e.Toss("b"); err != nil {
		t.Fatal(err)
	}
	delete(want, "b")

	it, err := e.CrackAll()
	if err != nil {
		t.Fatal(err)
	}
	defer it.Close()

	got := map[string]string{}
	for it.Next() {
		rec := it.Record()
		got[rec.Key] = string(rec.Payload)
	}
	if it.Err() != nil {
		t.Fatal(it.Err())
	}
	if len(got) != len(want) {
		t.Fatalf("got %d live records, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("key %q: got %q, want %q", k, got[k], v)
		}
	}
}

func TestImportChangesPreservesVersionAndTimestamp(t *testing.T) {
	e := openTestEngine(t)

	ts := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	records := []acorn.Record{
		{Key: "k1", Payload: []byte("v"), Timestamp: ts, Version: 7},
	}
	if err := e.ImportChanges(records); err != nil {
		t.Fatal(err)
	}

	rec, err := e.Crack("k1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Version != 7 {
		t.Errorf("got version %d, want 7", rec.Version)
	}
	if !rec.Timestamp.Equal(ts) {
		t.Errorf("got timestamp %v, want %v", rec.Timestamp, ts)
	}
}

func TestGetHistoryNotSupported(t *testing.T) {
	e := openTestEngine(t)

	if _, err := e.GetHistory("anything"); !errors.Is(err, acorn.ErrNotSupported) {
		t.Errorf("got %v, want ErrNotSupported", err)
	}
}

func TestCapabilities(t *testing.T) {
	e := openTestEngine(t)

	caps := e.Capabilities()
	if caps.TrunkType != "bitcask" {
		t.Errorf("got TrunkType %q, want bitcask", caps.TrunkType)
	}
	if !caps.IsDurable || !caps.SupportsSync || caps.SupportsHistory {
		t.Errorf("unexpected capabilities: %+v", caps)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := testutil.TempDir(t)
	e, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Errorf("second Close returned %v, want nil", err)
	}
}

func TestOperationsFailAfterClose(t *testing.T) {
	dir := testutil.TempDir(t)
	e, err := Open(DefaultConfig(dir))
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}

	if err := e.Stash("k", []byte("v")); !errors.Is(err, acorn.ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
	if _, err := e.Crack("k"); !errors.Is(err, acorn.ErrClosed) {
		t.Errorf("got %v, want ErrClosed", err)
	}
}

func TestReopenRebuildsKeydirAcrossRestart(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig(dir)

	e1, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := e1.Stash("k1", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := e1.Stash("k2", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	if err := e1.Toss("k2"); err != nil {
		t.Fatal(err)
	}
	if err := e1.Close(); err != nil {
		t.Fatal(err)
	}

	e2, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e2.Close()

	rec, err := e2.Crack("k1")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec.Payload, []byte("v1")) {
		t.Errorf("got payload %q, want %q", rec.Payload, "v1")
	}
	if _, err := e2.Crack("k2"); !errors.Is(err, acorn.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound for tossed key k2", err)
	}
}

func TestGrowthAcrossInitialCapacity(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig(dir)
	cfg.InitialCapacityBytes = 256 // force several remaps well within the test

	e, err := Open(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	payload := bytes.Repeat([]byte("x"), 64)
	for i := 0; i < 50; i++ {
		key := string(rune('a' + i%26))
		if err := e.Stash(key, payload); err != nil {
			t.Fatalf("stash %d: %v", i, err)
		}
	}

	rec, err := e.Crack("a")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rec.Payload, payload) {
		t.Errorf("payload mismatch after growth")
	}
}
