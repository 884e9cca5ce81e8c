package kvpage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/intellect4all/acorn/internal/testutil"
)

func TestWALLogAndReadAllRoundTrip(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "test.wal")
	const pageSize = 4096

	w, err := openWAL(path, pageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	img1 := bytes.Repeat([]byte{1}, pageSize)
	img2 := bytes.Repeat([]byte{2}, pageSize)
	if err := w.logPage(7, img1); err != nil {
		t.Fatal(err)
	}
	if err := w.logPage(9, img2); err != nil {
		t.Fatal(err)
	}
	if got := w.entryCount(); got != 2 {
		t.Errorf("got entry count %d, want 2", got)
	}

	records, err := w.readAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].PageID != 7 || !bytes.Equal(records[0].Image, img1) {
		t.Error("first record mismatch")
	}
	if records[1].PageID != 9 || !bytes.Equal(records[1].Image, img2) {
		t.Error("second record mismatch")
	}
}

func TestWALReadAllStopsAtCorruptRecord(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "test.wal")
	const pageSize = 4096

	w, err := openWAL(path, pageSize)
	if err != nil {
		t.Fatal(err)
	}
	img1 := bytes.Repeat([]byte{1}, pageSize)
	img2 := bytes.Repeat([]byte{2}, pageSize)
	if err := w.logPage(7, img1); err != nil {
		t.Fatal(err)
	}
	if err := w.logPage(9, img2); err != nil {
		t.Fatal(err)
	}
	recSize := w.recordSize()
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	// Flip one byte inside the second record's page image.
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	offset := int64(walHeaderSize) + recSize + 8 + 100
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, offset); err != nil {
		t.Fatal(err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b, offset); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	w2, err := openWAL(path, pageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()
	records, err := w2.readAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records past the corrupt tail, want 1", len(records))
	}
	if records[0].PageID != 7 {
		t.Errorf("got page id %d, want 7", records[0].PageID)
	}
}

func TestWALTruncateResetsEntryCount(t *testing.T) {
	path := filepath.Join(testutil.TempDir(t), "test.wal")
	const pageSize = 4096

	w, err := openWAL(path, pageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	img := bytes.Repeat([]byte{3}, pageSize)
	if err := w.logPage(1, img); err != nil {
		t.Fatal(err)
	}
	if err := w.truncate(); err != nil {
		t.Fatal(err)
	}
	if got := w.entryCount(); got != 0 {
		t.Errorf("got entry count %d after truncate, want 0", got)
	}
	records, err := w.readAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records after truncate, want 0", len(records))
	}
}
