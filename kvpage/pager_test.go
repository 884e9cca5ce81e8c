package kvpage

import (
	"bytes"
	"testing"

	"github.com/intellect4all/acorn/internal/testutil"
)

func openTestPager(t *testing.T) (*pager, Config) {
	t.Helper()
	cfg := DefaultConfig(testutil.TempDir(t))
	cfg.withDefaults()
	p, err := openPager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return p, cfg
}

func TestFreeListReusesFreedPage(t *testing.T) {
	p, _ := openTestPager(t)
	defer p.close()

	pg, err := p.newPage(PageTypeLeaf)
	if err != nil {
		t.Fatal(err)
	}
	id := pg.ID()
	p.releasePage(id)

	if err := p.freePage(id); err != nil {
		t.Fatal(err)
	}
	if p.sb.FreeListHead != id {
		t.Fatalf("got free-list head %d, want %d", p.sb.FreeListHead, id)
	}

	reused, err := p.newPage(PageTypeLeaf)
	if err != nil {
		t.Fatal(err)
	}
	defer p.releasePage(reused.ID())
	if reused.ID() != id {
		t.Errorf("got page %d, want freed page %d reused", reused.ID(), id)
	}
	if p.sb.FreeListHead != 0 {
		t.Errorf("got free-list head %d after reuse, want 0", p.sb.FreeListHead)
	}
}

func TestFreeListChainsMultiplePages(t *testing.T) {
	p, _ := openTestPager(t)
	defer p.close()

	var ids []uint32
	for i := 0; i < 3; i++ {
		pg, err := p.newPage(PageTypeLeaf)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, pg.ID())
		p.releasePage(pg.ID())
	}
	for _, id := range ids {
		if err := p.freePage(id); err != nil {
			t.Fatal(err)
		}
	}

	// Freed last, popped first.
	for i := len(ids) - 1; i >= 0; i-- {
		pg, err := p.newPage(PageTypeLeaf)
		if err != nil {
			t.Fatal(err)
		}
		if pg.ID() != ids[i] {
			t.Errorf("got page %d, want %d", pg.ID(), ids[i])
		}
		p.releasePage(pg.ID())
	}
}

func TestFreeListHeadSurvivesReopen(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig(dir)
	cfg.withDefaults()

	p1, err := openPager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	pg, err := p1.newPage(PageTypeLeaf)
	if err != nil {
		t.Fatal(err)
	}
	id := pg.ID()
	p1.releasePage(id)
	if err := p1.freePage(id); err != nil {
		t.Fatal(err)
	}
	if err := p1.close(); err != nil {
		t.Fatal(err)
	}

	p2, err := openPager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.close()
	if p2.sb.FreeListHead != id {
		t.Errorf("got free-list head %d after reopen, want %d", p2.sb.FreeListHead, id)
	}
}

func TestWALRecoveryRestoresUncheckpointedPages(t *testing.T) {
	dir := testutil.TempDir(t)
	cfg := DefaultConfig(dir)
	cfg.withDefaults()

	p1, err := openPager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	pg, err := p1.newPage(PageTypeLeaf)
	if err != nil {
		t.Fatal(err)
	}
	if err := pg.InsertCell(&Cell{Key: []byte("k"), Value: []byte("v")}); err != nil {
		t.Fatal(err)
	}
	if err := p1.markDirty(pg); err != nil {
		t.Fatal(err)
	}
	p1.releasePage(pg.ID())
	if err := p1.wal.Sync(); err != nil {
		t.Fatal(err)
	}
	// Simulate a crash: abandon p1 without checkpointing or closing. The
	// page image exists only in the WAL at this point.

	p2, err := openPager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer p2.close()

	got, err := p2.getPage(pg.ID())
	if err != nil {
		t.Fatal(err)
	}
	defer p2.releasePage(got.ID())
	idx := got.searchCell([]byte("k"))
	if idx >= 0 {
		t.Fatal("expected key to survive WAL recovery")
	}
	cell, err := got.CellAt(uint16(-idx - 1))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cell.Value, []byte("v")) {
		t.Errorf("got value %q after recovery, want v", cell.Value)
	}
}
