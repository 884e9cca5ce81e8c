package kvpage

import (
	"github.com/intellect4all/acorn"
)

// kvIterator is a snapshot iterator over every live record, collected
// by walking the leaf chain left to right once at construction time
// (spec §4.E/§4.I: CrackAll/ExportChanges return a snapshot). Grounded
// on the teacher's Iterator (btree/iterator.go), simplified from a
// seekable range cursor to the full-scan shape CrackAll/ExportChanges
// need; both call sites only ever start at the leftmost leaf.
type kvIterator struct {
	engine *Engine
	keys   []string
	values [][]byte
	idx    int
	cur    acorn.Record
	err    error
}

// newFullScanIterator walks the leaf chain once, copying every cell's raw
// (post-pipeline) bytes into memory and releasing each page's pin as soon
// as its cells are copied, before any decoding happens — so a long-lived
// iterator never holds a page pinned. It takes no page latches.
func (e *Engine) newFullScanIterator() (*kvIterator, error) {
	it := &kvIterator{engine: e}

	rootID := e.pager.rootPageID()
	pg, err := e.pager.getPage(rootID)
	if err != nil {
		return nil, err
	}
	for !pg.IsLeaf() {
		if pg.NumCells() == 0 {
			right := pg.RightPtr()
			e.pager.releasePage(pg.ID())
			if right == 0 {
				return it, nil
			}
			pg, err = e.pager.getPage(right)
			if err != nil {
				return nil, err
			}
			continue
		}
		first, cerr := pg.CellAt(0)
		if cerr != nil {
			e.pager.releasePage(pg.ID())
			return nil, cerr
		}
		next := first.Child
		if pg.RightPtr() != 0 {
			// RightPtr holds the smallest-key subtree (node.go); descend
			// there first to reach the true leftmost leaf.
			next = pg.RightPtr()
		}
		e.pager.releasePage(pg.ID())
		pg, err = e.pager.getPage(next)
		if err != nil {
			return nil, err
		}
	}

	for pg != nil {
		n := pg.NumCells()
		for i := uint16(0); i < n; i++ {
			cell, cerr := pg.CellAt(i)
			if cerr != nil {
				e.pager.releasePage(pg.ID())
				return nil, cerr
			}
			it.keys = append(it.keys, string(cell.Key))
			it.values = append(it.values, append([]byte(nil), cell.Value...))
		}
		right := pg.RightPtr()
		e.pager.releasePage(pg.ID())
		if right == 0 {
			break
		}
		pg, err = e.pager.getPage(right)
		if err != nil {
			return nil, err
		}
	}

	return it, nil
}

func (it *kvIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.idx >= len(it.keys) {
		return false
	}
	rec, err := it.engine.decodeRecord(it.keys[it.idx], it.values[it.idx])
	if err != nil {
		it.err = err
		return false
	}
	it.cur = rec
	it.idx++
	return true
}

func (it *kvIterator) Record() acorn.Record { return it.cur }
func (it *kvIterator) Err() error           { return it.err }
func (it *kvIterator) Close() error         { return nil }
