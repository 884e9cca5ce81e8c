package kvpage

import (
	"bytes"
	"errors"
)

// splitResult describes the outcome of splitting a full page: the
// separator key to insert into the parent and the new right-hand page's
// id. Grounded on the teacher's SplitResult (btree/split.go).
type splitResult struct {
	splitKey  []byte
	newPageID uint32
}

// splitLeaf splits a full leaf, inserting the pending cell into whichever
// half it belongs in, and threads the leaf sibling chain through RightPtr
// for range scans (spec §4.E).
func (e *Engine) splitLeaf(pg *page, cell *Cell) (*splitResult, error) {
	n := pg.NumCells()
	cells := make([]*Cell, 0, n+1)
	for i := uint16(0); i < n; i++ {
		c, err := pg.CellAt(i)
		if err != nil {
			return nil, err
		}
		cells = append(cells, copyCell(c))
	}

	insertPos := len(cells)
	for i, c := range cells {
		if bytes.Compare(cell.Key, c.Key) < 0 {
			insertPos = i
			break
		}
	}
	cells = append(cells[:insertPos], append([]*Cell{cell}, cells[insertPos:]...)...)

	mid := len(cells) / 2

	newPg, err := e.pager.newPage(PageTypeLeaf)
	if err != nil {
		return nil, err
	}
	defer e.pager.releasePage(newPg.ID())

	pg.setNumCells(0)
	pg.setFreePtr(uint16(e.cfg.PageSize))
	for i := 0; i < mid; i++ {
		if err := pg.InsertCell(cells[i]); err != nil {
			return nil, err
		}
	}
	for i := mid; i < len(cells); i++ {
		if err := newPg.InsertCell(cells[i]); err != nil {
			return nil, err
		}
	}

	oldRight := pg.RightPtr()
	pg.SetRightPtr(newPg.ID())
	newPg.SetRightPtr(oldRight)

	if err := e.pager.markDirty(pg); err != nil {
		return nil, err
	}
	if err := e.pager.markDirty(newPg); err != nil {
		return nil, err
	}

	sep, err := newPg.CellAt(0)
	if err != nil {
		return nil, err
	}
	return &splitResult{splitKey: sep.Key, newPageID: newPg.ID()}, nil
}

// splitInternal splits a full internal page, promoting the middle cell's
// key to the caller so it can be inserted into the parent.
func (e *Engine) splitInternal(pg *page, cell *Cell) (*splitResult, error) {
	n := pg.NumCells()
	cells := make([]*Cell, 0, n+1)
	for i := uint16(0); i < n; i++ {
		c, err := pg.CellAt(i)
		if err != nil {
			return nil, err
		}
		cells = append(cells, copyCell(c))
	}

	insertPos := len(cells)
	for i, c := range cells {
		if bytes.Compare(cell.Key, c.Key) < 0 {
			insertPos = i
			break
		}
	}
	cells = append(cells[:insertPos], append([]*Cell{cell}, cells[insertPos:]...)...)

	mid := len(cells) / 2
	middle := cells[mid]

	newPg, err := e.pager.newPage(PageTypeInternal)
	if err != nil {
		return nil, err
	}
	defer e.pager.releasePage(newPg.ID())

	// pg (left) keeps its original RightPtr: the smallest-key child it
	// pointed to is still correct, since pg's first cells[0:mid) are
	// unchanged. The promoted middle cell's child becomes the new page's
	// RightPtr, since it covers the range just below the new page's first
	// retained cell (spec §4.E; this corrects a left/right RightPtr swap
	// present in the teacher's splitInternal).
	oldRight := pg.RightPtr()
	pg.setNumCells(0)
	pg.setFreePtr(uint16(e.cfg.PageSize))
	for i := 0; i < mid; i++ {
		if err := pg.InsertCell(cells[i]); err != nil {
			return nil, err
		}
	}
	pg.SetRightPtr(oldRight)

	for i := mid + 1; i < len(cells); i++ {
		if err := newPg.InsertCell(cells[i]); err != nil {
			return nil, err
		}
	}
	newPg.SetRightPtr(middle.Child)

	if err := e.pager.markDirty(pg); err != nil {
		return nil, err
	}
	if err := e.pager.markDirty(newPg); err != nil {
		return nil, err
	}

	return &splitResult{splitKey: middle.Key, newPageID: newPg.ID()}, nil
}

// insertAndSplit descends to the leaf for key, inserting value there,
// splitting any page that overflows on the way back up (spec §4.E).
// Grounded on the teacher's insertAndSplit (btree/split.go).
func (e *Engine) insertAndSplit(pageID uint32, key, value []byte) (bool, []byte, uint32, error) {
	pg, err := e.pager.getPage(pageID)
	if err != nil {
		return false, nil, 0, err
	}
	defer e.pager.releasePage(pageID)

	if pg.IsLeaf() {
		cell := &Cell{Key: key, Value: value}
		if err := pg.InsertCell(cell); err == nil {
			if err := e.pager.markDirty(pg); err != nil {
				return false, nil, 0, err
			}
			return false, nil, 0, nil
		} else if !errors.Is(err, ErrPageFull) {
			return false, nil, 0, err
		}

		res, err := e.splitLeaf(pg, &Cell{Key: key, Value: value})
		if err != nil {
			return false, nil, 0, err
		}
		return true, res.splitKey, res.newPageID, nil
	}

	childID, err := findChild(pg, key)
	if err != nil {
		return false, nil, 0, err
	}

	split, splitKey, newPageID, err := e.insertAndSplit(childID, key, value)
	if err != nil {
		return false, nil, 0, err
	}
	if !split {
		return false, nil, 0, nil
	}

	cell := &Cell{Key: splitKey, Child: newPageID}
	if err := pg.InsertCell(cell); err == nil {
		if err := e.pager.markDirty(pg); err != nil {
			return false, nil, 0, err
		}
		return false, nil, 0, nil
	} else if !errors.Is(err, ErrPageFull) {
		return false, nil, 0, err
	}

	res, err := e.splitInternal(pg, cell)
	if err != nil {
		return false, nil, 0, err
	}
	return true, res.splitKey, res.newPageID, nil
}

// handleRootSplit wraps a split root under a fresh internal root page,
// returning its id so the caller can publish it through pager.commit as
// part of the same commit that logged the split's page images (spec
// §4.H) — the root pointer is never updated in memory alone.
func (e *Engine) handleRootSplit(oldRootID uint32, splitKey []byte, newPageID uint32) (uint32, error) {
	newRoot, err := e.pager.newPage(PageTypeInternal)
	if err != nil {
		return 0, err
	}
	defer e.pager.releasePage(newRoot.ID())

	if err := newRoot.InsertCell(&Cell{Key: splitKey, Child: newPageID}); err != nil {
		return 0, err
	}
	newRoot.SetRightPtr(oldRootID)

	if err := e.pager.markDirty(newRoot); err != nil {
		return 0, err
	}
	return newRoot.ID(), nil
}
