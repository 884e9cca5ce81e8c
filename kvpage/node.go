package kvpage

import (
	"bytes"
	"errors"
)

// findChild returns the child page id to follow for key from an internal
// page (spec §4.E). Cells are kept in ascending key order; cell(K, P)
// covers the half-open range [K, nextCell.K), and RightPtr covers keys
// below the smallest cell key (the range with no explicit lower bound).
// Grounded on the teacher's GetChildPageID (btree/node.go).
func findChild(pg *page, key []byte) (uint32, error) {
	n := pg.NumCells()
	for i := uint16(0); i < n; i++ {
		cell, err := pg.CellAt(i)
		if err != nil {
			return 0, err
		}
		if bytes.Compare(key, cell.Key) >= 0 {
			if i+1 < n {
				next, err := pg.CellAt(i + 1)
				if err == nil && bytes.Compare(key, next.Key) >= 0 {
					continue
				}
			}
			return cell.Child, nil
		}
	}
	right := pg.RightPtr()
	if right == 0 {
		return 0, errors.New("kvpage: internal page has no right pointer")
	}
	return right, nil
}

