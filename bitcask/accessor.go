package bitcask

import (
	"fmt"
	"os"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"
)

// accessorHolder is a reference-counted wrapper owning one mmap region
// over the data file (spec §4.D.1, §9 "ref-counted mmap handle"). Readers
// try_add_ref before touching the region and release when done; the
// writer builds a fresh holder on growth and atomically swaps it in,
// releasing only its own owner reference. The teacher's `segment` does
// the equivalent ref-counting around an *os.File rather than an mmap
// region (hashindex/segment.go's acquire/release/refCount).
type accessorHolder struct {
	mm       mmap.MMap
	capacity int64
	refCount atomic.Int32
}

// newAccessorHolder mmaps capacity bytes of f (extending the file first if
// needed) and returns a holder with refCount 1 (the owner's reference).
func newAccessorHolder(f *os.File, capacity int64) (*accessorHolder, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("bitcask: stat data file: %w", err)
	}
	if info.Size() < capacity {
		if err := f.Truncate(capacity); err != nil {
			return nil, fmt.Errorf("bitcask: grow data file to %d bytes: %w", capacity, err)
		}
	}
	mm, err := mmap.MapRegion(f, int(capacity), mmap.RDWR, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("bitcask: mmap data file: %w", err)
	}
	h := &accessorHolder{mm: mm, capacity: capacity}
	h.refCount.Store(1)
	return h, nil
}

// tryAddRef increments the reference count unless it has already dropped
// to zero (the holder is being, or has been, torn down). A CAS loop
// refuses to resurrect a zeroed count, matching the teacher's
// segment.acquire() guard against reviving a closed segment.
func (h *accessorHolder) tryAddRef() bool {
	for {
		cur := h.refCount.Load()
		if cur <= 0 {
			return false
		}
		if h.refCount.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// release decrements the reference count; on the zero-transition it
// unmaps the region. Safe to call exactly once per successful acquire
// (initial owner reference included).
func (h *accessorHolder) release() {
	if h.refCount.Add(-1) == 0 {
		_ = h.mm.Unmap()
	}
}

// readAt copies n bytes starting at off into dst. Caller must hold a ref.
func (h *accessorHolder) readAt(dst []byte, off int64) {
	copy(dst, h.mm[off:off+int64(len(dst))])
}

// writeAt copies src into the region starting at off. Caller must hold the
// write semaphore (the owner reference is always valid for the writer).
func (h *accessorHolder) writeAt(src []byte, off int64) {
	copy(h.mm[off:off+int64(len(src))], src)
}

func (h *accessorHolder) flushRange(off, n int64) error {
	// edsrzf/mmap-go only exposes a whole-region Flush; a sub-range flush
	// degrades to that here since the region is mmap.RDWR shared memory.
	_ = off
	_ = n
	return h.mm.Flush()
}
