package bitcask

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	natomic "github.com/natefinch/atomic"

	"github.com/intellect4all/acorn"
)

var errAccessorGone = errors.New("bitcask: accessor unavailable")

// compactionWorker drains compaction requests one at a time, grounded on
// the teacher's hashindex.go compactionWorker (a goroutine selecting on a
// signal channel and a stop channel). If BackgroundCheckInterval is set,
// the thresholds are also re-evaluated on a timer even absent new writes.
func (e *Engine) compactionWorker() {
	defer e.compactWg.Done()

	var tick <-chan time.Time
	if iv := e.cfg.Compaction.BackgroundCheckInterval; iv > 0 && !e.cfg.Compaction.Manual {
		ticker := time.NewTicker(iv)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-e.stopCompact:
			return
		case <-e.compactChan:
			if err := e.Compact(); err != nil {
				e.cfg.Logger.Error("bitcask: auto-compaction failed", "err", err)
			}
		case <-tick:
			e.evaluateAutoCompact()
		}
	}
}

// evaluateAutoCompact runs after every write or tombstone (spec §4.D.6)
// and schedules a compaction if any threshold is exceeded, the file is
// above the configured floor, and automatic compaction is not disabled.
func (e *Engine) evaluateAutoCompact() {
	opts := e.cfg.Compaction
	if opts.Manual {
		return
	}
	if e.filePosition.Load() < opts.MinimumFileSizeBytes {
		return
	}

	dead := e.deadCount.Load()
	total := e.totalCount.Load()

	trigger := false
	if total > 0 && float64(dead)/float64(total) >= opts.DeadSpaceRatioThreshold {
		trigger = true
	}
	if dead >= opts.DeadRecordCountThreshold {
		trigger = true
	}
	if opts.MutationCountThreshold > 0 && e.mutations.Load() >= opts.MutationCountThreshold {
		trigger = true
	}
	if !trigger {
		return
	}

	select {
	case e.compactChan <- struct{}{}:
	default:
	}
}

// Compact rewrites only live keydir entries into a fresh v2 file,
// eliminating tombstones, superseded records, and any v1 records (spec
// §4.D.6). A CAS guard ensures at most one concurrent compaction.
func (e *Engine) Compact() error {
	if e.closed.Load() {
		return nil
	}
	if err := e.ensureLoaded(); err != nil {
		return err
	}
	if !e.compactingCAS.CompareAndSwap(false, true) {
		return nil
	}
	defer e.compactingCAS.Store(false)

	if err := e.Sync(); err != nil {
		return fmt.Errorf("bitcask: compaction pre-flush: %w", err)
	}

	e.writeSem.Lock()
	defer e.writeSem.Unlock()

	snapshot := e.kd.snapshot()

	tmpPath := filepath.Join(e.cfg.DataDir, fmt.Sprintf(".%s.compact-%s", dataFileName, uuid.NewString()))
	tmpFile, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("bitcask: create compaction temp file: %w", err)
	}
	defer os.Remove(tmpPath) // no-op once the atomic rename below succeeds

	holder := e.holder.Load()
	if !holder.tryAddRef() {
		tmpFile.Close()
		return fmt.Errorf("bitcask: %w: accessor unavailable during compaction", errAccessorGone)
	}

	w := bufio.NewWriterSize(tmpFile, 1<<20)
	newIndex := make(map[string]keydirEntry, len(snapshot))
	var offset int64

	for key, entry := range snapshot {
		payload := make([]byte, entry.PayloadLength)
		holder.readAt(payload, int64(entry.PayloadOffset))
		if entry.Format == formatV1 {
			// A v1 payload is stored raw; the v2 read path expects a
			// serialized record that has been through the pipeline.
			rec := acorn.Record{Key: key, Payload: payload, Timestamp: time.Unix(0, entry.Timestamp).UTC(), Version: entry.Version}
			if payload, err = e.serializer.Serialize(rec); err == nil && !e.pipeline.Empty() {
				payload, err = e.pipeline.Stash(acorn.Context{DocID: key}, payload)
			}
			if err != nil {
				holder.release()
				tmpFile.Close()
				return fmt.Errorf("bitcask: convert v1 record: %w", err)
			}
		}

		buf := encodeV2(key, payload, entry.Timestamp, entry.Version, false)
		if _, err := w.Write(buf); err != nil {
			holder.release()
			tmpFile.Close()
			return fmt.Errorf("bitcask: write compacted record: %w", err)
		}

		newIndex[key] = keydirEntry{
			RecordOffset:  uint64(offset),
			PayloadOffset: uint64(offset) + headerSizeV2 + uint64(len(key)),
			PayloadLength: int32(len(payload)),
			Timestamp:     entry.Timestamp,
			Version:       entry.Version,
			Format:        formatV2,
		}
		offset += int64(len(buf))
	}
	holder.release()

	if err := w.Flush(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("bitcask: flush compaction temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("bitcask: fsync compaction temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("bitcask: close compaction temp file: %w", err)
	}

	oldHolder := e.holder.Load()
	oldFile := e.file.Load()

	if err := natomic.ReplaceFile(tmpPath, e.dataPath()); err != nil {
		return fmt.Errorf("bitcask: replace data file: %w", err)
	}

	newFile, err := os.OpenFile(e.dataPath(), os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("bitcask: reopen compacted data file: %w", err)
	}

	capacity := e.cfg.InitialCapacityBytes
	if offset > capacity {
		capacity = offset
	}
	newHolder, err := newAccessorHolder(newFile, capacity)
	if err != nil {
		newFile.Close()
		return fmt.Errorf("bitcask: mmap compacted data file: %w", err)
	}

	e.file.Store(newFile)
	e.holder.Store(newHolder)
	e.capacity.Store(capacity)
	e.filePosition.Store(offset)
	e.kd.replaceAll(newIndex)
	e.deadCount.Store(0)
	e.totalCount.Store(int64(len(newIndex)))
	e.mutations.Store(0)

	oldHolder.release()
	_ = oldFile.Close()

	e.metrics.Compactions.Inc()
	e.metrics.DeadRecords.Set(0)
	return nil
}
