// Package bitcask implements the append-only, memory-mapped log engine
// (spec §4.D): keydir, accessor holder, write/read paths, batching, and
// compaction. Grounded on the teacher's hashindex package (hashindex.go,
// segment.go, shard.go, compaction.go, recovery.go), restructured around
// a single growable mmap'd file instead of segment rotation.
package bitcask

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/intellect4all/acorn"
	"github.com/intellect4all/acorn/internal/metrics"
	"github.com/intellect4all/acorn/roots"
	"github.com/intellect4all/acorn/serializer"
)

// dataFileName is fixed by spec §6: "one directory per type, containing
// btree_v2.db".
const dataFileName = "btree_v2.db"

// Engine is the Bitcask-style append-only log backend (spec components
// C, D) implementing acorn.Trunk.
type Engine struct {
	cfg Config

	// file is swapped by compaction while the batch flusher may be
	// fsyncing concurrently, so it is published through an atomic pointer
	// rather than a plain field.
	file atomic.Pointer[os.File]

	holder   atomic.Pointer[accessorHolder]
	capacity atomic.Int64

	// filePosition is the logical end of valid data, tracked separately
	// from the mmap'd capacity and from on-disk file length (spec §9:
	// "trusting file_length at load time would misplace the append
	// cursor").
	filePosition atomic.Int64

	writeSem sync.Mutex

	kd         *keydir
	pipeline   *roots.Pipeline
	serializer serializer.Serializer

	totalCount    atomic.Int64
	deadCount     atomic.Int64
	mutations     atomic.Int64
	compactingCAS atomic.Bool

	batch *batchBuffer

	compactChan chan struct{}
	compactWg   sync.WaitGroup
	stopCompact chan struct{}

	metrics *metrics.Engine

	closed atomic.Bool
}

// Open creates or opens a bitcask engine rooted at cfg.DataDir.
func Open(cfg Config) (*Engine, error) {
	cfg.withDefaults()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("bitcask: create data dir: %w", err)
	}

	path := filepath.Join(cfg.DataDir, dataFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bitcask: open data file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("bitcask: stat data file: %w", err)
	}

	capacity := cfg.InitialCapacityBytes
	if info.Size() > capacity {
		capacity = info.Size()
	}

	holder, err := newAccessorHolder(f, capacity)
	if err != nil {
		f.Close()
		return nil, err
	}

	e := &Engine{
		cfg:        cfg,
		kd:         newKeydir(),
		pipeline:   roots.New(),
		serializer: serializer.New(),
		metrics:    metrics.New(cfg.Registerer, "bitcask", cfg.DataDir),
	}
	e.file.Store(f)
	e.holder.Store(holder)
	e.capacity.Store(capacity)
	e.filePosition.Store(0) // set precisely by the keydir load below

	e.batch = newBatchBuffer(e)
	e.batch.startTimer()

	e.compactChan = make(chan struct{}, 1)
	e.stopCompact = make(chan struct{})
	e.compactWg.Add(1)
	go e.compactionWorker()

	return e, nil
}

func (e *Engine) dataPath() string {
	return filepath.Join(e.cfg.DataDir, dataFileName)
}

// ensureLoaded performs the keydir's double-checked lazy load (spec §4.C),
// invoked at the top of every public entry point that reads or writes the
// keydir (Stash, Toss, Crack, CrackAll, ImportChanges, Compact).
func (e *Engine) ensureLoaded() error {
	if e.kd.loaded.Load() {
		return e.kd.loadErr
	}
	e.kd.loadMu.Lock()
	defer e.kd.loadMu.Unlock()
	if e.kd.loaded.Load() {
		return e.kd.loadErr
	}
	err := e.loadKeydir()
	e.kd.loadErr = err
	e.kd.loaded.Store(true)
	return err
}

// reserve advances filePosition by n bytes under the write semaphore,
// growing (remapping) the accessor if the reservation would exceed
// capacity. Returns the offset at which the caller should write, and a
// reference already acquired on the holder valid for that offset — the
// caller must release it after writing (spec §4.D.1, §9).
func (e *Engine) reserve(n int64) (offset int64, h *accessorHolder, err error) {
	e.writeSem.Lock()
	defer e.writeSem.Unlock()

	offset = e.filePosition.Load()
	needed := offset + n
	capacity := e.capacity.Load()

	if needed > capacity {
		newCapacity := capacity * 2
		if needed > newCapacity {
			newCapacity = needed
		}
		newHolder, growErr := newAccessorHolder(e.file.Load(), newCapacity)
		if growErr != nil {
			return 0, nil, fmt.Errorf("%w: %v", acorn.ErrResourceExhausted, growErr)
		}
		oldHolder := e.holder.Load()
		e.holder.Store(newHolder)
		e.capacity.Store(newCapacity)
		oldHolder.release()
	}

	e.filePosition.Store(needed)

	h = e.holder.Load()
	if !h.tryAddRef() {
		return 0, nil, acorn.ErrConcurrency
	}
	return offset, h, nil
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", acorn.ErrInvalidArgument)
	}
	if len(key) > maxKeyLen {
		return fmt.Errorf("%w: key exceeds %d bytes", acorn.ErrInvalidArgument, maxKeyLen)
	}
	return nil
}

// nextVersion returns the version to stamp on a fresh write to key: one
// past whatever is currently live, or 1 if the key has no live entry.
func (e *Engine) nextVersion(key string) uint32 {
	if entry, ok := e.kd.get(key); ok {
		return entry.Version + 1
	}
	return 1
}

// writeRecord appends rec to the log (tombstone or live) and updates the
// keydir/counters. immediateSync forces an fsync of this write regardless
// of batching (used for tombstones and ImportChanges).
func (e *Engine) writeRecord(rec acorn.Record, tombstone bool, immediateSync bool) error {
	var payload []byte
	if !tombstone {
		serialized, err := e.serializer.Serialize(rec)
		if err != nil {
			return err
		}
		ctx := acorn.Context{DocID: rec.Key}
		if e.pipeline.Empty() {
			payload = serialized
		} else {
			payload, err = e.pipeline.Stash(ctx, serialized)
			if err != nil {
				return err
			}
		}
	}

	buf := encodeV2(rec.Key, payload, rec.Timestamp.UTC().UnixNano(), rec.Version, tombstone)

	offset, h, err := e.reserve(int64(len(buf)))
	if err != nil {
		return err
	}
	h.writeAt(buf, offset)
	if immediateSync || tombstone {
		_ = h.flushRange(offset, int64(len(buf)))
	}
	h.release()

	keyLen := len(rec.Key)
	entry := keydirEntry{
		RecordOffset:  uint64(offset),
		PayloadOffset: uint64(offset) + headerSizeV2 + uint64(keyLen),
		PayloadLength: int32(len(payload)),
		Timestamp:     rec.Timestamp.UTC().UnixNano(),
		Version:       rec.Version,
		Format:        formatV2,
	}

	if tombstone {
		e.kd.remove(rec.Key)
		e.deadCount.Add(2)
		e.totalCount.Add(1)
		e.metrics.Tombstones.Inc()
	} else {
		existed := e.kd.put(rec.Key, entry)
		if existed {
			e.deadCount.Add(1)
		}
		e.totalCount.Add(1)
		e.metrics.Writes.Inc()
	}
	e.metrics.DeadRecords.Set(float64(e.deadCount.Load()))
	e.mutations.Add(1)

	if immediateSync || tombstone {
		if err := e.file.Load().Sync(); err != nil {
			e.cfg.Logger.Error("bitcask: fsync after write failed", "err", err)
		}
	} else {
		e.batch.noteWrite()
	}

	e.evaluateAutoCompact()
	return nil
}

// Stash implements acorn.Trunk.
func (e *Engine) Stash(id string, payload []byte) error {
	if e.closed.Load() {
		return acorn.ErrClosed
	}
	if err := validateKey(id); err != nil {
		return err
	}
	if err := e.ensureLoaded(); err != nil {
		return err
	}
	rec := acorn.Record{
		Key:       id,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Version:   e.nextVersion(id),
	}
	return e.writeRecord(rec, false, false)
}

// Toss implements acorn.Trunk. Tombstones are always fsynced immediately
// (spec §4.D.2: "deletes must survive restart").
func (e *Engine) Toss(id string) error {
	if e.closed.Load() {
		return acorn.ErrClosed
	}
	if err := validateKey(id); err != nil {
		return err
	}
	if err := e.ensureLoaded(); err != nil {
		return err
	}
	rec := acorn.Record{
		Key:       id,
		Timestamp: time.Now().UTC(),
		Version:   e.nextVersion(id),
	}
	return e.writeRecord(rec, true, true)
}

// readEntry performs the point read described by spec §4.D.3 for an
// already-resolved live keydir entry.
func (e *Engine) readEntry(id string, entry keydirEntry) (acorn.Record, error) {
	h := e.holder.Load()
	if !h.tryAddRef() {
		h = e.holder.Load()
		if !h.tryAddRef() {
			return acorn.Record{}, acorn.ErrConcurrency
		}
	}
	defer h.release()

	keyLen := entry.PayloadOffset - entry.RecordOffset - headerSizeV2
	key := make([]byte, keyLen)
	h.readAt(key, int64(entry.RecordOffset)+headerSizeV2)

	payload := make([]byte, entry.PayloadLength)
	h.readAt(payload, int64(entry.PayloadOffset))

	if e.cfg.ValidateCRCOnRead && entry.Format == formatV2 {
		hdr := make([]byte, 4)
		h.readAt(hdr, int64(entry.RecordOffset)+28)
		storedCRC := le32(hdr)
		computed := crc32Of(key, payload)
		if storedCRC != computed {
			return acorn.Record{}, &acorn.CorruptedError{
				Location:    entry.RecordOffset,
				StoredCRC:   storedCRC,
				ComputedCRC: computed,
				What:        "record",
			}
		}
	}

	if entry.Format == formatV1 {
		return acorn.Record{
			Key:       id,
			Payload:   payload,
			Timestamp: time.Unix(0, entry.Timestamp).UTC(),
			Version:   entry.Version,
		}, nil
	}

	ctx := acorn.Context{DocID: id}
	var deserializeInput []byte
	if e.pipeline.Empty() {
		deserializeInput = payload
	} else {
		out, err := e.pipeline.Crack(ctx, payload)
		if err != nil {
			return acorn.Record{}, err
		}
		deserializeInput = out
	}

	rec, err := e.serializer.Deserialize(deserializeInput)
	if err != nil {
		return acorn.Record{}, err
	}
	rec.Key = id
	rec.Timestamp = time.Unix(0, entry.Timestamp).UTC()
	rec.Version = entry.Version
	return rec, nil
}

// Crack implements acorn.Trunk.
func (e *Engine) Crack(id string) (acorn.Record, error) {
	if e.closed.Load() {
		return acorn.Record{}, acorn.ErrClosed
	}
	if err := e.ensureLoaded(); err != nil {
		return acorn.Record{}, err
	}
	entry, ok := e.kd.get(id)
	if !ok {
		return acorn.Record{}, acorn.ErrNotFound
	}
	rec, err := e.readEntry(id, entry)
	if err == nil {
		e.metrics.Reads.Inc()
	}
	return rec, err
}

// CrackAll implements acorn.Trunk: a snapshot iteration over the live set.
func (e *Engine) CrackAll() (acorn.RecordIterator, error) {
	if e.closed.Load() {
		return nil, acorn.ErrClosed
	}
	if err := e.ensureLoaded(); err != nil {
		return nil, err
	}
	snap := e.kd.snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	return &recordIterator{engine: e, snapshot: snap, keys: keys}, nil
}

// ExportChanges implements acorn.Trunk; equal to CrackAll (spec §4.I).
func (e *Engine) ExportChanges() (acorn.RecordIterator, error) {
	return e.CrackAll()
}

// ImportChanges implements acorn.Trunk, preserving each record's embedded
// timestamp and version rather than re-stamping them.
func (e *Engine) ImportChanges(records []acorn.Record) error {
	if e.closed.Load() {
		return acorn.ErrClosed
	}
	if err := e.ensureLoaded(); err != nil {
		return err
	}
	for _, rec := range records {
		if err := validateKey(rec.Key); err != nil {
			return err
		}
		if err := e.writeRecord(rec, false, true); err != nil {
			return err
		}
	}
	return nil
}

// GetHistory implements acorn.Trunk: not supported by this engine (spec
// §4.D.4).
func (e *Engine) GetHistory(string) ([]acorn.Record, error) {
	return nil, acorn.ErrNotSupported
}

func (e *Engine) Roots() []acorn.Root { return e.pipeline.List() }

func (e *Engine) AddRoot(r acorn.Root) error { return e.pipeline.Add(r) }

func (e *Engine) RemoveRoot(name string) error { return e.pipeline.Remove(name) }

func (e *Engine) Capabilities() acorn.Capabilities {
	return acorn.Capabilities{
		SupportsHistory: false,
		SupportsSync:    true,
		IsDurable:       true,
		SupportsAsync:   false,
		TrunkType:       "bitcask",
	}
}

// Sync flushes any batched writes and fsyncs the data file.
func (e *Engine) Sync() error {
	if e.closed.Load() {
		return acorn.ErrClosed
	}
	return e.flush()
}

// flush is Sync without the closed-state check, shared with Close.
func (e *Engine) flush() error {
	h := e.holder.Load()
	if !h.tryAddRef() {
		return acorn.ErrConcurrency
	}
	defer h.release()
	if err := h.flushRange(0, e.filePosition.Load()); err != nil {
		return err
	}
	if err := e.file.Load().Sync(); err != nil {
		return err
	}
	e.batch.reset()
	return nil
}

// Close stops background work, flushes whatever is pending, and releases
// the data file.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	close(e.stopCompact)
	e.compactWg.Wait()
	e.batch.stop()
	if err := e.flush(); err != nil {
		e.cfg.Logger.Error("bitcask: sync on close failed", "err", err)
	}
	h := e.holder.Load()
	h.release()
	return e.file.Load().Close()
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// recordIterator is the snapshot iterator returned by CrackAll/ExportChanges.
type recordIterator struct {
	engine   *Engine
	snapshot map[string]keydirEntry
	keys     []string
	idx      int
	cur      acorn.Record
	err      error
}

func (it *recordIterator) Next() bool {
	for it.idx < len(it.keys) {
		key := it.keys[it.idx]
		it.idx++
		entry, ok := it.snapshot[key]
		if !ok {
			continue
		}
		rec, err := it.engine.readEntry(key, entry)
		if err != nil {
			it.err = err
			return false
		}
		it.cur = rec
		return true
	}
	return false
}

func (it *recordIterator) Record() acorn.Record { return it.cur }
func (it *recordIterator) Err() error           { return it.err }
func (it *recordIterator) Close() error         { return nil }
