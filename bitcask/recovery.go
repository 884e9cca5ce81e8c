package bitcask

import "bytes"

// loadKeydir walks the data file from offset 0, rebuilding the keydir and
// the dead/total record counters, and sets filePosition to the end of the
// last valid record (spec §4.D.5). Grounded on the teacher's
// hashindex/recovery.go directory-scan-and-truncate-on-corruption idiom,
// generalized here to the single-file v1/v2 dual-format walk.
func (e *Engine) loadKeydir() error {
	h := e.holder.Load()
	if !h.tryAddRef() {
		return nil
	}
	defer h.release()

	capacity := e.capacity.Load()
	offset := int64(0)
	magic := make([]byte, 4)

	for offset+4 <= capacity {
		h.readAt(magic, offset)

		switch {
		case bytes.Equal(magic, []byte(magicV2)):
			if !e.loadV2At(h, offset, capacity) {
				goto done
			}
			hdr := readV2HeaderAt(h, offset)
			offset += headerSizeV2 + int64(hdr.KeyLen) + int64(hdr.PayloadLen)

		case bytes.Equal(magic, []byte(magicV1)):
			next, ok := e.loadV1At(h, offset, capacity)
			if !ok {
				goto done
			}
			offset = next

		default:
			goto done
		}
	}

done:
	e.filePosition.Store(offset)
	return nil
}

// readV2HeaderAt reads and decodes the 32-byte v2 header at offset,
// assuming the caller already confirmed its magic and sanity.
func readV2HeaderAt(h *accessorHolder, offset int64) v2Header {
	buf := make([]byte, headerSizeV2)
	h.readAt(buf, offset)
	hdr, _ := decodeV2Header(buf)
	return hdr
}

// loadV2At validates and applies one v2 record at offset. Returns false
// if the record is unparseable or corrupt (caller should stop the scan).
func (e *Engine) loadV2At(h *accessorHolder, offset, capacity int64) bool {
	buf := make([]byte, headerSizeV2)
	h.readAt(buf, offset)
	hdr, err := decodeV2Header(buf)
	if err != nil {
		return false
	}
	if !hdr.sane(offset, capacity) {
		return false
	}

	keyStart := offset + headerSizeV2
	key := make([]byte, hdr.KeyLen)
	h.readAt(key, keyStart)
	payload := make([]byte, hdr.PayloadLen)
	h.readAt(payload, keyStart+int64(hdr.KeyLen))

	if e.cfg.ValidateCRCOnRead && !hdr.verifyCRC(key, payload) {
		return false
	}

	keyStr := string(key)
	e.totalCount.Add(1)

	if hdr.tombstone() {
		e.kd.remove(keyStr)
		// Two dead records: the tombstone itself and the record it
		// supersedes, the same accounting the write path applies.
		e.deadCount.Add(2)
		return true
	}

	entry := keydirEntry{
		RecordOffset:  uint64(offset),
		PayloadOffset: uint64(keyStart) + uint64(hdr.KeyLen),
		PayloadLength: int32(hdr.PayloadLen),
		Timestamp:     hdr.Timestamp,
		Version:       hdr.Version,
		Format:        formatV2,
	}
	if existed := e.kd.put(keyStr, entry); existed {
		e.deadCount.Add(1)
	}
	return true
}

// loadV1At validates and applies one legacy v1 record at offset, scanning
// up to maxV1KeyScan bytes past the header for the key's null terminator
// (spec §4.D.5, §9: records without one are rejected outright, no
// heuristic recovery). Returns the offset of the next record and true on
// success.
func (e *Engine) loadV1At(h *accessorHolder, offset, capacity int64) (int64, bool) {
	hdrBuf := make([]byte, headerSizeV1)
	if offset+headerSizeV1 > capacity {
		return 0, false
	}
	h.readAt(hdrBuf, offset)
	hdr, err := decodeV1Header(hdrBuf)
	if err != nil {
		return 0, false
	}

	scanStart := offset + headerSizeV1
	scanLen := maxV1KeyScan
	if scanStart+int64(scanLen) > capacity {
		scanLen = int(capacity - scanStart)
	}
	if scanLen <= 0 {
		return 0, false
	}
	region := make([]byte, scanLen)
	h.readAt(region, scanStart)

	nulIdx := bytes.IndexByte(region, 0)
	if nulIdx < 0 {
		return 0, false
	}

	keyLen := nulIdx
	payloadStart := scanStart + int64(keyLen) + 1
	recordEnd := payloadStart + int64(hdr.PayloadLen)
	if recordEnd > capacity {
		return 0, false
	}

	key := string(region[:keyLen])
	payload := make([]byte, hdr.PayloadLen)
	h.readAt(payload, payloadStart)

	e.totalCount.Add(1)
	entry := keydirEntry{
		RecordOffset:  uint64(offset),
		PayloadOffset: uint64(payloadStart),
		PayloadLength: int32(hdr.PayloadLen),
		Timestamp:     hdr.Timestamp,
		Version:       hdr.Version,
		Format:        formatV1,
	}
	if existed := e.kd.put(key, entry); existed {
		e.deadCount.Add(1)
	}

	return recordEnd, true
}
