package bitcask

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// On-disk record framing (spec §3, format v2).
//
//	[Magic:4 = 'ACR2'][FormatVer:2 = 2][Flags:2]
//	[KeyLen:4][PayloadLen:4][Timestamp:8][Version:4]
//	[CRC32:4][KeyBytes:KeyLen][PayloadBytes:PayloadLen]
const (
	magicV2      = "ACR2"
	magicV1      = "ACOR"
	headerSizeV2 = 32
	headerSizeV1 = 20

	flagTombstone  uint16 = 1 << 0
	flagCompressed uint16 = 1 << 1
	flagEncrypted  uint16 = 1 << 2

	maxKeyLen     = 1 << 20  // 1 MiB
	maxPayloadLen = 1 << 30
	maxV1KeyScan  = 64 << 10 // scan up to 64 KiB past the header for a NUL
)

var (
	errNoNullTerminator = errors.New("bitcask: v1 record has no null-terminated key")
	errBadMagic         = errors.New("bitcask: unrecognised record magic")
	errShortBuffer      = errors.New("bitcask: buffer too short for record header")
)

// v2Header is the decoded fixed portion of a format-v2 record.
type v2Header struct {
	Flags      uint16
	KeyLen     uint32
	PayloadLen uint32
	Timestamp  int64
	Version    uint32
	CRC32      uint32
}

func (h v2Header) tombstone() bool { return h.Flags&flagTombstone != 0 }

// encodeV2 builds a complete on-disk v2 record: header ∥ key ∥ payload.
// CRC32 covers key ∥ payload unless tombstone, in which case it covers only
// the key (spec §3: "the CRC covers only the key bytes").
func encodeV2(key string, payload []byte, timestampUnixNano int64, version uint32, tombstone bool) []byte {
	keyBytes := []byte(key)
	var flags uint16
	payloadLen := len(payload)
	if tombstone {
		flags |= flagTombstone
		payloadLen = 0
	}

	buf := make([]byte, headerSizeV2+len(keyBytes)+payloadLen)
	copy(buf[0:4], magicV2)
	binary.LittleEndian.PutUint16(buf[4:6], 2)
	binary.LittleEndian.PutUint16(buf[6:8], flags)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(keyBytes)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(payloadLen))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(timestampUnixNano))
	binary.LittleEndian.PutUint32(buf[24:28], version)

	crcData := keyBytes
	if !tombstone {
		crcData = append(append([]byte(nil), keyBytes...), payload...)
	}
	crc := crc32.ChecksumIEEE(crcData)
	binary.LittleEndian.PutUint32(buf[28:32], crc)

	copy(buf[32:32+len(keyBytes)], keyBytes)
	if !tombstone {
		copy(buf[32+len(keyBytes):], payload)
	}
	return buf
}

// decodeV2Header parses the fixed 32-byte header. buf must be at least
// headerSizeV2 bytes and must begin with the v2 magic.
func decodeV2Header(buf []byte) (v2Header, error) {
	if len(buf) < headerSizeV2 {
		return v2Header{}, errShortBuffer
	}
	if string(buf[0:4]) != magicV2 {
		return v2Header{}, errBadMagic
	}
	return v2Header{
		Flags:      binary.LittleEndian.Uint16(buf[6:8]),
		KeyLen:     binary.LittleEndian.Uint32(buf[8:12]),
		PayloadLen: binary.LittleEndian.Uint32(buf[12:16]),
		Timestamp:  int64(binary.LittleEndian.Uint64(buf[16:24])),
		Version:    binary.LittleEndian.Uint32(buf[24:28]),
		CRC32:      binary.LittleEndian.Uint32(buf[28:32]),
	}, nil
}

// sane reports whether the header's lengths are within spec bounds and the
// full record fits within fileLen starting at offset.
func (h v2Header) sane(offset, fileLen int64) bool {
	if h.KeyLen == 0 || h.KeyLen > maxKeyLen {
		return false
	}
	if h.PayloadLen > maxPayloadLen {
		return false
	}
	total := int64(headerSizeV2) + int64(h.KeyLen) + int64(h.PayloadLen)
	return offset+total <= fileLen
}

// crc32Of computes CRC32 over key∥payload, the same region encodeV2 covers
// for a non-tombstone record.
func crc32Of(key, payload []byte) uint32 {
	data := append(append([]byte(nil), key...), payload...)
	return crc32.ChecksumIEEE(data)
}

// verifyCRC recomputes CRC32 over key∥payload (or just key, for a
// tombstone) and compares against the stored value.
func (h v2Header) verifyCRC(key, payload []byte) bool {
	var data []byte
	if h.tombstone() {
		data = key
	} else {
		data = append(append([]byte(nil), key...), payload...)
	}
	return crc32.ChecksumIEEE(data) == h.CRC32
}

// v1Header is the decoded fixed portion of a legacy format-v1 record.
type v1Header struct {
	Version    uint32
	Timestamp  int64
	PayloadLen uint32
}

func decodeV1Header(buf []byte) (v1Header, error) {
	if len(buf) < headerSizeV1 {
		return v1Header{}, errShortBuffer
	}
	if string(buf[0:4]) != magicV1 {
		return v1Header{}, errBadMagic
	}
	return v1Header{
		Version:    binary.LittleEndian.Uint32(buf[4:8]),
		Timestamp:  int64(binary.LittleEndian.Uint64(buf[8:16])),
		PayloadLen: binary.LittleEndian.Uint32(buf[16:20]),
	}, nil
}
