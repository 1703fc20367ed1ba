package fsmutex

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/zeebo/xxh3"
)

// Append log layout (all integers little-endian).
//
// Header, 128 bytes at offset 0:
//
//	0x00  hash                   u128  xxh3 over bytes [16,128)
//	0x10  generation             u64   bumped by every header rewrite
//	0x18  time_offset            u64   unix seconds when the log was created
//	0x20  first_known_good       u64   records below this are all released
//	0x28  first_after_hole_punch u64   storage below this has been freed
//	0x30  reserved               [10]u64, zero
//
// Only the first 48 bytes are rewritten after creation.
//
// Record, 128 bytes, appended after the header:
//
//	0x00  hash       u128  xxh3 over bytes [16,128)
//	0x10  unique_id  u64
//	0x18  word       u64   bits 0-55 microseconds since time_offset,
//	                       bits 56-59 entity count, bits 60-63 message code
//	0x20  entities   [12]u64, packed (value | exclusive<<63)
//
// A record of all zero bytes has been released.
const (
	logHeaderSize     = 128
	logRecordSize     = 128
	logMutablePrefix  = 48
	logMaxEntities    = 12
	logHashedFrom     = 16
	logScanBatch      = 48 * logRecordSize
	logGCAlign        = 4096
	logHolePunchAlign = 1 << 20

	offHash            = 0x00
	offGeneration      = 0x10
	offTimeOffset      = 0x18
	offFirstKnownGood  = 0x20
	offFirstAfterPunch = 0x28
	offRecordUniqueID  = 0x10
	offRecordWord      = 0x18
	offRecordEntities  = 0x20
	microsMask         = 1<<56 - 1
	recordItemsShift   = 56
	recordCodeShift    = 60
	recordNibbleMask   = 0xF
)

// MessageCode is the kind of an append log record.
type MessageCode uint8

const (
	// CodeUnlock releases the claim named by the record's unique id.
	CodeUnlock MessageCode = 0
	// CodeHaveLock announces that a claim now holds its entities.
	CodeHaveLock MessageCode = 1
	// CodeRescind withdraws a claim that gave up waiting.
	CodeRescind MessageCode = 2
	// CodeInterest opens a claim; its offset orders it against other claims.
	CodeInterest MessageCode = 3
	// CodeNominate is a heartbeat that keeps a claim from looking stale.
	CodeNominate MessageCode = 5
)

func (c MessageCode) String() string {
	switch c {
	case CodeUnlock:
		return "unlock"
	case CodeHaveLock:
		return "havelock"
	case CodeRescind:
		return "rescind"
	case CodeInterest:
		return "interest"
	case CodeNominate:
		return "nominate"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

// LogHeader is the decoded append log header.
type LogHeader struct {
	Generation          uint64
	TimeOffset          uint64
	FirstKnownGood      uint64
	FirstAfterHolePunch uint64
}

// Created returns when the log was created.
func (h LogHeader) Created() time.Time {
	return time.Unix(int64(h.TimeOffset), 0)
}

// LogRecord is one decoded append log record.
type LogRecord struct {
	// Offset is where the record lives in the file.
	Offset   uint64
	Code     MessageCode
	UniqueID uint64
	// Micros is the timestamp in microseconds since [LogHeader.TimeOffset].
	Micros   uint64
	Entities []Entity
}

// claim returns the key of the claim this record belongs to. An interest
// record opens the claim named by its own offset; every later record of the
// claim carries that offset as its unique id.
func (r LogRecord) claim() uint64 {
	if r.Code == CodeInterest {
		return r.Offset
	}

	return r.UniqueID
}

func encodeHeader(h LogHeader, skipHash bool) []byte {
	buf := make([]byte, logHeaderSize)

	binary.LittleEndian.PutUint64(buf[offGeneration:], h.Generation)
	binary.LittleEndian.PutUint64(buf[offTimeOffset:], h.TimeOffset)
	binary.LittleEndian.PutUint64(buf[offFirstKnownGood:], h.FirstKnownGood)
	binary.LittleEndian.PutUint64(buf[offFirstAfterPunch:], h.FirstAfterHolePunch)

	if !skipHash {
		putHash(buf)
	}

	return buf
}

// decodeHeader reports false if the stored hash does not match, which
// means the header was read while being rewritten.
func decodeHeader(buf []byte, skipHash bool) (LogHeader, bool) {
	_ = buf[logHeaderSize-1]

	if !skipHash && !hashMatches(buf) {
		return LogHeader{}, false
	}

	return LogHeader{
		Generation:          binary.LittleEndian.Uint64(buf[offGeneration:]),
		TimeOffset:          binary.LittleEndian.Uint64(buf[offTimeOffset:]),
		FirstKnownGood:      binary.LittleEndian.Uint64(buf[offFirstKnownGood:]),
		FirstAfterHolePunch: binary.LittleEndian.Uint64(buf[offFirstAfterPunch:]),
	}, true
}

func encodeRecord(r LogRecord, skipHash bool) []byte {
	if len(r.Entities) > logMaxEntities {
		panic(fmt.Sprintf("fsmutex: %d entities in one log record", len(r.Entities)))
	}

	buf := make([]byte, logRecordSize)

	word := r.Micros&microsMask |
		uint64(len(r.Entities))<<recordItemsShift |
		uint64(r.Code&recordNibbleMask)<<recordCodeShift

	binary.LittleEndian.PutUint64(buf[offRecordUniqueID:], r.UniqueID)
	binary.LittleEndian.PutUint64(buf[offRecordWord:], word)

	for i, e := range r.Entities {
		binary.LittleEndian.PutUint64(buf[offRecordEntities+8*i:], e.Pack())
	}

	if !skipHash {
		putHash(buf)
	}

	return buf
}

// decodeRecord reports false for a torn record: one whose stored hash does
// not match its bytes, or whose entity count is impossible.
func decodeRecord(buf []byte, offset uint64, skipHash bool) (LogRecord, bool) {
	_ = buf[logRecordSize-1]

	if !skipHash && !hashMatches(buf) {
		return LogRecord{}, false
	}

	word := binary.LittleEndian.Uint64(buf[offRecordWord:])

	items := int(word >> recordItemsShift & recordNibbleMask)
	if items > logMaxEntities {
		return LogRecord{}, false
	}

	r := LogRecord{
		Offset:   offset,
		Code:     MessageCode(word >> recordCodeShift & recordNibbleMask),
		UniqueID: binary.LittleEndian.Uint64(buf[offRecordUniqueID:]),
		Micros:   word & microsMask,
		Entities: make([]Entity, items),
	}

	for i := range items {
		r.Entities[i] = UnpackEntity(binary.LittleEndian.Uint64(buf[offRecordEntities+8*i:]))
	}

	return r, true
}

// isReleased reports whether a record slot has been zeroed.
func isReleased(buf []byte) bool {
	for _, b := range buf[:logRecordSize] {
		if b != 0 {
			return false
		}
	}

	return true
}

func putHash(buf []byte) {
	h := xxh3.Hash128(buf[logHashedFrom:])

	binary.LittleEndian.PutUint64(buf[offHash:], h.Lo)
	binary.LittleEndian.PutUint64(buf[offHash+8:], h.Hi)
}

func hashMatches(buf []byte) bool {
	h := xxh3.Hash128(buf[logHashedFrom:])

	return binary.LittleEndian.Uint64(buf[offHash:]) == h.Lo &&
		binary.LittleEndian.Uint64(buf[offHash+8:]) == h.Hi
}

// anyConflict reports whether some entity in a cannot be held together with
// some entity in b.
func anyConflict(a, b []Entity) bool {
	for _, x := range a {
		for _, y := range b {
			if conflicts(x, y) {
				return true
			}
		}
	}

	return false
}
