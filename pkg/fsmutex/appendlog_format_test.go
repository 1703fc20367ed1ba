package fsmutex

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_EncodeRecord_Packs_Word_When_Fields_Set(t *testing.T) {
	t.Parallel()

	rec := LogRecord{
		Code:     CodeNominate,
		UniqueID: 0xdeadbeef,
		Micros:   123456789,
		Entities: []Entity{NewEntity(7, true), NewEntity(9, false)},
	}

	buf := encodeRecord(rec, false)

	if got := binary.LittleEndian.Uint64(buf[0x10:]); got != 0xdeadbeef {
		t.Fatalf("unique_id=%#x, want 0xdeadbeef", got)
	}

	word := binary.LittleEndian.Uint64(buf[0x18:])
	if got := word & (1<<56 - 1); got != 123456789 {
		t.Fatalf("micros=%d, want 123456789", got)
	}

	if got := word >> 56 & 0xF; got != 2 {
		t.Fatalf("items=%d, want 2", got)
	}

	if got := word >> 60; got != uint64(CodeNominate) {
		t.Fatalf("code=%d, want %d", got, CodeNominate)
	}

	if got := binary.LittleEndian.Uint64(buf[0x20:]); got != 1<<63|7 {
		t.Fatalf("entity[0]=%#x, want exclusive 7", got)
	}

	if got := binary.LittleEndian.Uint64(buf[0x28:]); got != 9 {
		t.Fatalf("entity[1]=%#x, want shared 9", got)
	}

	dec, ok := decodeRecord(buf, 4096, false)
	if !ok {
		t.Fatal("decodeRecord rejected a fresh record")
	}

	rec.Offset = 4096
	if diff := cmp.Diff(rec, dec); diff != "" {
		t.Fatalf("decoded record mismatch (-want +got):\n%s", diff)
	}
}

func Test_DecodeRecord_Reports_Torn_When_Any_Hashed_Byte_Changes(t *testing.T) {
	t.Parallel()

	buf := encodeRecord(LogRecord{Code: CodeInterest, UniqueID: 1, Entities: []Entity{NewEntity(3, true)}}, false)

	for _, off := range []int{0x10, 0x1f, 0x20, 0x7f} {
		torn := append([]byte(nil), buf...)
		torn[off] ^= 0x01

		if _, ok := decodeRecord(torn, 128, false); ok {
			t.Fatalf("flipping byte %#x was not detected", off)
		}

		if _, ok := decodeRecord(torn, 128, true); !ok {
			t.Fatalf("skipHash rejected record with byte %#x flipped", off)
		}
	}
}

func Test_DecodeRecord_Rejects_Record_When_Entity_Count_Exceeds_Twelve(t *testing.T) {
	t.Parallel()

	buf := make([]byte, logRecordSize)
	binary.LittleEndian.PutUint64(buf[offRecordWord:], uint64(13)<<recordItemsShift)

	if _, ok := decodeRecord(buf, 128, true); ok {
		t.Fatal("record claiming 13 entities decoded")
	}
}

func Test_Header_RoundTrips_When_Encoded(t *testing.T) {
	t.Parallel()

	hdr := LogHeader{Generation: 3, TimeOffset: 1700000000, FirstKnownGood: 4096, FirstAfterHolePunch: 128}

	got, ok := decodeHeader(encodeHeader(hdr, false), false)
	if !ok {
		t.Fatal("decodeHeader rejected a fresh header")
	}

	if diff := cmp.Diff(hdr, got); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}

	buf := encodeHeader(hdr, false)
	buf[offFirstKnownGood] ^= 0x80

	if _, ok := decodeHeader(buf, false); ok {
		t.Fatal("decodeHeader accepted a torn header")
	}
}

func Test_Claim_Uses_Offset_When_Record_Is_Interest(t *testing.T) {
	t.Parallel()

	interest := LogRecord{Offset: 512, Code: CodeInterest, UniqueID: 99}
	havelock := LogRecord{Offset: 640, Code: CodeHaveLock, UniqueID: 512}

	if interest.claim() != 512 || havelock.claim() != 512 {
		t.Fatalf("claims %d and %d, want both 512", interest.claim(), havelock.claim())
	}
}

func Test_IsReleased_Reports_True_Only_When_All_Zero(t *testing.T) {
	t.Parallel()

	buf := make([]byte, logRecordSize)
	if !isReleased(buf) {
		t.Fatal("zero record not released")
	}

	buf[logRecordSize-1] = 1
	if isReleased(buf) {
		t.Fatal("record with trailing byte set reported released")
	}
}

func Test_AnyConflict_Ignores_Shared_Pairs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b []Entity
		want bool
	}{
		{"shared/shared", []Entity{NewEntity(1, false)}, []Entity{NewEntity(1, false)}, false},
		{"shared/exclusive", []Entity{NewEntity(1, false)}, []Entity{NewEntity(1, true)}, true},
		{"disjoint", []Entity{NewEntity(1, true)}, []Entity{NewEntity(2, true)}, false},
		{"second matches", []Entity{NewEntity(1, true), NewEntity(5, true)}, []Entity{NewEntity(5, false)}, true},
	}

	for _, tt := range tests {
		if got := anyConflict(tt.a, tt.b); got != tt.want {
			t.Errorf("%s: anyConflict=%v, want %v", tt.name, got, tt.want)
		}
	}
}
