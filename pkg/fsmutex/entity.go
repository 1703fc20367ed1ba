package fsmutex

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"

	"github.com/zeebo/xxh3"
)

// valueMask keeps the low 63 bits; the top bit of a packed entity is the
// exclusive flag.
const valueMask = 1<<63 - 1

// Entity is a lockable resource: a 63-bit identifier plus whether the lock
// on it should be exclusive or shared.
//
// Two entities refer to the same resource when their values are equal; the
// Exclusive flag only describes the kind of lock wanted. Entities are plain
// values and safe to copy.
type Entity struct {
	Value     uint64
	Exclusive bool
}

// NewEntity returns an entity for value, discarding its top bit.
func NewEntity(value uint64, exclusive bool) Entity {
	return Entity{Value: value & valueMask, Exclusive: exclusive}
}

// EntityFromBuffer derives an entity from an arbitrary byte buffer by
// XOR-folding its 128-bit xxh3 hash down to 63 bits.
//
// Distinct buffers can collide; that is treated as statistically negligible.
func EntityFromBuffer(b []byte, exclusive bool) Entity {
	h := xxh3.Hash128(b)

	return NewEntity(h.Lo^h.Hi, exclusive)
}

// EntityFromString is [EntityFromBuffer] for strings, such as a path or a
// resource name.
func EntityFromString(s string, exclusive bool) Entity {
	h := xxh3.HashString128(s)

	return NewEntity(h.Lo^h.Hi, exclusive)
}

// RandomEntity returns an entity with a cryptographically random value.
func RandomEntity(exclusive bool) Entity {
	var b [8]byte

	_, _ = rand.Read(b[:])

	return NewEntity(binary.LittleEndian.Uint64(b[:]), exclusive)
}

// FillRandomEntities overwrites every element of dst with a random entity.
func FillRandomEntities(dst []Entity, exclusive bool) {
	buf := make([]byte, 8*len(dst))

	_, _ = rand.Read(buf)

	for i := range dst {
		dst[i] = NewEntity(binary.LittleEndian.Uint64(buf[8*i:]), exclusive)
	}
}

// Pack returns the on-disk form: the value with the exclusive flag in bit 63.
func (e Entity) Pack() uint64 {
	v := e.Value & valueMask
	if e.Exclusive {
		v |= 1 << 63
	}

	return v
}

// UnpackEntity is the inverse of [Entity.Pack].
func UnpackEntity(packed uint64) Entity {
	return Entity{Value: packed & valueMask, Exclusive: packed>>63 == 1}
}

// AsShared returns a copy of e requesting a shared lock.
func (e Entity) AsShared() Entity {
	e.Exclusive = false

	return e
}

// AsExclusive returns a copy of e requesting an exclusive lock.
func (e Entity) AsExclusive() Entity {
	e.Exclusive = true

	return e
}

// String formats e as "<value>x" for exclusive and "<value>s" for shared.
func (e Entity) String() string {
	suffix := "s"
	if e.Exclusive {
		suffix = "x"
	}

	return strconv.FormatUint(e.Value, 10) + suffix
}

// conflicts reports whether a and b cannot be held at the same time.
func conflicts(a, b Entity) bool {
	return a.Value == b.Value && (a.Exclusive || b.Exclusive)
}

// valueBytes returns the little-endian bytes of e's value.
func (e Entity) valueBytes() [8]byte {
	var b [8]byte

	binary.LittleEndian.PutUint64(b[:], e.Value)

	return b
}
