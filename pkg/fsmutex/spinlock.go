package fsmutex

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// The spinlock table is an array of 4-byte reader/writer spinlocks living in
// a memory-mapped file, so every process mapping it sees the same words.
//
// Word layout: bit 0 set means exclusively held; otherwise the word is
// twice the number of shared holders.
const (
	spinExclusive  uint32 = 1
	spinReaderUnit uint32 = 2

	spinTableSize  = 4096
	spinTableSlots = spinTableSize / 4
)

const (
	fnv1aOffsetBasis uint64 = 14695981039346656037
	fnv1aPrime       uint64 = 1099511628211
)

// fnv1a64 computes the FNV-1a 64-bit hash of b.
func fnv1a64(b []byte) uint64 {
	h := fnv1aOffsetBasis
	for _, c := range b {
		h ^= uint64(c)
		h *= fnv1aPrime
	}

	return h
}

// spinTable is a view over the mapped table bytes.
type spinTable []byte

// word returns the spinlock for slot i. The mapping is page aligned, so
// every 4-byte slot is aligned for atomic access.
func (t spinTable) word(i int) *uint32 {
	_ = t[4*i+3]

	return (*uint32)(unsafe.Pointer(&t[4*i]))
}

func (t spinTable) tryLock(i int) bool {
	return atomic.CompareAndSwapUint32(t.word(i), 0, spinExclusive)
}

func (t spinTable) tryLockShared(i int) bool {
	w := t.word(i)

	for {
		v := atomic.LoadUint32(w)
		if v&spinExclusive != 0 {
			return false
		}

		if atomic.CompareAndSwapUint32(w, v, v+spinReaderUnit) {
			return true
		}
	}
}

// unlock panics if slot i is not exclusively locked: that can only happen
// through a double unlock or a corrupted table.
func (t spinTable) unlock(i int) {
	if !atomic.CompareAndSwapUint32(t.word(i), spinExclusive, 0) {
		panic(fmt.Sprintf("fsmutex: spinlock slot %d unlocked while not exclusively held", i))
	}
}

func (t spinTable) unlockShared(i int) {
	w := t.word(i)

	for {
		v := atomic.LoadUint32(w)
		if v&spinExclusive != 0 || v < spinReaderUnit {
			panic(fmt.Sprintf("fsmutex: spinlock slot %d shared-unlocked while not shared-held (word=%d)", i, v))
		}

		if atomic.CompareAndSwapUint32(w, v, v-spinReaderUnit) {
			return
		}
	}
}

// slotRequest is one distinct table slot an attempt needs.
type slotRequest struct {
	index     int
	exclusive bool
}

// spinSlotOf maps an entity to its table slot.
func spinSlotOf(e Entity) int {
	b := e.valueBytes()

	return int(fnv1a64(b[:]) % spinTableSlots)
}

// coalesceSlots maps entities to distinct slots. Entities sharing a slot are
// merged, and the slot is taken exclusively if any of them wants that.
func coalesceSlots(entities []Entity) []slotRequest {
	out := make([]slotRequest, 0, len(entities))

	for _, e := range entities {
		idx := spinSlotOf(e)

		merged := false

		for i := range out {
			if out[i].index == idx {
				out[i].exclusive = out[i].exclusive || e.Exclusive
				merged = true

				break
			}
		}

		if !merged {
			out = append(out, slotRequest{index: idx, exclusive: e.Exclusive})
		}
	}

	return out
}
