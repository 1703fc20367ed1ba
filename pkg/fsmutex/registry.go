package fsmutex

import (
	"sync"
	"sync/atomic"

	"github.com/calvinalkan/fsmutex/pkg/fs"
)

// Registry is the process-wide state shared by [SafeByteRanges] handles.
//
// Byte-range locks taken by the process on one inode must go through a
// single descriptor with a single view of who in the process holds what, so
// handles on the same file (identified by device and inode) share one
// registry entry. Entries are reference counted and removed when the last
// handle closes.
//
// Handles coordinate only with handles on the same Registry. Most programs
// should use [DefaultRegistry].
type Registry struct {
	entries sync.Map // map[fs.Identity]*registryEntry
	owners  atomic.Uint64
}

// DefaultRegistry is used when [Options.Registry] is nil.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Len returns the number of files with at least one open handle.
func (r *Registry) Len() int {
	n := 0

	r.entries.Range(func(_, _ any) bool {
		n++

		return true
	})

	return n
}

// registryEntry holds the shared descriptor and in-process lock state for
// one file.
//
// Lock ordering: entry.mu is never held across a call that can block on
// another process.
type registryEntry struct {
	mu     sync.Mutex
	ranges *ByteRanges
	states map[uint64]*entityState

	// changed is closed and replaced whenever a holder releases anything,
	// waking every goroutine waiting for in-process contention to clear.
	changed chan struct{}

	// openCount tracks the number of open handles for this file.
	// When it reaches zero, the entry is removed from the registry.
	openCount atomic.Int32
}

// entityState is who in this process holds or is acquiring one entity.
type entityState struct {
	readers map[uint64]int // owner -> recursion count
	writer  uint64         // owner holding it exclusively, 0 if none

	// pending is the owner currently acquiring or upgrading the OS lock
	// with entry.mu released.
	pending uint64
}

func (st *entityState) idle() bool {
	return st.writer == 0 && st.pending == 0 && len(st.readers) == 0
}

// newOwner returns a process-unique, nonzero owner id.
func (r *Registry) newOwner() uint64 {
	return r.owners.Add(1)
}

// acquire gets or creates the entry for id, incrementing its open count.
// Callers must call release when done.
func (r *Registry) acquire(id fs.Identity) *registryEntry {
	for {
		if val, loaded := r.entries.Load(id); loaded {
			entry, ok := val.(*registryEntry)
			if !ok {
				r.entries.CompareAndDelete(id, val)

				continue
			}

			// A count of 0 means the entry is being removed.
			for {
				old := entry.openCount.Load()
				if old <= 0 {
					break
				}

				if entry.openCount.CompareAndSwap(old, old+1) {
					return entry
				}
			}
		}

		entry := &registryEntry{
			states:  make(map[uint64]*entityState),
			changed: make(chan struct{}),
		}
		entry.openCount.Store(1)

		_, loaded := r.entries.LoadOrStore(id, entry)
		if !loaded {
			return entry
		}

		// Another goroutine created the entry first, retry.
	}
}

// release decrements the open count and, for the last handle, removes the
// entry and closes its descriptor.
func (r *Registry) release(id fs.Identity, entry *registryEntry) error {
	if entry.openCount.Add(-1) > 0 {
		return nil
	}

	r.entries.CompareAndDelete(id, entry)

	entry.mu.Lock()
	ranges := entry.ranges
	entry.ranges = nil
	entry.mu.Unlock()

	if ranges == nil {
		return nil
	}

	return ranges.Close()
}

// state returns the state for value, creating it. Requires entry.mu.
func (e *registryEntry) state(value uint64) *entityState {
	st, ok := e.states[value]
	if !ok {
		st = &entityState{readers: make(map[uint64]int)}
		e.states[value] = st
	}

	return st
}

// notify wakes waiters and drops idle state. Requires entry.mu.
func (e *registryEntry) notify(value uint64) {
	if st, ok := e.states[value]; ok && st.idle() {
		delete(e.states, value)
	}

	close(e.changed)
	e.changed = make(chan struct{})
}
