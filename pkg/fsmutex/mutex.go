package fsmutex

import (
	"slices"
	"sync"
)

// Mutex locks sets of entities using the filesystem as the only
// coordination medium.
//
// All implementations are safe for concurrent use by multiple goroutines,
// and goroutines locking through one instance exclude each other like
// separate instances do. [SafeByteRanges] is the exception: a handle is one
// owner, so its repeated requests stack or fail with [ErrResourceDeadlock].
// A [Guard] returned by Lock is owned by one goroutine at a time.
type Mutex interface {
	// Lock acquires every entity or none.
	//
	// The deadline bounds the wait: [Infinite] waits forever and
	// [Immediately] only succeeds if nothing has to wait. With spinNotSleep
	// the backend busy-retries instead of yielding between attempts.
	//
	// Returns [ErrTimedOut] if the deadline elapses while contended,
	// [ErrArgumentListTooLong] if the backend cannot lock that many
	// entities at once, [ErrClosed] after Close, or the underlying I/O error.
	// On any error no entity is held.
	Lock(entities []Entity, d Deadline, spinNotSleep bool) (*Guard, error)

	// TryLock is Lock with [Immediately].
	TryLock(entities []Entity) (*Guard, error)

	// Unlock releases entities previously acquired with the given hint.
	// It never fails from the caller's point of view: backend errors are
	// logged, and after Close it only logs a warning. Unlocking what is not
	// held is misuse and panics where the backend can tell. Most callers
	// should use [Guard.Unlock] instead.
	Unlock(entities []Entity, hint uint64)

	// Close releases the backend's descriptors. Locks still held through
	// this instance are released by the operating system where the backend
	// relies on it, and leaked otherwise.
	Close() error
}

// Guard represents a held lock over a set of entities.
//
// Unlock releases it exactly once; later calls do nothing. Release detaches
// the guard without unlocking, handing responsibility to the caller.
type Guard struct {
	mu       sync.Mutex
	m        Mutex
	entities []Entity
	hint     uint64
}

func newGuard(m Mutex, entities []Entity, hint uint64) *Guard {
	return &Guard{m: m, entities: entities, hint: hint}
}

// Entities returns a copy of the locked entities. Their order is
// unspecified.
func (g *Guard) Entities() []Entity {
	g.mu.Lock()
	defer g.mu.Unlock()

	return slices.Clone(g.entities)
}

// Hint returns the backend-specific token passed to [Mutex.Unlock]. For
// [AppendLog] it is the log offset of the lock request.
func (g *Guard) Hint() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.hint
}

// Held reports whether the guard still owns its lock.
func (g *Guard) Held() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.m != nil
}

// Unlock releases the lock. Safe to call more than once.
func (g *Guard) Unlock() {
	g.mu.Lock()
	m := g.m
	g.m = nil
	g.mu.Unlock()

	if m != nil {
		m.Unlock(g.entities, g.hint)
	}
}

// Release detaches the guard and returns what is needed to call
// [Mutex.Unlock] later. The guard becomes inert.
func (g *Guard) Release() ([]Entity, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.m = nil

	return slices.Clone(g.entities), g.hint
}
