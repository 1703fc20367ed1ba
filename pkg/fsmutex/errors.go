package fsmutex

import "errors"

// Sentinel errors returned by fsmutex operations.
//
// Callers should use [errors.Is] to check error types:
//
//	guard, err := m.Lock(entities, fsmutex.DeadlineAfter(time.Second), false)
//	if errors.Is(err, fsmutex.ErrTimedOut) {
//	    // someone else holds at least one entity
//	}
var (
	// ErrTimedOut indicates the deadline elapsed while at least one entity
	// was held by someone else. No entity is held when it is returned.
	//
	// Recovery: retry later or with a longer deadline.
	ErrTimedOut = errors.New("fsmutex: timed out")

	// ErrArgumentListTooLong indicates more entities were requested than
	// the backend can lock in one attempt (12 for [AppendLog]).
	//
	// This is a programming error.
	ErrArgumentListTooLong = errors.New("fsmutex: argument list too long")

	// ErrResourceDeadlock indicates a [SafeByteRanges] handle tried to lock
	// an entity it already holds in a way that could never be granted.
	//
	// This is a programming error.
	ErrResourceDeadlock = errors.New("fsmutex: resource deadlock would occur")

	// ErrNoLockAvailable indicates a [MemoryMap] lock file points at a
	// shared table that does not exist on this machine, so the lock is
	// owned by processes elsewhere.
	//
	// Recovery: use a backend that works across machines.
	ErrNoLockAvailable = errors.New("fsmutex: no lock available")

	// ErrInvalidInput indicates invalid options were provided.
	//
	// This is a programming error.
	ErrInvalidInput = errors.New("fsmutex: invalid input")

	// ErrClosed indicates the mutex has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("fsmutex: closed")
)

// errContended is returned by single-entity acquire steps when the entity is
// held by someone else. It never reaches callers: the acquire loops retry it
// or turn it into ErrTimedOut.
var errContended = errors.New("fsmutex: contended")
