package fsmutex

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/calvinalkan/fsmutex/pkg/fs"
)

// SafeByteRanges is [ByteRanges] with per-handle lock ownership.
//
// POSIX record locks belong to the process: a second lock on the same byte
// replaces the first instead of stacking, and closing any descriptor on the
// inode drops every lock the process holds there. SafeByteRanges routes all
// handles on one file through one descriptor kept in a [Registry] and
// tracks, per entity, which handles hold it shared and which holds it
// exclusively. The OS lock is taken when the first handle needs it, changed
// between shared and exclusive as holders come and go, and released when no
// handle in the process wants the entity any more.
//
// Each SafeByteRanges is one owner. Separate goroutines that must exclude
// each other need separate handles.
//
// Rules for one owner:
//   - requesting exclusive on an entity it holds exclusively fails with
//     [ErrResourceDeadlock]
//   - requesting exclusive on an entity it holds shared upgrades in place if
//     it is the only reader in the process, and fails with
//     [ErrResourceDeadlock] otherwise
//   - shared requests on entities it already holds are counted
type SafeByteRanges struct {
	registry *Registry
	id       fs.Identity
	entry    *registryEntry
	owner    uint64
	log      *zap.Logger
	closed   atomic.Bool
}

var _ Mutex = (*SafeByteRanges)(nil)

// OpenSafeByteRanges opens a handle on the lock file at opts.Path, sharing
// the descriptor of any other open handle on the same file.
func OpenSafeByteRanges(opts Options) (*SafeByteRanges, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	var created fs.File

	id, err := identityOfPath(opts.FS, opts.Path)
	if errors.Is(err, os.ErrNotExist) {
		created, err = opts.FS.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, lockFilePerm)
		if err != nil {
			return nil, fmt.Errorf("open byte range lock file: %w", err)
		}

		id, err = fs.IdentityOf(created)
	}

	if err != nil {
		if created != nil {
			_ = created.Close()
		}

		return nil, err
	}

	entry := opts.Registry.acquire(id)

	entry.mu.Lock()

	if entry.ranges == nil {
		if created == nil {
			created, err = opts.FS.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, lockFilePerm)
		}

		if err == nil {
			entry.ranges = newByteRanges(opts.Path, created, opts.Logger)
			created = nil
		}
	}

	entry.mu.Unlock()

	if err != nil {
		_ = opts.Registry.release(id, entry)

		return nil, fmt.Errorf("open byte range lock file: %w", err)
	}

	// Lost a creation race with another handle. Closing this descriptor can
	// drop process locks on non-Linux systems, but none exist yet: the other
	// handle installed its descriptor only moments ago.
	if created != nil {
		_ = created.Close()
	}

	owner := opts.Registry.newOwner()

	return &SafeByteRanges{
		registry: opts.Registry,
		id:       id,
		entry:    entry,
		owner:    owner,
		log: opts.Logger.With(zap.String("backend", "safe_byte_ranges"),
			zap.String("path", opts.Path), zap.Uint64("owner", owner)),
	}, nil
}

// Lock implements [Mutex].
func (s *SafeByteRanges) Lock(entities []Entity, d Deadline, spinNotSleep bool) (*Guard, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	local := slices.Clone(entities)

	err := acquireInOrder(local, d, spinNotSleep, s.acquireEntity, s.releaseEntity)
	if err != nil {
		return nil, err
	}

	return newGuard(s, local, 0), nil
}

// TryLock implements [Mutex].
func (s *SafeByteRanges) TryLock(entities []Entity) (*Guard, error) {
	return s.Lock(entities, Immediately(), false)
}

// Unlock implements [Mutex]. It panics if this handle does not hold an
// entity as requested. After Close, which released everything, it only
// logs.
func (s *SafeByteRanges) Unlock(entities []Entity, _ uint64) {
	if s.closed.Load() {
		s.log.Warn("unlock after close", zap.Int("entities", len(entities)))

		return
	}

	for i := len(entities) - 1; i >= 0; i-- {
		s.releaseEntity(entities[i])
	}
}

// Close releases everything this handle still holds and drops its
// reference to the shared descriptor.
func (s *SafeByteRanges) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	ent := s.entry

	ent.mu.Lock()

	for value, st := range ent.states {
		if st.writer == s.owner {
			s.releaseLocked(NewEntity(value, true), st)
		}

		for st.readers[s.owner] > 0 {
			s.releaseLocked(NewEntity(value, false), st)
		}
	}

	ent.mu.Unlock()

	return s.registry.release(s.id, ent)
}

// acquireEntity takes one entity for this owner, first in process, then at
// the OS level if the process does not already hold a sufficient lock.
func (s *SafeByteRanges) acquireEntity(e Entity, wait Deadline) error {
	ent := s.entry

	for {
		ent.mu.Lock()

		st := ent.state(e.Value)
		busy, err := s.admit(e, st)

		if err != nil {
			ent.notify(e.Value)
			ent.mu.Unlock()

			return err
		}

		if !busy {
			if st.pending != s.owner {
				ent.mu.Unlock()

				return nil
			}

			ranges := ent.ranges
			ent.mu.Unlock()

			return s.lockOS(e, st, ranges, wait)
		}

		changed := ent.changed
		ent.mu.Unlock()

		if !waitChanged(changed, wait) {
			return fmt.Errorf("%w: entity %s held in process", errContended, e)
		}
	}
}

// admit decides what this owner may do with st right now. It returns busy
// when another owner in the process is in the way. When the OS lock must be
// taken or changed it marks st.pending and returns not busy. Requires
// entry.mu.
func (s *SafeByteRanges) admit(e Entity, st *entityState) (bool, error) {
	mine := st.readers[s.owner]

	if !e.Exclusive {
		switch {
		case st.writer == s.owner:
			st.readers[s.owner]++
		case st.writer != 0 || st.pending != 0:
			return true, nil
		case len(st.readers) > 0:
			st.readers[s.owner]++
		default:
			st.pending = s.owner
		}

		return false, nil
	}

	switch {
	case st.writer == s.owner:
		return false, fmt.Errorf("%w: entity %s already held exclusively by this handle", ErrResourceDeadlock, e)
	case mine > 0 && len(st.readers) > 1:
		return false, fmt.Errorf("%w: cannot upgrade entity %s while other handles read it", ErrResourceDeadlock, e)
	case st.writer != 0 || st.pending != 0:
		return true, nil
	case mine == 0 && len(st.readers) > 0:
		return true, nil
	default:
		st.pending = s.owner
	}

	return false, nil
}

// lockOS takes or converts the OS lock while st.pending marks this owner.
func (s *SafeByteRanges) lockOS(e Entity, st *entityState, ranges *ByteRanges, wait Deadline) error {
	var err error
	if ranges == nil {
		err = ErrClosed
	} else {
		err = ranges.lockEntity(e, wait)
	}

	ent := s.entry

	ent.mu.Lock()
	defer ent.mu.Unlock()

	st.pending = 0

	if err == nil {
		if e.Exclusive {
			st.writer = s.owner
		} else {
			st.readers[s.owner]++
		}
	}

	ent.notify(e.Value)

	return err
}

func (s *SafeByteRanges) releaseEntity(e Entity) {
	ent := s.entry

	ent.mu.Lock()
	defer ent.mu.Unlock()

	st, ok := ent.states[e.Value]
	if !ok {
		panic(fmt.Sprintf("fsmutex: unlock of entity %s not held by owner %d", e, s.owner))
	}

	s.releaseLocked(e, st)
}

// releaseLocked drops one hold of e and adjusts the OS lock. Requires
// entry.mu.
func (s *SafeByteRanges) releaseLocked(e Entity, st *entityState) {
	ent := s.entry
	offset := int64(e.Value)

	if e.Exclusive {
		if st.writer != s.owner {
			panic(fmt.Sprintf("fsmutex: exclusive unlock of entity %s not held by owner %d", e, s.owner))
		}

		st.writer = 0

		if st.readers[s.owner] > 0 {
			s.osLock(ent.ranges, offset, fs.SharedLock)
		} else if len(st.readers) == 0 {
			s.osUnlock(ent.ranges, offset)
		}

		ent.notify(e.Value)

		return
	}

	if st.readers[s.owner] == 0 {
		panic(fmt.Sprintf("fsmutex: shared unlock of entity %s not held by owner %d", e, s.owner))
	}

	st.readers[s.owner]--
	if st.readers[s.owner] == 0 {
		delete(st.readers, s.owner)
	}

	if st.writer == 0 && len(st.readers) == 0 {
		s.osUnlock(ent.ranges, offset)
	}

	ent.notify(e.Value)
}

// osLock converts a lock this process already holds, which never waits.
func (s *SafeByteRanges) osLock(ranges *ByteRanges, offset int64, lt fs.LockType) {
	if ranges == nil {
		return
	}

	err := ranges.lockByte(offset, lt, Immediately())
	if err != nil {
		s.log.Error("convert byte lock", zap.Int64("offset", offset), zap.Stringer("type", lt), zap.Error(err))
	}
}

func (s *SafeByteRanges) osUnlock(ranges *ByteRanges, offset int64) {
	if ranges == nil {
		return
	}

	err := ranges.locker.Unlock(ranges.file, offset, 1)
	if err != nil {
		s.log.Error("unlock byte", zap.Int64("offset", offset), zap.Error(err))
	}
}

// waitChanged waits for changed to close or wait to expire. It reports
// whether a change happened.
func waitChanged(changed <-chan struct{}, wait Deadline) bool {
	if wait.IsInfinite() {
		<-changed

		return true
	}

	remaining := wait.Remaining()
	if remaining <= 0 {
		return false
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-changed:
		return true
	case <-timer.C:
		return false
	}
}

// identityOfPath returns the device and inode of the file at path.
func identityOfPath(fsys fs.FS, path string) (fs.Identity, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return fs.Identity{}, err
	}

	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok || st == nil {
		return fs.Identity{}, fmt.Errorf("stat %s: Sys=%T, want *syscall.Stat_t", path, info.Sys())
	}

	//nolint:unconvert // field widths differ between platforms
	return fs.Identity{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}
