package fsmutex

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/calvinalkan/fsmutex/pkg/fs"
)

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755
)

// ByteRanges locks entity e by taking a byte-range lock on byte e.Value of
// one shared lock file, shared or exclusive as e requests.
//
// Only the first entity of an attempt waits in the kernel; the rest are
// probed (see [Mutex.Lock]). Throughput degrades quickly as the number of
// contended entities per attempt grows.
//
// Locks on one descriptor merge in the kernel, so the instance also counts
// its own holders per byte: goroutines sharing an instance exclude each
// other, readers share, and the byte is unlocked when its last holder
// leaves. An in-process conflict is contention like any other and never
// waits in the kernel.
//
// On Linux the locks belong to this instance's descriptor, so several
// ByteRanges on one file exclude each other even inside one process. On other
// Unix systems they belong to the process: two instances on one file in one
// process do not exclude each other, and closing either drops both sets of
// locks. Use [SafeByteRanges] there.
type ByteRanges struct {
	path   string
	file   fs.File
	locker *fs.RangeLocker
	log    *zap.Logger

	mu    sync.Mutex
	holds map[uint64]*byteHold

	closed atomic.Bool
}

// byteHold is what one instance holds on a byte. pending is set while the
// first holder waits for the OS lock.
type byteHold struct {
	exclusive bool
	readers   int
	pending   bool
}

var _ Mutex = (*ByteRanges)(nil)

// OpenByteRanges opens or creates the lock file at opts.Path.
func OpenByteRanges(opts Options) (*ByteRanges, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	f, err := opts.FS.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open byte range lock file: %w", err)
	}

	return newByteRanges(opts.Path, f, opts.Logger), nil
}

func newByteRanges(path string, f fs.File, log *zap.Logger) *ByteRanges {
	return &ByteRanges{
		path:   path,
		file:   f,
		locker: fs.DefaultRangeLocker,
		log:    log.With(zap.String("backend", "byte_ranges"), zap.String("path", path)),
		holds:  make(map[uint64]*byteHold),
	}
}

// Lock implements [Mutex].
func (b *ByteRanges) Lock(entities []Entity, d Deadline, spinNotSleep bool) (*Guard, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	local := coalesceValues(entities)

	err := acquireInOrder(local, d, spinNotSleep, b.acquireHold, b.releaseHold)
	if err != nil {
		return nil, err
	}

	return newGuard(b, local, 0), nil
}

// TryLock implements [Mutex].
func (b *ByteRanges) TryLock(entities []Entity) (*Guard, error) {
	return b.Lock(entities, Immediately(), false)
}

// Unlock implements [Mutex]. It panics if this instance does not hold an
// entity, which only a double unlock can cause. After Close it only logs.
func (b *ByteRanges) Unlock(entities []Entity, _ uint64) {
	if b.closed.Load() {
		b.log.Warn("unlock after close", zap.Int("entities", len(entities)))

		return
	}

	for _, e := range coalesceValues(entities) {
		b.releaseHold(e)
	}
}

// Close closes the lock file, which releases every lock taken through it.
func (b *ByteRanges) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	b.holds = make(map[uint64]*byteHold)
	b.mu.Unlock()

	return b.file.Close()
}

// acquireHold admits e among this instance's holders, taking the OS lock
// when e is the first.
func (b *ByteRanges) acquireHold(e Entity, wait Deadline) error {
	b.mu.Lock()

	h, ok := b.holds[e.Value]

	switch {
	case !ok:
		h = &byteHold{exclusive: e.Exclusive, pending: true}
		b.holds[e.Value] = h
	case h.pending || h.exclusive || e.Exclusive:
		b.mu.Unlock()

		return fmt.Errorf("%w: byte %d held in process", errContended, e.Value)
	default:
		h.readers++
		b.mu.Unlock()

		return nil
	}

	b.mu.Unlock()

	err := b.lockEntity(e, wait)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		delete(b.holds, e.Value)

		return err
	}

	h.pending = false
	if !h.exclusive {
		h.readers = 1
	}

	return nil
}

// releaseHold drops one holder of e and unlocks the byte when none remain.
func (b *ByteRanges) releaseHold(e Entity) {
	b.mu.Lock()
	defer b.mu.Unlock()

	h, ok := b.holds[e.Value]
	if !ok || h.pending {
		b.log.Error("unlock of entity not held", zap.Stringer("entity", e))
		panic(fmt.Sprintf("fsmutex: unlock of entity %s not held by this instance", e))
	}

	if !h.exclusive {
		h.readers--
		if h.readers > 0 {
			return
		}
	}

	delete(b.holds, e.Value)
	b.unlockEntity(e)
}

// lockEntity takes the byte lock for e, waiting according to wait.
func (b *ByteRanges) lockEntity(e Entity, wait Deadline) error {
	return b.lockByte(int64(e.Value), lockTypeOf(e.Exclusive), wait)
}

func (b *ByteRanges) lockByte(offset int64, lt fs.LockType, wait Deadline) error {
	var err error

	switch {
	case wait.IsInfinite():
		err = b.locker.Lock(b.file, offset, 1, lt)
	case wait.Expired():
		err = b.locker.TryLock(b.file, offset, 1, lt)
	default:
		err = b.locker.LockWithTimeout(b.file, offset, 1, lt, wait.Remaining())
	}

	if errors.Is(err, fs.ErrWouldBlock) {
		return fmt.Errorf("%w: byte %d", errContended, offset)
	}

	return err
}

func (b *ByteRanges) unlockEntity(e Entity) {
	err := b.locker.Unlock(b.file, int64(e.Value), 1)
	if err != nil {
		b.log.Error("unlock entity", zap.Stringer("entity", e), zap.Error(err))
	}
}

// coalesceValues returns one entity per value, exclusive if any request for
// that value is.
func coalesceValues(entities []Entity) []Entity {
	out := make([]Entity, 0, len(entities))

	for _, e := range entities {
		i := slices.IndexFunc(out, func(o Entity) bool { return o.Value == e.Value })
		if i < 0 {
			out = append(out, e)
		} else if e.Exclusive {
			out[i] = out[i].AsExclusive()
		}
	}

	return out
}

func lockTypeOf(exclusive bool) fs.LockType {
	if exclusive {
		return fs.ExclusiveLock
	}

	return fs.SharedLock
}
