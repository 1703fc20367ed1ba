//go:build unix

package fs

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

var (
	// ErrWouldBlock is returned when a lock cannot be acquired without waiting.
	//
	// It is returned by [RangeLocker.TryLock] when the range is held by
	// another lock owner, and by [RangeLocker.LockWithTimeout] when the
	// acquisition timeout expires.
	ErrWouldBlock = errors.New("lock would block")

	// ErrInvalidTimeout is returned when a timeout is <= 0.
	ErrInvalidTimeout = errors.New("invalid lock timeout")
)

// LockType selects a shared (read) or exclusive (write) byte-range lock.
type LockType int16

const (
	SharedLock    LockType = unix.F_RDLCK
	ExclusiveLock LockType = unix.F_WRLCK
)

func (lt LockType) String() string {
	if lt == SharedLock {
		return "shared"
	}

	return "exclusive"
}

// RangeLocker takes advisory fcntl(2) byte-range locks on open files.
//
// On Linux the locks are open file description locks (F_OFD_SETLK): they are
// owned by the descriptor, so two descriptors on the same file conflict even
// within one process, and closing an unrelated descriptor does not drop them.
// On other Unix systems classic POSIX record locks are used, which are owned
// by the process and dropped when the process closes any descriptor on the
// inode. Callers that need per-descriptor semantics everywhere should share
// one descriptor per inode and track ownership themselves.
//
// Taking a lock on a range the same owner already holds converts it
// (shared to exclusive or back) instead of stacking.
//
// A length of 0 means "to the end of the file, however large it grows".
//
// RangeLocker has no mutable state and is safe for concurrent use.
type RangeLocker struct {
	fcntl func(fd uintptr, cmd int, lk *unix.Flock_t) error
}

// NewRangeLocker creates a RangeLocker backed by fcntl(2).
func NewRangeLocker() *RangeLocker {
	return &RangeLocker{fcntl: unix.FcntlFlock}
}

// DefaultRangeLocker is the RangeLocker used by the lock backends.
var DefaultRangeLocker = NewRangeLocker()

// Lock acquires a lock on [offset, offset+length), blocking in the kernel
// until it is available.
//
// This can block indefinitely. Use [RangeLocker.LockWithTimeout] or
// [RangeLocker.TryLock] to bound the wait.
func (l *RangeLocker) Lock(f File, offset, length int64, lt LockType) error {
	for {
		err := l.setlk(f, setLkWait, int16(lt), offset, length)
		if err == nil {
			return nil
		}

		// Classic POSIX locks run deadlock detection across processes. The
		// kernel's cycle check is conservative, so back off and try again.
		if errors.Is(err, unix.EDEADLK) {
			time.Sleep(time.Duration(1+rand.IntN(10)) * time.Millisecond)

			continue
		}

		return fmt.Errorf("lock range [%d,+%d) %s: %w", offset, length, lt, err)
	}
}

// TryLock attempts to acquire a lock on [offset, offset+length) without
// blocking. Returns [ErrWouldBlock] if a conflicting lock is held.
func (l *RangeLocker) TryLock(f File, offset, length int64, lt LockType) error {
	err := l.setlk(f, setLkNoWait, int16(lt), offset, length)
	if err == nil {
		return nil
	}

	if isWouldBlock(err) {
		return ErrWouldBlock
	}

	return fmt.Errorf("try lock range [%d,+%d) %s: %w", offset, length, lt, err)
}

// LockWithTimeout attempts to acquire a lock, polling with exponential
// backoff (1ms to 25ms) until the timeout expires.
//
// The timeout is best-effort: it may expire slightly early rather than
// sleep past it.
//
// Returns an error satisfying [errors.Is] with [ErrWouldBlock] if the timeout
// expires before the lock is acquired.
// Returns [ErrInvalidTimeout] if timeout <= 0.
func (l *RangeLocker) LockWithTimeout(f File, offset, length int64, lt LockType, timeout time.Duration) error {
	if timeout <= 0 {
		return fmt.Errorf("%w: timeout must be > 0", ErrInvalidTimeout)
	}

	err := backoff.Retry(func() error {
		err := l.TryLock(f, offset, length, lt)
		if err == nil || errors.Is(err, ErrWouldBlock) {
			return err
		}

		return backoff.Permanent(err)
	}, NewPollBackOff(timeout))
	if errors.Is(err, ErrWouldBlock) {
		return fmt.Errorf("%w: timed out after %s", ErrWouldBlock, timeout)
	}

	return err
}

// Unlock releases any lock this owner holds on [offset, offset+length).
// Unlocking a range that is not locked is not an error.
func (l *RangeLocker) Unlock(f File, offset, length int64) error {
	err := l.setlk(f, setLkNoWait, unix.F_UNLCK, offset, length)
	if err != nil {
		return fmt.Errorf("unlock range [%d,+%d): %w", offset, length, err)
	}

	return nil
}

func (l *RangeLocker) setlk(f File, cmd int, typ int16, offset, length int64) error {
	lk := unix.Flock_t{
		Type:   typ,
		Whence: int16(unix.SEEK_SET),
		Start:  offset,
		Len:    length,
	}

	fd := f.Fd()

	return retryEINTR(func() error {
		return l.fcntl(fd, cmd, &lk)
	})
}

// NewPollBackOff returns the exponential backoff used for polling waits:
// 1ms doubling up to 25ms, giving up once limit has elapsed. A limit of 0
// never gives up.
func NewPollBackOff(limit time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 25 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = limit
	b.Reset()

	return b
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES)
}

// retryEINTR retries fn while it fails with EINTR.
//
// Retries are capped; 10000 signals during a single fcntl call means
// something else is very wrong.
func retryEINTR(fn func() error) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = fn()
		if err == nil || !errors.Is(err, unix.EINTR) {
			return err
		}
	}

	return err
}
