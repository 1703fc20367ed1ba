package fsmutex_test

import (
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calvinalkan/fsmutex/pkg/fsmutex"
)

// backend opens instances of one lock backend that all coordinate through
// the same path.
type backend struct {
	name string

	// shared reports whether shared requests on one value can be held by
	// different instances at once.
	shared bool

	open func(t *testing.T, dir string) fsmutex.Mutex
}

func backends() []backend {
	return []backend{
		{
			name:   "byte_ranges",
			shared: true,
			open: func(t *testing.T, dir string) fsmutex.Mutex {
				t.Helper()

				m, err := fsmutex.OpenByteRanges(fsmutex.Options{Path: filepath.Join(dir, "lock")})
				if err != nil {
					t.Fatalf("OpenByteRanges: %v", err)
				}

				return m
			},
		},
		{
			name:   "safe_byte_ranges",
			shared: true,
			open: func(t *testing.T, dir string) fsmutex.Mutex {
				t.Helper()

				m, err := fsmutex.OpenSafeByteRanges(fsmutex.Options{Path: filepath.Join(dir, "lock")})
				if err != nil {
					t.Fatalf("OpenSafeByteRanges: %v", err)
				}

				return m
			},
		},
		{
			name:   "lock_files",
			shared: false,
			open: func(t *testing.T, dir string) fsmutex.Mutex {
				t.Helper()

				m, err := fsmutex.OpenLockFiles(fsmutex.Options{Path: filepath.Join(dir, "locks")})
				if err != nil {
					t.Fatalf("OpenLockFiles: %v", err)
				}

				return m
			},
		},
		{
			name:   "memory_map",
			shared: true,
			open: func(t *testing.T, dir string) fsmutex.Mutex {
				t.Helper()

				m, err := fsmutex.OpenMemoryMap(fsmutex.Options{
					Path:     filepath.Join(dir, "lock"),
					TableDir: dir,
				})
				if err != nil {
					t.Fatalf("OpenMemoryMap: %v", err)
				}

				return m
			},
		},
		{
			name:   "append_log",
			shared: true,
			open: func(t *testing.T, dir string) fsmutex.Mutex {
				t.Helper()

				m, err := fsmutex.OpenAppendLog(fsmutex.Options{Path: filepath.Join(dir, "lock")})
				if err != nil {
					t.Fatalf("OpenAppendLog: %v", err)
				}

				return m
			},
		},
	}
}

func openTwo(t *testing.T, b backend) (fsmutex.Mutex, fsmutex.Mutex) {
	t.Helper()

	if runtime.GOOS != "linux" {
		t.Skip("in-process contention between descriptors needs open file description locks")
	}

	dir := t.TempDir()

	m1 := b.open(t, dir)
	t.Cleanup(func() { _ = m1.Close() })

	m2 := b.open(t, dir)
	t.Cleanup(func() { _ = m2.Close() })

	return m1, m2
}

func exclusive(values ...uint64) []fsmutex.Entity {
	out := make([]fsmutex.Entity, len(values))
	for i, v := range values {
		out[i] = fsmutex.NewEntity(v, true)
	}

	return out
}

func shared(values ...uint64) []fsmutex.Entity {
	out := make([]fsmutex.Entity, len(values))
	for i, v := range values {
		out[i] = fsmutex.NewEntity(v, false)
	}

	return out
}

func Test_TryLock_Returns_ErrTimedOut_When_Entity_Held_By_Other_Instance(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			m1, m2 := openTwo(t, b)

			g, err := m1.TryLock(exclusive(7))
			if err != nil {
				t.Fatalf("TryLock on free entity: %v", err)
			}

			_, err = m2.TryLock(exclusive(7))
			if !errors.Is(err, fsmutex.ErrTimedOut) {
				t.Fatalf("TryLock on held entity: got %v, want ErrTimedOut", err)
			}

			g.Unlock()

			g2, err := m2.TryLock(exclusive(7))
			if err != nil {
				t.Fatalf("TryLock after unlock: %v", err)
			}

			g2.Unlock()
		})
	}
}

func Test_Lock_Holds_Nothing_When_Any_Entity_Is_Contended(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			m1, m2 := openTwo(t, b)

			holder, err := m1.TryLock(exclusive(2))
			if err != nil {
				t.Fatalf("TryLock {2}: %v", err)
			}

			defer holder.Unlock()

			_, err = m2.Lock(exclusive(1, 2, 3), fsmutex.DeadlineAfter(50*time.Millisecond), false)
			if !errors.Is(err, fsmutex.ErrTimedOut) {
				t.Fatalf("Lock {1,2,3}: got %v, want ErrTimedOut", err)
			}

			// 1 and 3 must have been released by the failed attempt.
			g, err := m1.TryLock(exclusive(1, 3))
			if err != nil {
				t.Fatalf("TryLock {1,3} after failed attempt: %v", err)
			}

			g.Unlock()
		})
	}
}

func Test_Shared_Locks_Coexist_When_Backend_Supports_Shared(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			m1, m2 := openTwo(t, b)

			g1, err := m1.TryLock(shared(9))
			if err != nil {
				t.Fatalf("first shared TryLock: %v", err)
			}

			defer g1.Unlock()

			g2, err := m2.TryLock(shared(9))
			if !b.shared {
				if !errors.Is(err, fsmutex.ErrTimedOut) {
					t.Fatalf("second shared TryLock: got %v, want ErrTimedOut (shared treated as exclusive)", err)
				}

				return
			}

			if err != nil {
				t.Fatalf("second shared TryLock: %v", err)
			}

			_, err = m2.TryLock(exclusive(9))
			if !errors.Is(err, fsmutex.ErrTimedOut) {
				t.Fatalf("exclusive TryLock while shared held: got %v, want ErrTimedOut", err)
			}

			g2.Unlock()
		})
	}
}

func Test_Lock_Succeeds_For_Both_When_Holders_Release_Within_Deadline(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			m1, m2 := openTwo(t, b)

			var (
				wg      sync.WaitGroup
				holders atomic.Int32
				overlap atomic.Bool
			)

			errs := make(chan error, 2)

			for _, m := range []fsmutex.Mutex{m1, m2} {
				wg.Add(1)

				go func() {
					defer wg.Done()

					g, err := m.Lock(exclusive(7), fsmutex.DeadlineAfter(time.Second), false)
					if err != nil {
						errs <- err

						return
					}

					if holders.Add(1) > 1 {
						overlap.Store(true)
					}

					time.Sleep(50 * time.Millisecond)
					holders.Add(-1)
					g.Unlock()
				}()
			}

			wg.Wait()
			close(errs)

			for err := range errs {
				t.Errorf("Lock: %v", err)
			}

			if overlap.Load() {
				t.Fatal("two holders of entity 7 at the same time")
			}
		})
	}
}

func Test_Lock_Excludes_Holders_When_Many_Goroutines_Contend(t *testing.T) {
	t.Parallel()

	const (
		workers = 4
		rounds  = 15
	)

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			if runtime.GOOS != "linux" {
				t.Skip("in-process contention between descriptors needs open file description locks")
			}

			dir := t.TempDir()

			var (
				wg      sync.WaitGroup
				holders atomic.Int32
				overlap atomic.Bool
				total   atomic.Int32
			)

			for range workers {
				m := b.open(t, dir)
				t.Cleanup(func() { _ = m.Close() })

				wg.Add(1)

				go func() {
					defer wg.Done()

					for range rounds {
						g, err := m.Lock(exclusive(1, 2), fsmutex.DeadlineAfter(20*time.Second), false)
						if err != nil {
							t.Errorf("Lock: %v", err)

							return
						}

						if holders.Add(1) > 1 {
							overlap.Store(true)
						}

						total.Add(1)
						runtime.Gosched()
						holders.Add(-1)
						g.Unlock()
					}
				}()
			}

			wg.Wait()

			if overlap.Load() {
				t.Fatal("entities held by two instances at once")
			}

			if got, want := total.Load(), int32(workers*rounds); got != want {
				t.Fatalf("acquisitions=%d, want %d", got, want)
			}
		})
	}
}

func Test_Guard_Unlock_Is_Idempotent_When_Called_Twice(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			m1, m2 := openTwo(t, b)

			g, err := m1.TryLock(exclusive(4))
			if err != nil {
				t.Fatalf("TryLock: %v", err)
			}

			if !g.Held() {
				t.Fatal("Held()=false right after TryLock")
			}

			g.Unlock()
			g.Unlock()

			if g.Held() {
				t.Fatal("Held()=true after Unlock")
			}

			g2, err := m2.TryLock(exclusive(4))
			if err != nil {
				t.Fatalf("TryLock after Unlock: %v", err)
			}

			g2.Unlock()
		})
	}
}

func Test_Release_Hands_Unlock_To_Caller_When_Guard_Detached(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			m1, m2 := openTwo(t, b)

			g, err := m1.TryLock(exclusive(5))
			if err != nil {
				t.Fatalf("TryLock: %v", err)
			}

			entities, hint := g.Release()
			g.Unlock()

			_, err = m2.TryLock(exclusive(5))
			if !errors.Is(err, fsmutex.ErrTimedOut) {
				t.Fatalf("TryLock after Release: got %v, want ErrTimedOut (still held)", err)
			}

			m1.Unlock(entities, hint)

			g2, err := m2.TryLock(exclusive(5))
			if err != nil {
				t.Fatalf("TryLock after explicit Unlock: %v", err)
			}

			g2.Unlock()
		})
	}
}

func Test_Lock_Returns_ErrClosed_When_Mutex_Closed(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			m := b.open(t, t.TempDir())

			err := m.Close()
			if err != nil {
				t.Fatalf("Close: %v", err)
			}

			_, err = m.TryLock(exclusive(1))
			if !errors.Is(err, fsmutex.ErrClosed) {
				t.Fatalf("TryLock after Close: got %v, want ErrClosed", err)
			}

			err = m.Close()
			if err != nil {
				t.Fatalf("second Close: %v", err)
			}
		})
	}
}

func Test_Guard_Unlock_Does_Not_Panic_When_Mutex_Closed_First(t *testing.T) {
	t.Parallel()

	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			t.Parallel()

			m := b.open(t, t.TempDir())

			g, err := m.TryLock(append(exclusive(3), shared(4)...))
			if err != nil {
				t.Fatalf("TryLock: %v", err)
			}

			err = m.Close()
			if err != nil {
				t.Fatalf("Close: %v", err)
			}

			g.Unlock()

			if g.Held() {
				t.Fatal("Held()=true after Unlock")
			}

			// The detached form goes through the same path.
			m.Unlock(exclusive(3), g.Hint())
		})
	}
}

func Test_Open_Returns_ErrInvalidInput_When_Path_Empty(t *testing.T) {
	t.Parallel()

	opens := map[string]func(fsmutex.Options) error{
		"byte_ranges": func(o fsmutex.Options) error {
			_, err := fsmutex.OpenByteRanges(o)

			return err
		},
		"safe_byte_ranges": func(o fsmutex.Options) error {
			_, err := fsmutex.OpenSafeByteRanges(o)

			return err
		},
		"lock_files": func(o fsmutex.Options) error {
			_, err := fsmutex.OpenLockFiles(o)

			return err
		},
		"memory_map": func(o fsmutex.Options) error {
			_, err := fsmutex.OpenMemoryMap(o)

			return err
		},
		"append_log": func(o fsmutex.Options) error {
			_, err := fsmutex.OpenAppendLog(o)

			return err
		},
	}

	for name, open := range opens {
		err := open(fsmutex.Options{})
		if !errors.Is(err, fsmutex.ErrInvalidInput) {
			t.Errorf("%s: got %v, want ErrInvalidInput", name, err)
		}
	}
}
