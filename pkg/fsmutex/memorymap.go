package fsmutex

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/calvinalkan/fsmutex/pkg/fs"
)

// Lock file layout for MemoryMap.
//
// The first 64 KiB hold the NUL-padded path of the shared table file. Two
// bytes just past 1 MiB are never written; they carry byte-range locks:
//   - initialising (1 MiB): held exclusively while the table is created
//   - in use (1 MiB + 1): held shared by every open MemoryMap
const (
	mmapInitialisingOffset = 1 << 20
	mmapInUseOffset        = mmapInitialisingOffset + 1
	mmapPointerRegion      = 64 << 10
	mmapPointerAlign       = 4096
	mmapTableFilePerm      = 0o600
	mmapOpenAttempts       = 16
)

// MemoryMap locks entities through a table of spinlocks in shared memory.
//
// Each entity hashes to one of 1024 slots; entities sharing a slot contend
// with each other even when unrelated. Locking never enters the kernel,
// which makes this the fastest backend, but it only works between processes
// on one machine and spinning is its only way to wait.
//
// The lock file at Options.Path only stores the location of the table. The
// first opener creates the table in a memory-backed directory; the last one
// to close truncates the lock file and deletes the table. If every user
// crashes, the next opener finds no one holding the in-use byte and starts
// over with a fresh table.
type MemoryMap struct {
	path      string
	fs        fs.FS
	locker    *fs.RangeLocker
	log       *zap.Logger
	lockFile  fs.File
	tablePath string
	tableFile fs.File
	table     spinTable

	closeMu sync.RWMutex
	closed  atomic.Bool
}

var _ Mutex = (*MemoryMap)(nil)

// OpenMemoryMap opens the lock file at opts.Path and maps the shared table,
// creating both if this is the first user.
//
// Returns [ErrNoLockAvailable] if the lock file names a table that does not
// exist here, which means the lock is in use from another machine.
func OpenMemoryMap(opts Options) (*MemoryMap, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	tableDir, err := resolveTableDir(opts)
	if err != nil {
		return nil, err
	}

	f, err := opts.FS.OpenFile(opts.Path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open memory map lock file: %w", err)
	}

	m := &MemoryMap{
		path:     opts.Path,
		fs:       opts.FS,
		locker:   fs.DefaultRangeLocker,
		log:      opts.Logger.With(zap.String("backend", "memory_map"), zap.String("path", opts.Path)),
		lockFile: f,
	}

	for range mmapOpenAttempts {
		var retry bool

		retry, err = m.attach(tableDir)
		if err == nil {
			return m, nil
		}

		if !retry {
			break
		}
	}

	_ = f.Close()

	return nil, err
}

// errTableGone means the table was torn down between probing and reading
// the pointer; opening starts over.
var errTableGone = errors.New("memory map table torn down while attaching")

// attach either initialises a fresh table or maps the existing one. It
// reports whether the caller should try again.
func (m *MemoryMap) attach(tableDir string) (bool, error) {
	err := m.locker.TryLock(m.lockFile, mmapInitialisingOffset, 2, fs.ExclusiveLock)
	if err == nil {
		return false, m.initialise(tableDir)
	}

	if !errors.Is(err, fs.ErrWouldBlock) {
		return false, fmt.Errorf("probe memory map lock file: %w", err)
	}

	// Blocks until the initialising user has published the table.
	err = m.locker.Lock(m.lockFile, mmapInUseOffset, 1, fs.SharedLock)
	if err != nil {
		return false, fmt.Errorf("lock in-use byte: %w", err)
	}

	err = m.mapExisting()
	if err != nil {
		_ = m.locker.Unlock(m.lockFile, mmapInUseOffset, 1)

		return errors.Is(err, errTableGone), err
	}

	return false, nil
}

// initialise runs with both reserved bytes exclusively locked.
func (m *MemoryMap) initialise(tableDir string) error {
	fail := func(err error) error {
		_ = m.locker.Unlock(m.lockFile, mmapInitialisingOffset, 2)

		return err
	}

	tablePath := filepath.Join(tableDir, "fsmutex-"+uuid.NewString()+".tbl")

	tf, err := m.fs.OpenFile(tablePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, mmapTableFilePerm)
	if err != nil {
		return fail(fmt.Errorf("create spinlock table: %w", err))
	}

	table, err := mapTable(tf)
	if err != nil {
		_ = tf.Close()
		_ = m.fs.Remove(tablePath)

		return fail(err)
	}

	err = writeTablePointer(m.lockFile, tablePath)
	if err != nil {
		_ = fs.Unmap(table)
		_ = tf.Close()
		_ = m.fs.Remove(tablePath)

		return fail(err)
	}

	// Same owner, so this converts the exclusive lock on the in-use byte.
	err = m.locker.TryLock(m.lockFile, mmapInUseOffset, 1, fs.SharedLock)
	if err != nil {
		_ = fs.Unmap(table)
		_ = tf.Close()
		_ = m.fs.Remove(tablePath)

		return fail(fmt.Errorf("downgrade in-use byte: %w", err))
	}

	err = m.locker.Unlock(m.lockFile, mmapInitialisingOffset, 1)
	if err != nil {
		m.log.Warn("release initialising byte", zap.Error(err))
	}

	m.tablePath = tablePath
	m.tableFile = tf
	m.table = table

	m.log.Debug("created spinlock table", zap.String("table", tablePath))

	return nil
}

// mapExisting runs with the in-use byte share-locked.
func (m *MemoryMap) mapExisting() error {
	tablePath, err := readTablePointer(m.lockFile)
	if err != nil {
		return err
	}

	tf, err := m.fs.OpenFile(tablePath, os.O_RDWR, mmapTableFilePerm)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: table %s does not exist on this machine", ErrNoLockAvailable, tablePath)
		}

		return fmt.Errorf("open spinlock table: %w", err)
	}

	table, err := mapTable(tf)
	if err != nil {
		_ = tf.Close()

		return err
	}

	m.tablePath = tablePath
	m.tableFile = tf
	m.table = table

	return nil
}

// Lock implements [Mutex]. The deadline is only checked between attempts:
// slots are always probed, never waited on.
func (m *MemoryMap) Lock(entities []Entity, d Deadline, spinNotSleep bool) (*Guard, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	slots := coalesceSlots(entities)

	acquire := func(s slotRequest, _ Deadline) error {
		var ok bool
		if s.exclusive {
			ok = m.table.tryLock(s.index)
		} else {
			ok = m.table.tryLockShared(s.index)
		}

		if !ok {
			return errContended
		}

		return nil
	}

	err := acquireInOrder(slots, d, spinNotSleep, acquire, m.releaseSlot)
	if err != nil {
		return nil, err
	}

	return newGuard(m, slices.Clone(entities), 0), nil
}

// TryLock implements [Mutex].
func (m *MemoryMap) TryLock(entities []Entity) (*Guard, error) {
	return m.Lock(entities, Immediately(), false)
}

// Unlock implements [Mutex]. It panics if a slot is not held as expected,
// which only a double unlock can cause. After Close it only logs.
func (m *MemoryMap) Unlock(entities []Entity, _ uint64) {
	m.closeMu.RLock()
	defer m.closeMu.RUnlock()

	if m.closed.Load() {
		m.log.Warn("unlock after close", zap.Int("entities", len(entities)))

		return
	}

	for _, s := range coalesceSlots(entities) {
		m.releaseSlot(s)
	}
}

func (m *MemoryMap) releaseSlot(s slotRequest) {
	if s.exclusive {
		m.table.unlock(s.index)
	} else {
		m.table.unlockShared(s.index)
	}
}

// TablePath returns the shared spinlock table this instance mapped.
func (m *MemoryMap) TablePath() string {
	return m.tablePath
}

// Close unmaps the table. The last user on the machine also truncates the
// lock file and deletes the table.
func (m *MemoryMap) Close() error {
	m.closeMu.Lock()
	defer m.closeMu.Unlock()

	if m.closed.Swap(true) {
		return nil
	}

	var errs []error

	if err := fs.Unmap(m.table); err != nil {
		errs = append(errs, err)
	}

	m.table = nil

	// Converting the shared in-use lock to exclusive only succeeds when no
	// other user holds it.
	err := m.locker.TryLock(m.lockFile, mmapInitialisingOffset, 2, fs.ExclusiveLock)
	if err == nil {
		if err := m.lockFile.Truncate(0); err != nil {
			errs = append(errs, fmt.Errorf("truncate lock file: %w", err))
		}

		if err := m.fs.Remove(m.tablePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove spinlock table: %w", err))
		}

		m.log.Debug("last user removed spinlock table", zap.String("table", m.tablePath))
	} else if !errors.Is(err, fs.ErrWouldBlock) {
		m.log.Warn("probe last user", zap.Error(err))
	}

	if err := m.tableFile.Close(); err != nil {
		errs = append(errs, err)
	}

	if err := m.lockFile.Close(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func mapTable(tf fs.File) (spinTable, error) {
	info, err := tf.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat spinlock table: %w", err)
	}

	if info.Size() < spinTableSize {
		err = tf.Truncate(spinTableSize)
		if err != nil {
			return nil, fmt.Errorf("size spinlock table: %w", err)
		}
	}

	data, err := fs.Map(tf, spinTableSize)
	if err != nil {
		return nil, err
	}

	return spinTable(data), nil
}

// writeTablePointer stores path NUL-padded to a 4 KiB boundary at the start
// of the lock file, after truncating the file to the 64 KiB pointer region.
func writeTablePointer(f fs.File, path string) error {
	if len(path) >= mmapPointerRegion {
		return fmt.Errorf("%w: table path longer than %d bytes", ErrInvalidInput, mmapPointerRegion-1)
	}

	err := f.Truncate(mmapPointerRegion)
	if err != nil {
		return fmt.Errorf("size lock file: %w", err)
	}

	size := (len(path) + 1 + mmapPointerAlign - 1) / mmapPointerAlign * mmapPointerAlign
	buf := make([]byte, size)
	copy(buf, path)

	_, err = f.WriteAt(buf, 0)
	if err != nil {
		return fmt.Errorf("write table pointer: %w", err)
	}

	return nil
}

func readTablePointer(f fs.File) (string, error) {
	buf := make([]byte, mmapPointerRegion-1)

	n, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read table pointer: %w", err)
	}

	buf = buf[:n]
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		buf = buf[:i]
	}

	if len(buf) == 0 {
		return "", errTableGone
	}

	return string(buf), nil
}

// resolveTableDir picks where the shared table lives: Options.TableDir, or
// /dev/shm when it exists, or the temp directory.
func resolveTableDir(opts Options) (string, error) {
	if opts.TableDir != "" {
		return opts.TableDir, nil
	}

	ok, err := opts.FS.Exists("/dev/shm")
	if err != nil {
		return "", fmt.Errorf("probe /dev/shm: %w", err)
	}

	if ok {
		return "/dev/shm", nil
	}

	return os.TempDir(), nil
}
