package fsmutex

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/fsmutex/pkg/fs"
)

// LockFiles locks entity e by exclusively creating a file named after e in
// a shared directory, and unlocks by deleting it.
//
// Shared requests are treated as exclusive. There is no way to wait for a
// file to disappear, so contention always spins.
//
// A holder that crashes leaves its files behind and every later attempt on
// those entities times out until someone removes them by hand.
type LockFiles struct {
	dir  string
	fs   fs.FS
	log  *zap.Logger
	seq  atomic.Uint64
	mu   sync.Mutex
	held map[uint64][]heldFile

	closed atomic.Bool
}

type heldFile struct {
	path string
	file fs.File
}

var _ Mutex = (*LockFiles)(nil)

// OpenLockFiles uses opts.Path as the lock directory, creating it if
// missing.
func OpenLockFiles(opts Options) (*LockFiles, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}

	err = opts.FS.MkdirAll(opts.Path, lockDirPerm)
	if err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	return &LockFiles{
		dir:  opts.Path,
		fs:   opts.FS,
		log:  opts.Logger.With(zap.String("backend", "lock_files"), zap.String("path", opts.Path)),
		held: make(map[uint64][]heldFile),
	}, nil
}

// EntityFileName returns the name of the file that represents e: the
// lowercase hex encoding of its value's eight little-endian bytes.
func EntityFileName(e Entity) string {
	b := e.valueBytes()

	return hex.EncodeToString(b[:])
}

// Lock implements [Mutex].
func (l *LockFiles) Lock(entities []Entity, d Deadline, spinNotSleep bool) (*Guard, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}

	local := dedupeValues(entities)
	files := make(map[uint64]heldFile, len(local))

	acquire := func(e Entity, _ Deadline) error {
		path := filepath.Join(l.dir, EntityFileName(e))

		f, err := l.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, lockFilePerm)
		if err != nil {
			if errors.Is(err, os.ErrExist) || errors.Is(err, unix.EAGAIN) {
				return fmt.Errorf("%w: %s", errContended, path)
			}

			return fmt.Errorf("create lock file: %w", err)
		}

		files[e.Value] = heldFile{path: path, file: f}

		return nil
	}

	release := func(e Entity) {
		h := files[e.Value]
		delete(files, e.Value)
		l.removeHeld(h)
	}

	err := acquireInOrder(local, d, spinNotSleep, acquire, release)
	if err != nil {
		return nil, err
	}

	hint := l.seq.Add(1)

	held := make([]heldFile, 0, len(files))
	for _, h := range files {
		held = append(held, h)
	}

	l.mu.Lock()
	l.held[hint] = held
	l.mu.Unlock()

	return newGuard(l, local, hint), nil
}

// TryLock implements [Mutex].
func (l *LockFiles) TryLock(entities []Entity) (*Guard, error) {
	return l.Lock(entities, Immediately(), false)
}

// Unlock implements [Mutex]. Files are found through hint alone, never by
// name: a file named after an entity may belong to a later holder. It
// panics on an unknown hint, which only a double unlock can cause. After
// Close it only logs.
func (l *LockFiles) Unlock(entities []Entity, hint uint64) {
	if l.closed.Load() {
		l.log.Warn("unlock after close", zap.Uint64("hint", hint))

		return
	}

	l.mu.Lock()
	held, ok := l.held[hint]
	delete(l.held, hint)
	l.mu.Unlock()

	if !ok {
		l.log.Error("unlock of unknown hint", zap.Uint64("hint", hint), zap.Int("entities", len(entities)))
		panic(fmt.Sprintf("fsmutex: unlock of unknown lock files hint %d", hint))
	}

	for _, h := range held {
		l.removeHeld(h)
	}
}

// Close releases every lock still held through this instance.
func (l *LockFiles) Close() error {
	if l.closed.Swap(true) {
		return nil
	}

	l.mu.Lock()
	held := l.held
	l.held = make(map[uint64][]heldFile)
	l.mu.Unlock()

	for _, files := range held {
		for _, h := range files {
			l.removeHeld(h)
		}
	}

	return nil
}

// removeHeld deletes the lock file, then closes its handle.
func (l *LockFiles) removeHeld(h heldFile) {
	err := l.fs.Remove(h.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		l.log.Error("remove lock file", zap.String("file", h.path), zap.Error(err))
	}

	if h.file != nil {
		err = h.file.Close()
		if err != nil {
			l.log.Warn("close lock file", zap.String("file", h.path), zap.Error(err))
		}
	}
}

// dedupeValues returns a copy of entities with one entry per value, since
// one caller cannot create the same file twice.
func dedupeValues(entities []Entity) []Entity {
	out := make([]Entity, 0, len(entities))

	for _, e := range entities {
		if !slices.ContainsFunc(out, func(o Entity) bool { return o.Value == e.Value }) {
			out = append(out, e.AsExclusive())
		}
	}

	return out
}
