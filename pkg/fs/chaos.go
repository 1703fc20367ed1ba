package fs

import (
	"errors"
	"io/fs"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
)

// ChaosConfig controls fault injection probabilities.
// Each rate is a float64 from 0.0 (never) to 1.0 (always).
//
// The zero value disables all fault injection.
type ChaosConfig struct {
	// OpenFailRate controls how often FS.Open and FS.OpenFile fail. Returns
	// EACCES, EIO, EMFILE or ENFILE; writes may also see ENOSPC or EROFS.
	OpenFailRate float64

	// ReadFailRate controls how often File.Read and File.ReadAt fail entirely,
	// returning zero bytes and EIO.
	ReadFailRate float64

	// WriteFailRate controls how often File.Write and File.WriteAt fail
	// entirely, writing zero bytes and returning EIO, ENOSPC or EDQUOT.
	WriteFailRate float64

	// PartialWriteRate controls how often File.WriteAt writes only a prefix
	// before failing with EIO. Appends through File.Write are never split:
	// a torn append would misalign every later record in an append log,
	// which no real filesystem does for small O_APPEND writes.
	PartialWriteRate float64

	// TruncateFailRate controls how often File.Truncate fails with EIO.
	TruncateFailRate float64

	// StatFailRate controls how often FS.Stat, FS.Exists and File.Stat fail
	// with EACCES or EIO.
	StatFailRate float64

	// RemoveFailRate controls how often FS.Remove fails with EACCES, EBUSY
	// or EIO.
	RemoveFailRate float64

	// MkdirAllFailRate controls how often FS.MkdirAll fails with EACCES,
	// EIO or ENOSPC.
	MkdirAllFailRate float64
}

// ChaosMode controls how [Chaos] behaves.
type ChaosMode uint8

const (
	// ChaosModeActive enables fault-rate injection.
	// This is the default mode for a new [Chaos].
	ChaosModeActive ChaosMode = iota

	// ChaosModeNoOp passes every operation directly to the underlying FS.
	ChaosModeNoOp
)

// ChaosStats contains counts of injected faults.
type ChaosStats struct {
	OpenFails     int64
	ReadFails     int64
	WriteFails    int64
	PartialWrites int64
	TruncateFails int64
	StatFails     int64
	RemoveFails   int64
	MkdirAllFails int64
}

// chaosError marks an error as intentionally injected by [Chaos].
//
// It wraps the underlying error so errors.Is/As continue to work.
type chaosError struct {
	Err error
}

func (e *chaosError) Error() string {
	return "chaos: " + e.Err.Error()
}

func (e *chaosError) Unwrap() error {
	return e.Err
}

// IsChaosErr reports whether err (or any wrapped error) was injected by [Chaos].
func IsChaosErr(err error) bool {
	var injected *chaosError

	return errors.As(err, &injected)
}

// Chaos wraps an [FS] and injects random failures for testing.
//
// Injected errors are [*fs.PathError] values carrying a real
// [syscall.Errno], so [errors.Is] and [os.IsPermission] behave like real OS
// errors, and [IsChaosErr] can tell them apart from genuine failures.
// Chaos never injects ENOENT or EEXIST: "missing" and "already exists"
// results always originate from the wrapped [FS], so lock contention is
// never faked.
//
// Byte-range locks and mappings operate on [File.Fd] directly and are not
// subject to injection.
type Chaos struct {
	fs     FS
	config ChaosConfig
	mode   atomic.Uint32

	rngMu sync.Mutex
	rng   *rand.Rand

	openFails     atomic.Int64
	readFails     atomic.Int64
	writeFails    atomic.Int64
	partialWrites atomic.Int64
	truncateFails atomic.Int64
	statFails     atomic.Int64
	removeFails   atomic.Int64
	mkdirAllFails atomic.Int64
}

// NewChaos creates a new [Chaos] filesystem wrapping the given [FS].
// The seed controls random fault injection for reproducibility.
// Panics if underlying is nil.
func NewChaos(underlying FS, seed int64, config *ChaosConfig) *Chaos {
	if underlying == nil {
		panic("underlying fs is nil")
	}

	return &Chaos{
		fs:     underlying,
		rng:    rand.New(rand.NewPCG(uint64(seed), uint64(seed))),
		config: *config,
	}
}

// SetMode switches between [ChaosModeActive] and [ChaosModeNoOp].
// Safe to call concurrently with filesystem operations.
func (c *Chaos) SetMode(m ChaosMode) { c.mode.Store(uint32(m)) }

// Stats returns the current fault injection counts.
func (c *Chaos) Stats() ChaosStats {
	return ChaosStats{
		OpenFails:     c.openFails.Load(),
		ReadFails:     c.readFails.Load(),
		WriteFails:    c.writeFails.Load(),
		PartialWrites: c.partialWrites.Load(),
		TruncateFails: c.truncateFails.Load(),
		StatFails:     c.statFails.Load(),
		RemoveFails:   c.removeFails.Load(),
		MkdirAllFails: c.mkdirAllFails.Load(),
	}
}

// TotalFaults returns the total number of injected faults.
func (c *Chaos) TotalFaults() int64 {
	s := c.Stats()

	return s.OpenFails + s.ReadFails + s.WriteFails + s.PartialWrites +
		s.TruncateFails + s.StatFails + s.RemoveFails + s.MkdirAllFails
}

// Open opens a file for reading with fault injection.
func (c *Chaos) Open(path string) (File, error) {
	if err := c.inject(c.config.OpenFailRate, &c.openFails, "open", path, readOpenErrnos); err != nil {
		return nil, err
	}

	f, err := c.fs.Open(path)
	if err != nil {
		return nil, err
	}

	return &chaosFile{f: f, chaos: c}, nil
}

// OpenFile opens a file with fault injection.
func (c *Chaos) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	errnos := readOpenErrnos
	if flag&(os.O_WRONLY|os.O_RDWR|os.O_APPEND|os.O_CREATE|os.O_TRUNC) != 0 {
		errnos = writeOpenErrnos
	}

	if err := c.inject(c.config.OpenFailRate, &c.openFails, "open", path, errnos); err != nil {
		return nil, err
	}

	f, err := c.fs.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &chaosFile{f: f, chaos: c}, nil
}

// ReadFile reads a file's contents with fault injection.
func (c *Chaos) ReadFile(path string) ([]byte, error) {
	if err := c.inject(c.config.ReadFailRate, &c.readFails, "read", path, ioErrnos); err != nil {
		return nil, err
	}

	return c.fs.ReadFile(path)
}

// MkdirAll creates directories with fault injection.
func (c *Chaos) MkdirAll(path string, perm os.FileMode) error {
	errnos := []syscall.Errno{syscall.EACCES, syscall.EIO, syscall.ENOSPC}
	if err := c.inject(c.config.MkdirAllFailRate, &c.mkdirAllFails, "mkdir", path, errnos); err != nil {
		return err
	}

	return c.fs.MkdirAll(path, perm)
}

// Stat returns file info with fault injection.
func (c *Chaos) Stat(path string) (os.FileInfo, error) {
	if err := c.inject(c.config.StatFailRate, &c.statFails, "stat", path, statErrnos); err != nil {
		return nil, err
	}

	return c.fs.Stat(path)
}

// Exists checks existence with fault injection.
func (c *Chaos) Exists(path string) (bool, error) {
	if err := c.inject(c.config.StatFailRate, &c.statFails, "stat", path, statErrnos); err != nil {
		return false, err
	}

	return c.fs.Exists(path)
}

// Remove deletes a file with fault injection.
func (c *Chaos) Remove(path string) error {
	errnos := []syscall.Errno{syscall.EACCES, syscall.EBUSY, syscall.EIO}
	if err := c.inject(c.config.RemoveFailRate, &c.removeFails, "remove", path, errnos); err != nil {
		return err
	}

	return c.fs.Remove(path)
}

var (
	readOpenErrnos  = []syscall.Errno{syscall.EACCES, syscall.EIO, syscall.EMFILE, syscall.ENFILE}
	writeOpenErrnos = []syscall.Errno{syscall.EACCES, syscall.EIO, syscall.EMFILE, syscall.ENFILE, syscall.ENOSPC, syscall.EROFS}
	writeErrnos     = []syscall.Errno{syscall.EIO, syscall.ENOSPC, syscall.EDQUOT}
	statErrnos      = []syscall.Errno{syscall.EACCES, syscall.EIO}
	ioErrnos        = []syscall.Errno{syscall.EIO}
)

// inject returns an injected error with probability rate, counting it.
func (c *Chaos) inject(rate float64, counter *atomic.Int64, op, path string, errnos []syscall.Errno) error {
	if !c.should(rate) {
		return nil
	}

	counter.Add(1)

	return pathError(op, path, errnos[c.randIntn(len(errnos))])
}

func (c *Chaos) should(rate float64) bool {
	if ChaosMode(c.mode.Load()) != ChaosModeActive || rate <= 0 {
		return false
	}

	c.rngMu.Lock()
	r := c.rng.Float64()
	c.rngMu.Unlock()

	return r < rate
}

func (c *Chaos) randIntn(n int) int {
	c.rngMu.Lock()
	result := c.rng.IntN(n)
	c.rngMu.Unlock()

	return result
}

// pathError creates an injected [*fs.PathError] with the given operation,
// path and errno.
func pathError(op, path string, errno syscall.Errno) error {
	return &chaosError{Err: &fs.PathError{Op: op, Path: path, Err: errno}}
}

// chaosFile wraps a [File] and injects faults on reads, writes and metadata.
type chaosFile struct {
	f     File
	chaos *Chaos
}

var _ File = (*chaosFile)(nil)

func (cf *chaosFile) Read(buf []byte) (int, error) {
	c := cf.chaos
	if err := c.inject(c.config.ReadFailRate, &c.readFails, "read", cf.f.Name(), ioErrnos); err != nil {
		return 0, err
	}

	return cf.f.Read(buf)
}

func (cf *chaosFile) ReadAt(buf []byte, off int64) (int, error) {
	c := cf.chaos
	if err := c.inject(c.config.ReadFailRate, &c.readFails, "read", cf.f.Name(), ioErrnos); err != nil {
		return 0, err
	}

	return cf.f.ReadAt(buf, off)
}

func (cf *chaosFile) Write(data []byte) (int, error) {
	c := cf.chaos
	if err := c.inject(c.config.WriteFailRate, &c.writeFails, "write", cf.f.Name(), writeErrnos); err != nil {
		return 0, err
	}

	return cf.f.Write(data)
}

func (cf *chaosFile) WriteAt(data []byte, off int64) (int, error) {
	c := cf.chaos
	if err := c.inject(c.config.WriteFailRate, &c.writeFails, "write", cf.f.Name(), writeErrnos); err != nil {
		return 0, err
	}

	if len(data) > 1 && c.should(c.config.PartialWriteRate) {
		c.partialWrites.Add(1)

		cutoff := c.randIntn(len(data)-1) + 1

		n, err := cf.f.WriteAt(data[:cutoff], off)
		if err != nil {
			return n, err
		}

		return n, pathError("write", cf.f.Name(), syscall.EIO)
	}

	return cf.f.WriteAt(data, off)
}

func (cf *chaosFile) Truncate(size int64) error {
	c := cf.chaos
	if err := c.inject(c.config.TruncateFailRate, &c.truncateFails, "truncate", cf.f.Name(), ioErrnos); err != nil {
		return err
	}

	return cf.f.Truncate(size)
}

func (cf *chaosFile) Stat() (os.FileInfo, error) {
	c := cf.chaos
	if err := c.inject(c.config.StatFailRate, &c.statFails, "stat", cf.f.Name(), ioErrnos); err != nil {
		return nil, err
	}

	return cf.f.Stat()
}

// Close always closes the underlying file.
func (cf *chaosFile) Close() error {
	return cf.f.Close()
}

func (cf *chaosFile) Seek(offset int64, whence int) (int64, error) {
	return cf.f.Seek(offset, whence)
}

func (cf *chaosFile) Sync() error {
	return cf.f.Sync()
}

func (cf *chaosFile) Fd() uintptr {
	return cf.f.Fd()
}

func (cf *chaosFile) Name() string {
	return cf.f.Name()
}

var _ FS = (*Chaos)(nil)
