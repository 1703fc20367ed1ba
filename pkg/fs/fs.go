// Package fs provides the filesystem primitives the lock backends are built on.
//
// The main types are:
//   - [FS]: interface for the path operations the backends need
//   - [File]: interface for open files (satisfied by [os.File])
//   - [Real]: production implementation using [os] package
//   - [Chaos]: testing implementation that injects random failures
//   - [RangeLocker]: POSIX byte-range locks on an open [File]
//
// Positioned I/O ([File.ReadAt], [File.WriteAt]) is used throughout: several
// goroutines share one descriptor and must never race on a file offset.
//
// Example usage:
//
//	fsys := fs.NewReal()
//	f, err := fsys.OpenFile("mutex.lock", os.O_RDWR|os.O_CREATE, 0o600)
//	if err != nil {
//	    return err
//	}
//	defer f.Close()
//
//	err = fs.DefaultRangeLocker.Lock(f, 7, 1, fs.ExclusiveLock)
package fs

import (
	"io"
	"os"
)

// File represents an OS-backed open file descriptor.
//
// The intent is os-like behavior: implementations must behave like [os.File],
// including that [File.Fd] returns a valid OS file descriptor usable with
// fcntl(2) and mmap(2) until the file is closed.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type File interface {
	io.ReadWriteCloser
	io.ReaderAt
	io.WriterAt
	io.Seeker

	// Fd returns the file descriptor. See [os.File.Fd].
	Fd() uintptr

	// Name returns the name the file was opened with. See [os.File.Name].
	Name() string

	// Stat returns the [os.FileInfo] for this file. See [os.File.Stat].
	Stat() (os.FileInfo, error)

	// Truncate changes the size of the file. See [os.File.Truncate].
	Truncate(size int64) error

	// Sync commits the file's contents to disk. See [os.File.Sync].
	Sync() error
}

// FS defines the path operations used by the lock backends.
//
// All methods mirror their [os] package equivalents but can be intercepted
// for testing with fault injection.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type FS interface {
	// Open opens a file for reading. See [os.Open].
	Open(path string) (File, error)

	// OpenFile opens a file with specified flags and permissions. See [os.OpenFile].
	// Exclusive creation ([os.O_CREATE]|[os.O_EXCL]) must report an existing
	// file with an error matching [os.ErrExist].
	OpenFile(path string, flag int, perm os.FileMode) (File, error)

	// ReadFile reads an entire file into memory. See [os.ReadFile].
	ReadFile(path string) ([]byte, error)

	// MkdirAll creates a directory and all parents. See [os.MkdirAll].
	MkdirAll(path string, perm os.FileMode) error

	// Stat returns file info. See [os.Stat].
	Stat(path string) (os.FileInfo, error)

	// Exists reports whether a file or directory exists.
	// Returns (false, nil) if not found, (false, err) on other errors.
	Exists(path string) (bool, error)

	// Remove deletes a file or empty directory. See [os.Remove].
	Remove(path string) error
}

// Compile-time interface checks.
var _ File = (*os.File)(nil)
