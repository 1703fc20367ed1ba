//go:build unix

package fs

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrUnsupported is returned when the platform or filesystem does not
// provide an optional primitive (for example [PunchHole]).
var ErrUnsupported = errors.New("operation not supported")

// Identity uniquely identifies a file by device and inode.
type Identity struct {
	Dev uint64
	Ino uint64
}

// IdentityOf returns the device and inode of an open file.
func IdentityOf(f File) (Identity, error) {
	var st unix.Stat_t

	err := unix.Fstat(int(f.Fd()), &st)
	if err != nil {
		return Identity{}, fmt.Errorf("fstat %s: %w", f.Name(), err)
	}

	//nolint:unconvert // field widths differ between platforms
	return Identity{Dev: uint64(st.Dev), Ino: uint64(st.Ino)}, nil
}

// Map maps the first size bytes of f read-write and shared, so stores are
// visible to every process mapping the same file. The file must already be
// at least size bytes long.
func Map(f File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", f.Name(), err)
	}

	return data, nil
}

// Unmap releases a mapping returned by [Map].
func Unmap(data []byte) error {
	if data == nil {
		return nil
	}

	err := unix.Munmap(data)
	if err != nil {
		return fmt.Errorf("munmap: %w", err)
	}

	return nil
}
