package fs

import "golang.org/x/sys/unix"

const (
	setLkNoWait = unix.F_OFD_SETLK
	setLkWait   = unix.F_OFD_SETLKW
)

// PunchHole deallocates the storage backing [offset, offset+length) without
// changing the file size. Reads of the range return zeros afterwards.
//
// Returns [ErrUnsupported] if the filesystem cannot punch holes.
func PunchHole(f File, offset, length int64) error {
	fd := int(f.Fd())

	err := retryEINTR(func() error {
		return unix.Fallocate(fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	})
	if err != nil {
		if isUnsupported(err) {
			return ErrUnsupported
		}

		return err
	}

	return nil
}

func isUnsupported(err error) bool {
	return err == unix.EOPNOTSUPP || err == unix.ENOSYS
}
