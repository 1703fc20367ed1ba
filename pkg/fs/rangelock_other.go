//go:build unix && !linux

package fs

import "golang.org/x/sys/unix"

const (
	setLkNoWait = unix.F_SETLK
	setLkWait   = unix.F_SETLKW
)

// PunchHole is not implemented outside Linux and always returns
// [ErrUnsupported].
func PunchHole(_ File, _, _ int64) error {
	return ErrUnsupported
}
