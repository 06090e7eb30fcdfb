//go:build !windows

package histfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockExclusive takes a non-blocking exclusive flock on the file,
// enforcing at most one writer per machine file on this host.
func lockExclusive(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return ErrLocked
	}
	return nil
}

func unlock(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
