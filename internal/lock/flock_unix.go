//go:build unix

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// tryLock opens path and takes a non-blocking exclusive flock on it. The
// lock dies with the process, so a crashed flow never leaves it behind.
func tryLock(path string) (*os.File, error) {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(fh.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		fh.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errBusy
		}
		return nil, err
	}
	return fh, nil
}

func unlock(fh *os.File) error {
	if err := unix.Flock(int(fh.Fd()), unix.LOCK_UN); err != nil {
		fh.Close()
		return err
	}
	return fh.Close()
}
