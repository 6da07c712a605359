//go:build !unix

package lock

import (
	"errors"
	"io/fs"
	"os"
)

// tryLock creates path exclusively. Unlike flock, a crashed process
// leaves the file behind and it must be removed by hand.
func tryLock(path string) (*os.File, error) {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil, errBusy
	}
	return fh, err
}

func unlock(fh *os.File) error {
	name := fh.Name()
	if err := fh.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
