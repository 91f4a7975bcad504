//go:build !windows

package lgkv

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/twlk9/lgkv/dberrors"
)

// fileLocker holds an flock on the LOCK file in the database directory.
type fileLocker struct {
	file *os.File
}

// lockDir opens dir/LOCK and takes an exclusive, non-blocking lock.
func lockDir(dir string) (*fileLocker, error) {
	lockPath := filepath.Join(dir, lockFileName)
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, dberrors.NewIOError("open lock", lockPath, err)
	}
	err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err == syscall.EWOULDBLOCK {
		file.Close()
		return nil, ErrDBAlreadyOpen
	}
	if err != nil {
		file.Close()
		return nil, dberrors.NewIOError("lock", lockPath, err)
	}
	return &fileLocker{file: file}, nil
}

// Unlock releases the file lock and closes the file.
func (l *fileLocker) Unlock() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		l.file.Close()
		return dberrors.NewIOError("unlock", l.file.Name(), err)
	}
	return l.file.Close()
}
