//go:build unix

package blockcrypt

import (
	"golang.org/x/sys/unix"
)

type fdFile interface {
	Fd() uintptr
}

func lockFile(f any, exclusive bool) error {
	fd, ok := f.(fdFile)
	if !ok {
		return ErrLockUnsupported
	}
	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(fd.Fd()), how); err != nil {
		return newStorageError("lock", "", -1, err)
	}
	return nil
}

func unlockFile(f any) error {
	fd, ok := f.(fdFile)
	if !ok {
		return ErrLockUnsupported
	}
	if err := unix.Flock(int(fd.Fd()), unix.LOCK_UN); err != nil {
		return newStorageError("unlock", "", -1, err)
	}
	return nil
}
