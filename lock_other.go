//go:build !unix

package blockcrypt

func lockFile(f any, exclusive bool) error {
	return ErrLockUnsupported
}

func unlockFile(f any) error {
	return ErrLockUnsupported
}
