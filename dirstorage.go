package blockcrypt

import (
	"os"
	"path/filepath"

	"github.com/absfs/absfs"
)

// DirStorage is a Storage rooted at a directory of the local filesystem.
// Its files support Lock.
type DirStorage struct {
	root string
}

// NewDirStorage creates a storage rooted at root
func NewDirStorage(root string) *DirStorage {
	return &DirStorage{root: root}
}

func (d *DirStorage) path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(cleanName(name)))
}

// OpenFile opens name, creating parent directories when O_CREATE is set
func (d *DirStorage) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	p := d.path(name)
	if flag&os.O_CREATE != 0 {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(p, flag, perm)
}

func (d *DirStorage) Stat(name string) (os.FileInfo, error) {
	return os.Stat(d.path(name))
}

func (d *DirStorage) Remove(name string) error {
	return os.Remove(d.path(name))
}

func (d *DirStorage) Rename(oldpath, newpath string) error {
	np := d.path(newpath)
	if err := os.MkdirAll(filepath.Dir(np), 0o755); err != nil {
		return err
	}
	return os.Rename(d.path(oldpath), np)
}
