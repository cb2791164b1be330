package blockcrypt

import (
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// statCache remembers FileInfo results with logical sizes. Every mutating
// operation of the FS invalidates the affected paths. A nil *statCache
// caches nothing.
type statCache struct {
	entries *lru.Cache[string, os.FileInfo]
}

func newStatCache(size int) (*statCache, error) {
	if size <= 0 {
		return nil, nil
	}
	entries, err := lru.New[string, os.FileInfo](size)
	if err != nil {
		return nil, err
	}
	return &statCache{entries: entries}, nil
}

func (c *statCache) get(name string) (os.FileInfo, bool) {
	if c == nil {
		return nil, false
	}
	return c.entries.Get(name)
}

func (c *statCache) add(name string, info os.FileInfo) {
	if c == nil {
		return
	}
	c.entries.Add(name, info)
}

func (c *statCache) invalidate(names ...string) {
	if c == nil {
		return
	}
	for _, name := range names {
		c.entries.Remove(name)
	}
}

// logicalFileInfo overrides the size reported by the underlying storage
type logicalFileInfo struct {
	os.FileInfo
	size int64
}

func (fi *logicalFileInfo) Size() int64 { return fi.size }

// Sys exposes the underlying FileInfo
func (fi *logicalFileInfo) Sys() any { return fi.FileInfo }
