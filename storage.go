package blockcrypt

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/absfs/absfs"
	"github.com/sirupsen/logrus"
)

// Storage is the part of a filesystem the encryption layer needs. Every
// absfs.FileSystem satisfies it.
type Storage interface {
	OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error)
	Stat(name string) (os.FileInfo, error)
	Remove(name string) error
	Rename(oldpath, newpath string) error
}

// FS wraps a Storage with transparent block-wise content encryption.
//
// Files are opened as Streams. Mutations on whole files (Remove, Rename,
// Copy) act on the storage first and then move or drop the file's keys and
// metadata on a best-effort basis.
type FS struct {
	base     Storage
	registry *Registry
	store    Store
	cfg      Config
	log      logrus.FieldLogger
	metrics  *Metrics
	stats    *statCache
}

// New creates an FS over base. A nil registry disables encryption, a nil
// store keeps keys and metadata in memory and a nil config uses
// DefaultConfig.
func New(base Storage, registry *Registry, store Store, config *Config) (*FS, error) {
	if base == nil {
		return nil, fmt.Errorf("base storage cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	cfg := config.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if registry == nil {
		registry = NewRegistry(cfg.Logger)
	}
	if store == nil {
		store = NewMemoryStore()
	}
	stats, err := newStatCache(cfg.StatCacheSize)
	if err != nil {
		return nil, fmt.Errorf("stat cache: %w", err)
	}

	return &FS{
		base:     base,
		registry: registry,
		store:    store,
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		stats:    stats,
	}, nil
}

// Registry returns the module registry
func (fs *FS) Registry() *Registry {
	return fs.registry
}

// Store returns the key and metadata store
func (fs *FS) Store() Store {
	return fs.store
}

// Open opens name for reading
func (fs *FS) Open(name string) (*Stream, error) {
	return fs.OpenStream(name, ModeRead, Access{})
}

// Create creates or truncates name for writing
func (fs *FS) Create(name string) (*Stream, error) {
	return fs.OpenStream(name, ModeWrite, Access{})
}

// Append opens name for writing at its end, creating it if needed
func (fs *FS) Append(name string) (*Stream, error) {
	return fs.OpenStream(name, ModeAppend, Access{})
}

// OpenStream opens a session on name. If the header names a module that is
// not registered the open fails with UnknownModuleError and nothing is left
// open.
func (fs *FS) OpenStream(name string, mode Mode, access Access) (*Stream, error) {
	if err := ValidateFilePath(name); err != nil {
		return nil, err
	}
	name = cleanName(name)

	var flag int
	switch mode {
	case ModeRead:
		flag = os.O_RDONLY
	case ModeWrite:
		flag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case ModeAppend:
		flag = os.O_RDWR | os.O_CREATE
	default:
		return nil, NewValidationError("mode", mode, "unsupported mode")
	}

	base, err := fs.base.OpenFile(name, flag, 0o644)
	if err != nil {
		return nil, newStorageError("open", name, -1, err)
	}
	if mode.writable() {
		fs.stats.invalidate(name)
	}

	s := newStream(fs, name, base, mode, access)
	if err := s.open(); err != nil {
		base.Close()
		s.state = StateClosed
		return nil, err
	}
	fs.metrics.recordOpen(mode, s.encrypted)
	return s, nil
}

// ReadFile returns the decrypted content of name
func (fs *FS) ReadFile(name string) ([]byte, error) {
	s, err := fs.Open(name)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, s.Size())
	// one logical block per read also satisfies StrictBlockReads
	bufSize := s.LogicalBlockSize()
	if bufSize == 0 {
		bufSize = fs.cfg.BlockSize
	}
	buf := make([]byte, bufSize)
	for {
		n, rerr := s.Read(buf)
		data = append(data, buf[:n]...)
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			s.Close()
			return nil, rerr
		}
	}
	if err := s.Close(); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteFile replaces the content of name with data
func (fs *FS) WriteFile(name string, data []byte) error {
	s, err := fs.Create(name)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := s.Write(data); err != nil {
			s.Close()
			return err
		}
	}
	return s.Close()
}

// Filesize returns the logical size of name. The size persisted when the
// file was last written is used when present; otherwise it is derived from
// the file itself. Directories report 0.
func (fs *FS) Filesize(name string) (int64, error) {
	if err := ValidateFilePath(name); err != nil {
		return 0, err
	}
	name = cleanName(name)

	info, err := fs.base.Stat(name)
	if err != nil {
		return 0, newStorageError("stat", name, -1, err)
	}
	if info.IsDir() {
		return 0, nil
	}

	meta, err := fs.store.GetMeta(name)
	switch {
	case err == nil && (meta.Encrypted || meta.UnencryptedSize == info.Size()):
		return meta.UnencryptedSize, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		fs.log.WithError(err).WithField("path", name).Warn("reading file metadata failed")
	}

	s, err := fs.Open(name)
	if err != nil {
		return 0, err
	}
	size := s.Size()
	return size, s.Close()
}

// Stat returns the file info of name with its logical size
func (fs *FS) Stat(name string) (os.FileInfo, error) {
	if err := ValidateFilePath(name); err != nil {
		return nil, err
	}
	name = cleanName(name)
	if info, ok := fs.stats.get(name); ok {
		return info, nil
	}

	info, err := fs.base.Stat(name)
	if err != nil {
		return nil, newStorageError("stat", name, -1, err)
	}
	if !info.IsDir() {
		size, err := fs.Filesize(name)
		if err != nil {
			return nil, err
		}
		info = &logicalFileInfo{FileInfo: info, size: size}
	}
	fs.stats.add(name, info)
	return info, nil
}

// Header returns the header of name, or ErrNotEncrypted for plaintext files
func (fs *FS) Header(name string) (*Header, error) {
	if err := ValidateFilePath(name); err != nil {
		return nil, err
	}
	name = cleanName(name)

	f, err := fs.base.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, newStorageError("open", name, -1, err)
	}
	defer f.Close()

	s := newStream(fs, name, f, ModeRead, Access{})
	h, err := s.readHeader()
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotEncrypted)
	}
	return h, nil
}

// Remove deletes name and then its keys and metadata. Failures to drop the
// keys are logged and counted; the file stays removed.
func (fs *FS) Remove(name string) error {
	if err := ValidateFilePath(name); err != nil {
		return err
	}
	name = cleanName(name)

	if err := fs.base.Remove(name); err != nil {
		return newStorageError("unlink", name, -1, err)
	}
	fs.stats.invalidate(name)

	fs.cleanup("unlink", name, fs.store.DeleteKeys(name))
	fs.cleanup("unlink", name, fs.store.DeleteMeta(name))
	return nil
}

// Rename moves oldpath to newpath and then its keys and metadata
func (fs *FS) Rename(oldpath, newpath string) error {
	if err := ValidateFilePath(oldpath); err != nil {
		return err
	}
	if err := ValidateFilePath(newpath); err != nil {
		return err
	}
	oldpath, newpath = cleanName(oldpath), cleanName(newpath)

	if err := fs.base.Rename(oldpath, newpath); err != nil {
		return newStorageError("rename", oldpath, -1, err)
	}
	fs.stats.invalidate(oldpath, newpath)
	if oldpath == newpath {
		return nil
	}

	fs.cleanup("rename", oldpath, fs.store.RenameKeys(oldpath, newpath))
	fs.cleanup("rename", oldpath, fs.moveMeta(oldpath, newpath, true))
	return nil
}

// Copy copies the raw blocks of src to dst, then duplicates its keys and
// metadata. The content is not re-encrypted.
func (fs *FS) Copy(src, dst string) error {
	if err := ValidateFilePath(src); err != nil {
		return err
	}
	if err := ValidateFilePath(dst); err != nil {
		return err
	}
	src, dst = cleanName(src), cleanName(dst)
	if src == dst {
		return NewValidationError("dst", dst, "source and destination are the same file")
	}

	if err := fs.copyRaw(src, dst); err != nil {
		return err
	}
	fs.stats.invalidate(dst)

	fs.cleanup("copy", src, fs.store.CopyKeys(src, dst))
	fs.cleanup("copy", src, fs.moveMeta(src, dst, false))
	return nil
}

func (fs *FS) copyRaw(src, dst string) error {
	in, err := fs.base.OpenFile(src, os.O_RDONLY, 0)
	if err != nil {
		return newStorageError("open", src, -1, err)
	}
	defer in.Close()

	out, err := fs.base.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return newStorageError("open", dst, -1, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return newStorageError("copy", dst, -1, err)
	}
	if err := out.Close(); err != nil {
		return newStorageError("close", dst, -1, err)
	}
	return nil
}

// moveMeta copies the metadata of src to dst and drops the source when move
// is set. A source without metadata clears stale metadata at dst.
func (fs *FS) moveMeta(src, dst string, move bool) error {
	meta, err := fs.store.GetMeta(src)
	if errors.Is(err, ErrNotFound) {
		return fs.store.DeleteMeta(dst)
	}
	if err != nil {
		return err
	}
	if err := fs.store.PutMeta(dst, meta); err != nil {
		return err
	}
	if move {
		return fs.store.DeleteMeta(src)
	}
	return nil
}

// cleanup records a failed best-effort key or metadata operation
func (fs *FS) cleanup(op, name string, err error) {
	if err == nil {
		return
	}
	fs.metrics.recordCleanupFailure(op)
	fs.log.WithFields(logrus.Fields{"op": op, "path": name}).WithError(err).Warn("key cleanup failed")
}

// Update changes the recipients of the encrypted file name
func (fs *FS) Update(name string, access Access) error {
	h, err := fs.Header(name)
	if err != nil {
		return err
	}
	m, err := fs.registry.Resolve(h)
	if err != nil {
		return err
	}
	if err := m.Update(cleanName(name), access.Users, access.Groups); err != nil {
		return err
	}
	fs.stats.invalidate(cleanName(name))
	return nil
}
