package blockcrypt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/absfs/absfs"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a Stream
type State uint8

const (
	StateClosed State = iota
	StateOpening
	// StateHeaderPending: a new encrypted file whose header is not written yet
	StateHeaderPending
	// StateHeaderConsumed: the header of an existing file has been read
	StateHeaderConsumed
	StateActive
	StateClosing
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpening:
		return "opening"
	case StateHeaderPending:
		return "header-pending"
	case StateHeaderConsumed:
		return "header-consumed"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Stream is one open session on a file. Encrypted files are read and
// written in whole physical blocks; the caller sees plaintext with logical
// offsets. Files without a header are passed through unchanged.
//
// A Stream is not safe for concurrent use.
type Stream struct {
	fs     *FS
	name   string
	base   absfs.File
	mode   Mode
	access Access
	state  State
	log    logrus.FieldLogger

	module    Module
	cipher    FileCipher
	header    *Header
	encrypted bool

	blockSize int   // physical block size
	logical   int   // plaintext bytes per data block
	overhead  int   // per-block cipher expansion (upper bound when variable)
	fixed     bool  // overhead is the same for every block
	dataStart int64 // physical offset of the first data block
	nBlocks   int64 // data blocks on disk, read sessions

	pos  int64 // logical position
	size int64 // logical size

	cur      []byte // decrypted block
	curIndex int64  // index of cur, -1 when empty
	index    blockIndex

	wbuf      []byte // plaintext not yet written
	nextBlock int64  // index of the next data block to write
}

func newStream(fs *FS, name string, base absfs.File, mode Mode, access Access) *Stream {
	return &Stream{
		fs:        fs,
		name:      name,
		base:      base,
		mode:      mode,
		access:    access,
		state:     StateOpening,
		log:       fs.log.WithFields(logrus.Fields{"path": name, "mode": mode.String()}),
		blockSize: fs.cfg.BlockSize,
		curIndex:  -1,
	}
}

// open resolves the header and module. On error the caller closes base.
func (s *Stream) open() error {
	info, err := s.base.Stat()
	if err != nil {
		return newStorageError("stat", s.name, -1, err)
	}
	physical := info.Size()

	if s.mode == ModeWrite || physical == 0 {
		return s.openNew()
	}

	h, err := s.readHeader()
	if err != nil {
		return err
	}
	if h == nil {
		return s.openPlain(physical)
	}
	return s.openEncrypted(h, physical)
}

// readHeader reads the first block and parses it; nil means no header
func (s *Stream) readHeader() (*Header, error) {
	block := make([]byte, s.blockSize)
	n, err := s.readAt(block, 0)
	if err != nil {
		return nil, err
	}
	h, _, err := ParseHeader(block[:n])
	if err != nil {
		var ce *CorruptionError
		if errors.As(err, &ce) {
			ce.Path = s.name
		}
		return nil, err
	}
	return h, nil
}

// openNew prepares a write session on an empty file
func (s *Stream) openNew() error {
	if s.mode == ModeRead {
		return s.openPlain(0)
	}
	if !s.fs.registry.IsEnabled() {
		return s.openPlain(0)
	}
	m, err := s.fs.registry.Resolve(nil)
	if err != nil {
		return err
	}
	if !m.ShouldEncrypt(s.name) {
		return s.openPlain(0)
	}

	s.module = m
	s.encrypted = true
	s.dataStart = int64(s.blockSize)
	s.state = StateHeaderPending
	if s.fs.cfg.HeaderPolicy == HeaderEager {
		return s.beginWrite()
	}
	return nil
}

// openPlain sets up a passthrough session
func (s *Stream) openPlain(physical int64) error {
	s.size = physical
	if s.mode == ModeAppend {
		s.pos = physical
	}
	if _, err := s.base.Seek(s.pos, io.SeekStart); err != nil {
		return newStorageError("seek", s.name, s.pos, err)
	}
	s.state = StateActive
	return nil
}

func (s *Stream) openEncrypted(h *Header, physical int64) error {
	s.header = h
	s.state = StateHeaderConsumed

	m, err := s.fs.registry.Resolve(h)
	if err != nil {
		var ue *UnknownModuleError
		if errors.As(err, &ue) {
			ue.Path = s.name
		}
		return err
	}
	if bs, err := h.BlockSize(); err != nil {
		return newCorruptionError(s.name, -1, err.Error())
	} else if bs != 0 {
		s.blockSize = bs
	}

	c, err := m.Begin(s.name, h.Fields, s.mode, s.access)
	if err != nil {
		return err
	}
	s.module = m
	s.encrypted = true
	s.dataStart = int64(s.blockSize)
	if err := s.setCipher(c); err != nil {
		return err
	}

	data := physical - s.dataStart
	if data < 0 {
		return newCorruptionError(s.name, -1, "file is shorter than its header block")
	}
	s.nBlocks = (data + int64(s.blockSize) - 1) / int64(s.blockSize)
	if s.size, err = s.logicalSize(data); err != nil {
		return err
	}
	s.state = StateActive

	if s.mode == ModeAppend {
		return s.prepareAppend()
	}
	return nil
}

func (s *Stream) setCipher(c FileCipher) error {
	s.cipher = c
	s.overhead, s.fixed = c.Overhead()
	s.logical = LogicalBlockSize(s.blockSize, s.overhead)
	if s.logical <= 0 {
		return NewValidationError("block_size", s.blockSize,
			fmt.Sprintf("block size leaves no room for data with %d bytes of cipher overhead", s.overhead))
	}
	return nil
}

// logicalSize derives the plaintext size from the data area length
func (s *Stream) logicalSize(data int64) (int64, error) {
	if !s.fixed {
		if meta, err := s.fs.store.GetMeta(s.name); err == nil && meta.Encrypted && meta.ModuleID == s.module.ID() {
			return meta.UnencryptedSize, nil
		}
		if err := s.index.extend(s, -1); err != nil {
			return 0, err
		}
		return s.index.total(), nil
	}

	bs := int64(s.blockSize)
	size := (data / bs) * int64(s.logical)
	if rem := data % bs; rem > 0 {
		last := rem - FrameSize - int64(s.overhead)
		if last <= 0 {
			return 0, newCorruptionError(s.name, data/bs, fmt.Sprintf("final block of %d bytes is too short", rem))
		}
		size += last
	}
	return size, nil
}

// prepareAppend moves the trailing partial block into the write buffer and
// cuts it from the file so it is rewritten together with the new data.
func (s *Stream) prepareAppend() error {
	s.pos = s.size
	s.nextBlock = s.nBlocks
	if s.nBlocks == 0 {
		return nil
	}

	last := s.nBlocks - 1
	if err := s.loadBlock(last); err != nil {
		return err
	}
	if len(s.cur) < s.logical {
		s.wbuf = append(s.wbuf[:0], s.cur...)
		s.nextBlock = last
		start := s.blockOffset(last)
		if err := s.base.Truncate(start); err != nil {
			return newStorageError("truncate", s.name, start, err)
		}
	}
	s.dropCurrent()
	return nil
}

// beginWrite starts the module session of a new file and writes its header
func (s *Stream) beginWrite() error {
	c, err := s.module.Begin(s.name, nil, s.mode, s.access)
	if err != nil {
		return err
	}
	if err := s.setCipher(c); err != nil {
		return err
	}

	fields := c.HeaderFields()
	h := NewHeader(s.module.ID(), fields)
	h.Fields[BlockSizeField] = strconv.Itoa(s.blockSize)
	if err := s.writeHeader(h); err != nil {
		return err
	}
	s.header = h
	s.state = StateActive
	return nil
}

func (s *Stream) writeHeader(h *Header) error {
	block, err := RenderHeader(h, s.blockSize)
	if err != nil {
		return err
	}
	return s.writeAt(block, 0)
}

func (s *Stream) blockOffset(idx int64) int64 {
	return s.dataStart + idx*int64(s.blockSize)
}

// Name returns the path the stream was opened with
func (s *Stream) Name() string {
	return s.name
}

// Mode returns the access mode of the session
func (s *Stream) Mode() Mode {
	return s.mode
}

// State returns the lifecycle state
func (s *Stream) State() State {
	return s.state
}

// Encrypted reports whether the session encrypts or decrypts content
func (s *Stream) Encrypted() bool {
	return s.encrypted
}

// Header returns the header of the file, nil for plaintext files and for
// new files before their header is written.
func (s *Stream) Header() *Header {
	return s.header
}

// LogicalBlockSize returns the plaintext carried by one data block, the
// read size expected when strict block reads are enabled. Zero until the
// cipher session has begun.
func (s *Stream) LogicalBlockSize() int {
	return s.logical
}

// Size returns the logical size of the file
func (s *Stream) Size() int64 {
	return s.size
}

// Tell returns the logical position
func (s *Stream) Tell() int64 {
	return s.pos
}

// EOF reports whether the position is at or beyond the end of the file
func (s *Stream) EOF() bool {
	return s.pos >= s.size
}

func (s *Stream) checkOpen(op string) error {
	if s == nil || s.state == StateClosed || s.state == StateClosing {
		name := ""
		if s != nil {
			name = s.name
		}
		return &ClosedStreamError{Path: name, Operation: op}
	}
	return nil
}

// Read reads up to len(p) plaintext bytes
func (s *Stream) Read(p []byte) (int, error) {
	if err := s.checkOpen("read"); err != nil {
		return 0, err
	}
	if p == nil {
		return 0, ErrNilBuffer
	}
	if s.mode != ModeRead {
		return 0, ErrNotReadable
	}
	if !s.encrypted {
		n, err := s.base.Read(p)
		s.pos += int64(n)
		if err != nil && err != io.EOF {
			return n, newStorageError("read", s.name, s.pos, err)
		}
		return n, err
	}
	if s.fs.cfg.StrictBlockReads && len(p) != s.logical {
		return 0, &InvalidBlockSizeError{Got: len(p), Want: s.logical}
	}
	if len(p) == 0 {
		return 0, nil
	}

	total := 0
	for total < len(p) {
		if s.pos >= s.size {
			if total == 0 {
				return 0, io.EOF
			}
			break
		}
		idx, within, err := s.locate(s.pos)
		if err != nil {
			return total, err
		}
		if err := s.loadBlock(idx); err != nil {
			return total, err
		}
		if within >= len(s.cur) {
			// block shorter than the recorded size
			return total, newCorruptionError(s.name, idx, "block ends before the file size")
		}
		n := copy(p[total:], s.cur[within:])
		total += n
		s.pos += int64(n)
	}
	return total, nil
}

// loadBlock reads and decrypts data block idx into cur
func (s *Stream) loadBlock(idx int64) error {
	if s.curIndex == idx {
		return nil
	}
	s.dropCurrent()

	raw := make([]byte, s.blockSize)
	n, err := s.readAt(raw, s.blockOffset(idx))
	if err != nil {
		return err
	}
	if n == 0 {
		return newCorruptionError(s.name, idx, "data block missing")
	}
	final := idx == s.nBlocks-1

	ciphertext, err := UnframeBlock(raw[:n])
	if err != nil {
		var ce *CorruptionError
		if errors.As(err, &ce) {
			ce.Path, ce.Block = s.name, idx
		}
		return err
	}
	plain, err := s.cipher.Decrypt(ciphertext, s.access.User)
	if err != nil {
		return newEncryptionError("decrypt", s.name, idx, err)
	}
	if s.fixed && !final && len(plain) != s.logical {
		return newCorruptionError(s.name, idx, fmt.Sprintf("block holds %d bytes, expected %d", len(plain), s.logical))
	}

	s.fs.metrics.recordBlock("decrypt", len(plain))
	s.cur = plain
	s.curIndex = idx
	return nil
}

func (s *Stream) dropCurrent() {
	s.cur = nil
	s.curIndex = -1
}

// Write buffers p and writes every complete logical block
func (s *Stream) Write(p []byte) (int, error) {
	if err := s.checkOpen("write"); err != nil {
		return 0, err
	}
	if p == nil {
		return 0, ErrNilBuffer
	}
	if !s.mode.writable() {
		return 0, ErrNotWritable
	}
	if !s.encrypted {
		n, err := s.base.Write(p)
		s.pos += int64(n)
		if s.pos > s.size {
			s.size = s.pos
		}
		if err != nil {
			return n, newStorageError("write", s.name, s.pos, err)
		}
		return n, nil
	}
	if len(p) == 0 {
		return 0, nil
	}
	if s.state == StateHeaderPending {
		if err := s.beginWrite(); err != nil {
			return 0, err
		}
	}

	// n counts the bytes of p that are on storage or buffered; a block that
	// fails to write leaves its share of p out of wbuf so a retry starts
	// exactly where this call stopped
	var n int
	for n < len(p) {
		take := min(s.logical-len(s.wbuf), len(p)-n)
		s.wbuf = append(s.wbuf, p[n:n+take]...)
		if len(s.wbuf) < s.logical {
			n += take
			break
		}
		if err := s.writeBlock(s.wbuf, false); err != nil {
			s.wbuf = s.wbuf[:len(s.wbuf)-take]
			s.advance(n)
			return n, err
		}
		s.wbuf = s.wbuf[:0]
		n += take
	}
	s.advance(n)
	return n, nil
}

func (s *Stream) advance(n int) {
	s.pos += int64(n)
	s.size = s.pos
}

// writeBlock encrypts one logical block and writes it as one physical block
func (s *Stream) writeBlock(plain []byte, final bool) error {
	ciphertext, err := s.cipher.Encrypt(plain, s.access.Users, s.access.Groups)
	if err != nil {
		return newEncryptionError("encrypt", s.name, s.nextBlock, err)
	}
	block, err := FrameBlock(ciphertext, s.blockSize, final)
	if err != nil {
		return newEncryptionError("encrypt", s.name, s.nextBlock, err)
	}
	if err := s.writeAt(block, s.blockOffset(s.nextBlock)); err != nil {
		return err
	}
	s.fs.metrics.recordBlock("encrypt", len(plain))
	s.nextBlock++
	return nil
}

// Seek sets the logical position. Write sessions accept only the end of
// the file.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if err := s.checkOpen("seek"); err != nil {
		return 0, err
	}

	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.pos + offset
	case io.SeekEnd:
		target = s.size + offset
	default:
		return 0, NewValidationError("whence", whence, "invalid whence")
	}
	if err := ValidateOffset(target, "offset"); err != nil {
		return 0, err
	}

	if s.mode.writable() {
		if target != s.size {
			return s.pos, ErrSeekOnWrite
		}
		return s.pos, nil
	}

	if !s.encrypted {
		if _, err := s.base.Seek(target, io.SeekStart); err != nil {
			return s.pos, newStorageError("seek", s.name, target, err)
		}
		s.pos = target
		return s.pos, nil
	}

	if target < s.size {
		if _, _, err := s.locate(target); err != nil {
			return s.pos, err
		}
	}
	s.pos = target
	return s.pos, nil
}

// Stat returns the file info of the underlying file with the logical size
func (s *Stream) Stat() (os.FileInfo, error) {
	if err := s.checkOpen("stat"); err != nil {
		return nil, err
	}
	info, err := s.base.Stat()
	if err != nil {
		return nil, newStorageError("stat", s.name, -1, err)
	}
	return &logicalFileInfo{FileInfo: info, size: s.size}, nil
}

// Sync flushes the underlying handle. A partial block stays buffered until
// it is completed or the stream is closed.
func (s *Stream) Sync() error {
	if err := s.checkOpen("sync"); err != nil {
		return err
	}
	if err := s.base.Sync(); err != nil {
		return newStorageError("sync", s.name, -1, err)
	}
	return nil
}

// Lock places an advisory lock on the underlying file
func (s *Stream) Lock(exclusive bool) error {
	if err := s.checkOpen("lock"); err != nil {
		return err
	}
	return lockFile(s.base, exclusive)
}

// Unlock releases a lock taken with Lock
func (s *Stream) Unlock() error {
	if err := s.checkOpen("unlock"); err != nil {
		return err
	}
	return unlockFile(s.base)
}

// Close finishes the session. Write sessions write the final block, let the
// module add trailing header fields and persist the file metadata. Closing
// twice is a no-op.
func (s *Stream) Close() error {
	if s == nil || s.state == StateClosed {
		return nil
	}
	begun := s.cipher != nil
	s.state = StateClosing

	var errs []error
	if s.mode.writable() {
		var finishErr error
		if begun {
			finishErr = s.finishWrite()
		}
		if finishErr != nil {
			// the recorded size would count bytes that never reached storage
			errs = append(errs, finishErr)
			if err := s.fs.store.DeleteMeta(s.name); err != nil {
				errs = append(errs, fmt.Errorf("drop metadata of %s: %w", s.name, err))
			}
		} else {
			meta := FileMeta{UnencryptedSize: s.size, Encrypted: begun}
			if begun {
				meta.ModuleID = s.module.ID()
			}
			if err := s.fs.store.PutMeta(s.name, meta); err != nil {
				errs = append(errs, fmt.Errorf("persist metadata of %s: %w", s.name, err))
			}
		}
	} else if begun {
		if _, err := s.cipher.End(); err != nil {
			errs = append(errs, newEncryptionError("end", s.name, -1, err))
		}
	}

	if err := s.base.Close(); err != nil {
		errs = append(errs, newStorageError("close", s.name, -1, err))
	}
	s.fs.stats.invalidate(s.name)
	s.cur, s.wbuf = nil, nil
	s.state = StateClosed

	err := errors.Join(errs...)
	if err != nil {
		s.log.WithError(err).Warn("stream closed with errors")
	}
	return err
}

func (s *Stream) finishWrite() error {
	if len(s.wbuf) > 0 {
		if err := s.writeBlock(s.wbuf, true); err != nil {
			return err
		}
		s.wbuf = s.wbuf[:0]
	}

	trailing, err := s.cipher.End()
	if err != nil {
		return newEncryptionError("end", s.name, -1, err)
	}
	if len(trailing) == 0 {
		return nil
	}

	next := NewHeader(s.header.ModuleID, s.header.Fields)
	for k, v := range trailing {
		next.Fields[k] = v
	}
	next.Fields[BlockSizeField] = strconv.Itoa(s.blockSize)
	if next.Equal(s.header) {
		return nil
	}
	if err := s.writeHeader(next); err != nil {
		return err
	}
	s.header = next
	return nil
}

// readAt fills p from physical offset off and returns the bytes read; a
// short count means the end of the file was reached.
func (s *Stream) readAt(p []byte, off int64) (int, error) {
	if _, err := s.base.Seek(off, io.SeekStart); err != nil {
		return 0, newStorageError("seek", s.name, off, err)
	}
	n, err := io.ReadFull(s.base, p)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	if err != nil {
		return n, newStorageError("read", s.name, off, err)
	}
	return n, nil
}

func (s *Stream) writeAt(p []byte, off int64) error {
	if _, err := s.base.Seek(off, io.SeekStart); err != nil {
		return newStorageError("seek", s.name, off, err)
	}
	if _, err := s.base.Write(p); err != nil {
		return newStorageError("write", s.name, off, err)
	}
	return nil
}
