package blockcrypt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
)

// FileMeta is the per-file state persisted when a write session closes
type FileMeta struct {
	UnencryptedSize int64
	Encrypted       bool
	ModuleID        string
}

// KeyRecord is the wrapped file key of one file under one module
type KeyRecord struct {
	KeyID      string
	Salt       []byte   // master key salt
	WrappedKey []byte   // nonce||ciphertext of the file key
	Users      []string // recipients
	Groups     []string
}

// MetaStore persists FileMeta per path
type MetaStore interface {
	GetMeta(name string) (FileMeta, error)
	PutMeta(name string, meta FileMeta) error
	DeleteMeta(name string) error
}

// KeyStore persists wrapped file keys per path and module
type KeyStore interface {
	GetKey(name, moduleID string) (*KeyRecord, error)
	PutKey(name, moduleID string, rec *KeyRecord) error
	// DeleteKeys removes the keys of every module for name
	DeleteKeys(name string) error
	// RenameKeys moves all keys of oldName to newName
	RenameKeys(oldName, newName string) error
	// CopyKeys duplicates all keys of src for dst
	CopyKeys(src, dst string) error
}

// Store combines metadata and key storage
type Store interface {
	MetaStore
	KeyStore
	Close() error
}

// Lookups that find nothing return ErrNotFound.

// kvTxn is one atomic unit of work against a key value backend
type kvTxn interface {
	get(key []byte) ([]byte, error)
	set(key, value []byte) error
	del(key []byte) error
	// scan returns keys with the prefix, in order, with their values
	scan(prefix []byte) ([][2][]byte, error)
}

type kvBackend interface {
	view(fn func(kvTxn) error) error
	update(fn func(kvTxn) error) error
	close() error
}

const (
	metaPrefix = "meta\x00"
	keyPrefix  = "key\x00"
)

// cleanName normalizes a path so "a", "/a" and "/x/../a" share one record
func cleanName(name string) string {
	return path.Clean("/" + name)
}

func metaKey(name string) []byte {
	return []byte(metaPrefix + cleanName(name))
}

func keysPrefix(name string) []byte {
	return []byte(keyPrefix + cleanName(name) + "\x00")
}

func keyKey(name, moduleID string) []byte {
	return append(keysPrefix(name), moduleID...)
}

// kvStore implements Store on any kvBackend
type kvStore struct {
	kv kvBackend
}

func (s *kvStore) GetMeta(name string) (FileMeta, error) {
	var meta FileMeta
	err := s.kv.view(func(tx kvTxn) error {
		raw, err := tx.get(metaKey(name))
		if err != nil {
			return err
		}
		meta, err = decodeMeta(raw)
		return err
	})
	return meta, err
}

func (s *kvStore) PutMeta(name string, meta FileMeta) error {
	return s.kv.update(func(tx kvTxn) error {
		return tx.set(metaKey(name), encodeMeta(meta))
	})
}

func (s *kvStore) DeleteMeta(name string) error {
	return s.kv.update(func(tx kvTxn) error {
		return tx.del(metaKey(name))
	})
}

func (s *kvStore) GetKey(name, moduleID string) (*KeyRecord, error) {
	var rec *KeyRecord
	err := s.kv.view(func(tx kvTxn) error {
		raw, err := tx.get(keyKey(name, moduleID))
		if err != nil {
			return err
		}
		rec, err = decodeKeyRecord(raw)
		return err
	})
	return rec, err
}

func (s *kvStore) PutKey(name, moduleID string, rec *KeyRecord) error {
	if rec == nil {
		return NewValidationError("key_record", nil, "key record cannot be nil")
	}
	raw, err := encodeKeyRecord(rec)
	if err != nil {
		return err
	}
	return s.kv.update(func(tx kvTxn) error {
		return tx.set(keyKey(name, moduleID), raw)
	})
}

func (s *kvStore) DeleteKeys(name string) error {
	return s.kv.update(func(tx kvTxn) error {
		entries, err := tx.scan(keysPrefix(name))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := tx.del(e[0]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *kvStore) RenameKeys(oldName, newName string) error {
	return s.relocate(oldName, newName, true)
}

func (s *kvStore) CopyKeys(src, dst string) error {
	return s.relocate(src, dst, false)
}

func (s *kvStore) relocate(src, dst string, move bool) error {
	if cleanName(src) == cleanName(dst) {
		return nil
	}
	from, to := keysPrefix(src), keysPrefix(dst)
	return s.kv.update(func(tx kvTxn) error {
		// stale keys of the destination would otherwise survive for other modules
		old, err := tx.scan(to)
		if err != nil {
			return err
		}
		for _, e := range old {
			if err := tx.del(e[0]); err != nil {
				return err
			}
		}

		entries, err := tx.scan(from)
		if err != nil {
			return err
		}
		for _, e := range entries {
			moduleID := e[0][len(from):]
			if err := tx.set(append(append([]byte(nil), to...), moduleID...), e[1]); err != nil {
				return err
			}
			if move {
				if err := tx.del(e[0]); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *kvStore) Close() error {
	return s.kv.close()
}

// Binary record encoding
//
// FileMeta:  [version:1][flags:1][size:8]  [moduleID]
// KeyRecord: [version:1] then length-prefixed (uint32 LE) fields:
//            keyID, salt, wrapped key, user count + users, group count + groups

const recordVersion = 1

func encodeMeta(m FileMeta) []byte {
	var buf bytes.Buffer
	buf.WriteByte(recordVersion)
	var flags byte
	if m.Encrypted {
		flags = 1
	}
	buf.WriteByte(flags)
	binary.Write(&buf, binary.LittleEndian, m.UnencryptedSize)
	writeBytes(&buf, []byte(m.ModuleID))
	return buf.Bytes()
}

func decodeMeta(raw []byte) (FileMeta, error) {
	var m FileMeta
	r := bytes.NewReader(raw)
	var version, flags byte
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return m, fmt.Errorf("file meta: %w", err)
	}
	if version != recordVersion {
		return m, fmt.Errorf("file meta: unsupported record version %d", version)
	}
	if err := binary.Read(r, binary.LittleEndian, &flags); err != nil {
		return m, fmt.Errorf("file meta: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &m.UnencryptedSize); err != nil {
		return m, fmt.Errorf("file meta: %w", err)
	}
	id, err := readBytes(r)
	if err != nil {
		return m, fmt.Errorf("file meta: %w", err)
	}
	m.Encrypted = flags&1 != 0
	m.ModuleID = string(id)
	return m, nil
}

func encodeKeyRecord(rec *KeyRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(recordVersion)
	writeBytes(&buf, []byte(rec.KeyID))
	writeBytes(&buf, rec.Salt)
	writeBytes(&buf, rec.WrappedKey)
	for _, list := range [][]string{rec.Users, rec.Groups} {
		binary.Write(&buf, binary.LittleEndian, uint32(len(list)))
		for _, s := range list {
			writeBytes(&buf, []byte(s))
		}
	}
	return buf.Bytes(), nil
}

func decodeKeyRecord(raw []byte) (*KeyRecord, error) {
	r := bytes.NewReader(raw)
	version, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("key record: %w", err)
	}
	if version != recordVersion {
		return nil, fmt.Errorf("key record: unsupported record version %d", version)
	}

	rec := &KeyRecord{}
	fields := []*[]byte{new([]byte), &rec.Salt, &rec.WrappedKey}
	for _, f := range fields {
		if *f, err = readBytes(r); err != nil {
			return nil, fmt.Errorf("key record: %w", err)
		}
	}
	rec.KeyID = string(*fields[0])

	for _, list := range []*[]string{&rec.Users, &rec.Groups} {
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("key record: %w", err)
		}
		if int64(n) > int64(r.Len()) {
			return nil, errors.New("key record: list length exceeds record")
		}
		for i := uint32(0); i < n; i++ {
			s, err := readBytes(r)
			if err != nil {
				return nil, fmt.Errorf("key record: %w", err)
			}
			*list = append(*list, string(s))
		}
	}
	return rec, nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	binary.Write(buf, binary.LittleEndian, uint32(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, errors.New("field length exceeds record")
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return nil, err
	}
	return b, nil
}

// NewMemoryStore returns a Store that keeps everything in process memory
func NewMemoryStore() Store {
	return &kvStore{kv: &memoryKV{data: make(map[string][]byte)}}
}

type memoryKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func (m *memoryKV) view(fn func(kvTxn) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return fn(&memoryTxn{kv: m})
}

// update stages writes and applies them only when fn succeeds
func (m *memoryKV) update(fn func(kvTxn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx := &memoryTxn{kv: m, pending: make(map[string][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	for k, v := range tx.pending {
		if v == nil {
			delete(m.data, k)
			continue
		}
		m.data[k] = v
	}
	return nil
}

func (m *memoryKV) close() error { return nil }

type memoryTxn struct {
	kv      *memoryKV
	pending map[string][]byte // nil value marks a delete
}

func (t *memoryTxn) get(key []byte) ([]byte, error) {
	if v, ok := t.pending[string(key)]; ok {
		if v == nil {
			return nil, ErrNotFound
		}
		return append([]byte(nil), v...), nil
	}
	v, ok := t.kv.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *memoryTxn) set(key, value []byte) error {
	if t.pending == nil {
		return errors.New("read-only transaction")
	}
	t.pending[string(key)] = append([]byte{}, value...)
	return nil
}

func (t *memoryTxn) del(key []byte) error {
	if t.pending == nil {
		return errors.New("read-only transaction")
	}
	t.pending[string(key)] = nil
	return nil
}

func (t *memoryTxn) scan(prefix []byte) ([][2][]byte, error) {
	merged := make(map[string][]byte)
	p := string(prefix)
	for k, v := range t.kv.data {
		if strings.HasPrefix(k, p) {
			merged[k] = v
		}
	}
	for k, v := range t.pending {
		if !strings.HasPrefix(k, p) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = v
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][2][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2][]byte{[]byte(k), append([]byte(nil), merged[k]...)})
	}
	return out, nil
}
