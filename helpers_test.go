package blockcrypt

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// testModule is a deterministic module for exercising the stream. Blocks are
// XOR-scrambled and carry a checksum tag of a fixed size, or with variable
// set, a filler of 1..17 bytes whose length depends on the block length.
type testModule struct {
	id       string
	tagSize  int
	variable bool
	trailing map[string]string
	encrypt  func(path string) bool

	mu     sync.Mutex
	begins int
	ends   int
	users  map[string][]string
}

const variableOverheadBound = 20

func newTestModule(id string, tagSize int) *testModule {
	return &testModule{id: id, tagSize: tagSize, users: make(map[string][]string)}
}

func (m *testModule) ID() string          { return m.id }
func (m *testModule) DisplayName() string { return "test module " + m.id }

func (m *testModule) ShouldEncrypt(path string) bool {
	if m.encrypt == nil {
		return true
	}
	return m.encrypt(path)
}

func (m *testModule) Begin(path string, header map[string]string, mode Mode, access Access) (FileCipher, error) {
	m.mu.Lock()
	m.begins++
	m.mu.Unlock()
	return &testCipher{m: m}, nil
}

func (m *testModule) Update(path string, users, groups []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[path] = users
	return nil
}

func (m *testModule) counts() (begins, ends int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.begins, m.ends
}

type testCipher struct {
	m *testModule
}

func (c *testCipher) HeaderFields() map[string]string {
	return map[string]string{"tag": strconv.Itoa(c.m.tagSize)}
}

func scramble(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ 0x5a
	}
	return out
}

func (c *testCipher) Encrypt(data []byte, users, groups []string) ([]byte, error) {
	if c.m.variable {
		k := len(data)%17 + 1
		out := append([]byte{byte(k)}, bytes.Repeat([]byte{'x'}, k-1)...)
		return append(out, scramble(data)...), nil
	}
	sum := sha256.Sum256(data)
	return append(sum[:c.m.tagSize:c.m.tagSize], scramble(data)...), nil
}

func (c *testCipher) Decrypt(data []byte, user string) ([]byte, error) {
	if c.m.variable {
		if len(data) == 0 || int(data[0]) > len(data) {
			return nil, ErrAuthFailed
		}
		return scramble(data[data[0]:]), nil
	}
	if len(data) < c.m.tagSize {
		return nil, ErrAuthFailed
	}
	plain := scramble(data[c.m.tagSize:])
	sum := sha256.Sum256(plain)
	if !bytes.Equal(sum[:c.m.tagSize], data[:c.m.tagSize]) {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

func (c *testCipher) End() (map[string]string, error) {
	c.m.mu.Lock()
	c.m.ends++
	c.m.mu.Unlock()
	return c.m.trailing, nil
}

func (c *testCipher) Overhead() (int, bool) {
	if c.m.variable {
		return variableOverheadBound, false
	}
	return c.m.tagSize, true
}

// recordingStorage records the size of every write that reaches the
// underlying files.
type recordingStorage struct {
	Storage

	mu     sync.Mutex
	writes map[string][]int
}

func newRecordingStorage(base Storage) *recordingStorage {
	return &recordingStorage{Storage: base, writes: make(map[string][]int)}
}

func (r *recordingStorage) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	f, err := r.Storage.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &recordingFile{File: f, name: name, r: r}, nil
}

func (r *recordingStorage) writesTo(name string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.writes[name]...)
}

type recordingFile struct {
	absfs.File
	name string
	r    *recordingStorage
}

func (f *recordingFile) Write(p []byte) (int, error) {
	f.r.mu.Lock()
	f.r.writes[f.name] = append(f.r.writes[f.name], len(p))
	f.r.mu.Unlock()
	return f.File.Write(p)
}

// flakyStorage fails the physical write numbered failAt (counting from 1
// across all files) and lets every other write through.
type flakyStorage struct {
	Storage

	mu     sync.Mutex
	writes int
	failAt int
}

var errDiskFull = errors.New("no space left on device")

func (f *flakyStorage) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	file, err := f.Storage.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &flakyFile{File: file, s: f}, nil
}

type flakyFile struct {
	absfs.File
	s *flakyStorage
}

func (f *flakyFile) Write(p []byte) (int, error) {
	f.s.mu.Lock()
	f.s.writes++
	fail := f.s.writes == f.s.failAt
	f.s.mu.Unlock()
	if fail {
		return 0, errDiskFull
	}
	return f.File.Write(p)
}

// failingStore fails every key and metadata mutation
type failingStore struct {
	Store
}

var errStoreDown = errors.New("store unavailable")

func (failingStore) DeleteKeys(string) error         { return errStoreDown }
func (failingStore) RenameKeys(string, string) error { return errStoreDown }
func (failingStore) CopyKeys(string, string) error   { return errStoreDown }
func (failingStore) DeleteMeta(string) error         { return errStoreDown }

type testEnv struct {
	base     Storage
	fs       *FS
	registry *Registry
	store    Store
	module   *testModule
	logHook  *test.Hook
}

type envOption func(*Config)

func newTestEnv(t *testing.T, module *testModule, opts ...envOption) *testEnv {
	t.Helper()
	base, err := memfs.NewFS()
	require.NoError(t, err)
	return newTestEnvOn(t, base, module, opts...)
}

// newTestEnvOn builds an environment over the given storage
func newTestEnvOn(t *testing.T, base Storage, module *testModule, opts ...envOption) *testEnv {
	t.Helper()

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	registry := NewRegistry(logger)
	if module != nil {
		require.NoError(t, registry.Register(module))
	}

	cfg := DefaultConfig()
	cfg.Logger = logger
	for _, opt := range opts {
		opt(cfg)
	}

	store := NewMemoryStore()
	fs, err := New(base, registry, store, cfg)
	require.NoError(t, err)

	return &testEnv{base: base, fs: fs, registry: registry, store: store, module: module, logHook: hook}
}

// rawFile returns the bytes stored in the underlying storage
func (e *testEnv) rawFile(t *testing.T, name string) []byte {
	t.Helper()
	f, err := e.base.OpenFile(name, os.O_RDONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	return data
}

func (e *testEnv) writeRaw(t *testing.T, name string, data []byte) {
	t.Helper()
	f, err := e.base.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func patternData(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	return data
}

func blockCount(size, per int) int {
	return (size + per - 1) / per
}
