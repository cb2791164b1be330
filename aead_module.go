package blockcrypt

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Header fields written by AEADModule
const (
	KeyIDField   = "keyid"
	VersionField = "version"

	aeadFormatVersion = 1
)

const defaultMasterKeyCacheSize = 64

// AEADModule encrypts every file with its own random key. The file key is
// wrapped with a master key from a KeyProvider and stored in a KeyStore;
// only its id is recorded in the header.
//
// Each logical block is sealed independently as nonce||ciphertext||tag, so the
// per-block overhead is constant.
type AEADModule struct {
	suite       CipherSuite
	id          string
	displayName string
	provider    KeyProvider
	keys        KeyStore
	encrypt     func(path string) bool
	masterKeys  *lru.Cache[string, []byte]
	cacheSize   int
	log         logrus.FieldLogger
}

// AEADOption configures an AEADModule
type AEADOption func(*AEADModule)

// WithShouldEncrypt sets the predicate deciding which new files are encrypted
func WithShouldEncrypt(fn func(path string) bool) AEADOption {
	return func(m *AEADModule) { m.encrypt = fn }
}

// WithDisplayName overrides the display name
func WithDisplayName(name string) AEADOption {
	return func(m *AEADModule) { m.displayName = name }
}

// WithMasterKeyCacheSize bounds the cache of derived master keys
func WithMasterKeyCacheSize(n int) AEADOption {
	return func(m *AEADModule) { m.cacheSize = n }
}

// WithModuleLogger sets the logger
func WithModuleLogger(log logrus.FieldLogger) AEADOption {
	return func(m *AEADModule) { m.log = log }
}

// NewAEADModule creates a module for suite. Master keys come from provider,
// wrapped file keys are kept in keys.
func NewAEADModule(suite CipherSuite, provider KeyProvider, keys KeyStore, opts ...AEADOption) (*AEADModule, error) {
	if provider == nil {
		return nil, ErrNilKeyProvider
	}
	if keys == nil {
		return nil, NewValidationError("key_store", nil, "key store cannot be nil")
	}
	id := suite.ModuleID()
	if id == "" {
		return nil, ErrUnsupported
	}

	m := &AEADModule{
		suite:       suite,
		id:          id,
		displayName: suite.String(),
		provider:    provider,
		keys:        keys,
		cacheSize:   defaultMasterKeyCacheSize,
		log:         logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cacheSize <= 0 {
		return nil, NewValidationError("master_key_cache_size", m.cacheSize, "must be positive")
	}

	cache, err := lru.New[string, []byte](m.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("master key cache: %w", err)
	}
	m.masterKeys = cache
	return m, nil
}

func (m *AEADModule) ID() string          { return m.id }
func (m *AEADModule) DisplayName() string { return m.displayName }

// ShouldEncrypt reports whether new content for path gets encrypted
func (m *AEADModule) ShouldEncrypt(path string) bool {
	if m.encrypt == nil {
		return true
	}
	return m.encrypt(path)
}

// Begin loads the file key of an existing file or creates one for a new file
func (m *AEADModule) Begin(path string, header map[string]string, mode Mode, access Access) (FileCipher, error) {
	if header == nil {
		return m.beginNew(path, access)
	}

	if v := header[VersionField]; v != strconv.Itoa(aeadFormatVersion) {
		return nil, newCorruptionError(path, -1, fmt.Sprintf("unsupported %s format version %q", m.id, v))
	}
	keyID := header[KeyIDField]
	rec, err := m.keys.GetKey(path, m.id)
	if err != nil {
		return nil, newEncryptionError("begin", path, -1, fmt.Errorf("load file key: %w", err))
	}
	if rec.KeyID != keyID {
		return nil, newCorruptionError(path, -1, fmt.Sprintf("header key id %q does not match stored key %q", keyID, rec.KeyID))
	}
	// appending decrypts the tail of the file, so it needs read access too
	if !isRecipient(rec, access) {
		return nil, newEncryptionError("begin", path, -1, fmt.Errorf("%w: %s", ErrNotRecipient, access.User))
	}

	fileKey, err := m.unwrap(rec)
	if err != nil {
		return nil, newEncryptionError("begin", path, -1, err)
	}
	return m.newFileCipher(path, keyID, fileKey)
}

func (m *AEADModule) beginNew(path string, access Access) (FileCipher, error) {
	fileKey := make([]byte, KeySize)
	if _, err := rand.Read(fileKey); err != nil {
		return nil, fmt.Errorf("failed to generate file key: %w", err)
	}
	keyID := newKeyID()

	rec := &KeyRecord{
		KeyID:  keyID,
		Users:  slices.Clone(access.Users),
		Groups: slices.Clone(access.Groups),
	}
	if err := m.wrap(rec, fileKey); err != nil {
		return nil, newEncryptionError("begin", path, -1, err)
	}
	if err := m.keys.PutKey(path, m.id, rec); err != nil {
		return nil, newEncryptionError("begin", path, -1, fmt.Errorf("store file key: %w", err))
	}

	m.log.WithFields(logrus.Fields{"path": path, "module": m.id, "keyid": keyID}).Debug("created file key")
	return m.newFileCipher(path, keyID, fileKey)
}

func (m *AEADModule) newFileCipher(path, keyID string, fileKey []byte) (FileCipher, error) {
	engine, err := NewCipherEngine(m.suite, fileKey)
	if err != nil {
		return nil, newEncryptionError("begin", path, -1, err)
	}
	return &aeadFileCipher{
		engine: engine,
		keyID:  keyID,
		aad:    []byte(keyID),
	}, nil
}

// Update re-wraps the file key of path for a new recipient list. The key is
// wrapped again under the primary master key, which also rotates files
// still wrapped by an older provider of a MultiKeyProvider.
func (m *AEADModule) Update(path string, users, groups []string) error {
	rec, err := m.keys.GetKey(path, m.id)
	if err != nil {
		return newEncryptionError("update", path, -1, fmt.Errorf("load file key: %w", err))
	}
	fileKey, err := m.unwrap(rec)
	if err != nil {
		return newEncryptionError("update", path, -1, err)
	}

	next := &KeyRecord{
		KeyID:  rec.KeyID,
		Users:  slices.Clone(users),
		Groups: slices.Clone(groups),
	}
	if err := m.wrap(next, fileKey); err != nil {
		return newEncryptionError("update", path, -1, err)
	}
	if err := m.keys.PutKey(path, m.id, next); err != nil {
		return newEncryptionError("update", path, -1, err)
	}
	return nil
}

// Rewrap re-wraps the file key of path under the primary master key while
// keeping its recipients.
func (m *AEADModule) Rewrap(path string) error {
	rec, err := m.keys.GetKey(path, m.id)
	if err != nil {
		return newEncryptionError("rewrap", path, -1, fmt.Errorf("load file key: %w", err))
	}
	return m.Update(path, rec.Users, rec.Groups)
}

// wrap seals fileKey under a master key derived from a fresh salt of the
// primary provider and fills rec.
func (m *AEADModule) wrap(rec *KeyRecord, fileKey []byte) error {
	salt, err := m.provider.GenerateSalt()
	if err != nil {
		return err
	}
	master, err := m.masterKey(0, m.provider, salt)
	if err != nil {
		return err
	}
	engine, err := NewCipherEngine(m.suite, master)
	if err != nil {
		return err
	}
	wrapped, err := engine.Seal(fileKey, []byte(rec.KeyID))
	if err != nil {
		return err
	}
	rec.Salt = salt
	rec.WrappedKey = wrapped
	return nil
}

// unwrap tries every candidate provider until one opens the wrapped key
func (m *AEADModule) unwrap(rec *KeyRecord) ([]byte, error) {
	var lastErr error = ErrAuthFailed
	for i, p := range keyProviders(m.provider) {
		master, err := m.masterKey(i, p, rec.Salt)
		if err != nil {
			lastErr = err
			continue
		}
		engine, err := NewCipherEngine(m.suite, master)
		if err != nil {
			lastErr = err
			continue
		}
		fileKey, err := engine.Open(rec.WrappedKey, []byte(rec.KeyID))
		if err != nil {
			lastErr = err
			continue
		}
		return fileKey, nil
	}
	return nil, fmt.Errorf("unwrap file key %s: %w", rec.KeyID, lastErr)
}

func (m *AEADModule) masterKey(idx int, p KeyProvider, salt []byte) ([]byte, error) {
	cacheKey := fmt.Sprintf("%d:%x", idx, salt)
	if key, ok := m.masterKeys.Get(cacheKey); ok {
		return key, nil
	}
	key, err := p.DeriveKey(salt)
	if err != nil {
		return nil, err
	}
	m.masterKeys.Add(cacheKey, key)
	return key, nil
}

func isRecipient(rec *KeyRecord, access Access) bool {
	if access.User == "" || (len(rec.Users) == 0 && len(rec.Groups) == 0) {
		return true
	}
	if slices.Contains(rec.Users, access.User) {
		return true
	}
	for _, g := range access.Groups {
		if slices.Contains(rec.Groups, g) {
			return true
		}
	}
	return false
}

// newKeyID returns a uuid without dashes so it is a valid header value
func newKeyID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

type aeadFileCipher struct {
	engine *CipherEngine
	keyID  string
	aad    []byte
}

func (c *aeadFileCipher) HeaderFields() map[string]string {
	return map[string]string{
		KeyIDField:   c.keyID,
		VersionField: strconv.Itoa(aeadFormatVersion),
	}
}

func (c *aeadFileCipher) Encrypt(data []byte, users, groups []string) ([]byte, error) {
	return c.engine.Seal(data, c.aad)
}

func (c *aeadFileCipher) Decrypt(data []byte, user string) ([]byte, error) {
	return c.engine.Open(data, c.aad)
}

func (c *aeadFileCipher) End() (map[string]string, error) {
	return nil, nil
}

func (c *aeadFileCipher) Overhead() (int, bool) {
	return c.engine.Overhead(), true
}
