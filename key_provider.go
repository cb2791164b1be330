package blockcrypt

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// KeyProvider supplies the master keys that wrap per-file keys
type KeyProvider interface {
	// DeriveKey derives a master key from the given salt
	DeriveKey(salt []byte) ([]byte, error)

	// GenerateSalt generates a new random salt
	GenerateSalt() ([]byte, error)
}

// HashFunc represents hash function types for PBKDF2
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

func (hf HashFunc) new() (func() hash.Hash, error) {
	switch hf {
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported hash function: %d", hf)
	}
}

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int      // Number of iterations (minimum 100,000 recommended)
	HashFunc   HashFunc // Hash function to use
	SaltSize   int      // Salt size in bytes (default 32)
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
	SaltSize    int    // Salt size in bytes (default 32)
}

const defaultSaltSize = 32

func randomSalt(size int) ([]byte, error) {
	salt := make([]byte, size)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// PasswordKeyProvider implements KeyProvider using password-based key derivation
type PasswordKeyProvider struct {
	password     []byte
	useArgon2id  bool
	pbkdf2Params PBKDF2Params
	argon2Params Argon2idParams
}

// NewPasswordKeyProviderPBKDF2 creates a new password-based key provider using PBKDF2
func NewPasswordKeyProviderPBKDF2(password []byte, params PBKDF2Params) *PasswordKeyProvider {
	if params.Iterations == 0 {
		params.Iterations = 100000
	}
	if params.SaltSize == 0 {
		params.SaltSize = defaultSaltSize
	}
	return &PasswordKeyProvider{
		password:     password,
		pbkdf2Params: params,
	}
}

// NewPasswordKeyProvider creates a new password-based key provider using Argon2id (recommended)
func NewPasswordKeyProvider(password []byte, params Argon2idParams) *PasswordKeyProvider {
	if params.Memory == 0 {
		params.Memory = 64 * 1024 // 64 MB
	}
	if params.Iterations == 0 {
		params.Iterations = 3
	}
	if params.Parallelism == 0 {
		params.Parallelism = 4
	}
	if params.SaltSize == 0 {
		params.SaltSize = defaultSaltSize
	}
	return &PasswordKeyProvider{
		password:     password,
		useArgon2id:  true,
		argon2Params: params,
	}
}

// DeriveKey derives a master key from the password and salt
func (p *PasswordKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	if len(p.password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}

	if p.useArgon2id {
		return argon2.IDKey(
			p.password,
			salt,
			p.argon2Params.Iterations,
			p.argon2Params.Memory,
			p.argon2Params.Parallelism,
			KeySize,
		), nil
	}

	hashFunc, err := p.pbkdf2Params.HashFunc.new()
	if err != nil {
		return nil, err
	}
	return pbkdf2.Key(p.password, salt, p.pbkdf2Params.Iterations, KeySize, hashFunc), nil
}

// GenerateSalt generates a new random salt
func (p *PasswordKeyProvider) GenerateSalt() ([]byte, error) {
	if p.useArgon2id {
		return randomSalt(p.argon2Params.SaltSize)
	}
	return randomSalt(p.pbkdf2Params.SaltSize)
}

// StaticKeyProvider expands a fixed 32-byte secret into per-salt master keys
// with HKDF-SHA256.
type StaticKeyProvider struct {
	secret []byte
}

// NewStaticKeyProvider creates a provider from a 32-byte secret
func NewStaticKeyProvider(secret []byte) (*StaticKeyProvider, error) {
	if err := ValidateKey(secret, KeySize); err != nil {
		return nil, err
	}
	return &StaticKeyProvider{secret: append([]byte(nil), secret...)}, nil
}

// DeriveKey expands the secret with salt
func (s *StaticKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.secret, salt, []byte("blockcrypt master key")), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

// GenerateSalt generates a new random salt
func (s *StaticKeyProvider) GenerateSalt() ([]byte, error) {
	return randomSalt(defaultSaltSize)
}

// EnvKeyProvider reads a hex encoded 32-byte secret from an environment
// variable and expands it like StaticKeyProvider.
type EnvKeyProvider struct {
	envVar string
}

// NewEnvKeyProvider creates a new environment variable key provider
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

// DeriveKey loads the secret on every call so rotated variables take effect
func (e *EnvKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	keyHex := os.Getenv(e.envVar)
	if keyHex == "" {
		return nil, fmt.Errorf("environment variable %s not set", e.envVar)
	}
	secret, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("environment variable %s: %w", e.envVar, err)
	}
	static, err := NewStaticKeyProvider(secret)
	if err != nil {
		return nil, fmt.Errorf("environment variable %s: %w", e.envVar, err)
	}
	return static.DeriveKey(salt)
}

// GenerateSalt generates a new random salt
func (e *EnvKeyProvider) GenerateSalt() ([]byte, error) {
	return randomSalt(defaultSaltSize)
}
