package blockcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// CipherSuite selects the AEAD used by an AEADModule
type CipherSuite uint8

const (
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM CipherSuite = iota + 1
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ModuleID returns the module id a suite is registered under
func (c CipherSuite) ModuleID() string {
	switch c {
	case CipherAES256GCM:
		return "AES256GCM"
	case CipherChaCha20Poly1305:
		return "CHACHA20POLY1305"
	default:
		return ""
	}
}

// ParseCipherSuite converts a suite name or module id into a CipherSuite
func ParseCipherSuite(s string) (CipherSuite, error) {
	switch s {
	case "aes-256-gcm", "AES256GCM":
		return CipherAES256GCM, nil
	case "chacha20-poly1305", "CHACHA20POLY1305":
		return CipherChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupported, s)
	}
}

// KeySize is the key size of both shipped suites
const KeySize = 32

// CipherEngine seals and opens data with a nonce it generates and prepends
type CipherEngine struct {
	aead cipher.AEAD
}

// NewCipherEngine creates an engine for the suite keyed with key
func NewCipherEngine(suite CipherSuite, key []byte) (*CipherEngine, error) {
	if err := ValidateKey(key, KeySize); err != nil {
		return nil, err
	}

	var (
		aead cipher.AEAD
		err  error
	)
	switch suite {
	case CipherAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("failed to create AES cipher: %w", err)
		}
		aead, err = cipher.NewGCM(block)
	case CipherChaCha20Poly1305:
		aead, err = chacha20poly1305.New(key)
	default:
		return nil, ErrUnsupported
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", suite, err)
	}
	return &CipherEngine{aead: aead}, nil
}

// Seal encrypts plaintext under a fresh random nonce and returns nonce||ciphertext
func (e *CipherEngine) Seal(plaintext, additional []byte) ([]byte, error) {
	out := make([]byte, e.aead.NonceSize(), e.Overhead()+len(plaintext))
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(out, out, plaintext, additional), nil
}

// Open decrypts nonce||ciphertext produced by Seal
func (e *CipherEngine) Open(sealed, additional []byte) ([]byte, error) {
	ns := e.aead.NonceSize()
	if len(sealed) < ns+e.aead.Overhead() {
		return nil, ErrAuthFailed
	}
	plaintext, err := e.aead.Open(nil, sealed[:ns], sealed[ns:], additional)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// Overhead returns the nonce plus tag size added by Seal
func (e *CipherEngine) Overhead() int {
	return e.aead.NonceSize() + e.aead.Overhead()
}
