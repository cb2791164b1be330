package blockcrypt

import (
	"github.com/sirupsen/logrus"
)

const (
	// DefaultBlockSize is the default physical block size (8 KB)
	DefaultBlockSize = 8192

	// MinBlockSize is the minimum physical block size; a header must fit into it
	MinBlockSize = 256

	// MaxBlockSize is the maximum physical block size (16 MB)
	MaxBlockSize = 16 * 1024 * 1024

	// DefaultStatCacheSize is the number of stat results kept by the storage wrapper
	DefaultStatCacheSize = 1024
)

// HeaderPolicy controls when a new file gets its header block.
type HeaderPolicy uint8

const (
	// HeaderOnFirstWrite defers the header until the first non-empty write,
	// so files closed without data stay empty and carry no header.
	HeaderOnFirstWrite HeaderPolicy = iota
	// HeaderEager writes the header as soon as the file is opened for writing.
	HeaderEager
)

// String returns the string representation of the header policy
func (p HeaderPolicy) String() string {
	switch p {
	case HeaderOnFirstWrite:
		return "lazy"
	case HeaderEager:
		return "eager"
	default:
		return "unknown"
	}
}

// ParseHeaderPolicy converts "lazy" or "eager" into a HeaderPolicy
func ParseHeaderPolicy(s string) (HeaderPolicy, error) {
	switch s {
	case "", "lazy":
		return HeaderOnFirstWrite, nil
	case "eager":
		return HeaderEager, nil
	default:
		return 0, NewValidationError("header_policy", s, "expected lazy or eager")
	}
}

// Config contains configuration for the encrypted storage wrapper
type Config struct {
	// BlockSize is the physical block size used for new files. Existing
	// files are read with the block size recorded in their header.
	BlockSize int

	// HeaderPolicy decides when new files receive their header block
	HeaderPolicy HeaderPolicy

	// StrictBlockReads requires every Read to ask for exactly one logical
	// block. When false, reads of any size are served from whole decrypted
	// blocks.
	StrictBlockReads bool

	// StatCacheSize bounds the stat cache; zero disables it
	StatCacheSize int

	// Logger receives structured log output. Defaults to the logrus standard logger.
	Logger logrus.FieldLogger

	// Metrics is optional; nil disables instrumentation
	Metrics *Metrics
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		BlockSize:     DefaultBlockSize,
		HeaderPolicy:  HeaderOnFirstWrite,
		StatCacheSize: DefaultStatCacheSize,
		Logger:        logrus.StandardLogger(),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return NewValidationError("config", nil, "config cannot be nil")
	}
	if err := ValidateBlockSize(c.BlockSize); err != nil {
		return err
	}
	if c.HeaderPolicy != HeaderOnFirstWrite && c.HeaderPolicy != HeaderEager {
		return NewValidationError("header_policy", c.HeaderPolicy, "unsupported header policy")
	}
	if c.StatCacheSize < 0 {
		return NewValidationError("stat_cache_size", c.StatCacheSize, "cannot be negative")
	}
	return nil
}

// withDefaults returns a copy with zero values replaced by defaults
func (c Config) withDefaults() Config {
	if c.BlockSize == 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}
