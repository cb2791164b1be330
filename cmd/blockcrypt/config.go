package main

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"

	"github.com/absfs/blockcrypt"
)

type Config struct {
	Root         string    `mapstructure:"root" envconfig:"BLOCKCRYPT_ROOT"`
	KeyStore     string    `mapstructure:"key_store" envconfig:"BLOCKCRYPT_KEY_STORE"`
	Cipher       string    `mapstructure:"cipher" envconfig:"BLOCKCRYPT_CIPHER"`
	BlockSize    int       `mapstructure:"block_size" envconfig:"BLOCKCRYPT_BLOCK_SIZE"`
	HeaderPolicy string    `mapstructure:"header_policy" envconfig:"BLOCKCRYPT_HEADER_POLICY"`
	Argon2       KDFConfig `mapstructure:"argon2" envconfig:"BLOCKCRYPT_ARGON2"`

	// Secrets are only taken from the environment
	Password    string `mapstructure:"-" envconfig:"BLOCKCRYPT_PASSWORD"`
	OldPassword string `mapstructure:"-" envconfig:"BLOCKCRYPT_OLD_PASSWORD"`
}

type KDFConfig struct {
	Memory      uint32 `mapstructure:"memory" envconfig:"MEMORY"`
	Iterations  uint32 `mapstructure:"iterations" envconfig:"ITERATIONS"`
	Parallelism uint8  `mapstructure:"parallelism" envconfig:"PARALLELISM"`
}

func defaultConfig() *Config {
	return &Config{
		Root:         ".",
		KeyStore:     ".blockcrypt",
		Cipher:       "aes-256-gcm",
		BlockSize:    blockcrypt.DefaultBlockSize,
		HeaderPolicy: "lazy",
		Argon2: KDFConfig{
			Memory:      64 * 1024,
			Iterations:  3,
			Parallelism: 4,
		},
	}
}

// Load reads the optional config file, then applies BLOCKCRYPT_* environment
// overrides on top of it.
func Load(configFile string) (*Config, error) {
	cfg := defaultConfig()

	if configFile != "" {
		v := viper.New()
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to process env vars: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Root == "" {
		return fmt.Errorf("root directory is required")
	}
	if cfg.KeyStore == "" {
		return fmt.Errorf("key store directory is required")
	}
	if _, err := blockcrypt.ParseCipherSuite(cfg.Cipher); err != nil {
		return err
	}
	if _, err := blockcrypt.ParseHeaderPolicy(cfg.HeaderPolicy); err != nil {
		return err
	}
	return blockcrypt.ValidateBlockSize(cfg.BlockSize)
}
