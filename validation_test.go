package blockcrypt

import (
	"errors"
	"strings"
	"testing"
)

// TestConfig_Validate tests the Config validation
func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
		errMsg  string
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
			errMsg:  "config cannot be nil",
		},
		{
			name:    "defaults",
			config:  DefaultConfig(),
			wantErr: false,
		},
		{
			name:    "block size too small",
			config:  &Config{BlockSize: MinBlockSize - 1},
			wantErr: true,
			errMsg:  "below minimum",
		},
		{
			name:    "block size too large",
			config:  &Config{BlockSize: MaxBlockSize + 1},
			wantErr: true,
			errMsg:  "above maximum",
		},
		{
			name:    "minimum block size",
			config:  &Config{BlockSize: MinBlockSize},
			wantErr: false,
		},
		{
			name:    "eager header",
			config:  &Config{BlockSize: DefaultBlockSize, HeaderPolicy: HeaderEager, StrictBlockReads: true},
			wantErr: false,
		},
		{
			name:    "unknown header policy",
			config:  &Config{BlockSize: DefaultBlockSize, HeaderPolicy: HeaderPolicy(7)},
			wantErr: true,
			errMsg:  "unsupported header policy",
		},
		{
			name:    "negative stat cache",
			config:  &Config{BlockSize: DefaultBlockSize, StatCacheSize: -1},
			wantErr: true,
			errMsg:  "cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			if !IsValidationError(err) {
				t.Errorf("Validate() error = %T, want *ValidationError", err)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.errMsg)
			}
		})
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.BlockSize != DefaultBlockSize {
		t.Errorf("BlockSize = %d, want %d", cfg.BlockSize, DefaultBlockSize)
	}
	if cfg.Logger == nil {
		t.Error("Logger should default to the standard logger")
	}
	if cfg.StatCacheSize != 0 {
		t.Errorf("StatCacheSize = %d, an explicit zero disables the cache", cfg.StatCacheSize)
	}
}

func TestParseHeaderPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    HeaderPolicy
		wantErr bool
	}{
		{"", HeaderOnFirstWrite, false},
		{"lazy", HeaderOnFirstWrite, false},
		{"eager", HeaderEager, false},
		{"Eager", 0, true},
		{"always", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseHeaderPolicy(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHeaderPolicy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("ParseHeaderPolicy(%q) = %v, want %v", tt.in, got, tt.want)
			}
			if err == nil && tt.in != "" && got.String() != tt.in {
				t.Errorf("String() = %q, want %q", got.String(), tt.in)
			}
		})
	}
	if s := HeaderPolicy(9).String(); s != "unknown" {
		t.Errorf("String() = %q, want unknown", s)
	}
}

func TestValidateOffset(t *testing.T) {
	if err := ValidateOffset(0, "offset"); err != nil {
		t.Errorf("ValidateOffset(0) = %v", err)
	}
	if err := ValidateOffset(1<<40, "offset"); err != nil {
		t.Errorf("ValidateOffset(1<<40) = %v", err)
	}
	err := ValidateOffset(-1, "offset")
	if !errors.Is(err, ErrNegativeOffset) {
		t.Errorf("ValidateOffset(-1) = %v, want ErrNegativeOffset", err)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{"valid", make([]byte, KeySize), false},
		{"nil", nil, true},
		{"empty", []byte{}, true},
		{"too short", make([]byte, 16), true},
		{"too long", make([]byte, 64), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key, KeySize)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateKey() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidKey) {
				t.Errorf("ValidateKey() error = %v, want ErrInvalidKey", err)
			}
		})
	}
}

func TestValidateFilePath(t *testing.T) {
	if err := ValidateFilePath(""); !IsValidationError(err) {
		t.Errorf("ValidateFilePath(\"\") = %v, want validation error", err)
	}
	for _, p := range []string{"/a.txt", "relative/b.txt", "/"} {
		if err := ValidateFilePath(p); err != nil {
			t.Errorf("ValidateFilePath(%q) = %v", p, err)
		}
	}
}

func TestValidateHeaderToken(t *testing.T) {
	tests := []struct {
		kind    string
		token   string
		wantErr bool
	}{
		{"key", "cipher", false},
		{"key", "", true},
		{"value", "", false},
		{"value", "AES256GCM", false},
		{"key", "a:b", true},
		{"value", "a=b", true},
		{"value", "a-b", true},
	}

	for _, tt := range tests {
		t.Run(tt.kind+"/"+tt.token, func(t *testing.T) {
			err := validateHeaderToken(tt.kind, tt.token)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateHeaderToken(%q, %q) error = %v, wantErr %v", tt.kind, tt.token, err, tt.wantErr)
			}
		})
	}
}

func TestRekeyOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    RekeyOptions
		wantErr bool
	}{
		{"defaults", DefaultRekeyOptions(), false},
		{"zero workers", RekeyOptions{}, false},
		{"negative workers", RekeyOptions{Workers: -1}, true},
		{"too many workers", RekeyOptions{Workers: 2000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
