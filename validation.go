package blockcrypt

import (
	"fmt"
	"strings"
)

// Input validation helpers

// ValidateBlockSize checks that a physical block size is within bounds
func ValidateBlockSize(size int) error {
	if size < MinBlockSize {
		return &ValidationError{
			Field:   "block_size",
			Value:   size,
			Message: fmt.Sprintf("block size %d below minimum %d", size, MinBlockSize),
		}
	}
	if size > MaxBlockSize {
		return &ValidationError{
			Field:   "block_size",
			Value:   size,
			Message: fmt.Sprintf("block size %d above maximum %d", size, MaxBlockSize),
		}
	}
	return nil
}

// ValidateOffset checks if a logical offset is valid
func ValidateOffset(offset int64, name string) error {
	if offset < 0 {
		return &ValidationError{
			Field:   name,
			Value:   offset,
			Message: "offset cannot be negative",
			Err:     ErrNegativeOffset,
		}
	}
	return nil
}

// ValidateKey checks if a key has the correct size
func ValidateKey(key []byte, expectedSize int) error {
	if key == nil {
		return &ValidationError{
			Field:   "key",
			Message: "key cannot be nil",
			Err:     ErrInvalidKey,
		}
	}

	if len(key) != expectedSize {
		return &ValidationError{
			Field:   "key",
			Value:   len(key),
			Message: fmt.Sprintf("invalid key size: got %d bytes, expected %d bytes", len(key), expectedSize),
			Err:     ErrInvalidKey,
		}
	}

	return nil
}

// ValidateFilePath checks if a file path is valid (not empty)
func ValidateFilePath(path string) error {
	if path == "" {
		return &ValidationError{
			Field:   "path",
			Message: "file path cannot be empty",
		}
	}
	return nil
}

// validateHeaderToken rejects header keys and values that would break the
// key=value layout or could be confused with padding.
func validateHeaderToken(kind, token string) error {
	if kind == "key" && token == "" {
		return &ValidationError{Field: "header_key", Message: "header key cannot be empty"}
	}
	if strings.ContainsAny(token, reservedHeaderChars) {
		return &ValidationError{
			Field:   "header_" + kind,
			Value:   token,
			Message: fmt.Sprintf("%q contains one of the reserved characters %q", token, reservedHeaderChars),
		}
	}
	return nil
}
