package blockcrypt

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// HeaderTooLargeError is returned when a serialized header does not fit into
// one physical block. The file cannot be written.
type HeaderTooLargeError struct {
	Size  int // Unpadded header size in bytes
	Limit int // Physical block size
}

func (e *HeaderTooLargeError) Error() string {
	return fmt.Sprintf("header too large: %d bytes exceeds block size %d", e.Size, e.Limit)
}

// UnknownModuleError is returned when a header names an encryption module
// that is not registered. The file stays unreadable until the module is
// installed; there is no fallback to another module.
type UnknownModuleError struct {
	ModuleID string
	Path     string
}

func (e *UnknownModuleError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("unknown encryption module %q for %s", e.ModuleID, e.Path)
	}
	return fmt.Sprintf("unknown encryption module %q", e.ModuleID)
}

// InvalidBlockSizeError reports a read whose size violates the strict
// block-read contract.
type InvalidBlockSizeError struct {
	Got  int
	Want int
}

func (e *InvalidBlockSizeError) Error() string {
	return fmt.Sprintf("invalid block size: got %d bytes, expected %d", e.Got, e.Want)
}

// ClosedStreamError is returned for any operation on a closed stream.
type ClosedStreamError struct {
	Path      string
	Operation string
}

func (e *ClosedStreamError) Error() string {
	return fmt.Sprintf("%s %s: stream is closed", e.Operation, e.Path)
}

// EncryptionError represents an encryption or decryption failure
type EncryptionError struct {
	Operation string // "encrypt", "decrypt", "begin", "end", ...
	Path      string // File path, if applicable
	Block     int64  // Data block index, -1 if not applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *EncryptionError) Error() string {
	if e.Path != "" && e.Block >= 0 {
		return fmt.Sprintf("%s error: %s (block %d): %s", e.Operation, e.Path, e.Block, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("%s error: %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Operation, e.Message)
}

func (e *EncryptionError) Unwrap() error {
	return e.Err
}

// StorageError wraps an error returned by the underlying storage. It is
// propagated verbatim through Unwrap and never swallowed.
type StorageError struct {
	Operation string // "open", "read", "write", "seek", "close", "unlink", ...
	Path      string // File path
	Offset    int64  // Physical offset, -1 if not applicable
	Err       error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("storage error: %s %s at offset %d: %v", e.Operation, e.Path, e.Offset, e.Err)
	} else if e.Path != "" {
		return fmt.Sprintf("storage error: %s %s: %v", e.Operation, e.Path, e.Err)
	}
	return fmt.Sprintf("storage error: %s: %v", e.Operation, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// CorruptionError represents malformed framing or header data
type CorruptionError struct {
	Path    string // File path
	Block   int64  // Data block index, -1 if not applicable
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Block >= 0 && e.Path != "" {
		return fmt.Sprintf("corruption error: %s (block %d): %s", e.Path, e.Block, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

// Common sentinel errors
var (
	ErrInvalidKey      = errors.New("invalid encryption key")
	ErrAuthFailed      = errors.New("authentication failed - data may be corrupted or tampered")
	ErrUnsupported     = errors.New("unsupported cipher suite")
	ErrNilKeyProvider  = errors.New("key provider cannot be nil")
	ErrNilBuffer       = errors.New("buffer cannot be nil")
	ErrNegativeOffset  = errors.New("negative offset not allowed")
	ErrNoDefaultModule = errors.New("no default encryption module configured")
	ErrSeekOnWrite     = errors.New("write streams can only seek to the end of the file")
	ErrNotReadable     = errors.New("stream not opened for reading")
	ErrNotWritable     = errors.New("stream not opened for writing")
	ErrLockUnsupported = errors.New("underlying file does not support locking")
	ErrNotEncrypted    = errors.New("file is not encrypted")
	ErrNotFound        = errors.New("not found")
	ErrNotRecipient    = errors.New("user is not a recipient of this file")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

func newEncryptionError(operation, path string, block int64, err error) error {
	return &EncryptionError{
		Operation: operation,
		Path:      path,
		Block:     block,
		Message:   err.Error(),
		Err:       err,
	}
}

func newStorageError(operation, path string, offset int64, err error) error {
	return &StorageError{
		Operation: operation,
		Path:      path,
		Offset:    offset,
		Err:       err,
	}
}

func newCorruptionError(path string, block int64, message string) error {
	return &CorruptionError{
		Path:    path,
		Block:   block,
		Message: message,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsEncryptionError checks if an error is an encryption error
func IsEncryptionError(err error) bool {
	var ee *EncryptionError
	return errors.As(err, &ee)
}

// IsStorageError checks if an error came from the underlying storage
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsUnknownModuleError checks if an error names an unregistered module
func IsUnknownModuleError(err error) bool {
	var ue *UnknownModuleError
	return errors.As(err, &ue)
}

// IsHeaderTooLargeError checks if an error is a header size error
func IsHeaderTooLargeError(err error) bool {
	var he *HeaderTooLargeError
	return errors.As(err, &he)
}

// IsClosedStreamError checks if an error was caused by using a closed stream
func IsClosedStreamError(err error) bool {
	var ce *ClosedStreamError
	return errors.As(err, &ce)
}
