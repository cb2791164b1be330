package blockcrypt

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Header block layout
//
//	HBEGIN:oc_encryption_module=<id>:<key>=<value>:...:HEND----------...
//
// Fields are written in sorted key order and the whole record is right-padded
// with PadChar to exactly one physical block. Keys and values may not contain
// ':', '=' or the pad character.
const (
	// HeaderStart is the marker prefix identifying a header block
	HeaderStart = "HBEGIN"

	// HeaderEnd terminates the header fields
	HeaderEnd = "HEND"

	// PadChar pads header blocks and non-final data blocks
	PadChar = '-'

	// ModuleField names the field carrying the encryption module id
	ModuleField = "oc_encryption_module"

	// BlockSizeField records the physical block size the file was written with
	BlockSizeField = "blocksize"

	headerSep           = ":"
	fieldAssign         = "="
	reservedHeaderChars = ":=-"
)

var headerPrefix = []byte(HeaderStart + headerSep)

// Header is the record stored in the first physical block of an encrypted file
type Header struct {
	ModuleID string
	Fields   map[string]string
}

// NewHeader creates a header for the given module with a copy of fields
func NewHeader(moduleID string, fields map[string]string) *Header {
	h := &Header{
		ModuleID: moduleID,
		Fields:   make(map[string]string, len(fields)),
	}
	for k, v := range fields {
		h.Fields[k] = v
	}
	return h
}

// Get returns the value of a field or "" if absent
func (h *Header) Get(key string) string {
	if key == ModuleField {
		return h.ModuleID
	}
	return h.Fields[key]
}

// BlockSize returns the recorded physical block size, or 0 when the header
// does not carry one.
func (h *Header) BlockSize() (int, error) {
	raw, ok := h.Fields[BlockSizeField]
	if !ok {
		return 0, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, NewValidationError(BlockSizeField, raw, "not a number")
	}
	if err := ValidateBlockSize(size); err != nil {
		return 0, err
	}
	return size, nil
}

// Equal reports whether two headers carry the same module and fields
func (h *Header) Equal(other *Header) bool {
	if h == nil || other == nil {
		return h == other
	}
	if h.ModuleID != other.ModuleID || len(h.Fields) != len(other.Fields) {
		return false
	}
	for k, v := range h.Fields {
		if ov, ok := other.Fields[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// encode serializes the header without padding
func (h *Header) encode() ([]byte, error) {
	if err := validateHeaderToken("value", h.ModuleID); err != nil {
		return nil, err
	}
	if h.ModuleID == "" {
		return nil, NewValidationError("module_id", h.ModuleID, "header needs a module id")
	}

	keys := make([]string, 0, len(h.Fields))
	for k := range h.Fields {
		if k == ModuleField {
			return nil, NewValidationError("header_key", k, "reserved field")
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(headerPrefix)
	buf.WriteString(ModuleField + fieldAssign + h.ModuleID + headerSep)
	for _, k := range keys {
		v := h.Fields[k]
		if err := validateHeaderToken("key", k); err != nil {
			return nil, err
		}
		if err := validateHeaderToken("value", v); err != nil {
			return nil, err
		}
		buf.WriteString(k + fieldAssign + v + headerSep)
	}
	buf.WriteString(HeaderEnd)
	return buf.Bytes(), nil
}

// RenderHeader serializes h and pads it to exactly blockSize bytes. The size
// check happens before padding so an oversized header is never truncated.
func RenderHeader(h *Header, blockSize int) ([]byte, error) {
	if h == nil {
		return nil, NewValidationError("header", nil, "header cannot be nil")
	}
	raw, err := h.encode()
	if err != nil {
		return nil, err
	}
	if len(raw) > blockSize {
		return nil, &HeaderTooLargeError{Size: len(raw), Limit: blockSize}
	}

	block := make([]byte, blockSize)
	n := copy(block, raw)
	for i := n; i < blockSize; i++ {
		block[i] = PadChar
	}
	return block, nil
}

// IsHeaderBlock reports whether block starts with the header marker
func IsHeaderBlock(block []byte) bool {
	return bytes.HasPrefix(block, headerPrefix)
}

// ParseHeader decodes a header block. A block without the marker is ordinary
// content: it yields (nil, false, nil). A block with the marker but a broken
// body is reported as a CorruptionError.
func ParseHeader(block []byte) (*Header, bool, error) {
	if !IsHeaderBlock(block) {
		return nil, false, nil
	}

	end := headerEndIndex(block)
	if end < 0 {
		return nil, true, newCorruptionError("", -1, "header end marker missing")
	}
	if end < len(headerPrefix) {
		return nil, true, newCorruptionError("", -1, "header has no fields")
	}

	h := &Header{Fields: make(map[string]string)}
	for _, field := range strings.Split(string(block[len(headerPrefix):end]), headerSep) {
		k, v, ok := strings.Cut(field, fieldAssign)
		if !ok || k == "" || strings.Contains(v, fieldAssign) {
			return nil, true, newCorruptionError("", -1, fmt.Sprintf("malformed header field %q", field))
		}
		if k == ModuleField {
			h.ModuleID = v
			continue
		}
		if _, dup := h.Fields[k]; dup {
			return nil, true, newCorruptionError("", -1, fmt.Sprintf("duplicate header field %q", k))
		}
		h.Fields[k] = v
	}
	if h.ModuleID == "" {
		return nil, true, newCorruptionError("", -1, "header does not name an encryption module")
	}
	return h, true, nil
}

// headerEndIndex returns the index of the separator preceding the end marker,
// or -1. The marker only counts when it is followed by padding or the end of
// the block, so keys starting with the same letters are not mistaken for it.
func headerEndIndex(block []byte) int {
	marker := []byte(headerSep + HeaderEnd)
	from := len(headerPrefix) - 1
	for from < len(block) {
		i := bytes.Index(block[from:], marker)
		if i < 0 {
			return -1
		}
		i += from
		next := i + len(marker)
		if next == len(block) || block[next] == PadChar {
			return i
		}
		from = i + 1
	}
	return -1
}
