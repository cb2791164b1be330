package blockcrypt

import (
	"encoding/binary"
	"fmt"
)

// Data block layout
//
// ┌──────────────────────────────┐
// │ Ciphertext length (uint32 BE)│
// ├──────────────────────────────┤
// │ Ciphertext                   │ <- module output for one logical block
// ├──────────────────────────────┤
// │ Padding ('-')                │ <- non-final blocks only, up to the block size
// └──────────────────────────────┘
//
// A file is a header block followed by data blocks. Every data block except
// the last one is exactly one physical block long.

// FrameSize is the per-block framing overhead in bytes
const FrameSize = 4

// LogicalBlockSize returns how many plaintext bytes one physical block of
// blockSize bytes carries when the cipher adds overhead bytes per block.
func LogicalBlockSize(blockSize, overhead int) int {
	return blockSize - FrameSize - overhead
}

// FrameBlock wraps ciphertext into a physical data block. Non-final blocks
// are padded to exactly blockSize; the final block is left short.
func FrameBlock(ciphertext []byte, blockSize int, final bool) ([]byte, error) {
	if len(ciphertext)+FrameSize > blockSize {
		return nil, &ValidationError{
			Field:   "ciphertext",
			Value:   len(ciphertext),
			Message: fmt.Sprintf("ciphertext of %d bytes does not fit into a %d byte block", len(ciphertext), blockSize),
		}
	}

	size := FrameSize + len(ciphertext)
	if !final {
		size = blockSize
	}

	block := make([]byte, size)
	binary.BigEndian.PutUint32(block, uint32(len(ciphertext)))
	n := copy(block[FrameSize:], ciphertext)
	for i := FrameSize + n; i < size; i++ {
		block[i] = PadChar
	}
	return block, nil
}

// UnframeBlock extracts the ciphertext from a physical data block
func UnframeBlock(block []byte) ([]byte, error) {
	if len(block) < FrameSize {
		return nil, newCorruptionError("", -1, fmt.Sprintf("data block of %d bytes is shorter than its frame", len(block)))
	}
	n := binary.BigEndian.Uint32(block)
	if uint64(n) > uint64(len(block)-FrameSize) {
		return nil, newCorruptionError("", -1, fmt.Sprintf("data block claims %d ciphertext bytes, only %d present", n, len(block)-FrameSize))
	}
	return block[FrameSize : FrameSize+int(n)], nil
}
