package blockcrypt

import (
	"sort"
)

// Logical offsets map to data blocks in two ways. With a fixed cipher
// overhead every non-final block carries exactly logical bytes and the
// mapping is arithmetic:
//
//	block  = off / logical
//	within = off % logical
//	physical offset of block = blockSize + block*blockSize
//
// Ciphers with variable overhead give no such guarantee, so the plaintext
// length of each block is learned by decrypting blocks from the start. The
// lengths are kept as running totals for the rest of the session.

// blockIndex holds the logical end offset of each block scanned so far
type blockIndex struct {
	ends []int64
}

func (ix *blockIndex) total() int64 {
	if len(ix.ends) == 0 {
		return 0
	}
	return ix.ends[len(ix.ends)-1]
}

func (ix *blockIndex) start(idx int) int64 {
	if idx == 0 {
		return 0
	}
	return ix.ends[idx-1]
}

// extend scans blocks until one ends beyond off, or to the end of the
// file when off is negative.
func (ix *blockIndex) extend(s *Stream, off int64) error {
	for int64(len(ix.ends)) < s.nBlocks {
		if off >= 0 && ix.total() > off {
			return nil
		}
		idx := int64(len(ix.ends))
		if err := s.loadBlock(idx); err != nil {
			return err
		}
		ix.ends = append(ix.ends, ix.total()+int64(len(s.cur)))
	}
	return nil
}

// locate returns the data block holding logical offset off and the offset
// inside its plaintext.
func (s *Stream) locate(off int64) (int64, int, error) {
	if s.fixed {
		l := int64(s.logical)
		return off / l, int(off % l), nil
	}

	if err := s.index.extend(s, off); err != nil {
		return 0, 0, err
	}
	ends := s.index.ends
	i := sort.Search(len(ends), func(i int) bool { return ends[i] > off })
	if i == len(ends) {
		return 0, 0, newCorruptionError(s.name, int64(i), "offset lies beyond the last block")
	}
	return int64(i), int(off - s.index.start(i)), nil
}
