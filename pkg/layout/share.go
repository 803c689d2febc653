package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/i5heu/ouroboros-grid/pkg/hashtree"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// Share is a fully decoded container held in memory.
type Share struct {
	Header          Header
	Blocks          [][]byte
	CrypttextHashes []hashtree.Hash
	BlockHashes     []hashtree.Hash
	ShareHashes     []ShareHash
	UEB             []byte
}

// Parse decodes a complete share file. The plaintext tree region is
// skipped.
func Parse(data []byte) (*Share, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	// Regions are ordered by validate, so bounding the last one bounds all.
	size := uint64(len(data))
	if h.Offsets.URIExtension > size || size-h.Offsets.URIExtension < FieldSize(h.Version) {
		return nil, fmt.Errorf("%w: file ends before uri extension", ErrCorrupt)
	}
	s := &Share{Header: h}
	for seg := uint64(0); seg < h.NumSegments(); seg++ {
		start := h.Offsets.Data + seg*h.BlockSize
		end := start + min(h.BlockSize, h.Offsets.PlaintextTree-start)
		s.Blocks = append(s.Blocks, append([]byte(nil), data[start:end]...))
	}
	s.CrypttextHashes = splitHashes(data[h.Offsets.CrypttextTree:h.Offsets.BlockHashes])
	s.BlockHashes = splitHashes(data[h.Offsets.BlockHashes:h.Offsets.ShareHashes])
	s.ShareHashes = parseShareHashes(data[h.Offsets.ShareHashes:h.Offsets.URIExtension])

	pos := h.Offsets.URIExtension
	var length uint64
	if h.Version == V2 {
		length = binary.BigEndian.Uint64(data[pos:])
		pos += 8
	} else {
		length = uint64(binary.BigEndian.Uint32(data[pos:]))
		pos += 4
	}
	if length > size-pos {
		return nil, fmt.Errorf("%w: uri extension runs past end of file", ErrCorrupt)
	}
	s.UEB = append([]byte(nil), data[pos:pos+length]...)
	return s, nil
}

// Bytes re-serializes the share, writing zeros for the plaintext tree.
func (s *Share) Bytes() []byte {
	h := s.Header
	field := FieldSize(h.Version)
	out := make([]byte, h.Offsets.URIExtension+field+uint64(len(s.UEB)))
	copy(out, h.Marshal())
	for i, b := range s.Blocks {
		copy(out[h.Offsets.Data+uint64(i)*h.BlockSize:], b)
	}
	pos := h.Offsets.CrypttextTree
	for _, node := range s.CrypttextHashes {
		copy(out[pos:], node[:])
		pos += model.HashSize
	}
	pos = h.Offsets.BlockHashes
	for _, node := range s.BlockHashes {
		copy(out[pos:], node[:])
		pos += model.HashSize
	}
	pos = h.Offsets.ShareHashes
	for _, sh := range s.ShareHashes {
		binary.BigEndian.PutUint16(out[pos:], sh.Index)
		copy(out[pos+2:], sh.Hash[:])
		pos += ShareHashRecordSize
	}
	pos = h.Offsets.URIExtension
	if h.Version == V2 {
		binary.BigEndian.PutUint64(out[pos:], uint64(len(s.UEB)))
	} else {
		binary.BigEndian.PutUint32(out[pos:], uint32(len(s.UEB)))
	}
	copy(out[pos+field:], s.UEB)
	return out
}
