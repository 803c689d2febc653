// Package layout implements the immutable share container.
//
// A share starts with a header of nine big-endian fields (32-bit in v1,
// 64-bit after the version word in v2) followed by the data blocks, the
// reserved plaintext tree, the crypttext tree, the block hash tree, the
// share hash chain and the length-prefixed URI extension block.
package layout

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/i5heu/ouroboros-grid/pkg/hashtree"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

const (
	HeaderSizeV1 = 0x24
	HeaderSizeV2 = 0x44

	// ShareHashRecordSize is a u16 node index plus one hash.
	ShareHashRecordSize = 2 + model.HashSize

	// UEBAllowance is reserved past the fixed regions for the URI
	// extension block, whose final length is unknown at allocation.
	UEBAllowance = 1000
)

var (
	ErrUnknownVersion = fmt.Errorf("layout: %w", model.ErrUnknownContainerVersion)
	ErrCorrupt        = fmt.Errorf("layout: %w", model.ErrCorruptStoredShare)
	ErrTooLarge       = fmt.Errorf("layout: %w", model.ErrFileTooLarge)
)

// Version selects the offset width.
type Version uint32

const (
	VersionAuto Version = 0
	V1          Version = 1
	V2          Version = 2
)

// Offsets are absolute byte positions of each region.
type Offsets struct {
	Data          uint64
	PlaintextTree uint64
	CrypttextTree uint64
	BlockHashes   uint64
	ShareHashes   uint64
	URIExtension  uint64
}

// Header is the decoded fixed prefix of a share.
type Header struct {
	Version   Version
	BlockSize uint64
	DataSize  uint64
	Offsets   Offsets
}

// Params describe one share's shape before anything is written.
type Params struct {
	SegmentSize    uint64
	BlockSize      uint64
	DataSize       uint64
	NumSegments    uint64
	NumShareHashes int
	UEBSize        uint64
}

// HeaderSize returns the header length for v.
func HeaderSize(v Version) int {
	if v == V2 {
		return HeaderSizeV2
	}
	return HeaderSizeV1
}

// FieldSize is the width of offsets and the UEB length prefix.
func FieldSize(v Version) uint64 {
	if v == V2 {
		return 8
	}
	return 4
}

// TreeRegionSize is the byte size of a segment-indexed tree region.
func TreeRegionSize(numSegments uint64) uint64 {
	return uint64(hashtree.NodeCount(int(numSegments))) * model.HashSize
}

// ComputeHeader lays out the regions for p. With VersionAuto it picks v1
// when every field fits in 32 bits and v2 otherwise; an explicit V1 that
// does not fit fails with ErrTooLarge.
func ComputeHeader(p Params, v Version) (Header, error) {
	if v == VersionAuto {
		if h, err := computeHeader(p, V1); err == nil {
			return h, nil
		}
		return computeHeader(p, V2)
	}
	if v != V1 && v != V2 {
		return Header{}, fmt.Errorf("%w: %d", ErrUnknownVersion, v)
	}
	return computeHeader(p, v)
}

func computeHeader(p Params, v Version) (Header, error) {
	h := Header{Version: v, BlockSize: p.BlockSize, DataSize: p.DataSize}
	tree := TreeRegionSize(p.NumSegments)
	x := uint64(HeaderSize(v))
	h.Offsets.Data = x
	x += p.DataSize
	h.Offsets.PlaintextTree = x
	x += tree
	h.Offsets.CrypttextTree = x
	x += tree
	h.Offsets.BlockHashes = x
	x += tree
	h.Offsets.ShareHashes = x
	x += uint64(p.NumShareHashes) * ShareHashRecordSize
	h.Offsets.URIExtension = x

	if v == V1 {
		for _, f := range []uint64{p.SegmentSize, p.BlockSize, p.DataSize, h.Offsets.URIExtension, h.Offsets.URIExtension + 4 + p.UEBSize} {
			if f > math.MaxUint32 {
				return Header{}, fmt.Errorf("%w: value %d does not fit a v1 container", ErrTooLarge, f)
			}
		}
	}
	return h, nil
}

// AllocatedSize is the byte budget a server must grant for this share.
func (h Header) AllocatedSize(uebSize uint64) uint64 {
	return h.Offsets.URIExtension + FieldSize(h.Version) + uebSize
}

// TreeSize is the size of each of the three segment trees.
func (h Header) TreeSize() uint64 {
	return h.Offsets.CrypttextTree - h.Offsets.PlaintextTree
}

// NumShareHashes is derived from the share hash region size.
func (h Header) NumShareHashes() int {
	return int((h.Offsets.URIExtension - h.Offsets.ShareHashes) / ShareHashRecordSize)
}

// Marshal encodes the header.
func (h Header) Marshal() []byte {
	fields := []uint64{
		h.BlockSize, h.DataSize,
		h.Offsets.Data, h.Offsets.PlaintextTree, h.Offsets.CrypttextTree,
		h.Offsets.BlockHashes, h.Offsets.ShareHashes, h.Offsets.URIExtension,
	}
	buf := make([]byte, HeaderSize(h.Version))
	binary.BigEndian.PutUint32(buf, uint32(h.Version))
	pos := 4
	for _, f := range fields {
		if h.Version == V2 {
			binary.BigEndian.PutUint64(buf[pos:], f)
			pos += 8
		} else {
			binary.BigEndian.PutUint32(buf[pos:], uint32(f))
			pos += 4
		}
	}
	return buf
}

// ParseHeader decodes and validates a header. buf may be longer than the
// header.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < 4 {
		return Header{}, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(buf))
	}
	v := Version(binary.BigEndian.Uint32(buf))
	if v != V1 && v != V2 {
		return Header{}, fmt.Errorf("%w: %d", ErrUnknownVersion, v)
	}
	size := HeaderSize(v)
	if len(buf) < size {
		return Header{}, fmt.Errorf("%w: short v%d header (%d bytes)", ErrCorrupt, v, len(buf))
	}
	fields := make([]uint64, 8)
	pos := 4
	for i := range fields {
		if v == V2 {
			fields[i] = binary.BigEndian.Uint64(buf[pos:])
			pos += 8
		} else {
			fields[i] = uint64(binary.BigEndian.Uint32(buf[pos:]))
			pos += 4
		}
	}
	h := Header{
		Version:   v,
		BlockSize: fields[0],
		DataSize:  fields[1],
		Offsets: Offsets{
			Data:          fields[2],
			PlaintextTree: fields[3],
			CrypttextTree: fields[4],
			BlockHashes:   fields[5],
			ShareHashes:   fields[6],
			URIExtension:  fields[7],
		},
	}
	return h, h.validate()
}

// validate rejects gaps and overlaps between regions.
func (h Header) validate() error {
	o := h.Offsets
	if o.Data != uint64(HeaderSize(h.Version)) {
		return fmt.Errorf("%w: data offset %d", ErrCorrupt, o.Data)
	}
	if o.PlaintextTree < o.Data || o.PlaintextTree-o.Data != h.DataSize {
		return fmt.Errorf("%w: data region does not match data size %d", ErrCorrupt, h.DataSize)
	}
	if o.CrypttextTree < o.PlaintextTree || o.BlockHashes < o.CrypttextTree || o.ShareHashes < o.BlockHashes {
		return fmt.Errorf("%w: tree regions out of order", ErrCorrupt)
	}
	tree := o.CrypttextTree - o.PlaintextTree
	if tree == 0 || tree%model.HashSize != 0 || o.BlockHashes-o.CrypttextTree != tree || o.ShareHashes-o.BlockHashes != tree {
		return fmt.Errorf("%w: tree regions have unequal or invalid sizes", ErrCorrupt)
	}
	if o.URIExtension < o.ShareHashes || (o.URIExtension-o.ShareHashes)%ShareHashRecordSize != 0 {
		return fmt.Errorf("%w: share hash region", ErrCorrupt)
	}
	if h.BlockSize == 0 && h.DataSize != 0 {
		return fmt.Errorf("%w: zero block size", ErrCorrupt)
	}
	return nil
}

// NumSegments counts blocks in the data region; only the last may be short.
func (h Header) NumSegments() uint64 {
	if h.BlockSize == 0 {
		return 0
	}
	return model.DivCeil(h.DataSize, h.BlockSize)
}
