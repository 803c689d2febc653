package layout

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/i5heu/ouroboros-grid/pkg/hashtree"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

// ReadProxy reads share regions through a bucket reader. The header is
// fetched once and cached.
type ReadProxy struct {
	r     interfaces.BucketReader
	shnum model.ShareNum

	mu     sync.Mutex
	header *Header
}

func NewReadProxy(r interfaces.BucketReader, shnum model.ShareNum) *ReadProxy {
	return &ReadProxy{r: r, shnum: shnum}
}

func (rp *ReadProxy) ShareNum() model.ShareNum { return rp.shnum }

// Reader exposes the underlying bucket, for corruption advisories.
func (rp *ReadProxy) Reader() interfaces.BucketReader { return rp.r }

// Header reads and validates the container header.
func (rp *ReadProxy) Header(ctx context.Context) (Header, error) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if rp.header != nil {
		return *rp.header, nil
	}
	buf, err := rp.r.Read(ctx, 0, HeaderSizeV2)
	if err != nil {
		return Header{}, fmt.Errorf("read header of share %d: %w", rp.shnum, err)
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return Header{}, fmt.Errorf("share %d: %w", rp.shnum, err)
	}
	rp.header = &h
	return h, nil
}

func (rp *ReadProxy) readExact(ctx context.Context, offset, length uint64, what string) ([]byte, error) {
	if length > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %s length %d", ErrCorrupt, what, length)
	}
	buf, err := rp.r.Read(ctx, offset, uint32(length))
	if err != nil {
		return nil, fmt.Errorf("read %s of share %d: %w", what, rp.shnum, err)
	}
	if uint64(len(buf)) != length {
		return nil, fmt.Errorf("%w: share %d %s truncated (%d of %d bytes)", ErrCorrupt, rp.shnum, what, len(buf), length)
	}
	return buf, nil
}

// GetBlock reads block segnum of thisBlockSize bytes.
func (rp *ReadProxy) GetBlock(ctx context.Context, segnum, thisBlockSize uint64) ([]byte, error) {
	h, err := rp.Header(ctx)
	if err != nil {
		return nil, err
	}
	if segnum >= h.NumSegments() {
		return nil, fmt.Errorf("%w: block %d outside data region", ErrCorrupt, segnum)
	}
	offset := h.Offsets.Data + segnum*h.BlockSize
	if thisBlockSize > h.BlockSize || thisBlockSize > h.Offsets.PlaintextTree-offset {
		return nil, fmt.Errorf("%w: block %d outside data region", ErrCorrupt, segnum)
	}
	return rp.readExact(ctx, offset, thisBlockSize, fmt.Sprintf("block %d", segnum))
}

func (rp *ReadProxy) getTree(ctx context.Context, offset uint64, at []int, what string) (map[int]hashtree.Hash, error) {
	h, err := rp.Header(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int]hashtree.Hash, len(at))
	if len(at) == 0 {
		return out, nil
	}
	count := int(h.TreeSize() / model.HashSize)
	lo, hi := at[0], at[0]
	for _, i := range at {
		if i < 0 || i >= count {
			return nil, fmt.Errorf("%w: %s index %d of %d", ErrCorrupt, what, i, count)
		}
		lo, hi = min(lo, i), max(hi, i)
	}
	buf, err := rp.readExact(ctx, offset+uint64(lo)*model.HashSize, uint64(hi-lo+1)*model.HashSize, what)
	if err != nil {
		return nil, err
	}
	for _, i := range at {
		var node hashtree.Hash
		copy(node[:], buf[(i-lo)*model.HashSize:])
		out[i] = node
	}
	return out, nil
}

// GetBlockHashes reads the block tree nodes at the given indices. Only
// the span covering them is fetched.
func (rp *ReadProxy) GetBlockHashes(ctx context.Context, at []int) (map[int]hashtree.Hash, error) {
	h, err := rp.Header(ctx)
	if err != nil {
		return nil, err
	}
	return rp.getTree(ctx, h.Offsets.BlockHashes, at, "block hashes")
}

// GetCrypttextHashes reads crypttext tree nodes at the given indices.
func (rp *ReadProxy) GetCrypttextHashes(ctx context.Context, at []int) (map[int]hashtree.Hash, error) {
	h, err := rp.Header(ctx)
	if err != nil {
		return nil, err
	}
	return rp.getTree(ctx, h.Offsets.CrypttextTree, at, "crypttext hashes")
}

// AllBlockHashes reads the full block tree in node order.
func (rp *ReadProxy) AllBlockHashes(ctx context.Context) ([]hashtree.Hash, error) {
	h, err := rp.Header(ctx)
	if err != nil {
		return nil, err
	}
	return rp.allTree(ctx, h, h.Offsets.BlockHashes, "block hashes")
}

// AllCrypttextHashes reads the full crypttext tree in node order.
func (rp *ReadProxy) AllCrypttextHashes(ctx context.Context) ([]hashtree.Hash, error) {
	h, err := rp.Header(ctx)
	if err != nil {
		return nil, err
	}
	return rp.allTree(ctx, h, h.Offsets.CrypttextTree, "crypttext hashes")
}

func (rp *ReadProxy) allTree(ctx context.Context, h Header, offset uint64, what string) ([]hashtree.Hash, error) {
	buf, err := rp.readExact(ctx, offset, h.TreeSize(), what)
	if err != nil {
		return nil, err
	}
	return splitHashes(buf), nil
}

// GetShareHashes reads the share hash chain.
func (rp *ReadProxy) GetShareHashes(ctx context.Context) ([]ShareHash, error) {
	h, err := rp.Header(ctx)
	if err != nil {
		return nil, err
	}
	buf, err := rp.readExact(ctx, h.Offsets.ShareHashes, h.Offsets.URIExtension-h.Offsets.ShareHashes, "share hashes")
	if err != nil {
		return nil, err
	}
	return parseShareHashes(buf), nil
}

// GetUEB reads the length-prefixed URI extension block.
func (rp *ReadProxy) GetUEB(ctx context.Context) ([]byte, error) {
	h, err := rp.Header(ctx)
	if err != nil {
		return nil, err
	}
	field := FieldSize(h.Version)
	prefix, err := rp.readExact(ctx, h.Offsets.URIExtension, field, "uri extension length")
	if err != nil {
		return nil, err
	}
	var length uint64
	if field == 8 {
		length = binary.BigEndian.Uint64(prefix)
	} else {
		length = uint64(binary.BigEndian.Uint32(prefix))
	}
	return rp.readExact(ctx, h.Offsets.URIExtension+field, length, "uri extension")
}

func splitHashes(buf []byte) []hashtree.Hash {
	out := make([]hashtree.Hash, len(buf)/model.HashSize)
	for i := range out {
		copy(out[i][:], buf[i*model.HashSize:])
	}
	return out
}

func parseShareHashes(buf []byte) []ShareHash {
	out := make([]ShareHash, len(buf)/ShareHashRecordSize)
	for i := range out {
		rec := buf[i*ShareHashRecordSize:]
		out[i].Index = binary.BigEndian.Uint16(rec)
		copy(out[i].Hash[:], rec[2:])
	}
	return out
}
