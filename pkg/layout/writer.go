package layout

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/bits"
	"sort"

	"github.com/i5heu/ouroboros-grid/pkg/hashtree"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/ueb"
)

// ShareHash is one record of a share's hash chain.
type ShareHash struct {
	Index uint16
	Hash  hashtree.Hash
}

// ShareHashCount is how many share hash records each share carries when
// the file has n shares.
func ShareHashCount(n int) int {
	return bits.Len(uint(hashtree.NextPowerOfTwo(n)))
}

// ParamsFor derives the share shape from a (possibly unfinished) UEB.
func ParamsFor(u *ueb.UEB) Params {
	return Params{
		SegmentSize:    u.SegmentSize,
		BlockSize:      u.BlockSize(),
		DataSize:       u.ShareDataSize(),
		NumSegments:    u.NumSegments,
		NumShareHashes: ShareHashCount(u.TotalShares),
		UEBSize:        UEBAllowance,
	}
}

// WriteProxy turns share-level puts into offset writes on a bucket.
type WriteProxy struct {
	w      interfaces.BucketWriter
	header Header
	params Params
}

// NewWriteProxy lays out the share for p in container version v.
func NewWriteProxy(
	w interfaces.BucketWriter,
	p Params,
	v Version,
) (*WriteProxy, error) {
	h, err := ComputeHeader(p, v)
	if err != nil {
		return nil, err
	}
	return &WriteProxy{w: w, header: h, params: p}, nil
}

func (wp *WriteProxy) Header() Header { return wp.header }

// AllocatedSize is what must be requested from the server.
func (wp *WriteProxy) AllocatedSize() uint64 {
	return wp.header.AllocatedSize(wp.params.UEBSize)
}

// PutHeader writes the header and zero-fills the plaintext tree region.
func (wp *WriteProxy) PutHeader(ctx context.Context) error {
	if err := wp.w.Write(ctx, 0, wp.header.Marshal()); err != nil {
		return fmt.Errorf("put header: %w", err)
	}
	zeros := make([]byte, wp.header.TreeSize())
	if err := wp.w.Write(ctx, wp.header.Offsets.PlaintextTree, zeros); err != nil {
		return fmt.Errorf("put plaintext tree: %w", err)
	}
	return nil
}

// PutBlock writes block segnum. Only the last block may be short.
func (wp *WriteProxy) PutBlock(ctx context.Context, segnum uint64, data []byte) error {
	if segnum >= wp.params.NumSegments {
		return fmt.Errorf("put block %d: only %d segments", segnum, wp.params.NumSegments)
	}
	size := uint64(len(data))
	if segnum < wp.params.NumSegments-1 && size != wp.header.BlockSize {
		return fmt.Errorf("put block %d: %d bytes, want %d", segnum, size, wp.header.BlockSize)
	}
	offset := wp.header.Offsets.Data + segnum*wp.header.BlockSize
	if offset+size > wp.header.Offsets.PlaintextTree {
		return fmt.Errorf("put block %d: %w", segnum, model.ErrDataTooLarge)
	}
	if err := wp.w.Write(ctx, offset, data); err != nil {
		return fmt.Errorf("put block %d: %w", segnum, err)
	}
	return nil
}

func (wp *WriteProxy) putTree(ctx context.Context, name string, offset uint64, hashes []hashtree.Hash) error {
	want := wp.header.TreeSize() / model.HashSize
	if uint64(len(hashes)) != want {
		return fmt.Errorf("put %s: %d hashes, want %d", name, len(hashes), want)
	}
	buf := make([]byte, 0, len(hashes)*model.HashSize)
	for _, h := range hashes {
		buf = append(buf, h[:]...)
	}
	if err := wp.w.Write(ctx, offset, buf); err != nil {
		return fmt.Errorf("put %s: %w", name, err)
	}
	return nil
}

// PutCrypttextHashes writes the full crypttext segment tree.
func (wp *WriteProxy) PutCrypttextHashes(ctx context.Context, hashes []hashtree.Hash) error {
	return wp.putTree(ctx, "crypttext hashes", wp.header.Offsets.CrypttextTree, hashes)
}

// PutBlockHashes writes this share's full block tree.
func (wp *WriteProxy) PutBlockHashes(ctx context.Context, hashes []hashtree.Hash) error {
	return wp.putTree(ctx, "block hashes", wp.header.Offsets.BlockHashes, hashes)
}

// PutShareHashes writes the share hash chain, sorted by node index.
func (wp *WriteProxy) PutShareHashes(ctx context.Context, hashes []ShareHash) error {
	if len(hashes) != wp.header.NumShareHashes() {
		return fmt.Errorf("put share hashes: %d records, want %d", len(hashes), wp.header.NumShareHashes())
	}
	sorted := append([]ShareHash(nil), hashes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	buf := make([]byte, 0, len(sorted)*ShareHashRecordSize)
	for _, sh := range sorted {
		buf = binary.BigEndian.AppendUint16(buf, sh.Index)
		buf = append(buf, sh.Hash[:]...)
	}
	if err := wp.w.Write(ctx, wp.header.Offsets.ShareHashes, buf); err != nil {
		return fmt.Errorf("put share hashes: %w", err)
	}
	return nil
}

// PutUEB writes the length-prefixed URI extension block.
func (wp *WriteProxy) PutUEB(ctx context.Context, data []byte) error {
	field := FieldSize(wp.header.Version)
	if uint64(len(data)) > wp.params.UEBSize {
		return fmt.Errorf("put uri extension: %d bytes over %d allowance: %w", len(data), wp.params.UEBSize, model.ErrDataTooLarge)
	}
	buf := make([]byte, 0, field+uint64(len(data)))
	if field == 8 {
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(data)))
	} else {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	}
	buf = append(buf, data...)
	if err := wp.w.Write(ctx, wp.header.Offsets.URIExtension, buf); err != nil {
		return fmt.Errorf("put uri extension: %w", err)
	}
	return nil
}

func (wp *WriteProxy) Close(ctx context.Context) error {
	return wp.w.Close(ctx)
}

func (wp *WriteProxy) Abort(ctx context.Context) error {
	return wp.w.Abort(ctx)
}
