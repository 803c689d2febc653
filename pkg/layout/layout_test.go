package layout

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/i5heu/ouroboros-grid/pkg/hashtree"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"pgregory.net/rapid"
)

// sparseBucket stores writes as extents so huge offsets cost nothing.
type sparseBucket struct {
	extents map[uint64][]byte
	closed  bool
}

func newSparseBucket() *sparseBucket {
	return &sparseBucket{extents: map[uint64][]byte{}}
}

func (b *sparseBucket) Write(_ context.Context, offset uint64, data []byte) error {
	b.extents[offset] = append([]byte(nil), data...)
	return nil
}

func (b *sparseBucket) Close(context.Context) error { b.closed = true; return nil }
func (b *sparseBucket) Abort(context.Context) error { return nil }

func (b *sparseBucket) end() uint64 {
	var end uint64
	for off, d := range b.extents {
		end = max(end, off+uint64(len(d)))
	}
	return end
}

func (b *sparseBucket) Read(_ context.Context, offset uint64, length uint32) ([]byte, error) {
	end := min(offset+uint64(length), b.end())
	if offset >= end {
		return nil, nil
	}
	out := make([]byte, end-offset)
	offs := make([]uint64, 0, len(b.extents))
	for off := range b.extents {
		offs = append(offs, off)
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	for _, off := range offs {
		d := b.extents[off]
		lo, hi := max(off, offset), min(off+uint64(len(d)), end)
		if lo < hi {
			copy(out[lo-offset:], d[lo-off:hi-off])
		}
	}
	return out, nil
}

func (b *sparseBucket) AdviseCorruptShare(context.Context, string) error { return nil }

// bytesOf flattens a small bucket into a file image.
func (b *sparseBucket) bytesOf(t *testing.T) []byte {
	t.Helper()
	out, err := b.Read(context.Background(), 0, uint32(b.end()))
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func hashN(seed byte, n int) []hashtree.Hash {
	out := make([]hashtree.Hash, n)
	for i := range out {
		out[i][0] = seed
		out[i][1] = byte(i)
	}
	return out
}

type fixture struct {
	params      Params
	blocks      [][]byte
	crypttext   []hashtree.Hash
	blockHashes []hashtree.Hash
	shareHashes []ShareHash
	ueb         []byte
}

func smallFixture(numSegments int, blockSize, tail uint64) fixture {
	f := fixture{
		params: Params{
			SegmentSize:    blockSize * 3,
			BlockSize:      blockSize,
			DataSize:       blockSize*uint64(numSegments-1) + tail,
			NumSegments:    uint64(numSegments),
			NumShareHashes: ShareHashCount(10),
			UEBSize:        UEBAllowance,
		},
		ueb: []byte("codec_name:3:crs,"),
	}
	for i := 0; i < numSegments; i++ {
		size := blockSize
		if i == numSegments-1 {
			size = tail
		}
		f.blocks = append(f.blocks, bytes.Repeat([]byte{byte('a' + i)}, int(size)))
	}
	nodes := hashtree.NodeCount(numSegments)
	f.crypttext = hashN(1, nodes)
	f.blockHashes = hashN(2, nodes)
	for i := 0; i < f.params.NumShareHashes; i++ {
		f.shareHashes = append(f.shareHashes, ShareHash{Index: uint16(30 - i), Hash: hashN(3, 1)[0]})
	}
	return f
}

func writeFixture(t *testing.T, f fixture, v Version, withBlocks bool) (*sparseBucket, *WriteProxy) {
	t.Helper()
	ctx := context.Background()
	b := newSparseBucket()
	wp, err := NewWriteProxy(b, f.params, v)
	if err != nil {
		t.Fatalf("NewWriteProxy: %v", err)
	}
	if err := wp.PutHeader(ctx); err != nil {
		t.Fatal(err)
	}
	if withBlocks {
		for i, blk := range f.blocks {
			if err := wp.PutBlock(ctx, uint64(i), blk); err != nil {
				t.Fatalf("PutBlock %d: %v", i, err)
			}
		}
	}
	if err := wp.PutBlockHashes(ctx, f.blockHashes); err != nil {
		t.Fatal(err)
	}
	if err := wp.PutShareHashes(ctx, f.shareHashes); err != nil {
		t.Fatal(err)
	}
	if err := wp.PutCrypttextHashes(ctx, f.crypttext); err != nil {
		t.Fatal(err)
	}
	if err := wp.PutUEB(ctx, f.ueb); err != nil {
		t.Fatal(err)
	}
	if err := wp.Close(ctx); err != nil {
		t.Fatal(err)
	}
	return b, wp
}

func TestV1Layout(t *testing.T) { // A
	t.Parallel()
	f := smallFixture(3, 100, 34)
	b, wp := writeFixture(t, f, VersionAuto, true)
	h := wp.Header()
	if h.Version != V1 {
		t.Fatalf("small share should be v1, got v%d", h.Version)
	}
	if h.Offsets.Data != 0x24 {
		t.Fatalf("data offset %#x", h.Offsets.Data)
	}
	// 3 segments -> 7 nodes per tree
	if h.TreeSize() != 7*32 || h.Offsets.PlaintextTree != 0x24+234 {
		t.Fatalf("unexpected offsets %+v", h.Offsets)
	}
	if wp.AllocatedSize() != h.Offsets.URIExtension+4+UEBAllowance {
		t.Fatalf("allocated size %d", wp.AllocatedSize())
	}
	if !b.closed {
		t.Fatal("close not forwarded")
	}

	raw := b.bytesOf(t)
	plain := raw[h.Offsets.PlaintextTree:h.Offsets.CrypttextTree]
	if !bytes.Equal(plain, make([]byte, len(plain))) {
		t.Fatal("plaintext tree region must be zero-filled")
	}

	ctx := context.Background()
	rp := NewReadProxy(b, 4)
	got, err := rp.Header(ctx)
	if err != nil || got != h {
		t.Fatalf("Header: %+v, %v", got, err)
	}
	blk, err := rp.GetBlock(ctx, 2, 34)
	if err != nil || !bytes.Equal(blk, f.blocks[2]) {
		t.Fatalf("GetBlock tail: %q, %v", blk, err)
	}
	some, err := rp.GetBlockHashes(ctx, []int{2, 5})
	if err != nil || some[2] != f.blockHashes[2] || some[5] != f.blockHashes[5] || len(some) != 2 {
		t.Fatalf("GetBlockHashes: %v", err)
	}
	ct, err := rp.AllCrypttextHashes(ctx)
	if err != nil || len(ct) != 7 || ct[6] != f.crypttext[6] {
		t.Fatalf("AllCrypttextHashes: %v", err)
	}
	sh, err := rp.GetShareHashes(ctx)
	if err != nil || len(sh) != f.params.NumShareHashes || sh[0].Index != uint16(30-f.params.NumShareHashes+1) {
		t.Fatalf("GetShareHashes: %+v, %v", sh, err)
	}
	ueb, err := rp.GetUEB(ctx)
	if err != nil || !bytes.Equal(ueb, f.ueb) {
		t.Fatalf("GetUEB: %q, %v", ueb, err)
	}
}

func TestContainerRoundTrip(t *testing.T) { // A
	t.Parallel()
	for _, v := range []Version{V1, V2} {
		f := smallFixture(5, 40, 40)
		b, _ := writeFixture(t, f, v, true)
		raw := b.bytesOf(t)
		s, err := Parse(raw)
		if err != nil {
			t.Fatalf("v%d Parse: %v", v, err)
		}
		if s.Header.Version != v || len(s.Blocks) != 5 || !bytes.Equal(s.UEB, f.ueb) {
			t.Fatalf("v%d parsed %+v", v, s.Header)
		}
		if !bytes.Equal(s.Bytes(), raw) {
			t.Fatalf("v%d re-serialization differs", v)
		}
	}
}

func TestLargeShareUsesV2(t *testing.T) { // A
	t.Parallel()
	const big = uint64(1) << 33
	f := smallFixture(1, 1, 1)
	f.params = Params{
		SegmentSize:    big * 2,
		BlockSize:      big,
		DataSize:       big * 2,
		NumSegments:    2,
		NumShareHashes: f.params.NumShareHashes,
		UEBSize:        UEBAllowance,
	}
	f.crypttext = hashN(1, 3)
	f.blockHashes = hashN(2, 3)
	b, wp := writeFixture(t, f, VersionAuto, false)
	if wp.Header().Version != V2 {
		t.Fatalf("want v2, got v%d", wp.Header().Version)
	}
	if wp.Header().Offsets.Data != 0x44 {
		t.Fatalf("data offset %#x", wp.Header().Offsets.Data)
	}

	ctx := context.Background()
	rp := NewReadProxy(b, 0)
	h, err := rp.Header(ctx)
	if err != nil || h.DataSize != big*2 {
		t.Fatalf("Header: %+v, %v", h, err)
	}
	ueb, err := rp.GetUEB(ctx)
	if err != nil || !bytes.Equal(ueb, f.ueb) {
		t.Fatalf("GetUEB: %v", err)
	}
	all, err := rp.AllBlockHashes(ctx)
	if err != nil || len(all) != 3 || all[1] != f.blockHashes[1] {
		t.Fatalf("AllBlockHashes: %v", err)
	}

	_, err = NewWriteProxy(newSparseBucket(), f.params, V1)
	if !errors.Is(err, model.ErrFileTooLarge) {
		t.Fatalf("forced v1 should fail with ErrFileTooLarge, got %v", err)
	}
	_, err = ComputeHeader(Params{SegmentSize: big, BlockSize: 1, DataSize: 1, NumSegments: 1}, V1)
	if !errors.Is(err, model.ErrFileTooLarge) {
		t.Fatalf("segment size over 2^32 must not fit v1, got %v", err)
	}
}

func TestParseHeaderRejects(t *testing.T) { // A
	t.Parallel()
	h, err := ComputeHeader(smallFixture(3, 10, 10).params, V1)
	if err != nil {
		t.Fatal(err)
	}
	good := h.Marshal()

	bad := append([]byte(nil), good...)
	bad[3] = 3
	if _, err := ParseHeader(bad); !errors.Is(err, model.ErrUnknownContainerVersion) {
		t.Errorf("version 3: %v", err)
	}

	gap := h
	gap.Offsets.CrypttextTree += 32
	if _, err := ParseHeader(gap.Marshal()); !errors.Is(err, model.ErrCorruptStoredShare) {
		t.Errorf("gap: %v", err)
	}

	overlap := h
	overlap.Offsets.PlaintextTree -= 1
	if _, err := ParseHeader(overlap.Marshal()); !errors.Is(err, model.ErrCorruptStoredShare) {
		t.Errorf("overlap: %v", err)
	}

	if _, err := ParseHeader(good[:10]); !errors.Is(err, model.ErrCorruptStoredShare) {
		t.Errorf("short: %v", err)
	}
}

func TestParseRejectsOffsetsPastEOF(t *testing.T) { // A
	t.Parallel()
	h, err := ComputeHeader(smallFixture(1, 1, 1).params, V2)
	if err != nil {
		t.Fatal(err)
	}
	// An extension offset close to 2^64 that still passes the region checks.
	sh := h.Offsets.ShareHashes
	h.Offsets.URIExtension = sh + ShareHashRecordSize*((math.MaxUint64-sh)/ShareHashRecordSize)
	if _, err := ParseHeader(h.Marshal()); err != nil {
		t.Fatalf("header should pass region checks: %v", err)
	}
	raw := append(h.Marshal(), make([]byte, 96)...)
	if _, err := Parse(raw); !errors.Is(err, model.ErrCorruptStoredShare) {
		t.Fatalf("Parse: %v", err)
	}

	b, _ := writeFixture(t, smallFixture(2, 8, 8), V1, true)
	full := b.bytesOf(t)
	for _, cut := range []int{1, 20, 60} {
		if _, err := Parse(full[:len(full)-cut]); !errors.Is(err, model.ErrCorruptStoredShare) {
			t.Fatalf("file cut by %d bytes: %v", cut, err)
		}
	}
}

func TestParseNeverPanicsRapid(t *testing.T) { // A
	rapid.Check(t, func(rt *rapid.T) {
		v := Version(rapid.IntRange(1, 2).Draw(rt, "version"))
		h, err := ComputeHeader(smallFixture(3, 10, 10).params, v)
		if err != nil {
			rt.Fatal(err)
		}
		fields := []*uint64{
			&h.BlockSize, &h.DataSize, &h.Offsets.Data, &h.Offsets.PlaintextTree,
			&h.Offsets.CrypttextTree, &h.Offsets.BlockHashes, &h.Offsets.ShareHashes, &h.Offsets.URIExtension,
		}
		word := rapid.OneOf(
			rapid.Uint64Range(0, 1024),
			rapid.Uint64Range(math.MaxUint64-1024, math.MaxUint64),
			rapid.Uint64(),
		)
		if v == V1 {
			word = rapid.OneOf(rapid.Uint64Range(0, 1024), rapid.Uint64Range(math.MaxUint32-1024, math.MaxUint32))
		}
		for _, i := range rapid.SliceOfN(rapid.IntRange(0, len(fields)-1), 1, 4).Draw(rt, "fields") {
			*fields[i] = word.Draw(rt, "word")
		}
		raw := append(h.Marshal(), rapid.SliceOfN(rapid.Byte(), 0, 600).Draw(rt, "body")...)
		_, _ = Parse(raw)
	})
}

func TestWriterRejectsBadShapes(t *testing.T) { // A
	t.Parallel()
	ctx := context.Background()
	f := smallFixture(3, 10, 4)
	wp, err := NewWriteProxy(newSparseBucket(), f.params, VersionAuto)
	if err != nil {
		t.Fatal(err)
	}
	if err := wp.PutBlock(ctx, 0, make([]byte, 9)); err == nil {
		t.Error("short non-tail block accepted")
	}
	if err := wp.PutBlock(ctx, 2, make([]byte, 5)); !errors.Is(err, model.ErrDataTooLarge) {
		t.Errorf("oversized tail: %v", err)
	}
	if err := wp.PutBlock(ctx, 3, make([]byte, 4)); err == nil {
		t.Error("block past the last segment accepted")
	}
	if err := wp.PutBlockHashes(ctx, hashN(1, 3)); err == nil {
		t.Error("short tree accepted")
	}
	if err := wp.PutUEB(ctx, make([]byte, UEBAllowance+1)); !errors.Is(err, model.ErrDataTooLarge) {
		t.Errorf("oversized ueb: %v", err)
	}
}

func TestRoundTripRapid(t *testing.T) { // A
	rapid.Check(t, func(rt *rapid.T) {
		segs := rapid.IntRange(1, 9).Draw(rt, "segments")
		blockSize := rapid.Uint64Range(1, 50).Draw(rt, "blockSize")
		tail := rapid.Uint64Range(1, blockSize).Draw(rt, "tail")
		v := Version(rapid.IntRange(1, 2).Draw(rt, "version"))
		f := smallFixture(segs, blockSize, tail)
		f.ueb = rapid.SliceOfN(rapid.Byte(), 0, UEBAllowance).Draw(rt, "ueb")

		b, _ := writeFixture(t, f, v, true)
		raw := b.bytesOf(t)
		s, err := Parse(raw)
		if err != nil {
			rt.Fatalf("Parse: %v", err)
		}
		if !bytes.Equal(s.Bytes(), raw) {
			rt.Fatal("re-serialization differs")
		}
		for i, blk := range f.blocks {
			if !bytes.Equal(s.Blocks[i], blk) {
				rt.Fatalf("block %d differs", i)
			}
		}
	})
}
