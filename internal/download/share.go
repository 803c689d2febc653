package download

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-grid/pkg/hashtree"
	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/layout"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/ueb"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
)

// shareSource is one copy of one share on one server.
type shareSource struct {
	server interfaces.ServerRef
	shnum  model.ShareNum
	proxy  *layout.ReadProxy
	// blocks is set once the share's block tree root has been validated
	// against the share tree.
	blocks *hashtree.IncompleteTree
	bad    bool
}

func newShareSource(server interfaces.ServerRef, shnum model.ShareNum, r interfaces.BucketReader) *shareSource {
	return &shareSource{server: server, shnum: shnum, proxy: layout.NewReadProxy(r, shnum)}
}

// fetched is what one share returned for one segment.
type fetched struct {
	src         *shareSource
	block       []byte
	blockHashes map[int]hashtree.Hash
	chain       []layout.ShareHash
	err         error
}

// loadUEB reads the share's UEB and checks it against the cap.
func loadUEB(ctx context.Context, proxy *layout.ReadProxy, vc uri.VerifyCap) (*ueb.UEB, error) {
	raw, err := proxy.GetUEB(ctx)
	if err != nil {
		return nil, err
	}
	if hashutil.UEBHash(raw) != vc.UEBHash {
		return nil, fmt.Errorf("%w: uri extension of share %d does not match the cap", model.ErrBadHash, proxy.ShareNum())
	}
	u, err := ueb.Unpack(raw)
	if err != nil {
		return nil, err
	}
	if err := u.Validate(vc); err != nil {
		return nil, err
	}
	return u, nil
}

// checkHeader compares a share's header with the file's UEB.
func checkHeader(ctx context.Context, proxy *layout.ReadProxy, u *ueb.UEB) (layout.Header, error) {
	h, err := proxy.Header(ctx)
	if err != nil {
		return h, err
	}
	switch {
	case int(proxy.ShareNum()) >= u.TotalShares:
		return h, fmt.Errorf("%w: share number %d of %d", model.ErrCorruptStoredShare, proxy.ShareNum(), u.TotalShares)
	case h.BlockSize != u.BlockSize():
		return h, fmt.Errorf("%w: block size %d, file has %d", model.ErrCorruptStoredShare, h.BlockSize, u.BlockSize())
	case h.DataSize != u.ShareDataSize():
		return h, fmt.Errorf("%w: data size %d, file has %d", model.ErrCorruptStoredShare, h.DataSize, u.ShareDataSize())
	case h.TreeSize() != layout.TreeRegionSize(u.NumSegments):
		return h, fmt.Errorf("%w: tree region of %d bytes for %d segments", model.ErrCorruptStoredShare, h.TreeSize(), u.NumSegments)
	case h.NumShareHashes() != layout.ShareHashCount(u.TotalShares):
		return h, fmt.Errorf("%w: %d share hashes", model.ErrCorruptStoredShare, h.NumShareHashes())
	}
	return h, nil
}

// chainMap turns share hash records into tree nodes.
func chainMap(chain []layout.ShareHash) map[int]hashtree.Hash {
	out := make(map[int]hashtree.Hash, len(chain))
	for _, r := range chain {
		out[int(r.Index)] = r.Hash
	}
	return out
}

// blockTreeFor validates a share's hash chain against the share tree and
// returns a block tree rooted at the share's leaf.
func blockTreeFor(shareTree *hashtree.IncompleteTree, shnum model.ShareNum, chain []layout.ShareHash, numSegments uint64) (*hashtree.IncompleteTree, error) {
	if err := shareTree.SetHashes(chainMap(chain), nil); err != nil {
		return nil, fmt.Errorf("share %d hash chain: %w", shnum, err)
	}
	root, ok := shareTree.Leaf(int(shnum))
	if !ok {
		return nil, fmt.Errorf("share %d hash chain: %w", shnum, hashtree.ErrNotEnoughHashes)
	}
	blocks := hashtree.NewIncomplete(int(numSegments))
	if err := blocks.SetHashes(map[int]hashtree.Hash{0: root}, nil); err != nil {
		return nil, err
	}
	return blocks, nil
}

// fetch reads block segnum and whatever hashes are still needed to check
// it. It touches no shared state.
func (s *shareSource) fetch(ctx context.Context, segnum, blockSize, numSegments uint64) fetched {
	f := fetched{src: s}
	if f.block, f.err = s.proxy.GetBlock(ctx, segnum, blockSize); f.err != nil {
		return f
	}
	var needed []int
	if s.blocks == nil {
		if f.chain, f.err = s.proxy.GetShareHashes(ctx); f.err != nil {
			return f
		}
		needed = hashtree.NewIncomplete(int(numSegments)).NeededHashes(int(segnum), false)
	} else {
		needed = s.blocks.NeededHashes(int(segnum), false)
	}
	f.blockHashes, f.err = s.proxy.GetBlockHashes(ctx, needed)
	return f
}
