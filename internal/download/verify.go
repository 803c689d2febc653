package download

import (
	"context"
	"fmt"

	"github.com/i5heu/ouroboros-grid/pkg/hashtree"
	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/layout"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
)

// VerifyShare reads one whole share and checks every byte of it that
// a download could use: the UEB against the cap, the header against the
// UEB, the hash chain against the share root, each block against the
// block tree and the crypttext tree against the UEB.
func VerifyShare(ctx context.Context, vc uri.VerifyCap, shnum model.ShareNum, r interfaces.BucketReader) error {
	proxy := layout.NewReadProxy(r, shnum)
	u, err := loadUEB(ctx, proxy, vc)
	if err != nil {
		return err
	}
	if _, err := checkHeader(ctx, proxy, u); err != nil {
		return err
	}

	shareTree := hashtree.NewIncomplete(u.TotalShares)
	if err := shareTree.SetHashes(map[int]hashtree.Hash{0: u.ShareRootHash}, nil); err != nil {
		return err
	}
	chain, err := proxy.GetShareHashes(ctx)
	if err != nil {
		return err
	}
	if _, err := blockTreeFor(shareTree, shnum, chain, u.NumSegments); err != nil {
		return err
	}
	shareLeaf, _ := shareTree.Leaf(int(shnum))

	nodes, err := proxy.AllBlockHashes(ctx)
	if err != nil {
		return err
	}
	leaves := make([]hashtree.Hash, u.NumSegments)
	for seg := uint64(0); seg < u.NumSegments; seg++ {
		size := u.BlockSize()
		if seg == u.NumSegments-1 {
			size = u.TailBlockSize()
		}
		block, err := proxy.GetBlock(ctx, seg, size)
		if err != nil {
			return err
		}
		leaves[seg] = hashutil.BlockHash(block)
	}
	blocks := hashtree.New(leaves)
	if blocks.Root() != shareLeaf {
		return fmt.Errorf("%w: block tree of share %d does not match the share tree", model.ErrBadHash, shnum)
	}
	if err := sameNodes("block", blocks.Nodes(), nodes); err != nil {
		return err
	}

	crypttext, err := proxy.AllCrypttextHashes(ctx)
	if err != nil {
		return err
	}
	if len(crypttext) == 0 || crypttext[0] != u.CrypttextRootHash {
		return fmt.Errorf("%w: crypttext root of share %d does not match the uri extension", model.ErrBadHash, shnum)
	}
	first := hashtree.NextPowerOfTwo(int(u.NumSegments)) - 1
	if len(crypttext) < first+int(u.NumSegments) {
		return fmt.Errorf("%w: crypttext tree of share %d is short", model.ErrCorruptStoredShare, shnum)
	}
	rebuilt := hashtree.New(crypttext[first : first+int(u.NumSegments)])
	return sameNodes("crypttext", rebuilt.Nodes(), crypttext)
}

func sameNodes(what string, want, got []hashtree.Hash) error {
	if len(want) != len(got) {
		return fmt.Errorf("%w: %s tree has %d nodes, want %d", model.ErrCorruptStoredShare, what, len(got), len(want))
	}
	for i := range want {
		if want[i] != got[i] {
			return fmt.Errorf("%w: %s tree node %d", model.ErrBadHash, what, i)
		}
	}
	return nil
}
