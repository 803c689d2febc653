// Package download locates shares of an immutable file, validates every
// block against the file's hash trees, decodes and decrypts the requested
// byte range and streams it to a consumer.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/i5heu/ouroboros-grid/internal/encryption"
	"github.com/i5heu/ouroboros-grid/internal/placement"
	"github.com/i5heu/ouroboros-grid/pkg/codec"
	"github.com/i5heu/ouroboros-grid/pkg/hashtree"
	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/ueb"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
	"golang.org/x/sync/errgroup"
)

const (
	logKeyStorageIndex = "si"
	logKeyShare        = "shnum"
	logKeyServer       = "server"
	logKeyError        = "error"
)

const (
	DefaultRPCTimeout = 30 * time.Second
	findConcurrency   = 16
)

type Config struct {
	Logger *slog.Logger
	// Servers returns the current storage servers in any order.
	Servers    func() []interfaces.ServerRef
	RPCTimeout time.Duration
}

type Downloader struct {
	config Config
	log    *slog.Logger
}

func New(config Config) *Downloader {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if config.Servers == nil {
		config.Servers = func() []interfaces.ServerRef { return nil }
	}
	if config.RPCTimeout == 0 {
		config.RPCTimeout = DefaultRPCTimeout
	}
	return &Downloader{config: config, log: config.Logger}
}

// Timings of the phases of one download.
type Timings struct {
	Locate   time.Duration
	UEB      time.Duration
	Segments time.Duration
	Total    time.Duration
}

// Results describe a finished download.
type Results struct {
	StorageIndex model.StorageIndex
	FileSize     uint64
	Offset       uint64
	// Written is the number of bytes handed to the consumer.
	Written  uint64
	Segments int
	// Used maps each share that supplied a valid block to its server.
	Used    map[model.ShareNum]model.ServerID
	Bad     []BadShare
	Timings Timings
}

// Download writes the whole file named by c to w. A ReadCap yields
// plaintext, a VerifyCap yields verified ciphertext, a LiteralCap its
// inline data.
func (d *Downloader) Download(ctx context.Context, c uri.Cap, w io.Writer) (*Results, error) {
	return d.DownloadRange(ctx, c, w, 0, c.FileSize())
}

// DownloadRange writes length bytes starting at offset. The range is
// clipped to the end of the file.
func (d *Downloader) DownloadRange(ctx context.Context, c uri.Cap, w io.Writer, offset, length uint64) (*Results, error) {
	start := time.Now()
	size := c.FileSize()
	if offset > size {
		return nil, fmt.Errorf("download: offset %d beyond file size %d", offset, size)
	}
	length = min(length, size-offset)

	var (
		vc  uri.VerifyCap
		key *encryption.Key
	)
	switch c := c.(type) {
	case uri.LiteralCap:
		n, err := w.Write(c.Data[offset : offset+length])
		res := &Results{FileSize: size, Offset: offset, Written: uint64(n)}
		if err != nil {
			return res, &Error{Phase: PhaseConsumer, Err: errors.Join(model.ErrDownloadStopped, err)}
		}
		return res, nil
	case uri.ReadCap:
		k := encryption.Key(c.Key)
		key = &k
		vc = c.Verifier()
	case uri.VerifyCap:
		vc = c
	default:
		return nil, fmt.Errorf("download: %w: %s", uri.ErrUnknownCap, c.Kind())
	}

	r := d.newRun(vc, key)
	r.res.Offset = offset
	err := r.download(ctx, w, offset, length)
	r.res.Bad = r.bad
	r.res.Timings.Total = time.Since(start)
	if err != nil {
		return r.res, r.finishError(err)
	}
	r.log.Debug("download done",
		"written", humanize.IBytes(r.res.Written),
		"segments", r.res.Segments,
		"bad_shares", len(r.bad))
	return r.res, nil
}

// UEB locates the file's shares and returns the first URI extension
// block that matches vc.
func (d *Downloader) UEB(ctx context.Context, vc uri.VerifyCap) (*ueb.UEB, error) {
	r := d.newRun(vc, nil)
	if err := r.locate(ctx); err != nil {
		return nil, r.finishError(err)
	}
	if err := r.fetchUEB(ctx); err != nil {
		return nil, r.finishError(err)
	}
	return r.ueb, nil
}

func (d *Downloader) newRun(vc uri.VerifyCap, key *encryption.Key) *run {
	return &run{
		d:       d,
		log:     d.log.With(logKeyStorageIndex, vc.StorageIndex),
		vc:      vc,
		key:     key,
		advised: make(map[*shareSource]bool),
		res: &Results{
			StorageIndex: vc.StorageIndex,
			FileSize:     vc.Size,
			Used:         make(map[model.ShareNum]model.ServerID),
		},
	}
}

// Open streams the range through a pipe. Closing the reader early stops
// the download with ErrDownloadStopped.
func (d *Downloader) Open(ctx context.Context, c uri.Cap, offset, length uint64) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		_, err := d.DownloadRange(ctx, c, pw, offset, length)
		pw.CloseWithError(err)
	}()
	return pr
}

type run struct {
	d   *Downloader
	log *slog.Logger
	vc  uri.VerifyCap
	key *encryption.Key
	res *Results

	sources       []*shareSource
	ueb           *ueb.UEB
	shareTree     *hashtree.IncompleteTree
	crypttextTree *hashtree.IncompleteTree
	main, tail    *codec.Codec

	bad     []BadShare
	advised map[*shareSource]bool
}

func (r *run) finishError(err error) error {
	var de *Error
	if errors.As(err, &de) {
		de.StorageIndex = r.vc.StorageIndex
		de.Bad = r.bad
	}
	r.log.Warn("download failed", logKeyError, err)
	return err
}

func (r *run) rpc(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.d.config.RPCTimeout)
}

func (r *run) download(ctx context.Context, w io.Writer, offset, length uint64) error {
	t := time.Now()
	if err := r.locate(ctx); err != nil {
		return err
	}
	r.res.Timings.Locate = time.Since(t)

	t = time.Now()
	if err := r.fetchUEB(ctx); err != nil {
		return err
	}
	r.res.Timings.UEB = time.Since(t)
	if length == 0 {
		return nil
	}

	t = time.Now()
	defer func() { r.res.Timings.Segments = time.Since(t) }()
	u := r.ueb
	first := offset / u.SegmentSize
	last := (offset + length - 1) / u.SegmentSize
	whole := offset == 0 && length == u.Size
	crypttext := hashutil.NewCrypttextHasher()

	for segnum := first; segnum <= last; segnum++ {
		if err := ctx.Err(); err != nil {
			return &Error{Phase: PhaseDecode, Err: errors.Join(model.ErrDownloadStopped, err)}
		}
		seg, err := r.segment(ctx, segnum)
		if err != nil {
			return err
		}
		if whole {
			_, _ = crypttext.Write(seg)
		}
		segStart := segnum * u.SegmentSize
		if r.key != nil {
			encryption.CryptAt(seg, segStart, *r.key)
		}
		lo := max(offset, segStart) - segStart
		hi := min(offset+length, segStart+uint64(len(seg))) - segStart
		n, err := w.Write(seg[lo:hi])
		r.res.Written += uint64(n)
		r.res.Segments++
		if err != nil {
			return &Error{Phase: PhaseConsumer, Err: errors.Join(model.ErrDownloadStopped, err)}
		}
	}

	if whole {
		var got [model.HashSize]byte
		copy(got[:], crypttext.Digest())
		if got != u.CrypttextHash {
			phase := PhaseDecode
			if r.key != nil {
				phase = PhaseDecrypt
			}
			return &Error{Phase: phase, Err: fmt.Errorf("%w: whole-file crypttext hash mismatch", model.ErrBadHash)}
		}
	}
	return nil
}

// locate asks every server for its buckets and orders the results by
// share number, then by the file's server permutation.
func (r *run) locate(ctx context.Context) error {
	servers := placement.Permute(r.d.config.Servers(), r.vc.StorageIndex)
	if len(servers) == 0 {
		return &Error{Phase: PhaseLocate, Err: model.ErrNoServers}
	}
	found := make([][]*shareSource, len(servers))
	var g errgroup.Group
	g.SetLimit(findConcurrency)
	for i, ref := range servers {
		i, ref := i, ref
		g.Go(func() error {
			cctx, cancel := r.rpc(ctx)
			defer cancel()
			buckets, err := ref.Server.GetBuckets(cctx, r.vc.StorageIndex)
			if err != nil {
				r.log.Warn("get_buckets failed", logKeyServer, ref.Name(), logKeyError, err)
				return nil
			}
			for _, sh := range model.SortShareNums(buckets) {
				found[i] = append(found[i], newShareSource(ref, sh, buckets[sh]))
			}
			return nil
		})
	}
	_ = g.Wait()

	distinct := make(map[model.ShareNum]bool)
	for _, srcs := range found {
		for _, s := range srcs {
			r.sources = append(r.sources, s)
			distinct[s.shnum] = true
		}
	}
	sort.SliceStable(r.sources, func(i, j int) bool { return r.sources[i].shnum < r.sources[j].shnum })
	r.log.Debug("located shares", "sources", len(r.sources), "distinct", len(distinct))

	switch {
	case len(distinct) == 0:
		return &Error{Phase: PhaseLocate, Err: model.ErrNoShares}
	case len(distinct) < r.vc.K:
		return &Error{Phase: PhaseLocate, Err: fmt.Errorf("%w: found %d of %d needed", model.ErrNotEnoughShares, len(distinct), r.vc.K)}
	}
	return nil
}

// fetchUEB takes the UEB from the first share whose copy matches the cap.
func (r *run) fetchUEB(ctx context.Context) error {
	var last error
	for _, src := range r.sources {
		if src.bad {
			continue
		}
		cctx, cancel := r.rpc(ctx)
		u, err := loadUEB(cctx, src.proxy, r.vc)
		if err == nil {
			_, err = checkHeader(cctx, src.proxy, u)
		}
		cancel()
		if err != nil {
			last = err
			r.markBad(ctx, src, err)
			continue
		}
		r.ueb = u
		break
	}
	if r.ueb == nil {
		return &Error{Phase: PhaseUEB, Err: errors.Join(model.ErrNotEnoughShares, last)}
	}

	u := r.ueb
	r.shareTree = hashtree.NewIncomplete(u.TotalShares)
	r.crypttextTree = hashtree.NewIncomplete(int(u.NumSegments))
	if err := r.shareTree.SetHashes(map[int]hashtree.Hash{0: u.ShareRootHash}, nil); err != nil {
		return &Error{Phase: PhaseUEB, Err: err}
	}
	if err := r.crypttextTree.SetHashes(map[int]hashtree.Hash{0: u.CrypttextRootHash}, nil); err != nil {
		return &Error{Phase: PhaseUEB, Err: err}
	}
	var err error
	if r.main, err = codec.New(int(u.SegmentSize), u.NeededShares, u.TotalShares); err != nil {
		return &Error{Phase: PhaseUEB, Err: err}
	}
	r.tail = r.main
	if u.TailSegmentSize() != u.SegmentSize {
		if r.tail, err = codec.New(int(u.TailSegmentSize()), u.NeededShares, u.TotalShares); err != nil {
			return &Error{Phase: PhaseUEB, Err: err}
		}
	}
	return nil
}

// markBad drops a share for the rest of the download and, for integrity
// failures, tells its server once.
func (r *run) markBad(ctx context.Context, src *shareSource, err error) {
	src.bad = true
	corrupt := IsCorruption(err)
	r.bad = append(r.bad, BadShare{Server: src.server, ShareNum: src.shnum, Reason: err.Error(), Corrupt: corrupt})
	r.log.Warn("bad share",
		logKeyServer, src.server.Name(),
		logKeyShare, src.shnum,
		"corrupt", corrupt,
		logKeyError, err)
	if !corrupt || r.advised[src] {
		return
	}
	r.advised[src] = true
	cctx, cancel := r.rpc(ctx)
	defer cancel()
	if aerr := src.server.Server.AdviseCorruptShare(cctx, interfaces.ShareTypeImmutable, r.vc.StorageIndex, src.shnum, err.Error()); aerr != nil {
		r.log.Debug("advise_corrupt_share failed", logKeyServer, src.server.Name(), logKeyError, aerr)
	}
}

// pick chooses up to n healthy sources for share numbers not in have.
func (r *run) pick(n int, have map[model.ShareNum][]byte, tried map[*shareSource]bool) []*shareSource {
	taken := make(map[model.ShareNum]bool, len(have))
	for sh := range have {
		taken[sh] = true
	}
	var out []*shareSource
	for _, src := range r.sources {
		if len(out) == n {
			break
		}
		if src.bad || tried[src] || taken[src.shnum] {
			continue
		}
		taken[src.shnum] = true
		out = append(out, src)
	}
	return out
}

// segment returns the validated ciphertext of one segment, without
// padding.
func (r *run) segment(ctx context.Context, segnum uint64) ([]byte, error) {
	u := r.ueb
	k := u.NeededShares
	isTail := segnum == u.NumSegments-1
	blockSize, c, dataSize := u.BlockSize(), r.main, u.SegmentSize
	if isTail {
		blockSize, c, dataSize = u.TailBlockSize(), r.tail, u.TailDataSize()
	}

	have := make(map[model.ShareNum][]byte, k)
	used := make(map[model.ShareNum]*shareSource, k)
	tried := make(map[*shareSource]bool)
	for len(have) < k {
		picks := r.pick(k-len(have), have, tried)
		if len(picks) < k-len(have) {
			return nil, &Error{Phase: PhaseHashTree, Err: fmt.Errorf("%w: segment %d has %d valid blocks, need %d",
				model.ErrNotEnoughShares, segnum, len(have)+len(picks), k)}
		}
		results := make([]fetched, len(picks))
		var wg sync.WaitGroup
		for i, src := range picks {
			tried[src] = true
			wg.Add(1)
			go func(i int, src *shareSource) {
				defer wg.Done()
				cctx, cancel := r.rpc(ctx)
				defer cancel()
				results[i] = src.fetch(cctx, segnum, blockSize, u.NumSegments)
			}(i, src)
		}
		wg.Wait()

		for _, f := range results {
			if err := r.verifyBlock(ctx, segnum, f); err != nil {
				if ctx.Err() != nil {
					return nil, &Error{Phase: PhaseDecode, Err: errors.Join(model.ErrDownloadStopped, ctx.Err())}
				}
				r.markBad(ctx, f.src, err)
				continue
			}
			have[f.src.shnum] = f.block
			used[f.src.shnum] = f.src
		}
	}

	shnums := model.SortShareNums(have)
	blocks := make([][]byte, len(shnums))
	ids := make([]int, len(shnums))
	for i, sh := range shnums {
		blocks[i], ids[i] = have[sh], int(sh)
		r.res.Used[sh] = used[sh].server.ID
	}
	seg, err := c.DecodeSegment(blocks, ids)
	if err != nil {
		return nil, &Error{Phase: PhaseDecode, Err: err}
	}
	seg = seg[:dataSize]
	if err := r.verifyCrypttext(ctx, segnum, seg); err != nil {
		return nil, err
	}
	return seg, nil
}

// verifyBlock checks a fetched block against its share's block tree,
// first validating the share's hash chain if this is its first block.
func (r *run) verifyBlock(ctx context.Context, segnum uint64, f fetched) error {
	if f.err != nil {
		return f.err
	}
	src := f.src
	if src.blocks == nil {
		if _, err := checkHeader(ctx, src.proxy, r.ueb); err != nil {
			return err
		}
		blocks, err := blockTreeFor(r.shareTree, src.shnum, f.chain, r.ueb.NumSegments)
		if err != nil {
			return err
		}
		src.blocks = blocks
	}
	leaf := hashutil.BlockHash(f.block)
	if err := src.blocks.SetHashes(f.blockHashes, map[int]hashtree.Hash{int(segnum): leaf}); err != nil {
		return fmt.Errorf("block %d of share %d: %w", segnum, src.shnum, err)
	}
	return nil
}

// verifyCrypttext checks a decoded segment against the crypttext tree,
// fetching missing tree nodes from healthy shares. A share whose nodes
// are rejected while another share's are accepted is marked bad.
func (r *run) verifyCrypttext(ctx context.Context, segnum uint64, seg []byte) error {
	leaf := map[int]hashtree.Hash{int(segnum): hashutil.CrypttextSegmentHash(seg)}
	needed := r.crypttextTree.NeededHashes(int(segnum), false)
	if len(needed) == 0 {
		if err := r.crypttextTree.SetHashes(nil, leaf); err != nil {
			return &Error{Phase: PhaseDecode, Err: fmt.Errorf("segment %d: %w", segnum, err)}
		}
		return nil
	}

	var suspects []*shareSource
	var last error
	for _, src := range r.sources {
		if src.bad {
			continue
		}
		cctx, cancel := r.rpc(ctx)
		hashes, err := src.proxy.GetCrypttextHashes(cctx, needed)
		cancel()
		if err != nil {
			if IsCorruption(err) {
				r.markBad(ctx, src, err)
			}
			last = err
			continue
		}
		if err := r.crypttextTree.SetHashes(hashes, leaf); err != nil {
			suspects = append(suspects, src)
			last = err
			continue
		}
		for _, s := range suspects {
			r.markBad(ctx, s, fmt.Errorf("crypttext hashes for segment %d: %w", segnum, model.ErrBadHash))
		}
		return nil
	}
	return &Error{Phase: PhaseHashTree, Err: fmt.Errorf("segment %d crypttext: %w", segnum, errors.Join(model.ErrBadHash, last))}
}
