package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/i5heu/ouroboros-grid/internal/placement"
	"github.com/i5heu/ouroboros-grid/pkg/codec"
	"github.com/i5heu/ouroboros-grid/pkg/hashtree"
	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/layout"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/ueb"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
	workerpool "github.com/i5heu/ouroboros-grid/pkg/workerPool"
)

const (
	logKeyStorageIndex = "si"
	logKeyShare        = "shnum"
	logKeyServer       = "server"
	logKeyError        = "error"
	logKeySize         = "size"
)

type EncoderConfig struct {
	Logger *slog.Logger
	// Pool runs the per-share writes of each segment. Nil writes shares
	// one after another.
	Pool    *workerpool.WorkerPool
	Version layout.Version
	// Progress, if set, is told how many ciphertext bytes were pushed.
	Progress func(pushed uint64)
}

// Encoder pushes one file's ciphertext to its share writers. It is used
// once.
type Encoder struct {
	config  EncoderConfig
	log     *slog.Logger
	aborted atomic.Bool
}

func NewEncoder(config EncoderConfig) *Encoder {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Encoder{config: config, log: config.Logger}
}

// Abort stops the encoder at the next segment boundary; every remaining
// writer is then aborted and Encode returns ErrUploadAborted.
func (e *Encoder) Abort() { e.aborted.Store(true) }

// Job is the input to Encode.
type Job struct {
	Source   EncryptedUploadable
	Writers  map[model.ShareNum]placement.Placed
	Existing placement.Holders
	// Happy is the distinct-server threshold the live writers plus
	// existing shares must keep meeting.
	Happy int
	// Servers is the count of servers that answered placement, for errors.
	Servers int
}

type shareWriter struct {
	shnum  model.ShareNum
	server interfaces.ServerRef
	proxy  *layout.WriteProxy
}

type encodeRun struct {
	e      *Encoder
	job    Job
	log    *slog.Logger
	si     model.StorageIndex
	live   map[model.ShareNum]*shareWriter
	failed int
}

// Encoded is the outcome of a successful Encode.
type Encoded struct {
	Cap uri.VerifyCap
	UEB *ueb.UEB
	// Written are the shares that were closed, by server.
	Written placement.Holders
	// Lost counts writers dropped on the way.
	Lost int
}

// Encode runs the segment loop and the final hash and UEB writes, then
// closes every live writer.
func (e *Encoder) Encode(ctx context.Context, job Job) (*Encoded, error) {
	src := job.Source
	params := src.Params()
	size := src.Size()
	u := ueb.New(size, params)
	lp := layout.ParamsFor(u)

	r := &encodeRun{
		e:    e,
		job:  job,
		log:  e.log.With(logKeyStorageIndex, src.StorageIndex()),
		si:   src.StorageIndex(),
		live: make(map[model.ShareNum]*shareWriter, len(job.Writers)),
	}
	for sh, p := range job.Writers {
		proxy, err := layout.NewWriteProxy(p.Writer, lp, e.config.Version)
		if err != nil {
			r.abortAll(ctx)
			return nil, err
		}
		r.live[sh] = &shareWriter{shnum: sh, server: p.Server, proxy: proxy}
	}

	if err := r.fanOut(ctx, "header", func(ctx context.Context, w *shareWriter) error {
		return w.proxy.PutHeader(ctx)
	}); err != nil {
		return nil, err
	}

	blockHashes, segmentHashes, crypttextHash, err := r.pushSegments(ctx, u)
	if err != nil {
		return nil, err
	}

	blockTrees := make([]*hashtree.Tree, params.N)
	shareLeaves := make([]hashtree.Hash, params.N)
	for sh := range blockTrees {
		blockTrees[sh] = hashtree.New(blockHashes[sh])
		shareLeaves[sh] = blockTrees[sh].Root()
	}
	shareTree := hashtree.New(shareLeaves)
	crypttextTree := hashtree.New(segmentHashes)

	u.CrypttextHash = crypttextHash
	u.CrypttextRootHash = crypttextTree.Root()
	u.ShareRootHash = shareTree.Root()
	packed := u.Pack()

	steps := []struct {
		name string
		fn   func(ctx context.Context, w *shareWriter) error
	}{
		{"block hashes", func(ctx context.Context, w *shareWriter) error {
			return w.proxy.PutBlockHashes(ctx, blockTrees[w.shnum].Nodes())
		}},
		{"share hashes", func(ctx context.Context, w *shareWriter) error {
			return w.proxy.PutShareHashes(ctx, shareChain(shareTree, int(w.shnum)))
		}},
		{"crypttext hashes", func(ctx context.Context, w *shareWriter) error {
			return w.proxy.PutCrypttextHashes(ctx, crypttextTree.Nodes())
		}},
		{"uri extension", func(ctx context.Context, w *shareWriter) error {
			return w.proxy.PutUEB(ctx, packed)
		}},
		{"close", func(ctx context.Context, w *shareWriter) error {
			return w.proxy.Close(ctx)
		}},
	}
	for _, step := range steps {
		if err := r.fanOut(ctx, step.name, step.fn); err != nil {
			return nil, err
		}
	}

	out := &Encoded{
		Cap: uri.VerifyCap{
			StorageIndex: r.si,
			UEBHash:      hashutil.UEBHash(packed),
			K:            params.K,
			N:            params.N,
			Size:         size,
		},
		UEB:     u,
		Written: make(placement.Holders, len(r.live)),
		Lost:    r.failed,
	}
	for sh, w := range r.live {
		out.Written.Add(sh, w.server.ID)
	}
	r.log.Info("encoded file",
		"segments", u.NumSegments,
		"shares_written", len(r.live),
		"shares_lost", r.failed)
	return out, nil
}

// shareChain is the slice of the share tree share sh carries: its own leaf
// and the siblings up to the root.
func shareChain(t *hashtree.Tree, sh int) []layout.ShareHash {
	idx := t.NeededHashes(sh, true)
	out := make([]layout.ShareHash, len(idx))
	for i, n := range idx {
		out[i] = layout.ShareHash{Index: uint16(n), Hash: t.Node(n)}
	}
	return out
}

// pushSegments reads, hashes, encodes and sends every segment in order.
// Block hashes are kept for all n shares, written or not, because the
// share tree needs every root.
func (r *encodeRun) pushSegments(
	ctx context.Context,
	u *ueb.UEB,
) (blockHashes [][]hashtree.Hash, segmentHashes []hashtree.Hash, crypttextHash [model.HashSize]byte, err error) {
	params := r.job.Source.Params()
	main, err := codec.New(int(u.SegmentSize), params.K, params.N)
	if err != nil {
		r.abortAll(ctx)
		return nil, nil, crypttextHash, err
	}
	tail := main
	if u.TailSegmentSize() != u.SegmentSize {
		if tail, err = codec.New(int(u.TailSegmentSize()), params.K, params.N); err != nil {
			r.abortAll(ctx)
			return nil, nil, crypttextHash, err
		}
	}

	blockHashes = make([][]hashtree.Hash, params.N)
	crypttext := hashutil.NewCrypttextHasher()
	buf := make([]byte, u.SegmentSize)
	var pushed uint64

	for segnum := uint64(0); segnum < u.NumSegments; segnum++ {
		if r.e.aborted.Load() || ctx.Err() != nil {
			r.abortAll(ctx)
			return nil, nil, crypttextHash, fmt.Errorf("segment %d: %w", segnum, model.ErrUploadAborted)
		}
		c, want := main, u.SegmentSize
		if segnum == u.NumSegments-1 {
			c, want = tail, u.TailDataSize()
		}
		seg := buf[:want]
		if _, err := io.ReadFull(r.job.Source, seg); err != nil {
			r.abortAll(ctx)
			return nil, nil, crypttextHash, fmt.Errorf("read segment %d: %w", segnum, err)
		}
		_, _ = crypttext.Write(seg)
		segmentHashes = append(segmentHashes, hashutil.CrypttextSegmentHash(seg))

		padded := seg
		if pad := uint64(c.SegmentSize()) - want; pad > 0 {
			padded = append(append([]byte(nil), seg...), make([]byte, pad)...)
		}
		blocks, err := c.Encode(padded)
		if err != nil {
			r.abortAll(ctx)
			return nil, nil, crypttextHash, fmt.Errorf("encode segment %d: %w", segnum, err)
		}
		for sh, b := range blocks {
			blockHashes[sh] = append(blockHashes[sh], hashutil.BlockHash(b))
		}

		segnum := segnum
		if err := r.fanOut(ctx, "block", func(ctx context.Context, w *shareWriter) error {
			return w.proxy.PutBlock(ctx, segnum, blocks[w.shnum])
		}); err != nil {
			return nil, nil, crypttextHash, err
		}
		pushed += want
		if r.e.config.Progress != nil {
			r.e.config.Progress(pushed)
		}
	}
	copy(crypttextHash[:], crypttext.Digest())
	return blockHashes, segmentHashes, crypttextHash, nil
}

type putResult struct {
	shnum model.ShareNum
	err   error
}

// fanOut runs fn against every live writer, on the pool when there is
// one. Writers that fail are dropped and aborted; if the rest no longer
// meet the happiness threshold every writer is aborted and the placement
// error is returned.
func (r *encodeRun) fanOut(ctx context.Context, step string, fn func(context.Context, *shareWriter) error) error {
	var results []putResult
	if pool := r.e.config.Pool; pool != nil && len(r.live) > 1 {
		room := workerpool.CreateRoom[putResult](pool, len(r.live))
		for _, w := range r.live {
			w := w
			room.NewTaskWaitForFreeSlot(func() putResult {
				return putResult{w.shnum, fn(ctx, w)}
			})
		}
		results = room.Collect()
	} else {
		for _, sh := range model.SortShareNums(r.live) {
			results = append(results, putResult{sh, fn(ctx, r.live[sh])})
		}
	}

	lost := false
	for _, res := range results {
		if res.err == nil {
			continue
		}
		w := r.live[res.shnum]
		r.log.Warn("lost share writer",
			"step", step,
			logKeyShare, res.shnum,
			logKeyServer, w.server.Name(),
			logKeyError, res.err)
		delete(r.live, res.shnum)
		r.failed++
		lost = true
		_ = w.proxy.Abort(ctx)
	}
	if !lost {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		r.abortAll(ctx)
		return fmt.Errorf("%s: %w", step, model.ErrUploadAborted)
	}
	h := r.holders()
	if placement.Happiness(h) < r.job.Happy {
		err := placement.UnhappyError(r.si, r.job.Happy, h, len(r.live), r.job.Servers)
		r.abortAll(ctx)
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}

func (r *encodeRun) holders() placement.Holders {
	h := r.job.Existing.Clone()
	for sh, w := range r.live {
		h.Add(sh, w.server.ID)
	}
	return h
}

func (r *encodeRun) abortAll(ctx context.Context) {
	for sh, w := range r.live {
		if err := w.proxy.Abort(context.WithoutCancel(ctx)); err != nil {
			r.log.Debug("abort", logKeyShare, sh, logKeyError, err)
		}
	}
	r.live = map[model.ShareNum]*shareWriter{}
}
