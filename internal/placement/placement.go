// Package placement chooses which storage servers receive which shares of
// an upload and enforces servers-of-happiness.
package placement

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"golang.org/x/sync/errgroup"
)

const (
	logKeyStorageIndex = "si"
	logKeyServer       = "server"
	logKeyShare        = "shnum"
	logKeyError        = "error"
)

const (
	DefaultRPCTimeout   = 30 * time.Second
	DefaultMaxRebalance = 4
	probeConcurrency    = 16
)

type Config struct {
	Logger     *slog.Logger
	RPCTimeout time.Duration
	// MaxRebalance caps the passes that move spare shares off servers
	// holding several.
	MaxRebalance int
}

type Selector struct {
	config Config
	log    *slog.Logger
}

func New(config Config) *Selector {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if config.RPCTimeout == 0 {
		config.RPCTimeout = DefaultRPCTimeout
	}
	if config.MaxRebalance == 0 {
		config.MaxRebalance = DefaultMaxRebalance
	}
	return &Selector{config: config, log: config.Logger}
}

// Permute orders servers by the per-file permutation hash so placement is
// deterministic for a file but spread across files.
func Permute(servers []interfaces.ServerRef, si model.StorageIndex) []interfaces.ServerRef {
	type keyed struct {
		key [model.HashSize]byte
		ref interfaces.ServerRef
	}
	ks := make([]keyed, len(servers))
	for i, s := range servers {
		ks[i] = keyed{hashutil.PermuteHash(s.ID, si), s}
	}
	sort.SliceStable(ks, func(i, j int) bool { return bytes.Compare(ks[i].key[:], ks[j].key[:]) < 0 })
	out := make([]interfaces.ServerRef, len(ks))
	for i, k := range ks {
		out[i] = k.ref
	}
	return out
}

// Request describes one placement.
type Request struct {
	StorageIndex model.StorageIndex
	// ShareSize is the allocation asked of each server, UEB allowance
	// included.
	ShareSize uint64
	Params    model.EncodingParams
	// ShareNums restricts placement to these shares. Nil means 0..N-1.
	ShareNums []model.ShareNum
	// Servers in the order they should be tried, usually Permute output.
	Servers []interfaces.ServerRef
	// Secrets gives the lease secrets for one server.
	Secrets func(model.ServerID) (renew, cancel model.LeaseSecret)
	Canary  interfaces.Canary
}

// Placed is a newly allocated share.
type Placed struct {
	Server interfaces.ServerRef
	Writer interfaces.BucketWriter
}

type Result struct {
	Writers map[model.ShareNum]Placed
	// Existing are shares servers already hold.
	Existing  Holders
	Happiness int
	// Queried is every server that answered get_version.
	Queried int
}

// Holders combines new and existing placements.
func (r *Result) Holders() Holders {
	h := r.Existing.Clone()
	for sh, p := range r.Writers {
		h.Add(sh, p.Server.ID)
	}
	return h
}

// HappinessError reports an upload that could not reach its happiness
// threshold.
type HappinessError struct {
	StorageIndex model.StorageIndex
	Happy        int
	Achieved     int
	Placed       int
	Existing     int
	Servers      int
	Err          error
}

func (e *HappinessError) Error() string {
	return fmt.Sprintf("placement of %s: happiness %d < %d (%d new, %d existing shares, %d servers): %v",
		e.StorageIndex, e.Achieved, e.Happy, e.Placed, e.Existing, e.Servers, e.Err)
}

func (e *HappinessError) Unwrap() error { return e.Err }

// UnhappyError builds the error for a failed happiness check: NoShares when
// nothing is held, NotEnoughShares otherwise.
func UnhappyError(si model.StorageIndex, happy int, h Holders, placed int, servers int) error {
	err := model.ErrNotEnoughShares
	if len(h) == 0 {
		err = model.ErrNoShares
	}
	return &HappinessError{
		StorageIndex: si,
		Happy:        happy,
		Achieved:     Happiness(h),
		Placed:       placed,
		Existing:     len(h) - placed,
		Servers:      servers,
		Err:          err,
	}
}

type candidate struct {
	ref      interfaces.ServerRef
	writable bool
}

type run struct {
	s        *Selector
	req      Request
	log      *slog.Logger
	writers  map[model.ShareNum]Placed
	existing Holders
	homeless []model.ShareNum
	refused  map[model.ServerID]bool
}

// Select allocates buckets for the request. On failure every allocated
// writer is aborted.
func (s *Selector) Select(ctx context.Context, req Request) (*Result, error) {
	if len(req.Servers) == 0 {
		return nil, model.ErrNoServers
	}
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}
	r := &run{
		s:        s,
		req:      req,
		log:      s.log.With(logKeyStorageIndex, req.StorageIndex),
		writers:  make(map[model.ShareNum]Placed),
		existing: make(Holders),
		refused:  make(map[model.ServerID]bool),
	}

	cands := s.probeVersions(ctx, req)
	if len(cands) == 0 {
		return nil, fmt.Errorf("placement of %s: %w", req.StorageIndex, model.ErrNoServers)
	}
	var writable, readOnly []interfaces.ServerRef
	for _, c := range cands {
		if c.writable {
			writable = append(writable, c.ref)
		} else {
			readOnly = append(readOnly, c.ref)
		}
	}
	r.probeReadOnly(ctx, readOnly)

	wanted := req.ShareNums
	if wanted == nil {
		for i := 0; i < req.Params.N; i++ {
			wanted = append(wanted, model.ShareNum(i))
		}
	}
	for _, sh := range wanted {
		if _, held := r.existing[sh]; !held {
			r.homeless = append(r.homeless, sh)
		}
	}

	r.place(ctx, writable)
	for i := 0; i < s.config.MaxRebalance; i++ {
		if Happiness(r.holders()) >= req.Params.Happy {
			break
		}
		if !r.rebalance(ctx, writable) {
			break
		}
	}

	h := r.holders()
	happiness := Happiness(h)
	if happiness < req.Params.Happy {
		err := UnhappyError(req.StorageIndex, req.Params.Happy, h, len(r.writers), len(cands))
		r.abortAll(ctx)
		r.log.Warn("placement failed", logKeyError, err)
		return nil, err
	}

	r.log.Info("placement done",
		"new", len(r.writers),
		"existing", len(r.existing),
		"homeless", len(r.homeless),
		"happiness", happiness,
		"share_size", humanize.IBytes(req.ShareSize))
	return &Result{
		Writers:   r.writers,
		Existing:  r.existing,
		Happiness: happiness,
		Queried:   len(cands),
	}, nil
}

func (s *Selector) rpcContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.config.RPCTimeout)
}

// probeVersions asks every server for its version and keeps the order of
// those that answer.
func (s *Selector) probeVersions(ctx context.Context, req Request) []candidate {
	out := make([]*candidate, len(req.Servers))
	var g errgroup.Group
	g.SetLimit(probeConcurrency)
	for i, ref := range req.Servers {
		i, ref := i, ref
		g.Go(func() error {
			cctx, cancel := s.rpcContext(ctx)
			defer cancel()
			v, err := ref.Server.GetVersion(cctx)
			if err != nil {
				s.log.Warn("server unavailable", logKeyServer, ref.Name(), logKeyError, err)
				return nil
			}
			out[i] = &candidate{ref: ref, writable: v.MaximumImmutableShareSize >= req.ShareSize}
			return nil
		})
	}
	_ = g.Wait()
	cands := make([]candidate, 0, len(out))
	for _, c := range out {
		if c != nil {
			cands = append(cands, *c)
		}
	}
	return cands
}

// probeReadOnly learns which shares full servers already hold.
func (r *run) probeReadOnly(ctx context.Context, servers []interfaces.ServerRef) {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for _, ref := range servers {
		ref := ref
		g.Go(func() error {
			cctx, cancel := r.s.rpcContext(gctx)
			defer cancel()
			buckets, err := ref.Server.GetBuckets(cctx, r.req.StorageIndex)
			if err != nil {
				r.log.Debug("read-only probe failed", logKeyServer, ref.Name(), logKeyError, err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for sh := range buckets {
				r.existing.Add(sh, ref.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) holders() Holders {
	h := r.existing.Clone()
	for sh, p := range r.writers {
		h.Add(sh, p.Server.ID)
	}
	return h
}

// adopt records a server's claim to already hold sh. A duplicate claim is
// only taken when the server holds nothing else yet.
func (r *run) adopt(sh model.ShareNum, id model.ServerID) bool {
	h := r.holders()
	if _, held := h[sh]; held {
		if h.Servers()[id] > 0 {
			return false
		}
	}
	r.existing.Add(sh, id)
	return true
}

// ask sends one allocate_buckets and folds the reply into the run. It
// reports whether the server took every share asked for.
func (r *run) ask(ctx context.Context, ref interfaces.ServerRef, shares []model.ShareNum) bool {
	var renew, cancel model.LeaseSecret
	if r.req.Secrets != nil {
		renew, cancel = r.req.Secrets(ref.ID)
	}
	cctx, cancelCtx := r.s.rpcContext(ctx)
	defer cancelCtx()
	res, err := ref.Server.AllocateBuckets(cctx, interfaces.AllocateRequest{
		StorageIndex:  r.req.StorageIndex,
		RenewSecret:   renew,
		CancelSecret:  cancel,
		ShareNums:     shares,
		AllocatedSize: r.req.ShareSize,
		Canary:        r.req.Canary,
	})
	if err != nil {
		r.log.Warn("allocate failed", logKeyServer, ref.Name(), logKeyError, err)
		r.refused[ref.ID] = true
		r.homeless = append(r.homeless, shares...)
		return false
	}

	done := make(map[model.ShareNum]bool, len(shares))
	for _, sh := range res.AlreadyHave {
		done[sh] = true
		if r.adopt(sh, ref.ID) {
			r.log.Debug("server already has share", logKeyServer, ref.Name(), logKeyShare, sh)
		}
	}
	for sh, w := range res.Writers {
		done[sh] = true
		if _, dup := r.writers[sh]; dup {
			_ = w.Abort(ctx)
			continue
		}
		r.writers[sh] = Placed{Server: ref, Writer: w}
	}
	all := true
	for _, sh := range shares {
		if !done[sh] {
			all = false
			r.homeless = append(r.homeless, sh)
		}
	}
	if !all {
		r.refused[ref.ID] = true
	}
	return all
}

// place runs the first pass (one share per server) and then keeps
// handing homeless shares to servers that took everything so far.
func (r *run) place(ctx context.Context, writable []interfaces.ServerRef) {
	var takers []interfaces.ServerRef
	for _, ref := range writable {
		if len(r.homeless) == 0 {
			break
		}
		sh := r.popHomeless(1)
		if r.ask(ctx, ref, sh) {
			takers = append(takers, ref)
		}
	}

	for len(r.homeless) > 0 && len(takers) > 0 {
		before := len(r.homeless)
		var next []interfaces.ServerRef
		for i, ref := range takers {
			if len(r.homeless) == 0 {
				next = append(next, takers[i:]...)
				break
			}
			remaining := len(takers) - i
			n := (len(r.homeless) + remaining - 1) / remaining
			if r.ask(ctx, ref, r.popHomeless(n)) {
				next = append(next, ref)
			}
		}
		takers = next
		if len(r.homeless) >= before && len(next) == 0 {
			break
		}
	}
}

func (r *run) popHomeless(n int) []model.ShareNum {
	if n > len(r.homeless) {
		n = len(r.homeless)
	}
	out := append([]model.ShareNum(nil), r.homeless[:n]...)
	r.homeless = r.homeless[n:]
	return out
}

// rebalance spreads spare shares from servers credited with more than one
// share onto writable servers that hold none and have not refused. A spare
// newly placed share is moved; a spare pre-existing share gets an extra
// copy. It reports whether anything was placed.
func (r *run) rebalance(ctx context.Context, writable []interfaces.ServerRef) bool {
	h := r.holders()
	counts := h.Servers()
	var idle []interfaces.ServerRef
	for _, ref := range writable {
		if counts[ref.ID] == 0 && !r.refused[ref.ID] {
			idle = append(idle, ref)
		}
	}
	if len(idle) == 0 {
		return false
	}

	var spare []model.ShareNum
	for _, sh := range model.SortShareNums(h) {
		if len(spare) == len(idle) {
			break
		}
		p, hasWriter := r.writers[sh]
		for _, id := range h[sh] {
			if counts[id] < 2 || (hasWriter && p.Server.ID != id) {
				continue
			}
			counts[id]--
			spare = append(spare, sh)
			if hasWriter {
				_ = p.Writer.Abort(ctx)
				delete(r.writers, sh)
			}
			break
		}
	}
	spare = append(spare, r.popHomeless(len(idle)-len(spare))...)
	if len(spare) == 0 {
		return false
	}

	moved := false
	for i, sh := range spare {
		if r.ask(ctx, idle[i], []model.ShareNum{sh}) {
			moved = true
		}
	}
	r.log.Debug("rebalanced", "spread", len(spare), "moved", moved)
	return moved
}

func (r *run) abortAll(ctx context.Context) {
	var errs []error
	for sh, p := range r.writers {
		if err := p.Writer.Abort(ctx); err != nil {
			errs = append(errs, fmt.Errorf("abort share %d on %s: %w", sh, p.Server.Name(), err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		r.log.Warn("abort after failed placement", logKeyError, err)
	}
	r.writers = make(map[model.ShareNum]Placed)
}
