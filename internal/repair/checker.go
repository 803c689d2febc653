// Package repair checks the health of immutable files and re-creates
// their missing shares.
package repair

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-grid/internal/download"
	"github.com/i5heu/ouroboros-grid/internal/placement"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
	"golang.org/x/sync/errgroup"
)

const (
	logKeyStorageIndex = "si"
	logKeyShare        = "shnum"
	logKeyServer       = "server"
	logKeyError        = "error"

	checkConcurrency = 16
)

type CheckerConfig struct {
	Logger     *slog.Logger
	Servers    func() []interfaces.ServerRef
	RPCTimeout time.Duration
}

type Checker struct {
	config CheckerConfig
	log    *slog.Logger
}

func NewChecker(config CheckerConfig) *Checker {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if config.Servers == nil {
		config.Servers = func() []interfaces.ServerRef { return nil }
	}
	if config.RPCTimeout == 0 {
		config.RPCTimeout = download.DefaultRPCTimeout
	}
	return &Checker{config: config, log: config.Logger}
}

// CheckResults describe one file's shares as the grid holds them.
type CheckResults struct {
	StorageIndex model.StorageIndex
	Verified     bool
	Needed       int
	Total        int
	// Shares maps each good share to the servers holding it.
	Shares  placement.Holders
	Missing []model.ShareNum
	Bad     []download.BadShare
	// ServersResponding counts servers that answered get_buckets.
	ServersResponding int
	ServersQueried    int
	Happiness         int

	Healthy     bool
	Recoverable bool
}

// GoodShares is the number of distinct share numbers with a good copy.
func (r *CheckResults) GoodShares() int { return len(r.Shares) }

type located struct {
	ref    interfaces.ServerRef
	shnum  model.ShareNum
	reader interfaces.BucketReader
}

// Check asks every server which shares of vc it holds. With verify set
// every share is read in full and checked against the file's hash trees;
// shares that fail are advised as corrupt and counted as missing.
func (c *Checker) Check(ctx context.Context, vc uri.VerifyCap, verify bool) (*CheckResults, error) {
	log := c.log.With(logKeyStorageIndex, vc.StorageIndex)
	servers := placement.Permute(c.config.Servers(), vc.StorageIndex)
	res := &CheckResults{
		StorageIndex:   vc.StorageIndex,
		Verified:       verify,
		Needed:         vc.K,
		Total:          vc.N,
		Shares:         make(placement.Holders),
		ServersQueried: len(servers),
	}
	if len(servers) == 0 {
		return nil, model.ErrNoServers
	}

	var (
		mu    sync.Mutex
		found []located
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(checkConcurrency)
	for _, ref := range servers {
		ref := ref
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, c.config.RPCTimeout)
			defer cancel()
			buckets, err := ref.Server.GetBuckets(cctx, vc.StorageIndex)
			if err != nil {
				log.Warn("get_buckets failed", logKeyServer, ref.Name(), logKeyError, err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			res.ServersResponding++
			for _, sh := range model.SortShareNums(buckets) {
				found = append(found, located{ref: ref, shnum: sh, reader: buckets[sh]})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if verify {
		c.verify(ctx, log, vc, found, res)
	} else {
		for _, l := range found {
			if int(l.shnum) < vc.N {
				res.Shares.Add(l.shnum, l.ref.ID)
			}
		}
	}

	for sh := 0; sh < vc.N; sh++ {
		if _, ok := res.Shares[model.ShareNum(sh)]; !ok {
			res.Missing = append(res.Missing, model.ShareNum(sh))
		}
	}
	res.Happiness = placement.Happiness(res.Shares)
	res.Healthy = len(res.Missing) == 0
	res.Recoverable = res.GoodShares() >= vc.K
	log.Info("checked",
		"verified", verify,
		"good", res.GoodShares(),
		"missing", len(res.Missing),
		"bad", len(res.Bad),
		"healthy", res.Healthy)
	return res, nil
}

func (c *Checker) verify(ctx context.Context, log *slog.Logger, vc uri.VerifyCap, found []located, res *CheckResults) {
	errs := make([]error, len(found))
	var g errgroup.Group
	g.SetLimit(checkConcurrency)
	for i, l := range found {
		i, l := i, l
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, c.config.RPCTimeout)
			defer cancel()
			errs[i] = download.VerifyShare(cctx, vc, l.shnum, l.reader)
			return nil
		})
	}
	_ = g.Wait()

	for i, l := range found {
		err := errs[i]
		if err == nil {
			res.Shares.Add(l.shnum, l.ref.ID)
			continue
		}
		corrupt := download.IsCorruption(err)
		res.Bad = append(res.Bad, download.BadShare{Server: l.ref, ShareNum: l.shnum, Reason: err.Error(), Corrupt: corrupt})
		log.Warn("share failed verification",
			logKeyServer, l.ref.Name(),
			logKeyShare, l.shnum,
			"corrupt", corrupt,
			logKeyError, err)
		if !corrupt {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, c.config.RPCTimeout)
		if aerr := l.ref.Server.AdviseCorruptShare(cctx, interfaces.ShareTypeImmutable, vc.StorageIndex, l.shnum, err.Error()); aerr != nil {
			log.Debug("advise_corrupt_share failed", logKeyServer, l.ref.Name(), logKeyError, aerr)
		}
		cancel()
	}
}
