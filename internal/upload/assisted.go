package upload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/i5heu/ouroboros-grid/internal/placement"
	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/layout"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/ueb"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
	"golang.org/x/sync/errgroup"
)

// Helper encodes ciphertext on behalf of a client. The client keeps the
// key; the helper only ever sees ciphertext.
type Helper interface {
	UploadCiphertext(ctx context.Context, src EncryptedUploadable) (*Results, error)
}

// LocalHelper is an in-process Helper with its own server list. It skips
// the upload when the grid already holds k shares of the file.
type LocalHelper struct {
	uploader   *Uploader
	log        *slog.Logger
	rpcTimeout time.Duration
}

// NewLocalHelper builds a helper from an uploader config. Any Helper set
// in config is ignored.
func NewLocalHelper(config Config) *LocalHelper {
	config.Helper = nil
	up := New(config)
	return &LocalHelper{
		uploader:   up,
		log:        up.log.With("component", "helper"),
		rpcTimeout: placement.DefaultRPCTimeout,
	}
}

func (h *LocalHelper) UploadCiphertext(ctx context.Context, src EncryptedUploadable) (*Results, error) {
	if res, ok := h.existing(ctx, src); ok {
		h.log.Info("file already on grid",
			logKeyStorageIndex, src.StorageIndex(),
			"shares", len(res.Holders))
		return res, nil
	}
	return h.uploader.UploadEncrypted(ctx, src, Options{}, nil)
}

// existing looks for k distinct shares and a UEB that matches the file.
func (h *LocalHelper) existing(ctx context.Context, src EncryptedUploadable) (*Results, bool) {
	si := src.StorageIndex()
	params := src.Params()
	servers := h.uploader.config.Servers()

	var mu sync.Mutex
	holders := make(placement.Holders)
	readers := make(map[model.ShareNum]interfaces.BucketReader)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for _, ref := range servers {
		ref := ref
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, h.rpcTimeout)
			defer cancel()
			buckets, err := ref.Server.GetBuckets(cctx, si)
			if err != nil {
				h.log.Debug("helper probe failed", logKeyServer, ref.Name(), logKeyError, err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			for sh, r := range buckets {
				holders.Add(sh, ref.ID)
				if _, ok := readers[sh]; !ok {
					readers[sh] = r
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(holders) < params.K {
		return nil, false
	}

	for _, sh := range model.SortShareNums(readers) {
		cctx, cancel := context.WithTimeout(ctx, h.rpcTimeout)
		raw, err := layout.NewReadProxy(readers[sh], sh).GetUEB(cctx)
		cancel()
		if err != nil {
			continue
		}
		u, err := ueb.Unpack(raw)
		if err != nil || u.Size != src.Size() || u.NeededShares != params.K || u.TotalShares != params.N {
			continue
		}
		vc := uri.VerifyCap{
			StorageIndex: si,
			UEBHash:      hashutil.UEBHash(raw),
			K:            u.NeededShares,
			N:            u.TotalShares,
			Size:         u.Size,
		}
		return &Results{
			Cap:            vc,
			Verifier:       vc,
			StorageIndex:   si,
			Size:           u.Size,
			SharesExisting: len(holders),
			Happiness:      placement.Happiness(holders),
			Holders:        holders,
			ServersQueried: len(servers),
			PreExisting:    true,
		}, true
	}
	return nil, false
}
