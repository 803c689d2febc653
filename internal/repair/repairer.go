package repair

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/i5heu/ouroboros-grid/internal/download"
	"github.com/i5heu/ouroboros-grid/internal/upload"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
)

type Config struct {
	Logger     *slog.Logger
	Checker    *Checker
	Downloader *download.Downloader
	Uploader   *upload.Uploader
}

type Repairer struct {
	config Config
	log    *slog.Logger
}

func New(config Config) *Repairer {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Repairer{config: config, log: config.Logger}
}

// Results of one repair. Repaired lists the share numbers placed anew.
type Results struct {
	Attempted bool
	Pre       *CheckResults
	Post      *CheckResults
	Repaired  []model.ShareNum
	Upload    *upload.Results
}

// Repair re-creates the shares pre reports missing. A nil pre runs a
// count check first. Healthy files are left alone.
func (r *Repairer) Repair(ctx context.Context, vc uri.VerifyCap, pre *CheckResults) (*Results, error) {
	log := r.log.With(logKeyStorageIndex, vc.StorageIndex)
	if pre == nil {
		var err error
		if pre, err = r.config.Checker.Check(ctx, vc, false); err != nil {
			return nil, err
		}
	}
	res := &Results{Pre: pre}
	if pre.Healthy {
		res.Post = pre
		return res, nil
	}
	if !pre.Recoverable {
		return res, fmt.Errorf("repair of %s: %w: %d of %d needed shares",
			vc.StorageIndex, model.ErrNotEnoughShares, pre.GoodShares(), vc.K)
	}

	u, err := r.config.Downloader.UEB(ctx, vc)
	if err != nil {
		return res, fmt.Errorf("repair of %s: %w", vc.StorageIndex, err)
	}
	src := &ciphertext{
		ctx: ctx,
		d:   r.config.Downloader,
		vc:  vc,
		params: model.EncodingParams{
			K:           u.NeededShares,
			Happy:       0,
			N:           u.TotalShares,
			SegmentSize: u.SegmentSize,
		},
	}
	defer src.Close()

	log.Info("repair started", "missing", pre.Missing)
	res.Attempted = true
	up, err := r.config.Uploader.UploadEncrypted(ctx, src, upload.Options{ShareNums: pre.Missing}, nil)
	if err != nil {
		return res, fmt.Errorf("repair of %s: %w", vc.StorageIndex, err)
	}
	res.Upload = up
	if up.Verifier.UEBHash != vc.UEBHash {
		return res, fmt.Errorf("repair of %s: %w: re-encoded uri extension differs", vc.StorageIndex, model.ErrBadHash)
	}
	for _, sh := range model.SortShareNums(up.Holders) {
		if _, had := pre.Shares[sh]; !had {
			res.Repaired = append(res.Repaired, sh)
		}
	}

	if res.Post, err = r.config.Checker.Check(ctx, vc, false); err != nil {
		return res, err
	}
	log.Info("repair finished", "repaired", res.Repaired, "healthy", res.Post.Healthy)
	return res, nil
}

// ciphertext feeds the uploader with verified ciphertext downloaded on
// first read.
type ciphertext struct {
	ctx    context.Context
	d      *download.Downloader
	vc     uri.VerifyCap
	params model.EncodingParams

	once sync.Once
	rc   io.ReadCloser
}

func (c *ciphertext) Read(p []byte) (int, error) {
	c.once.Do(func() { c.rc = c.d.Open(c.ctx, c.vc, 0, c.vc.Size) })
	return c.rc.Read(p)
}

func (c *ciphertext) Close() error {
	if c.rc == nil {
		return nil
	}
	return c.rc.Close()
}

func (c *ciphertext) Size() uint64                     { return c.vc.Size }
func (c *ciphertext) StorageIndex() model.StorageIndex { return c.vc.StorageIndex }
func (c *ciphertext) Params() model.EncodingParams     { return c.params }
