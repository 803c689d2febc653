// Package upload turns plaintext into shares on storage servers: literal
// files are inlined, everything else is encrypted, erasure coded and
// pushed to the servers chosen by placement.
package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/i5heu/ouroboros-grid/internal/placement"
	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/layout"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/ueb"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
	workerpool "github.com/i5heu/ouroboros-grid/pkg/workerPool"
)

type Config struct {
	Logger *slog.Logger
	// Servers returns the current storage servers in any order.
	Servers  func() []interfaces.ServerRef
	Selector *placement.Selector
	Params   model.EncodingParams
	// ConvergenceSecret enables convergent keys. Nil means random keys.
	ConvergenceSecret []byte
	// LeaseSecret is the node's lease secret; bucket secrets derive
	// from it.
	LeaseSecret []byte
	Version     layout.Version
	Pool        *workerpool.WorkerPool
	// Helper, if set, receives the ciphertext instead of this node
	// encoding it.
	Helper Helper
	Now    func() time.Time
}

type Uploader struct {
	config Config
	log    *slog.Logger
}

func New(config Config) *Uploader {
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if config.Selector == nil {
		config.Selector = placement.New(placement.Config{Logger: config.Logger})
	}
	if config.Servers == nil {
		config.Servers = func() []interfaces.ServerRef { return nil }
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Uploader{config: config, log: config.Logger}
}

// Options narrow an encrypted upload.
type Options struct {
	// ShareNums restricts the upload to these shares. Nil uploads all n.
	ShareNums []model.ShareNum
}

// BucketSecrets derives the per-server lease secrets for one file from a
// node lease secret.
func BucketSecrets(leaseSecret []byte, si model.StorageIndex) func(model.ServerID) (renew, cancel model.LeaseSecret) {
	fileRenew := hashutil.FileRenewalSecret(hashutil.ClientRenewalSecret(leaseSecret), si)
	fileCancel := hashutil.FileCancelSecret(hashutil.ClientCancelSecret(leaseSecret), si)
	return func(id model.ServerID) (model.LeaseSecret, model.LeaseSecret) {
		return hashutil.BucketRenewalSecret(fileRenew, id), hashutil.BucketCancelSecret(fileCancel, id)
	}
}

// Upload stores u and returns its capability. status may be nil.
func (up *Uploader) Upload(ctx context.Context, u Uploadable, status *UploadStatus) (*Results, error) {
	start := up.config.Now()
	if status == nil {
		status = NewUploadStatus(0, start)
	}
	res, err := up.upload(ctx, u, status, start)
	if res != nil {
		res.Timings.Total = up.config.Now().Sub(start)
	}
	status.finish(res, err)
	return res, err
}

func (up *Uploader) upload(ctx context.Context, u Uploadable, status *UploadStatus, start time.Time) (*Results, error) {
	size := u.Size()
	if IsLiteral(size) {
		status.setStage(StageLiteral)
		c, err := literalCap(u)
		if err != nil {
			return nil, err
		}
		return &Results{Cap: c, Size: uint64(size)}, nil
	}

	params := up.config.Params
	if err := params.Validate(); err != nil {
		return nil, err
	}
	status.setStage(StageHashing)
	key, err := chooseKey(u, params, up.config.ConvergenceSecret)
	if err != nil {
		return nil, err
	}
	convergence := up.config.Now().Sub(start)

	enc, err := EncryptAnUploadable(u, key, params)
	if err != nil {
		return nil, err
	}
	status.setFile(enc.StorageIndex(), enc.Size())

	var res *Results
	if up.config.Helper != nil {
		status.setHelper()
		status.setStage(StageHelper)
		res, err = up.config.Helper.UploadCiphertext(ctx, enc)
	} else {
		res, err = up.UploadEncrypted(ctx, enc, Options{}, status)
	}
	if err != nil {
		return nil, err
	}
	res.Cap = uri.ReadCap{
		Key:     key,
		UEBHash: res.Verifier.UEBHash,
		K:       res.Verifier.K,
		N:       res.Verifier.N,
		Size:    res.Verifier.Size,
	}
	res.Timings.Convergence = convergence
	return res, nil
}

// ShareSize is the allocation each server is asked for when storing a
// file of size bytes with already adjusted params.
func ShareSize(size uint64, params model.EncodingParams, v layout.Version) (uint64, error) {
	h, err := layout.ComputeHeader(layout.ParamsFor(ueb.New(size, params)), v)
	if err != nil {
		return 0, err
	}
	return h.AllocatedSize(layout.UEBAllowance), nil
}

// UploadEncrypted places and encodes ciphertext that is already
// encrypted. Its result carries the verify cap as Cap. status may be nil.
func (up *Uploader) UploadEncrypted(
	ctx context.Context,
	src EncryptedUploadable,
	opts Options,
	status *UploadStatus,
) (*Results, error) {
	if status == nil {
		status = NewUploadStatus(0, up.config.Now())
	}
	params := src.Params()
	si := src.StorageIndex()
	log := up.log.With(logKeyStorageIndex, si)

	shareSize, err := ShareSize(src.Size(), params, up.config.Version)
	if err != nil {
		return nil, fmt.Errorf("upload of %s: %w", si, err)
	}

	canary := interfaces.NewCanary()
	defer canary.Fire()

	status.setStage(StagePlacing)
	placeStart := up.config.Now()
	servers := placement.Permute(up.config.Servers(), si)
	placed, err := up.config.Selector.Select(ctx, placement.Request{
		StorageIndex: si,
		ShareSize:    shareSize,
		Params:       params,
		ShareNums:    opts.ShareNums,
		Servers:      servers,
		Secrets:      BucketSecrets(up.config.LeaseSecret, si),
		Canary:       canary,
	})
	if err != nil {
		return nil, err
	}
	placementTime := up.config.Now().Sub(placeStart)
	log.Info("uploading",
		logKeySize, humanize.IBytes(src.Size()),
		"k", params.K, "happy", params.Happy, "n", params.N,
		"segment_size", humanize.IBytes(params.SegmentSize),
		"new_shares", len(placed.Writers))

	status.setStage(StageEncoding)
	encodeStart := up.config.Now()
	encoder := NewEncoder(EncoderConfig{
		Logger:   log,
		Pool:     up.config.Pool,
		Version:  up.config.Version,
		Progress: status.setProgress,
	})
	status.setAbort(encoder.Abort)
	out, err := encoder.Encode(ctx, Job{
		Source:   src,
		Writers:  placed.Writers,
		Existing: placed.Existing,
		Happy:    params.Happy,
		Servers:  placed.Queried,
	})
	if err != nil {
		return nil, err
	}

	holders := placed.Existing.Clone()
	for sh, ids := range out.Written {
		for _, id := range ids {
			holders.Add(sh, id)
		}
	}
	return &Results{
		Cap:            out.Cap,
		Verifier:       out.Cap,
		StorageIndex:   si,
		Size:           src.Size(),
		SharesPushed:   len(out.Written),
		SharesExisting: len(placed.Existing),
		Happiness:      placement.Happiness(holders),
		Holders:        holders,
		ServersQueried: placed.Queried,
		Timings: Timings{
			Placement: placementTime,
			Encode:    up.config.Now().Sub(encodeStart),
		},
	}, nil
}
