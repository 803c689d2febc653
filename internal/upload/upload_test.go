package upload

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-grid/internal/placement"
	"github.com/i5heu/ouroboros-grid/internal/testutil"
	"github.com/i5heu/ouroboros-grid/pkg/layout"
	"github.com/i5heu/ouroboros-grid/pkg/logging"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
	workerpool "github.com/i5heu/ouroboros-grid/pkg/workerPool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("convergence secret for tests")

func newUploader(g *testutil.Grid, params model.EncodingParams, mutate func(*Config)) *Uploader {
	cfg := Config{
		Logger:            logging.Discard(),
		Servers:           g.Refs,
		Selector:          placement.New(placement.Config{Logger: logging.Discard()}),
		Params:            params,
		ConvergenceSecret: testSecret,
		LeaseSecret:       []byte("lease secret"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg)
}

func TestLiteralUpload(t *testing.T) {
	g := testutil.NewGrid(t, 3)
	up := newUploader(g, model.EncodingParams{K: 3, Happy: 1, N: 3, SegmentSize: 9}, nil)

	res, err := up.Upload(context.Background(), FromBytes([]byte("Hello, world!")), nil)
	require.NoError(t, err)
	lit, ok := res.Cap.(uri.LiteralCap)
	require.True(t, ok)
	require.Equal(t, []byte("Hello, world!"), lit.Data)
	require.Equal(t, "URI:LIT:jbswy3dpfqqho33snrscc", res.Cap.String())
	for _, f := range g.Faults {
		require.Zero(t, f.Calls("get_version"), "literal uploads contact no server")
	}
}

func TestMinimumCHKUpload(t *testing.T) {
	g := testutil.NewGrid(t, 3)
	up := newUploader(g, model.EncodingParams{K: 3, Happy: 1, N: 3, SegmentSize: 9}, nil)

	data := bytes.Repeat([]byte("A"), 56)
	res, err := up.Upload(context.Background(), FromBytes(data), nil)
	require.NoError(t, err)

	rc, ok := res.Cap.(uri.ReadCap)
	require.True(t, ok)
	require.Equal(t, rc.StorageIndex(), res.StorageIndex)
	vc := rc.Verifier()
	require.Equal(t, 3, vc.K)
	require.Equal(t, 3, vc.N)
	require.Equal(t, uint64(56), vc.Size)
	require.Equal(t, res.Verifier, vc)

	for _, s := range g.Servers {
		nums, err := s.ShareNums(res.StorageIndex)
		require.NoError(t, err)
		require.Len(t, nums, 1)
	}
	require.Equal(t, 3, res.SharesPushed)
	require.Equal(t, 3, res.Happiness)
}

func TestConvergentUploadsAreIdentical(t *testing.T) {
	g := testutil.NewGrid(t, 5)
	params := model.EncodingParams{K: 2, Happy: 3, N: 5, SegmentSize: 64}
	up := newUploader(g, params, nil)
	data := bytes.Repeat([]byte("converge "), 40)

	first, err := up.Upload(context.Background(), FromBytes(data), nil)
	require.NoError(t, err)
	second, err := up.Upload(context.Background(), FromBytes(data), nil)
	require.NoError(t, err)

	require.Equal(t, first.Cap.String(), second.Cap.String())
	require.Zero(t, second.SharesPushed)
	require.Equal(t, 5, second.SharesExisting)
	for sh, copies := range g.Shares(first.StorageIndex) {
		require.Equal(t, 1, copies, "share %d stored twice", sh)
	}

	other := newUploader(g, params, func(c *Config) { c.ConvergenceSecret = []byte("someone else") })
	third, err := other.Upload(context.Background(), FromBytes(data), nil)
	require.NoError(t, err)
	require.NotEqual(t, first.StorageIndex, third.StorageIndex)
}

func TestRandomKeys(t *testing.T) {
	g := testutil.NewGrid(t, 3)
	up := newUploader(g, model.EncodingParams{K: 1, Happy: 1, N: 3, SegmentSize: 100}, func(c *Config) {
		c.ConvergenceSecret = nil
	})
	data := bytes.Repeat([]byte{7}, 200)
	a, err := up.Upload(context.Background(), FromBytes(data), nil)
	require.NoError(t, err)
	b, err := up.Upload(context.Background(), FromBytes(data), nil)
	require.NoError(t, err)
	require.NotEqual(t, a.StorageIndex, b.StorageIndex)
}

func TestLostWriterWithinHappiness(t *testing.T) {
	g := testutil.NewGrid(t, 10)
	pool := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: 4})
	defer pool.Close()
	up := newUploader(g, model.EncodingParams{K: 3, Happy: 7, N: 10, SegmentSize: 300}, func(c *Config) {
		c.Pool = pool
	})
	g.Faults[0].FailWritesAfter(1)

	res, err := up.Upload(context.Background(), FromBytes(bytes.Repeat([]byte("X"), 10_000)), nil)
	require.NoError(t, err)
	require.Equal(t, 9, res.SharesPushed)
	require.Equal(t, 9, res.Happiness)

	nums, err := g.Servers[0].ShareNums(res.StorageIndex)
	require.NoError(t, err)
	require.Empty(t, nums)
	require.Zero(t, g.Servers[0].ActiveWriters())
}

func TestLostWriterBreaksHappiness(t *testing.T) {
	g := testutil.NewGrid(t, 10)
	up := newUploader(g, model.EncodingParams{K: 3, Happy: 10, N: 10, SegmentSize: 300}, nil)
	g.Faults[3].FailWritesAfter(2)

	status := NewUploadStatus(1, time.Now())
	_, err := up.Upload(context.Background(), FromBytes(bytes.Repeat([]byte("X"), 10_000)), status)
	require.ErrorIs(t, err, model.ErrNotEnoughShares)
	var pe *PlacementError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 9, pe.Achieved)

	snap := status.Snapshot()
	require.False(t, snap.Active)
	require.Equal(t, StageFailed, snap.Stage)
	require.Error(t, snap.Err)

	for _, s := range g.Servers {
		require.Zero(t, s.ActiveWriters())
	}
	require.Empty(t, g.Shares(snap.StorageIndex))
}

func TestEncoderAbort(t *testing.T) {
	g := testutil.NewGrid(t, 4)
	params := model.EncodingParams{K: 2, Happy: 2, N: 4, SegmentSize: 50}
	key := [model.KeySize]byte{1}
	src, err := EncryptAnUploadable(FromBytes(bytes.Repeat([]byte("z"), 500)), key, params)
	require.NoError(t, err)

	size, err := ShareSize(src.Size(), src.Params(), layout.VersionAuto)
	require.NoError(t, err)
	placed, err := placement.New(placement.Config{Logger: logging.Discard()}).Select(context.Background(), placement.Request{
		StorageIndex: src.StorageIndex(),
		ShareSize:    size,
		Params:       src.Params(),
		Servers:      g.Refs(),
	})
	require.NoError(t, err)
	require.Len(t, placed.Writers, 4)

	enc := NewEncoder(EncoderConfig{Logger: logging.Discard()})
	enc.Abort()
	_, err = enc.Encode(context.Background(), Job{Source: src, Writers: placed.Writers, Happy: 2})
	require.ErrorIs(t, err, model.ErrUploadAborted)
	for _, s := range g.Servers {
		require.Zero(t, s.ActiveWriters())
	}
	require.Empty(t, g.Shares(src.StorageIndex()))
}

func TestUploadStatus(t *testing.T) {
	g := testutil.NewGrid(t, 3)
	up := newUploader(g, model.EncodingParams{K: 2, Happy: 2, N: 3, SegmentSize: 128}, nil)
	data := bytes.Repeat([]byte("s"), 1000)

	status := NewUploadStatus(42, time.Now())
	res, err := up.Upload(context.Background(), FromBytes(data), status)
	require.NoError(t, err)

	snap := status.Snapshot()
	assert.Equal(t, uint64(42), snap.ID)
	assert.False(t, snap.Active)
	assert.Equal(t, StageFinished, snap.Stage)
	assert.Equal(t, uint64(len(data)), snap.Pushed)
	assert.Equal(t, uint64(len(data)), snap.Size)
	assert.Equal(t, res.StorageIndex, snap.StorageIndex)
	assert.Same(t, res, snap.Results)
	status.Abort()
}

func TestLocalHelper(t *testing.T) {
	g := testutil.NewGrid(t, 4)
	params := model.EncodingParams{K: 2, Happy: 2, N: 4, SegmentSize: 64}
	helper := NewLocalHelper(Config{
		Logger:      logging.Discard(),
		Servers:     g.Refs,
		LeaseSecret: []byte("helper lease secret"),
	})
	up := newUploader(g, params, func(c *Config) { c.Helper = helper })
	data := bytes.Repeat([]byte("helped "), 50)

	status := NewUploadStatus(1, time.Now())
	first, err := up.Upload(context.Background(), FromBytes(data), status)
	require.NoError(t, err)
	require.False(t, first.PreExisting)
	require.Equal(t, 4, first.SharesPushed)
	require.True(t, status.Snapshot().Helper)

	second, err := up.Upload(context.Background(), FromBytes(data), nil)
	require.NoError(t, err)
	require.True(t, second.PreExisting)
	require.Equal(t, first.Cap.String(), second.Cap.String())
}

func TestShareSizeVersions(t *testing.T) {
	params := model.DefaultEncodingParams()
	small, err := ShareSize(1000, params.AdjustedFor(1000), layout.VersionAuto)
	require.NoError(t, err)
	require.Less(t, small, uint64(3000))

	_, err = ShareSize(1<<34, params.AdjustedFor(1<<34), layout.V1)
	require.ErrorIs(t, err, model.ErrFileTooLarge)

	big, err := ShareSize(1<<34, params.AdjustedFor(1<<34), layout.VersionAuto)
	require.NoError(t, err)
	require.Greater(t, big, uint64(1<<32))
}
