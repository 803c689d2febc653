package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/i5heu/ouroboros-grid/internal/encryption"
	"github.com/i5heu/ouroboros-grid/internal/placement"
	"github.com/i5heu/ouroboros-grid/internal/testutil"
	"github.com/i5heu/ouroboros-grid/internal/upload"
	"github.com/i5heu/ouroboros-grid/pkg/layout"
	"github.com/i5heu/ouroboros-grid/pkg/logging"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func put(t *testing.T, g *testutil.Grid, params model.EncodingParams, data []byte) uri.ReadCap {
	t.Helper()
	up := upload.New(upload.Config{
		Logger:            logging.Discard(),
		Servers:           g.Refs,
		Selector:          placement.New(placement.Config{Logger: logging.Discard()}),
		Params:            params,
		ConvergenceSecret: []byte("download tests"),
		LeaseSecret:       []byte("lease"),
	})
	res, err := up.Upload(context.Background(), upload.FromBytes(data), nil)
	require.NoError(t, err)
	rc, ok := res.Cap.(uri.ReadCap)
	require.True(t, ok)
	return rc
}

func newDownloader(g *testutil.Grid) *Downloader {
	return New(Config{Logger: logging.Discard(), Servers: g.Refs})
}

func TestRoundTrip(t *testing.T) {
	g := testutil.NewGrid(t, 5)
	data := testutil.RandomData(1000, 1)
	rc := put(t, g, model.EncodingParams{K: 2, Happy: 3, N: 5, SegmentSize: 128}, data)
	d := newDownloader(g)

	var out bytes.Buffer
	res, err := d.Download(context.Background(), rc, &out)
	require.NoError(t, err)
	require.Equal(t, data, out.Bytes())
	assert.Equal(t, uint64(len(data)), res.Written)
	assert.Equal(t, 8, res.Segments)
	assert.Len(t, res.Used, 2)
	assert.Empty(t, res.Bad)

	// The verify cap yields the ciphertext, which the read key decrypts.
	var ct bytes.Buffer
	_, err = d.Download(context.Background(), rc.Verifier(), &ct)
	require.NoError(t, err)
	require.NotEqual(t, data, ct.Bytes())
	plain := ct.Bytes()
	encryption.CryptAt(plain, 0, encryption.Key(rc.Key))
	require.Equal(t, data, plain)
}

func TestLargeFileRoundTrip(t *testing.T) {
	testutil.RequireLong(t)
	g := testutil.NewGrid(t, 10)
	data := testutil.RandomData(24<<20, 42)
	rc := put(t, g, model.DefaultEncodingParams(), data)

	var out bytes.Buffer
	res, err := newDownloader(g).Download(context.Background(), rc, &out)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, out.Bytes()))
	assert.Equal(t, 192, res.Segments)
}

func TestLiteralDownload(t *testing.T) {
	d := New(Config{Logger: logging.Discard()})
	var out bytes.Buffer
	res, err := d.DownloadRange(context.Background(), uri.LiteralCap{Data: []byte("Hello, world!")}, &out, 7, 100)
	require.NoError(t, err)
	require.Equal(t, "world!", out.String())
	require.Equal(t, uint64(6), res.Written)
}

func TestDownloadSurvivesLostShares(t *testing.T) {
	g := testutil.NewGrid(t, 10)
	data := testutil.RandomData(5000, 2)
	rc := put(t, g, model.EncodingParams{K: 3, Happy: 7, N: 10, SegmentSize: 1024}, data)
	si := rc.StorageIndex()

	for sh := model.ShareNum(0); sh < 7; sh++ {
		g.DeleteShare(si, sh)
	}
	var out bytes.Buffer
	res, err := newDownloader(g).Download(context.Background(), rc, &out)
	require.NoError(t, err)
	require.Equal(t, data, out.Bytes())
	require.Len(t, res.Used, 3)

	g.DeleteShare(si, 7)
	_, err = newDownloader(g).Download(context.Background(), rc, io.Discard)
	require.ErrorIs(t, err, model.ErrNotEnoughShares)
	var de *Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, PhaseLocate, de.Phase)
	require.Equal(t, si, de.StorageIndex)
}

func TestNoShares(t *testing.T) {
	g := testutil.NewGrid(t, 3)
	rc := uri.ReadCap{Key: [model.KeySize]byte{9}, K: 1, N: 3, Size: 100}
	_, err := newDownloader(g).Download(context.Background(), rc, io.Discard)
	require.ErrorIs(t, err, model.ErrNoShares)
}

func TestCorruptShareIsAdvised(t *testing.T) {
	g := testutil.NewGrid(t, 10)
	data := testutil.RandomData(3000, 3)
	rc := put(t, g, model.EncodingParams{K: 3, Happy: 7, N: 10, SegmentSize: 1024}, data)
	si := rc.StorageIndex()

	// Leave shares 5..8 so share 5 is among the first three tried.
	for _, sh := range []model.ShareNum{0, 1, 2, 3, 4, 9} {
		g.DeleteShare(si, sh)
	}
	holders := g.Locate(si, 5)
	require.Len(t, holders, 1)
	holder := holders[0]
	raw, err := os.ReadFile(holder.Reader(si, 5).Path())
	require.NoError(t, err)
	h, err := layout.ParseHeader(raw)
	require.NoError(t, err)
	g.CorruptShare(si, 5, int64(h.Offsets.Data))

	var out bytes.Buffer
	res, err := newDownloader(g).Download(context.Background(), rc, &out)
	require.NoError(t, err)
	require.Equal(t, data, out.Bytes())
	require.Len(t, res.Bad, 1)
	assert.Equal(t, model.ShareNum(5), res.Bad[0].ShareNum)
	assert.True(t, res.Bad[0].Corrupt)
	assert.NotContains(t, res.Used, model.ShareNum(5))

	advisories, err := holder.Advisories()
	require.NoError(t, err)
	require.Len(t, advisories, 1)
	body, err := os.ReadFile(filepath.Join(holder.BaseDir(), "corruption-advisories", advisories[0]))
	require.NoError(t, err)
	assert.Contains(t, string(body), "share_number: 5")
	assert.Contains(t, string(body), res.Bad[0].Reason)

	total := 0
	for _, f := range g.Faults {
		total += f.Calls("advise_corrupt_share")
	}
	assert.Equal(t, 1, total)
}

func TestDownloadRange(t *testing.T) {
	g := testutil.NewGrid(t, 4)
	data := testutil.RandomData(1000, 4)
	rc := put(t, g, model.EncodingParams{K: 2, Happy: 2, N: 4, SegmentSize: 128}, data)
	d := newDownloader(g)

	cases := []struct {
		name           string
		offset, length uint64
		segments       int
	}{
		{"first byte", 0, 1, 1},
		{"across a boundary", 127, 2, 2},
		{"inside one segment", 300, 10, 1},
		{"last byte", 999, 1, 1},
		{"clipped", 900, 500, 1},
		{"empty at end", 1000, 10, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			res, err := d.DownloadRange(context.Background(), rc, &out, tc.offset, tc.length)
			require.NoError(t, err)
			end := min(tc.offset+tc.length, uint64(len(data)))
			require.Equal(t, data[tc.offset:end], out.Bytes())
			require.Equal(t, tc.segments, res.Segments)
		})
	}

	_, err := d.DownloadRange(context.Background(), rc, io.Discard, 1001, 1)
	require.Error(t, err)
}

func TestOpen(t *testing.T) {
	g := testutil.NewGrid(t, 3)
	data := testutil.RandomData(2000, 5)
	rc := put(t, g, model.EncodingParams{K: 2, Happy: 2, N: 3, SegmentSize: 256}, data)
	d := newDownloader(g)

	rd := d.Open(context.Background(), rc, 100, 1000)
	got, err := io.ReadAll(rd)
	require.NoError(t, err)
	require.NoError(t, rd.Close())
	require.Equal(t, data[100:1100], got)

	// Closing early stops the download without hanging.
	rd = d.Open(context.Background(), rc, 0, uint64(len(data)))
	buf := make([]byte, 10)
	_, err = io.ReadFull(rd, buf)
	require.NoError(t, err)
	require.NoError(t, rd.Close())
	require.Equal(t, data[:10], buf)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("consumer gone") }

func TestConsumerFailure(t *testing.T) {
	g := testutil.NewGrid(t, 3)
	rc := put(t, g, model.EncodingParams{K: 2, Happy: 2, N: 3, SegmentSize: 256}, testutil.RandomData(600, 6))

	_, err := newDownloader(g).Download(context.Background(), rc, failingWriter{})
	require.ErrorIs(t, err, model.ErrDownloadStopped)
	var de *Error
	require.ErrorAs(t, err, &de)
	require.Equal(t, PhaseConsumer, de.Phase)
}

func TestCanceledDownload(t *testing.T) {
	g := testutil.NewGrid(t, 3)
	rc := put(t, g, model.EncodingParams{K: 2, Happy: 2, N: 3, SegmentSize: 256}, testutil.RandomData(600, 7))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newDownloader(g).Download(ctx, rc, io.Discard)
	require.Error(t, err)
}

func TestServerDown(t *testing.T) {
	g := testutil.NewGrid(t, 5)
	data := testutil.RandomData(700, 8)
	rc := put(t, g, model.EncodingParams{K: 2, Happy: 3, N: 5, SegmentSize: 128}, data)

	g.Faults[0].SetDown(true)
	g.Faults[1].SetDown(true)
	var out bytes.Buffer
	res, err := newDownloader(g).Download(context.Background(), rc, &out)
	require.NoError(t, err)
	require.Equal(t, data, out.Bytes())
	for _, id := range res.Used {
		require.NotEqual(t, g.Servers[0].ID(), id)
		require.NotEqual(t, g.Servers[1].ID(), id)
	}
}

func TestVerifyShare(t *testing.T) {
	g := testutil.NewGrid(t, 4)
	rc := put(t, g, model.EncodingParams{K: 2, Happy: 2, N: 4, SegmentSize: 100}, testutil.RandomData(450, 9))
	si := rc.StorageIndex()
	vc := rc.Verifier()

	for sh := model.ShareNum(0); sh < 4; sh++ {
		holders := g.Locate(si, sh)
		require.Len(t, holders, 1)
		require.NoError(t, VerifyShare(context.Background(), vc, sh, holders[0].Reader(si, sh)), "share %d", sh)
	}

	holder := g.Locate(si, 2)[0]
	raw, err := os.ReadFile(holder.Reader(si, 2).Path())
	require.NoError(t, err)
	h, err := layout.ParseHeader(raw)
	require.NoError(t, err)

	// Last byte of the last block.
	g.CorruptShare(si, 2, int64(h.Offsets.PlaintextTree)-1)
	err = VerifyShare(context.Background(), vc, 2, holder.Reader(si, 2))
	require.ErrorIs(t, err, model.ErrBadHash)

	other := vc
	other.UEBHash[0] ^= 1
	err = VerifyShare(context.Background(), other, 0, g.Locate(si, 0)[0].Reader(si, 0))
	require.ErrorIs(t, err, model.ErrBadHash)
}
