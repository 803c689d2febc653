package storageServer

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/logging"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(dir string) Config {
	return Config{
		BaseDir:  dir,
		ID:       model.ServerID{1, 2, 3},
		Logger:   logging.Discard(),
		Now:      func() time.Time { return testNow },
		DiskFree: func(string) (uint64, error) { return 1 << 40, nil },
	}
}

func newTestServer(t testing.TB, mutate func(*Config)) *Server {
	t.Helper()
	cfg := testConfig(t.TempDir())
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func secret(b byte) model.LeaseSecret {
	var s model.LeaseSecret
	s[0] = b
	return s
}

func allocate(t testing.TB, s *Server, si model.StorageIndex, size uint64, shnums ...model.ShareNum) interfaces.AllocateResult {
	t.Helper()
	res, err := s.AllocateBuckets(context.Background(), interfaces.AllocateRequest{
		StorageIndex:  si,
		RenewSecret:   secret(1),
		CancelSecret:  secret(2),
		ShareNums:     shnums,
		AllocatedSize: size,
	})
	require.NoError(t, err)
	return res
}

func TestAllocateWriteClose(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)
	si := model.StorageIndex{0xaa}

	res := allocate(t, s, si, 10, 0, 1)
	require.Empty(t, res.AlreadyHave)
	require.Len(t, res.Writers, 2)
	require.FileExists(t, s.incomingPath(si, 0))

	w := res.Writers[0]
	require.NoError(t, w.Write(ctx, 0, []byte("hello")))
	require.NoError(t, w.Write(ctx, 5, []byte("world")))
	require.NoError(t, w.Close(ctx))

	require.NoFileExists(t, s.incomingPath(si, 0))
	data, err := os.ReadFile(s.finalPath(si, 0))
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(data))

	// share 1 is still in flight, so its incoming directory stays
	require.DirExists(t, s.incomingShareDir(si))
	require.NoError(t, res.Writers[1].Abort(ctx))
	require.NoDirExists(t, s.incomingShareDir(si))
	require.NoDirExists(t, filepath.Dir(s.incomingShareDir(si)))

	leases, err := s.Leases(si, 0)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	require.True(t, leases[0].Expiration.Equal(testNow.Add(model.DefaultLeaseDuration)))
	require.Equal(t, s.ID(), leases[0].NodeID)

	leases, err = s.Leases(si, 1)
	require.NoError(t, err)
	require.Empty(t, leases)
	require.Zero(t, s.ActiveWriters())
}

func TestAllocateAlreadyHaveAndInFlight(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)
	si := model.StorageIndex{0xbb}

	first := allocate(t, s, si, 4, 0, 1)
	require.NoError(t, first.Writers[0].Write(ctx, 0, []byte("abcd")))
	require.NoError(t, first.Writers[0].Close(ctx))

	second := allocate(t, s, si, 4, 0, 1, 2)
	require.Equal(t, []model.ShareNum{0}, second.AlreadyHave)
	require.Len(t, second.Writers, 1)
	require.Contains(t, second.Writers, model.ShareNum(2))
}

func TestWriterBounds(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)
	si := model.StorageIndex{0xcc}
	w := allocate(t, s, si, 8, 3).Writers[3]

	require.ErrorIs(t, w.Write(ctx, 4, []byte("12345")), model.ErrDataTooLarge)
	require.NoError(t, w.Write(ctx, 0, []byte("1234")))
	require.NoError(t, w.Write(ctx, 2, []byte("34")), "identical rewrite")
	require.ErrorIs(t, w.Write(ctx, 3, []byte("X5")), model.ErrConflictingWrite)
	require.NoError(t, w.Write(ctx, 4, []byte("5678")))
	require.NoError(t, w.Close(ctx))
	require.ErrorIs(t, w.Write(ctx, 0, []byte("1")), model.ErrWriterClosed)
	require.ErrorIs(t, w.Close(ctx), model.ErrWriterClosed)
}

func TestCanaryAbortsWriters(t *testing.T) {
	s := newTestServer(t, nil)
	si := model.StorageIndex{0xdd}
	canary := interfaces.NewCanary()
	res, err := s.AllocateBuckets(context.Background(), interfaces.AllocateRequest{
		StorageIndex:  si,
		ShareNums:     []model.ShareNum{0, 1},
		AllocatedSize: 10,
		Canary:        canary,
	})
	require.NoError(t, err)
	require.Len(t, res.Writers, 2)

	canary.Fire()
	require.Eventually(t, func() bool { return s.ActiveWriters() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.NoFileExists(t, s.incomingPath(si, 0))
	require.NoFileExists(t, s.finalPath(si, 0))
}

func TestUnfinishedUploadsClearedOnOpen(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	si := model.StorageIndex{0xd1}

	s, err := New(cfg)
	require.NoError(t, err)
	require.Len(t, allocate(t, s, si, 4, 0).Writers, 1)
	require.NoError(t, s.Close())

	// Left behind by a crash: Close above aborted the real writer.
	stale := s.incomingPath(si, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o700))
	require.NoError(t, os.WriteFile(stale, []byte("part"), 0o600))

	s, err = New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoFileExists(t, stale)

	res := allocate(t, s, si, 4, 0)
	require.Len(t, res.Writers, 1)
	require.NoError(t, res.Writers[0].Write(ctx, 0, []byte("full")))
	require.NoError(t, res.Writers[0].Close(ctx))
	require.FileExists(t, s.finalPath(si, 0))
}

func TestIdleWriterIsAborted(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, func(c *Config) {
		c.IdleTimeout = 300 * time.Millisecond
		c.DiskFree = func(string) (uint64, error) { return 1000, nil }
	})
	si := model.StorageIndex{0xd2}

	res := allocate(t, s, si, 400, 0, 1)
	require.Len(t, res.Writers, 2)
	space, _ := s.AvailableSpace()
	require.Equal(t, uint64(200), space)

	// Share 1 keeps writing and outlives the timeout; share 0 goes quiet.
	busy := res.Writers[1]
	for off := uint64(0); off < 30; off++ {
		require.NoError(t, busy.Write(ctx, off, []byte{byte(off)}))
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, 1, s.ActiveWriters())
	require.NoFileExists(t, s.incomingPath(si, 0))
	require.ErrorIs(t, res.Writers[0].Write(ctx, 0, []byte("late")), model.ErrWriterClosed)
	require.NoError(t, busy.Close(ctx))

	again := allocate(t, s, si, 400, 0)
	require.Len(t, again.Writers, 1, "an abandoned share can be allocated again")
	space, _ = s.AvailableSpace()
	require.Equal(t, uint64(600), space)
}

func TestReservedSpace(t *testing.T) {
	s := newTestServer(t, func(c *Config) {
		c.ReservedSpace = 500
		c.DiskFree = func(string) (uint64, error) { return 1000, nil }
	})
	res := allocate(t, s, model.StorageIndex{1}, 200, 0, 1, 2)
	require.Len(t, res.Writers, 2)

	v, err := s.GetVersion(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), v.MaximumImmutableShareSize)
	require.Equal(t, model.ApplicationVersion, v.ApplicationVersion)
}

func TestReadOnly(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.ReadOnly = true })
	res := allocate(t, s, model.StorageIndex{1}, 1, 0)
	require.Empty(t, res.Writers)
	v, err := s.GetVersion(context.Background())
	require.NoError(t, err)
	require.Zero(t, v.MaximumImmutableShareSize)
}

func TestMaxShareSize(t *testing.T) {
	s := newTestServer(t, func(c *Config) { c.MaxShareSize = 100 })
	require.Empty(t, allocate(t, s, model.StorageIndex{1}, 101, 0).Writers)
	require.Len(t, allocate(t, s, model.StorageIndex{2}, 100, 0).Writers, 1)
}

func TestReaderTruncatesAndToleratesDeletion(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)
	si := model.StorageIndex{0xee}
	w := allocate(t, s, si, 6, 4).Writers[4]
	require.NoError(t, w.Write(ctx, 0, []byte("abcdef")))
	require.NoError(t, w.Close(ctx))

	readers, err := s.GetBuckets(ctx, si)
	require.NoError(t, err)
	require.Len(t, readers, 1)
	r := readers[4]

	got, err := r.Read(ctx, 4, 100)
	require.NoError(t, err)
	require.Equal(t, "ef", string(got))
	got, err = r.Read(ctx, 10, 5)
	require.NoError(t, err)
	require.Empty(t, got)
	got, err = r.Read(ctx, 1, math.MaxUint32)
	require.NoError(t, err)
	require.Equal(t, "bcdef", string(got))
	got, err = r.Read(ctx, math.MaxUint64, math.MaxUint32)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, os.Remove(s.finalPath(si, 4)))
	_, err = r.Read(ctx, 0, 1)
	require.ErrorIs(t, err, model.ErrShareNotFound)

	none, err := s.GetBuckets(ctx, model.StorageIndex{0x01})
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestAdviseCorruptShare(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)
	si := model.StorageIndex{0x12}
	require.NoError(t, s.Reader(si, 5).AdviseCorruptShare(ctx, "block hash mismatch"))
	require.NoError(t, s.AdviseCorruptShare(ctx, interfaces.ShareTypeImmutable, si, 5, "again"))

	names, err := s.Advisories()
	require.NoError(t, err)
	require.Len(t, names, 2)
	for _, name := range names {
		assert.True(t, strings.HasPrefix(name, "2026-03-01T120000.000000Z--"+si.String()+"-5"), name)
		assert.NotContains(t, name, ":")
	}
	body, err := os.ReadFile(filepath.Join(s.BaseDir(), advisoriesDir, names[0]))
	require.NoError(t, err)
	require.Contains(t, string(body), "block hash mismatch")
}

func TestLeaseOperations(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)
	si := model.StorageIndex{0x34}
	res := allocate(t, s, si, 1, 0, 1)
	for _, w := range res.Writers {
		require.NoError(t, w.Write(ctx, 0, []byte{7}))
		require.NoError(t, w.Close(ctx))
	}

	require.NoError(t, s.AddLease(ctx, si, secret(3), secret(4)))
	require.NoError(t, s.RenewLease(ctx, si, secret(3)))
	require.ErrorIs(t, s.RenewLease(ctx, si, secret(9)), model.ErrLeaseNotFound)
	require.ErrorIs(t, s.AddLease(ctx, model.StorageIndex{0x99}, secret(3), secret(4)), model.ErrShareNotFound)

	require.NoError(t, s.CancelLease(ctx, si, secret(2)))
	require.FileExists(t, s.finalPath(si, 0), "second lease keeps the share")
	require.ErrorIs(t, s.CancelLease(ctx, si, secret(2)), model.ErrLeaseNotFound)

	require.NoError(t, s.CancelLease(ctx, si, secret(4)))
	require.NoFileExists(t, s.finalPath(si, 0))
	require.NoFileExists(t, s.finalPath(si, 1))
	require.NoDirExists(t, s.shareDir(si))
}

func TestExpireLeases(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t, nil)
	si := model.StorageIndex{0x56}
	w := allocate(t, s, si, 1, 0).Writers[0]
	require.NoError(t, w.Write(ctx, 0, []byte{1}))
	require.NoError(t, w.Close(ctx))

	n, err := s.ExpireLeases(testNow.Add(time.Hour))
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.ExpireLeases(testNow.Add(model.DefaultLeaseDuration + time.Second))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoFileExists(t, s.finalPath(si, 0))
}

func TestLatencies(t *testing.T) {
	s := newTestServer(t, nil)
	for i := 1; i <= 1500; i++ {
		s.stats.add("read", time.Duration(i))
	}
	s.stats.add("close", time.Millisecond)

	lat := s.Latencies()
	read := lat["read"]
	require.Equal(t, latencySamples, read.Samples)
	require.Len(t, read.Percentiles, len(Percentiles))
	require.Equal(t, time.Duration(511), read.Percentiles[0.01])
	require.Equal(t, time.Duration(1001), read.Percentiles[0.5])
	require.GreaterOrEqual(t, read.Percentiles[0.999], time.Duration(1499))

	closeLat := lat["close"]
	require.Equal(t, time.Millisecond, closeLat.Mean)
	require.Empty(t, closeLat.Percentiles)
}

// Shares on disk are exactly the shares that still hold a lease.
func TestLeaseAccountingRapid(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		now := testNow
		cfg := testConfig(t.TempDir())
		cfg.Now = func() time.Time { return now }
		s, err := New(cfg)
		if err != nil {
			rt.Fatal(err)
		}
		defer s.Close()
		si := model.StorageIndex{0x77}

		steps := rapid.IntRange(1, 25).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			owner := rapid.ByteRange(1, 3).Draw(rt, "owner")
			switch rapid.IntRange(0, 3).Draw(rt, "op") {
			case 0:
				shnum := model.ShareNum(rapid.IntRange(0, 2).Draw(rt, "shnum"))
				res, err := s.AllocateBuckets(ctx, interfaces.AllocateRequest{
					StorageIndex: si, RenewSecret: secret(owner), CancelSecret: secret(owner + 10),
					ShareNums: []model.ShareNum{shnum}, AllocatedSize: 1,
				})
				if err != nil {
					rt.Fatal(err)
				}
				for _, w := range res.Writers {
					if err := w.Write(ctx, 0, []byte{1}); err != nil {
						rt.Fatal(err)
					}
					if err := w.Close(ctx); err != nil {
						rt.Fatal(err)
					}
				}
			case 1:
				_ = s.RenewLease(ctx, si, secret(owner))
			case 2:
				_ = s.CancelLease(ctx, si, secret(owner+10))
			case 3:
				now = now.Add(time.Duration(rapid.IntRange(1, 40).Draw(rt, "days")) * 24 * time.Hour)
				if _, err := s.ExpireLeases(now); err != nil {
					rt.Fatal(err)
				}
			}

			onDisk, err := s.ShareNums(si)
			if err != nil {
				rt.Fatal(err)
			}
			for sh := model.ShareNum(0); sh < 3; sh++ {
				leases, err := s.Leases(si, sh)
				if err != nil {
					rt.Fatal(err)
				}
				present := false
				for _, d := range onDisk {
					present = present || d == sh
				}
				if present != (len(leases) > 0) {
					rt.Fatalf("share %d on disk=%v leases=%d", sh, present, len(leases))
				}
			}
		}
	})
}
