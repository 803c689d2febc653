package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/i5heu/ouroboros-grid/internal/storageServer"
	"github.com/i5heu/ouroboros-grid/pkg/hashutil"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/logging"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/stretchr/testify/require"
)

// ErrInjected is returned by fault-injecting servers and writers.
var ErrInjected = errors.New("testutil: injected failure")

// Grid is a set of in-process storage servers rooted in a test's temp dir.
type Grid struct {
	t       testing.TB
	Servers []*storageServer.Server
	Faults  []*FaultyServer
}

// GridOption tweaks each server's config before it is built.
type GridOption func(i int, c *storageServer.Config)

// WithDiskFree fixes every server's free space.
func WithDiskFree(free uint64) GridOption {
	return func(_ int, c *storageServer.Config) {
		c.DiskFree = func(string) (uint64, error) { return free, nil }
	}
}

// WithNow fixes the clock of every server.
func WithNow(now func() time.Time) GridOption {
	return func(_ int, c *storageServer.Config) { c.Now = now }
}

// WithIdleTimeout sets how long every server keeps a quiet writer.
func WithIdleTimeout(d time.Duration) GridOption {
	return func(_ int, c *storageServer.Config) { c.IdleTimeout = d }
}

// NewGrid starts n servers named server-0..server-n-1. Each is wrapped
// in a FaultyServer that passes everything through until told otherwise.
func NewGrid(t testing.TB, n int, opts ...GridOption) *Grid {
	t.Helper()
	g := &Grid{t: t}
	for i := 0; i < n; i++ {
		cfg := storageServer.Config{
			BaseDir:  t.TempDir(),
			ID:       hashutil.ServerIDFromName(fmt.Sprintf("server-%d", i)),
			Logger:   logging.Discard(),
			DiskFree: func(string) (uint64, error) { return 1 << 40, nil },
		}
		for _, opt := range opts {
			opt(i, &cfg)
		}
		s, err := storageServer.New(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		g.Servers = append(g.Servers, s)
		g.Faults = append(g.Faults, &FaultyServer{StorageServer: s})
	}
	return g
}

// Refs returns the servers as clients see them.
func (g *Grid) Refs() []interfaces.ServerRef {
	out := make([]interfaces.ServerRef, len(g.Servers))
	for i, s := range g.Servers {
		out[i] = interfaces.ServerRef{
			ID:       s.ID(),
			Nickname: fmt.Sprintf("server-%d", i),
			Server:   g.Faults[i],
		}
	}
	return out
}

// Locate returns the servers holding share sh of si.
func (g *Grid) Locate(si model.StorageIndex, sh model.ShareNum) []*storageServer.Server {
	var out []*storageServer.Server
	for _, s := range g.Servers {
		nums, err := s.ShareNums(si)
		require.NoError(g.t, err)
		for _, n := range nums {
			if n == sh {
				out = append(out, s)
			}
		}
	}
	return out
}

// Shares counts finished shares of si across the grid, by share number.
func (g *Grid) Shares(si model.StorageIndex) map[model.ShareNum]int {
	out := make(map[model.ShareNum]int)
	for _, s := range g.Servers {
		nums, err := s.ShareNums(si)
		require.NoError(g.t, err)
		for _, n := range nums {
			out[n]++
		}
	}
	return out
}

// DeleteShare removes every copy of share sh of si from disk, bypassing
// lease accounting.
func (g *Grid) DeleteShare(si model.StorageIndex, sh model.ShareNum) {
	for _, s := range g.Locate(si, sh) {
		require.NoError(g.t, os.Remove(s.Reader(si, sh).Path()))
	}
}

// CorruptShare XORs the byte at offset of every copy of share sh.
func (g *Grid) CorruptShare(si model.StorageIndex, sh model.ShareNum, offset int64) {
	servers := g.Locate(si, sh)
	require.NotEmpty(g.t, servers, "share %d not found", sh)
	for _, s := range servers {
		path := s.Reader(si, sh).Path()
		data, err := os.ReadFile(path)
		require.NoError(g.t, err)
		require.Less(g.t, offset, int64(len(data)))
		data[offset] ^= 0x01
		require.NoError(g.t, os.WriteFile(path, data, 0o600))
	}
}

// FaultyServer forwards to a real server and fails on demand.
type FaultyServer struct {
	interfaces.StorageServer

	mu   sync.Mutex
	down bool
	// writeBudget, when set, is how many more writes succeed across all
	// writers this server hands out.
	writeBudget  int
	budgetActive bool
	calls        map[string]int
}

func (f *FaultyServer) count(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[name]++
	if f.down {
		return fmt.Errorf("%s: %w", name, ErrInjected)
	}
	return nil
}

// SetDown makes every subsequent call fail.
func (f *FaultyServer) SetDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

// FailWritesAfter lets n more bucket writes through and fails the rest.
func (f *FaultyServer) FailWritesAfter(n int) {
	f.mu.Lock()
	f.writeBudget, f.budgetActive = n, true
	f.mu.Unlock()
}

// Calls reports how often an RPC was made.
func (f *FaultyServer) Calls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *FaultyServer) takeWrite() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return false
	}
	if !f.budgetActive {
		return true
	}
	if f.writeBudget <= 0 {
		return false
	}
	f.writeBudget--
	return true
}

func (f *FaultyServer) GetVersion(ctx context.Context) (interfaces.VersionInfo, error) {
	if err := f.count("get_version"); err != nil {
		return interfaces.VersionInfo{}, err
	}
	return f.StorageServer.GetVersion(ctx)
}

func (f *FaultyServer) AllocateBuckets(ctx context.Context, req interfaces.AllocateRequest) (interfaces.AllocateResult, error) {
	if err := f.count("allocate_buckets"); err != nil {
		return interfaces.AllocateResult{}, err
	}
	res, err := f.StorageServer.AllocateBuckets(ctx, req)
	if err != nil {
		return res, err
	}
	for sh, w := range res.Writers {
		res.Writers[sh] = &faultyWriter{BucketWriter: w, server: f}
	}
	return res, nil
}

func (f *FaultyServer) GetBuckets(ctx context.Context, si model.StorageIndex) (map[model.ShareNum]interfaces.BucketReader, error) {
	if err := f.count("get_buckets"); err != nil {
		return nil, err
	}
	return f.StorageServer.GetBuckets(ctx, si)
}

func (f *FaultyServer) AdviseCorruptShare(ctx context.Context, shareType string, si model.StorageIndex, sh model.ShareNum, reason string) error {
	if err := f.count("advise_corrupt_share"); err != nil {
		return err
	}
	return f.StorageServer.AdviseCorruptShare(ctx, shareType, si, sh, reason)
}

type faultyWriter struct {
	interfaces.BucketWriter
	server *FaultyServer
}

func (w *faultyWriter) Write(ctx context.Context, offset uint64, data []byte) error {
	if !w.server.takeWrite() {
		return fmt.Errorf("write: %w", ErrInjected)
	}
	return w.BucketWriter.Write(ctx, offset, data)
}
