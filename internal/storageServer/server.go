// Package storageServer keeps immutable shares on local disk and serves
// the storage RPC surface for them.
package storageServer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/i5heu/ouroboros-grid/internal/leaseDB"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

const (
	logKeyStorageIndex = "si"
	logKeyShare        = "shnum"
	logKeyPath         = "path"
	logKeySize         = "size"
	logKeyError        = "error"
	logKeyReason       = "reason"
)

const (
	sharesDir     = "shares"
	incomingDir   = "incoming"
	advisoriesDir = "corruption-advisories"
	leaseDBDir    = "leasedb"

	// DefaultIdleTimeout aborts writers that see no write for this long.
	DefaultIdleTimeout = 30 * time.Minute
)

type Config struct {
	// BaseDir is the storage root holding shares/, incoming/ and the
	// lease database.
	BaseDir string
	ID      model.ServerID
	// ReservedSpace is kept free on the disk; allocations that would dip
	// into it are refused.
	ReservedSpace uint64
	// MaxShareSize caps a single share. Zero means no cap beyond disk space.
	MaxShareSize  uint64
	ReadOnly      bool
	LeaseDuration time.Duration
	// IdleTimeout aborts a bucket writer after this long without a Write.
	// Zero means DefaultIdleTimeout; negative disables it.
	IdleTimeout time.Duration
	Logger      *slog.Logger

	// Now and DiskFree are replaced in tests.
	Now      func() time.Time
	DiskFree func(path string) (uint64, error)
}

type shareKey struct {
	si    model.StorageIndex
	shnum model.ShareNum
}

// Server implements interfaces.StorageServer over a directory tree.
type Server struct {
	config Config
	log    *slog.Logger
	leases *leaseDB.LeaseDB
	stats  *latencyStats

	mu     sync.Mutex
	active map[shareKey]*BucketWriter
}

var _ interfaces.StorageServer = (*Server)(nil)

func New(config Config) (*Server, error) {
	if config.BaseDir == "" {
		return nil, errors.New("storage server: no base directory")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if config.LeaseDuration == 0 {
		config.LeaseDuration = model.DefaultLeaseDuration
	}
	if config.IdleTimeout == 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.DiskFree == nil {
		config.DiskFree = diskFree
	}

	for _, dir := range []string{sharesDir, incomingDir, advisoriesDir} {
		if err := os.MkdirAll(filepath.Join(config.BaseDir, dir), 0o700); err != nil {
			return nil, fmt.Errorf("storage server: %w", err)
		}
	}

	leases, err := leaseDB.Open(leaseDB.Config{
		Path:   filepath.Join(config.BaseDir, leaseDBDir),
		Logger: config.Logger,
	})
	if err != nil {
		return nil, err
	}

	// The lease database holds the directory lock, so nothing else can be
	// writing below incoming/ now.
	stale, err := clearIncoming(filepath.Join(config.BaseDir, incomingDir))
	if err != nil {
		leases.Close()
		return nil, fmt.Errorf("storage server: clear incoming: %w", err)
	}
	if stale > 0 {
		config.Logger.Info("removed unfinished uploads", logKeyPath, config.BaseDir, "entries", stale)
	}

	s := &Server{
		config: config,
		log:    config.Logger.With("server", config.ID.Short()),
		leases: leases,
		stats:  newLatencyStats(),
		active: make(map[shareKey]*BucketWriter),
	}
	s.logDiskUsage()
	return s, nil
}

// Close aborts open writers and closes the lease database.
func (s *Server) Close() error {
	s.mu.Lock()
	writers := make([]*BucketWriter, 0, len(s.active))
	for _, w := range s.active {
		writers = append(writers, w)
	}
	s.mu.Unlock()
	for _, w := range writers {
		_ = w.Abort(context.Background())
	}
	return s.leases.Close()
}

// clearIncoming empties dir; uploads cannot survive a restart.
func clearIncoming(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

func (s *Server) ID() model.ServerID { return s.config.ID }

func (s *Server) BaseDir() string { return s.config.BaseDir }

func (s *Server) shareDir(si model.StorageIndex) string {
	return filepath.Join(s.config.BaseDir, sharesDir, si.Prefix(), si.String())
}

func (s *Server) incomingShareDir(si model.StorageIndex) string {
	return filepath.Join(s.config.BaseDir, incomingDir, si.Prefix(), si.String())
}

func (s *Server) finalPath(si model.StorageIndex, shnum model.ShareNum) string {
	return filepath.Join(s.shareDir(si), strconv.FormatUint(uint64(shnum), 10))
}

func (s *Server) incomingPath(si model.StorageIndex, shnum model.ShareNum) string {
	return filepath.Join(s.incomingShareDir(si), strconv.FormatUint(uint64(shnum), 10))
}

// AvailableSpace is free disk minus the reservation and minus what open
// writers may still write. ok is false when free space is unknown.
func (s *Server) AvailableSpace() (space uint64, ok bool) {
	if s.config.ReadOnly {
		return 0, true
	}
	free, err := s.config.DiskFree(s.config.BaseDir)
	if err != nil {
		s.log.Debug("free space unknown", logKeyError, err)
		return 0, false
	}
	if free < s.config.ReservedSpace {
		return 0, true
	}
	space = free - s.config.ReservedSpace
	pending := s.pendingBytes()
	if pending >= space {
		return 0, true
	}
	return space - pending, true
}

func (s *Server) pendingBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, w := range s.active {
		total += w.allocated
	}
	return total
}

func (s *Server) GetVersion(ctx context.Context) (interfaces.VersionInfo, error) {
	defer s.stats.record("get_version", time.Now())
	space, ok := s.AvailableSpace()
	maxShare := uint64(1) << 62
	if ok {
		maxShare = space
	}
	if s.config.MaxShareSize > 0 && s.config.MaxShareSize < maxShare {
		maxShare = s.config.MaxShareSize
	}
	return interfaces.VersionInfo{
		MaximumImmutableShareSize:               maxShare,
		AvailableSpace:                          space,
		ToleratesImmutableReadOverrun:           true,
		DeleteMutableSharesWithZeroLengthWritev: true,
		ApplicationVersion:                      model.ApplicationVersion,
	}, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Server) newLease(renew, cancel model.LeaseSecret) model.Lease {
	return model.Lease{
		RenewSecret:  renew,
		CancelSecret: cancel,
		Expiration:   s.config.Now().Add(s.config.LeaseDuration),
		NodeID:       s.config.ID,
	}
}

// AllocateBuckets creates incoming buckets for the requested shares.
// Finished shares are reported in AlreadyHave and get their lease renewed;
// shares with an upload in flight are neither.
func (s *Server) AllocateBuckets(
	ctx context.Context,
	req interfaces.AllocateRequest,
) (interfaces.AllocateResult, error) {
	defer s.stats.record("allocate", time.Now())
	if err := ctx.Err(); err != nil {
		return interfaces.AllocateResult{}, err
	}

	lease := s.newLease(req.RenewSecret, req.CancelSecret)
	remaining, limited := s.AvailableSpace()
	if s.config.MaxShareSize > 0 && req.AllocatedSize > s.config.MaxShareSize {
		remaining, limited = 0, true
	}

	result := interfaces.AllocateResult{Writers: make(map[model.ShareNum]interfaces.BucketWriter)}
	shnums := append([]model.ShareNum(nil), req.ShareNums...)
	sort.Slice(shnums, func(i, j int) bool { return shnums[i] < shnums[j] })

	for _, shnum := range shnums {
		key := shareKey{req.StorageIndex, shnum}
		final := s.finalPath(req.StorageIndex, shnum)
		if exists(final) {
			if err := s.leases.AddOrRenew(req.StorageIndex, shnum, lease); err != nil {
				return interfaces.AllocateResult{}, fmt.Errorf("allocate: renew lease: %w", err)
			}
			result.AlreadyHave = append(result.AlreadyHave, shnum)
			continue
		}
		s.mu.Lock()
		_, inFlight := s.active[key]
		s.mu.Unlock()
		if inFlight || exists(s.incomingPath(req.StorageIndex, shnum)) {
			continue
		}
		if limited && remaining < req.AllocatedSize {
			s.log.Debug("no room for share",
				logKeyStorageIndex, req.StorageIndex,
				logKeyShare, shnum,
				logKeySize, humanize.IBytes(req.AllocatedSize))
			continue
		}
		w, err := s.newBucketWriter(req.StorageIndex, shnum, req.AllocatedSize, lease, req.Canary)
		if err != nil {
			s.abortAll(result.Writers)
			return interfaces.AllocateResult{}, err
		}
		result.Writers[shnum] = w
		if limited {
			remaining -= req.AllocatedSize
		}
	}

	s.log.Info("allocated buckets",
		logKeyStorageIndex, req.StorageIndex,
		"already_have", len(result.AlreadyHave),
		"allocated", len(result.Writers),
		logKeySize, humanize.IBytes(req.AllocatedSize))
	return result, nil
}

func (s *Server) abortAll(writers map[model.ShareNum]interfaces.BucketWriter) {
	for _, w := range writers {
		_ = w.Abort(context.Background())
	}
}

// Writer finds an open writer, for transports that address writers by
// storage index and share number.
func (s *Server) Writer(si model.StorageIndex, shnum model.ShareNum) (*BucketWriter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.active[shareKey{si, shnum}]
	return w, ok
}

// ActiveWriters counts buckets still being written.
func (s *Server) ActiveWriters() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Server) register(w *BucketWriter) {
	s.mu.Lock()
	s.active[shareKey{w.si, w.shnum}] = w
	s.mu.Unlock()
}

func (s *Server) unregister(w *BucketWriter) {
	s.mu.Lock()
	if s.active[shareKey{w.si, w.shnum}] == w {
		delete(s.active, shareKey{w.si, w.shnum})
	}
	s.mu.Unlock()
}

// ShareNums lists finished shares under si in ascending order.
func (s *Server) ShareNums(si model.StorageIndex) ([]model.ShareNum, error) {
	entries, err := os.ReadDir(s.shareDir(si))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []model.ShareNum
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		out = append(out, model.ShareNum(n))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Server) GetBuckets(
	ctx context.Context,
	si model.StorageIndex,
) (map[model.ShareNum]interfaces.BucketReader, error) {
	defer s.stats.record("get", time.Now())
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shnums, err := s.ShareNums(si)
	if err != nil {
		return nil, fmt.Errorf("get buckets %s: %w", si, err)
	}
	out := make(map[model.ShareNum]interfaces.BucketReader, len(shnums))
	for _, shnum := range shnums {
		out[shnum] = s.Reader(si, shnum)
	}
	return out, nil
}

// Reader opens a reader for one share without checking that it exists.
func (s *Server) Reader(si model.StorageIndex, shnum model.ShareNum) *BucketReader {
	return &BucketReader{server: s, si: si, shnum: shnum, path: s.finalPath(si, shnum)}
}

// deleteShare removes a finished share and any directories it leaves empty.
func (s *Server) deleteShare(si model.StorageIndex, shnum model.ShareNum) error {
	if err := os.Remove(s.finalPath(si, shnum)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	removeEmptyParents(s.shareDir(si))
	if err := s.leases.DeleteShare(si, shnum); err != nil {
		return err
	}
	s.log.Info("deleted share", logKeyStorageIndex, si, logKeyShare, shnum)
	return nil
}

// removeEmptyParents removes dir and its parent if they are empty.
// Failures such as ENOTEMPTY are ignored.
func removeEmptyParents(dir string) {
	if err := os.Remove(dir); err != nil {
		return
	}
	_ = os.Remove(filepath.Dir(dir))
}

// Latencies reports per-operation latency statistics.
func (s *Server) Latencies() map[string]LatencySummary {
	return s.stats.summaries()
}
