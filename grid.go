/*
Package grid is the client side of an immutable-file storage grid. A Node
holds the secrets, the server list and the upload, download, check and
repair machinery; it keeps no package-level state.
*/
package grid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/ouroboros-grid/internal/download"
	"github.com/i5heu/ouroboros-grid/internal/placement"
	"github.com/i5heu/ouroboros-grid/internal/repair"
	"github.com/i5heu/ouroboros-grid/internal/upload"
	"github.com/i5heu/ouroboros-grid/pkg/interfaces"
	"github.com/i5heu/ouroboros-grid/pkg/layout"
	"github.com/i5heu/ouroboros-grid/pkg/model"
	"github.com/i5heu/ouroboros-grid/pkg/uri"
	workerpool "github.com/i5heu/ouroboros-grid/pkg/workerPool"
)

const defaultStatusHistory = 20

var ErrClosed = errors.New("grid: node closed")

// Config configures a Node.
type Config struct {
	// BaseDir holds private/ with the node secrets. Created if missing.
	BaseDir string
	Params  model.EncodingParams
	// Servers is the initial server list; SetServers replaces it.
	Servers []interfaces.ServerRef
	// RPCTimeout bounds each remote call made while downloading.
	RPCTimeout time.Duration
	// Version selects the share container version for new uploads.
	Version layout.Version
	// Helper, if set, receives ciphertext for assisted uploads.
	Helper upload.Helper
	// StatusHistory is how many finished uploads Statuses remembers.
	StatusHistory int
	// Logger is an optional structured logger. If nil, a stderr logger is used.
	Logger *slog.Logger
}

// Node is one grid client. Its methods are safe for concurrent use.
type Node struct {
	log    *slog.Logger
	config Config

	secrets Secrets
	pool    *workerpool.WorkerPool

	uploader   *upload.Uploader
	downloader *download.Downloader
	checker    *repair.Checker
	repairer   *repair.Repairer

	serversMu sync.RWMutex
	servers   []interfaces.ServerRef

	statusID   atomic.Uint64
	statusMu   sync.Mutex
	statuses   []*upload.UploadStatus
	closeOnce  sync.Once
	closed     atomic.Bool
	closeFuncs []func() error
}

func defaultLogger() *slog.Logger { // A
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// New loads or creates the node secrets and wires the services.
func New(conf Config) (*Node, error) { // A
	if conf.BaseDir == "" {
		return nil, fmt.Errorf("grid: a base directory is required")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	if conf.Params == (model.EncodingParams{}) {
		conf.Params = model.DefaultEncodingParams()
	}
	if err := conf.Params.Validate(); err != nil {
		return nil, fmt.Errorf("grid: %w", err)
	}
	if conf.RPCTimeout == 0 {
		conf.RPCTimeout = download.DefaultRPCTimeout
	}
	if conf.StatusHistory <= 0 {
		conf.StatusHistory = defaultStatusHistory
	}
	secrets, err := LoadSecrets(conf.BaseDir)
	if err != nil {
		return nil, err
	}

	n := &Node{
		log:     conf.Logger,
		config:  conf,
		secrets: secrets,
		pool:    workerpool.NewWorkerPool(workerpool.Config{}),
		servers: append([]interfaces.ServerRef(nil), conf.Servers...),
	}
	n.uploader = upload.New(upload.Config{
		Logger:            n.log,
		Servers:           n.Servers,
		Selector:          placement.New(placement.Config{Logger: n.log}),
		Params:            conf.Params,
		ConvergenceSecret: secrets.Convergence,
		LeaseSecret:       secrets.Lease,
		Version:           conf.Version,
		Pool:              n.pool,
		Helper:            conf.Helper,
	})
	n.downloader = download.New(download.Config{
		Logger:     n.log,
		Servers:    n.Servers,
		RPCTimeout: conf.RPCTimeout,
	})
	n.checker = repair.NewChecker(repair.CheckerConfig{
		Logger:     n.log,
		Servers:    n.Servers,
		RPCTimeout: conf.RPCTimeout,
	})
	n.repairer = repair.New(repair.Config{
		Logger:     n.log,
		Checker:    n.checker,
		Downloader: n.downloader,
		Uploader:   n.uploader,
	})
	return n, nil
}

// Servers returns a copy of the current server list.
func (n *Node) Servers() []interfaces.ServerRef {
	n.serversMu.RLock()
	defer n.serversMu.RUnlock()
	return append([]interfaces.ServerRef(nil), n.servers...)
}

// SetServers replaces the server list. Operations already running keep
// the list they started with.
func (n *Node) SetServers(servers []interfaces.ServerRef) {
	n.serversMu.Lock()
	n.servers = append([]interfaces.ServerRef(nil), servers...)
	n.serversMu.Unlock()
}

// OnClose registers cleanup for resources the node depends on, such as
// open connections to servers.
func (n *Node) OnClose(fn func() error) {
	n.closeFuncs = append(n.closeFuncs, fn)
}

func (n *Node) Secrets() Secrets { return n.secrets }

func (n *Node) Params() model.EncodingParams { return n.config.Params }

// Upload stores u and returns its capability. The upload is recorded in
// the status history.
func (n *Node) Upload(ctx context.Context, u upload.Uploadable) (*upload.Results, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	status := upload.NewUploadStatus(n.statusID.Add(1), time.Now())
	n.remember(status)
	return n.uploader.Upload(ctx, u, status)
}

// UploadBytes is Upload for in-memory data.
func (n *Node) UploadBytes(ctx context.Context, data []byte) (*upload.Results, error) {
	return n.Upload(ctx, upload.FromBytes(data))
}

// UploadFile uploads the file at path.
func (n *Node) UploadFile(ctx context.Context, path string) (*upload.Results, error) {
	f, err := upload.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("grid: %w", err)
	}
	defer f.Close()
	return n.Upload(ctx, f)
}

func (n *Node) remember(s *upload.UploadStatus) {
	n.statusMu.Lock()
	defer n.statusMu.Unlock()
	n.statuses = append(n.statuses, s)
	// Drop the oldest finished entries once over the limit.
	for len(n.statuses) > n.config.StatusHistory {
		idx := -1
		for i, st := range n.statuses {
			if !st.Snapshot().Active {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		n.statuses = append(n.statuses[:idx], n.statuses[idx+1:]...)
	}
}

// Statuses returns snapshots of recent and running uploads, oldest first.
func (n *Node) Statuses() []upload.StatusSnapshot {
	n.statusMu.Lock()
	defer n.statusMu.Unlock()
	out := make([]upload.StatusSnapshot, len(n.statuses))
	for i, s := range n.statuses {
		out[i] = s.Snapshot()
	}
	return out
}

// Status returns the upload with the given id.
func (n *Node) Status(id uint64) (*upload.UploadStatus, bool) {
	n.statusMu.Lock()
	defer n.statusMu.Unlock()
	for _, s := range n.statuses {
		if s.ID() == id {
			return s, true
		}
	}
	return nil, false
}

// Download writes the whole file named by c to w.
func (n *Node) Download(ctx context.Context, c uri.Cap, w io.Writer) (*download.Results, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	return n.downloader.Download(ctx, c, w)
}

// DownloadRange writes length bytes starting at offset. The range is
// clipped to the file size.
func (n *Node) DownloadRange(ctx context.Context, c uri.Cap, w io.Writer, offset, length uint64) (*download.Results, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	return n.downloader.DownloadRange(ctx, c, w, offset, length)
}

// Open streams a range of the file. Closing the reader early stops the
// download.
func (n *Node) Open(ctx context.Context, c uri.Cap, offset, length uint64) io.ReadCloser {
	return n.downloader.Open(ctx, c, offset, length)
}

// Check reports share health. With verify set every share is read and
// checked against the hash trees; otherwise shares are only counted.
func (n *Node) Check(ctx context.Context, c uri.Cap, verify bool) (*repair.CheckResults, error) {
	vc, err := verifierOf(c)
	if err != nil {
		return nil, err
	}
	return n.checker.Check(ctx, vc, verify)
}

// Repair checks the file and re-creates missing shares.
func (n *Node) Repair(ctx context.Context, c uri.Cap, verify bool) (*repair.Results, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	vc, err := verifierOf(c)
	if err != nil {
		return nil, err
	}
	pre, err := n.checker.Check(ctx, vc, verify)
	if err != nil {
		return nil, err
	}
	return n.repairer.Repair(ctx, vc, pre)
}

var errLiteralCap = errors.New("grid: literal files have no shares")

func verifierOf(c uri.Cap) (uri.VerifyCap, error) {
	switch v := c.(type) {
	case uri.ReadCap:
		return v.Verifier(), nil
	case uri.VerifyCap:
		return v, nil
	case uri.LiteralCap:
		return uri.VerifyCap{}, errLiteralCap
	}
	return uri.VerifyCap{}, fmt.Errorf("grid: %w: %T", uri.ErrUnknownCap, c)
}

// Close stops the worker pool and runs the registered cleanups. Close is
// idempotent.
func (n *Node) Close() error { // A
	var closeErr error
	n.closeOnce.Do(func() {
		n.closed.Store(true)
		for _, fn := range n.closeFuncs {
			if err := fn(); err != nil {
				closeErr = errors.Join(closeErr, err)
			}
		}
		n.pool.Close()
	})
	return closeErr
}
