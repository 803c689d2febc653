package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/i5heu/ouroboros-grid/internal/config"
	"github.com/i5heu/ouroboros-grid/internal/framedRPC"
	"github.com/i5heu/ouroboros-grid/internal/storageHTTP"
	"github.com/i5heu/ouroboros-grid/internal/storageServer"
	"github.com/i5heu/ouroboros-grid/pkg/logging"
	"github.com/i5heu/ouroboros-grid/pkg/model"
)

const (
	logKeyListenAddr = "listenAddr"
	logKeyDataPath   = "dataPath"
	logKeySignal     = "signal"
	logKeyError      = "error"
	logKeyNodeID     = "nodeId"
	logKeyIDPath     = "idPath"
	logKeyReserved   = "reserved"
	logKeyReadOnly   = "readOnly"

	nodeIDFile           = "my_nodeid"
	leaseCrawlerInterval = time.Hour
	shutdownTimeout      = 10 * time.Second
)

func main() { // A
	cfg := parseFlags()

	conf := config.Default()
	if cfg.configPath != "" {
		var err error
		if conf, err = config.Load(cfg.configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	if cfg.listenAddr != "" {
		conf.Storage.Listen = cfg.listenAddr
	}
	if cfg.dataPath != "" {
		conf.Node.BaseDir = cfg.dataPath
	}

	level := logging.ParseLevel(conf.Node.LogLevel)
	if cfg.debug {
		level = slog.LevelDebug
	}
	logger := logging.New(level, os.Stderr)

	logger.InfoContext(context.Background(), "starting storage daemon",
		logKeyListenAddr, conf.Storage.Listen,
		logKeyDataPath, conf.Node.BaseDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.InfoContext(ctx, "received shutdown signal", logKeySignal, sig.String())
		cancel()
	}()

	if err := run(ctx, conf, logger); err != nil {
		logger.ErrorContext(context.Background(), "daemon error", logKeyError, err)
		os.Exit(1)
	}
}

type daemonConfig struct { // A
	configPath string
	dataPath   string
	listenAddr string
	debug      bool
}

func parseFlags() daemonConfig { // A
	cfg := daemonConfig{}
	flag.StringVar(&cfg.configPath, "config", "",
		"Path to the YAML config file")
	flag.StringVar(&cfg.dataPath, "data", "",
		"Node base directory (overrides node.basedir)")
	flag.StringVar(&cfg.listenAddr, "listen", "",
		"Address for HTTP and framed clients (overrides storage.listen)")
	flag.BoolVar(&cfg.debug, "debug", false,
		"Enable debug logging")
	flag.Parse()
	return cfg
}

// run serves storage until ctx ends. HTTP and framed clients share one
// listening port.
func run(ctx context.Context, conf config.Config, logger *slog.Logger) error { // A
	storageDir := filepath.Join(conf.Node.BaseDir, "storage")
	if err := os.MkdirAll(storageDir, 0o750); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}

	idPath := filepath.Join(conf.Node.BaseDir, nodeIDFile)
	nodeID, err := loadOrCreateNodeID(idPath, logger)
	if err != nil {
		return fmt.Errorf("setup node id: %w", err)
	}

	server, err := storageServer.New(storageServer.Config{
		BaseDir:       storageDir,
		ID:            nodeID,
		ReservedSpace: conf.ReservedSpace(),
		MaxShareSize:  conf.MaxShareSize(),
		ReadOnly:      conf.Storage.ReadOnly,
		LeaseDuration: conf.Storage.LeaseDuration,
		IdleTimeout:   conf.Storage.IdleTimeout,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Warn("error closing storage", logKeyError, err)
		}
	}()

	ln, err := net.Listen("tcp", conf.Storage.Listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	mux := framedRPC.NewMux(ln, framedRPC.NewServer(server, conf.Storage.Swissnum, logger))
	handler := storageHTTP.New(server,
		storageHTTP.WithSwissnum([]byte(conf.Storage.Swissnum)),
		storageHTTP.WithLogger(logger))
	httpServer := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() { errCh <- mux.Serve(ctx) }()
	go func() {
		if err := httpServer.Serve(mux.HTTP()); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			errCh <- err
		}
	}()
	go server.RunLeaseCrawler(ctx, leaseCrawlerInterval)

	space, _ := server.AvailableSpace()
	logger.InfoContext(ctx, "daemon started",
		logKeyNodeID, nodeID.Short(),
		logKeyListenAddr, ln.Addr().String(),
		logKeyReserved, humanize.IBytes(conf.ReservedSpace()),
		logKeyReadOnly, conf.Storage.ReadOnly,
		"available", humanize.IBytes(space))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			shutdownHTTP(httpServer, handler, logger)
			return err
		}
	}

	logger.InfoContext(context.Background(), "daemon shutting down")
	shutdownHTTP(httpServer, handler, logger)
	return nil
}

func shutdownHTTP(s *http.Server, h *storageHTTP.Server, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("error stopping http", logKeyError, err)
	}
	h.Abort()
}

// loadOrCreateNodeID reads the server id, creating a random one on first
// start.
func loadOrCreateNodeID(path string, logger *slog.Logger) (model.ServerID, error) { // A
	if data, err := os.ReadFile(path); err == nil {
		id, err := model.ParseServerID(strings.TrimSpace(string(data)))
		if err != nil {
			return model.ServerID{}, fmt.Errorf("load node id from %s: %w", path, err)
		}
		logger.Debug("loaded existing node id", logKeyIDPath, path)
		return id, nil
	}

	var id model.ServerID
	if _, err := rand.Read(id[:]); err != nil {
		return model.ServerID{}, fmt.Errorf("create node id: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return model.ServerID{}, fmt.Errorf("save node id to %s: %w", path, err)
	}
	logger.Info("created new node id", logKeyIDPath, path, logKeyNodeID, id.String())
	return id, nil
}
