package commands

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/distsys-edu/atomicdrive/internal/atomicregister"
	"github.com/distsys-edu/atomicdrive/internal/frontend"
	"github.com/distsys-edu/atomicdrive/internal/kvstore"
	"github.com/distsys-edu/atomicdrive/internal/logger"
	"github.com/distsys-edu/atomicdrive/internal/metrics"
	"github.com/distsys-edu/atomicdrive/internal/registerclient"
	"github.com/distsys-edu/atomicdrive/internal/sectors"
	"github.com/distsys-edu/atomicdrive/internal/wire"
	"github.com/distsys-edu/atomicdrive/internal/worker"
	"github.com/distsys-edu/atomicdrive/pkg/config"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a register process",
	Long: `Start one process of the replicated atomic disk drive.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/atomicdrive/config.yaml.

Examples:
  # Start with the default config location
  atomicdrive start

  # Start with a custom config file
  atomicdrive start --config /etc/atomicdrive/config.yaml

  # Override the log level via environment variable
  ATOMICDRIVE_LOGGING_LEVEL=DEBUG atomicdrive start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()),
		logger.ProcessRank(cfg.SelfRank))

	clientKey, systemKey, err := loadHMACKeys(cfg)
	if err != nil {
		return fmt.Errorf("failed to load HMAC keys: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var promReg *prometheus.Registry
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		promReg = prometheus.NewRegistry()
		m = metrics.New(promReg)
	}

	sectorsMgr, err := sectors.NewManager(filepath.Join(cfg.StorageDir, "sectors_manager"))
	if err != nil {
		return fmt.Errorf("failed to initialize sectors manager: %w", err)
	}

	locations := make([]registerclient.Location, len(cfg.TCPLocations))
	for i, loc := range cfg.TCPLocations {
		locations[i] = registerclient.Location{Rank: uint8(i + 1), Addr: loc.Addr()}
	}
	client := registerclient.New(cfg.SelfRank, locations, systemKey, m)
	defer client.Close()

	workers, closers, err := buildWorkers(cfg, sectorsMgr, client)
	if err != nil {
		return fmt.Errorf("failed to initialize workers: %w", err)
	}
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	dispatcher := worker.NewDispatcher(workers)
	go dispatcher.Run(ctx)

	listener, err := net.Listen("tcp", cfg.SelfAddr().Addr())
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", cfg.SelfAddr().Addr(), err)
	}

	server := frontend.NewServer(listener, dispatcher, cfg.ProcessCount(), cfg.NSectors, clientKey, systemKey, m)

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Serve(ctx) }()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: metrics.NewHandler(promReg),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", logger.Err(err))
			}
		}()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	} else {
		logger.Info("metrics disabled")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("register process listening", "addr", cfg.SelfAddr().Addr(), "process_count", cfg.ProcessCount())

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("server error", logger.Err(err))
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			logger.Error("server shutdown error", logger.Err(err))
			return err
		}
	case <-shutdownCtx.Done():
		logger.Error("graceful shutdown timed out")
	}

	logger.Info("register process stopped")
	return nil
}

// buildWorkers constructs one atomicregister.Register and worker.Worker
// per worker slot, each with its own rid-storage instance (every register
// persists its rid under the same fixed key, so workers cannot share one).
func buildWorkers(cfg *config.Config, sectorsMgr *sectors.Manager, client *registerclient.Client) ([worker.NumWorkers]*worker.Worker, []io.Closer, error) {
	var workers [worker.NumWorkers]*worker.Worker
	var closers []io.Closer

	stableDir := filepath.Join(cfg.StorageDir, "stable_storage")
	for id := 0; id < worker.NumWorkers; id++ {
		storage, closer, err := openStableStorage(cfg, stableDir, id)
		if err != nil {
			return workers, closers, err
		}
		if closer != nil {
			closers = append(closers, closer)
		}

		reg := atomicregister.New(cfg.SelfRank, cfg.ProcessCount(), storage, sectorsMgr, client)
		workers[id] = worker.New(uint8(id), reg)
	}

	return workers, closers, nil
}

func openStableStorage(cfg *config.Config, stableDir string, id int) (atomicregister.Storage, io.Closer, error) {
	dir := filepath.Join(stableDir, fmt.Sprintf("worker_0x%02x", id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating stable storage dir %s: %w", dir, err)
	}

	switch cfg.StableStorageBackend {
	case "badger":
		store, err := kvstore.NewBadgerStore(dir, cfg.BadgerMemTableSize)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return kvstore.NewFileStore(dir), nil, nil
	}
}

// loadHMACKeys reads and length-validates the client and system HMAC key
// files referenced by cfg.
func loadHMACKeys(cfg *config.Config) (clientKey, systemKey []byte, err error) {
	clientKey, err = os.ReadFile(cfg.HMACClientKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading hmac_client_key: %w", err)
	}
	if len(clientKey) != wire.ClientKeySize {
		return nil, nil, fmt.Errorf("hmac_client_key must be %d bytes, got %d", wire.ClientKeySize, len(clientKey))
	}

	systemKey, err = os.ReadFile(cfg.HMACSystemKeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading hmac_system_key: %w", err)
	}
	if len(systemKey) != wire.SystemKeySize {
		return nil, nil, fmt.Errorf("hmac_system_key must be %d bytes, got %d", wire.SystemKeySize, len(systemKey))
	}

	return clientKey, systemKey, nil
}
