package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/previewtools/go-preview-server/internal/connection"
	"github.com/previewtools/go-preview-server/internal/host"
	"github.com/previewtools/go-preview-server/internal/server"
	"github.com/previewtools/go-preview-server/internal/watcher"
	"github.com/previewtools/go-preview-server/pkg/config"
	"github.com/previewtools/go-preview-server/pkg/logging"
)

var (
	configFile = flag.String("config", "configs/config.yaml", "Path to configuration file")
	root       = flag.String("root", "", "Workspace root to serve (overrides config)")
	port       = flag.Int("port", 0, "HTTP port to serve on (overrides config)")
	version    = "dev"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Flags override the file
	if *root != "" {
		cfg.Serving.Root = *root
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	// Initialize logger
	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting Preview Server",
		zap.String("version", version),
		zap.String("build_time", buildTime),
	)

	workspace, err := filepath.Abs(cfg.Serving.Root)
	if err != nil {
		logger.Fatal("Failed to resolve workspace root", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Live settings store; edits to the config file apply to the
	// running server.
	store := config.NewStore(cfg, logger)
	if err := store.WatchFile(ctx, *configFile); err != nil {
		logger.Warn("Configuration file is not being watched", zap.Error(err))
	}

	env := host.NewLocalEnvironment()
	notifier := host.NewLogNotifier(logger)

	connections := connection.NewManager(store, env, notifier, logger)
	conn := connections.Get(workspace)

	w, err := watcher.New(workspace, store, logger)
	if err != nil {
		logger.Fatal("Failed to create workspace watcher", zap.Error(err))
	}
	if err := w.Start(ctx); err != nil {
		logger.Fatal("Failed to watch workspace", zap.Error(err))
	}
	defer func() { _ = w.Close() }()

	manager := server.NewManager(store, conn, env, notifier, w, logger)
	defer manager.Dispose()

	conn.OnConnected.Subscribe(func(info connection.Info) {
		logger.Info("Preview available",
			zap.String("http_uri", info.HTTPURI.String()),
			zap.String("ws_uri", info.WSURI.String()),
		)
	})

	if !manager.OpenServer(store.Get().Server.Port) {
		logger.Error("Failed to open preview server", zap.Int("port", store.Get().Server.Port))
		os.Exit(1)
	}

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	manager.CloseServer()

	logger.Info("Server exited")
}
