// Sensor tree server
//
// Features:
// - Lazy tree browsing: root and children listings
// - Search across names and metadata
// - Reveal-path for expanding a client tree down to one node
// - WebSocket batch updates with a rename simulator
// - Dataset from the built-in sample, YAML file (watched), S3, PostgreSQL or SQLite
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sensortree/sensortree/internal/api"
	"github.com/sensortree/sensortree/internal/config"
	"github.com/sensortree/sensortree/internal/dataset"
	"github.com/sensortree/sensortree/internal/events"
	"github.com/sensortree/sensortree/internal/logging"
	"github.com/sensortree/sensortree/internal/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("sensortree server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("dataset", string(cfg.Dataset.Kind)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load dataset
	data, closeData, err := loadDataset(ctx, cfg)
	if err != nil {
		logging.Fatal("dataset load failed", zap.Error(err))
	}
	defer closeData()
	logging.Info("dataset loaded", zap.Int("entities", data.Len()))

	if cfg.DatasetWatch {
		watcher, err := dataset.NewWatcher(cfg.Dataset.Location, data, dataset.DefaultDebounce)
		if err != nil {
			logging.Fatal("dataset watcher init failed", zap.Error(err))
		}
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logging.Error("dataset watcher stopped", zap.Error(err))
			}
		}()
	}

	// Initialize update broadcaster and simulator
	var sim *events.Simulator
	opts := events.Options{
		Interval: cfg.BroadcastInterval,
		MaxQueue: cfg.MaxQueuedUpdates,
		Logger:   logging.Named("broadcaster"),
	}
	if cfg.SimulateUpdates {
		opts.OnTick = func() { sim.Tick(ctx) }
	}
	broadcaster := events.NewBroadcaster(opts)
	if cfg.SimulateUpdates {
		sim = events.NewSimulator(data, broadcaster, events.SimulatorOptions{
			MaxEvents: cfg.SimulateMaxEvents,
			Persist:   cfg.SimulatePersist,
			Logger:    logging.Named("simulator"),
		})
		logging.Info("update simulator enabled",
			zap.Int("max_events", cfg.SimulateMaxEvents),
			zap.Bool("persist", cfg.SimulatePersist))
	}

	run(ctx, cancel, cfg, api.NewServer(data, broadcaster, cfg), broadcaster)
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, srv *api.Server, broadcaster *events.Broadcaster) {
	broadcaster.Start()
	logging.Info("update broadcaster started", zap.Duration("interval", cfg.BroadcastInterval))

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		logging.Info("shutting down...")
		cancel()

		// Closing subscribers ends every WebSocket handler with a close frame.
		broadcaster.Close()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}
