package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/perpsim/margin-engine/internal/chaos"
	"github.com/perpsim/margin-engine/internal/config"
	"github.com/perpsim/margin-engine/internal/engine"
	"github.com/perpsim/margin-engine/internal/logging"
	"github.com/perpsim/margin-engine/internal/msg"
	"github.com/perpsim/margin-engine/internal/observability"
	"github.com/perpsim/margin-engine/internal/snapshot"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig("engine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting engine service",
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("kafka_brokers", cfg.KafkaBrokers),
		zap.String("request_topic", cfg.RequestTopic),
		zap.String("confirmation_topic", cfg.ConfirmationTopic),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("auto_seed_balance", cfg.AutoSeedBalance),
	)

	// Open snapshot store
	dbPath := filepath.Join(cfg.DataDir, "snapshots.db")
	store, err := snapshot.Open(dbPath)
	if err != nil {
		logger.Fatal("failed to open snapshot store", zap.Error(err))
	}
	defer store.Close()

	snapshots := snapshot.NewManager(store, cfg.SnapshotBackupTTL(), logger)

	// Restore state from the latest snapshot, if any
	state := engine.NewState(cfg.SettlementAsset)
	startCtx, startCancel := context.WithTimeout(context.Background(), 10*time.Second)
	blob, err := snapshots.Load(startCtx)
	startCancel()
	switch {
	case err == nil:
		if err := state.RestoreSnapshot(blob); err != nil {
			logger.Warn("snapshot restore failed, starting from empty state", zap.Error(err))
			state = engine.NewState(cfg.SettlementAsset)
		} else {
			logger.Info("state restored from snapshot", zap.Int64("cursor", state.Cursor))
		}
	case errors.Is(err, snapshot.ErrNotFound):
		logger.Info("no snapshot found, starting from empty state at log tail")
	default:
		logger.Warn("snapshot load failed, starting from empty state", zap.Error(err))
	}

	// Resume exactly after the last applied event; with no history,
	// start at the log end rather than backfilling
	startOffset := int64(-1)
	if state.Cursor >= 0 {
		startOffset = state.Cursor + 1
	}

	// Create confirmation producer
	producer, err := msg.NewProducer(cfg.Brokers(), logger)
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Open the request log at the resume offset
	reader, err := msg.NewReader(cfg.Brokers(), cfg.RequestTopic, int32(cfg.Partition), startOffset, logger)
	if err != nil {
		logger.Fatal("failed to open request log reader", zap.Error(err))
	}
	defer reader.Close()

	// Create the engine and dispatcher
	eng := engine.New(state, producer, engine.Options{
		ConfirmationTopic: cfg.ConfirmationTopic,
		AutoSeedBalance:   cfg.AutoSeedBalance,
		AutoSeedAmount:    cfg.AutoSeedAmount,
	}, logger)

	var source engine.EventSource = reader
	chaosCfg := chaos.LoadConfig()
	if chaosCfg.Enabled {
		logger.Warn("chaos injection enabled",
			zap.Int("fail_pct", chaosCfg.FailPct),
			zap.Int("delay_ms_min", chaosCfg.DelayMsMin),
			zap.Int("delay_ms_max", chaosCfg.DelayMsMax),
		)
		source = &chaos.FlakySource{Inner: reader, Chaos: chaos.New(chaosCfg, logger)}
	}

	dispatcher := engine.NewDispatcher(eng, state, source, snapshots, engine.DispatcherConfig{
		StaleOrderThreshold: cfg.StaleOrderThreshold(),
		SnapshotInterval:    cfg.SnapshotInterval(),
		PollWait:            cfg.PollWait(),
		MaxReadFailures:     cfg.MaxReadFailures,
	}, logger)

	// Create health checker
	healthChecker := observability.NewHealthChecker(logger)
	healthChecker.SetLogReady(true)

	// Start HTTP health server
	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	// Mirror the dispatcher phase into /statusz
	phaseCtx, phaseCancel := context.WithCancel(context.Background())
	defer phaseCancel()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-phaseCtx.Done():
				return
			case <-ticker.C:
				healthChecker.SetPhase(dispatcher.Phase().String())
			}
		}
	}()

	// Start the dispatcher
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcherErrCh := make(chan error, 1)
	go func() {
		dispatcherErrCh <- dispatcher.Run(runCtx)
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		// The dispatcher takes its final snapshot before returning
		if err := <-dispatcherErrCh; err != nil {
			logger.Error("dispatcher exited with error", zap.Error(err))
		}
	case err := <-dispatcherErrCh:
		// Fatal read-failure exhaustion; the emergency snapshot is done
		logger.Error("dispatcher terminated", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
		cancel()
		<-dispatcherErrCh
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}

	logger.Info("engine service stopped")
}
