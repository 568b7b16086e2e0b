package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"syscall"
	"time"

	"edge-telemetry/backend/internal/api"
	"edge-telemetry/backend/internal/bridge"
	"edge-telemetry/backend/internal/config"
	"edge-telemetry/backend/internal/journal"
	"edge-telemetry/backend/internal/metrics"
	"edge-telemetry/backend/internal/store"
	"edge-telemetry/backend/pkg/migrator"
	"edge-telemetry/backend/pkg/mqtt"
	"edge-telemetry/backend/pkg/utils"
)

func main() {
	sigCtx, sigCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	cfg, err := config.New("bridge")
	if err != nil {
		fatalIfErr(slog.Default(), fmt.Errorf("failed to create config: %w", err))
	}

	defer utils.LogOnError(slog.Default(), cfg.Close, "failed to close config")

	logger := utils.NewLogger(cfg.LogOutput, cfg.LogLevel, "bridge")
	logger.Info("Starting MQTT bridge", slog.String("mode", string(cfg.Mode)), slog.String("dialect", cfg.Dialect.String()))

	if err := runMigrations(logger, cfg); err != nil {
		fatalIfErr(logger, fmt.Errorf("failed to run migrations: %w", err))
	}

	st, err := store.Open(sigCtx, logger, cfg.Dialect, cfg.Database)
	fatalIfErr(logger, err)

	defer utils.LogOnError(logger, st.Close, "failed to close store")

	j, err := journal.New(logger, filepath.Join(cfg.DataDir, "journal"))
	fatalIfErr(logger, err)

	reg := metrics.NewRegistry()
	consumer := bridge.NewConsumer(logger, st, j,
		bridge.WithTopic(cfg.MQTTTopic),
		bridge.WithMetrics(reg.NewBridge()),
	)

	// Stays nil in development mode so /api/health reports MQTT as disabled.
	var conn api.ConnectionSource

	var client *mqtt.Client

	fatal := make(chan error, 1)
	report := func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	runCtx, runCancel := context.WithCancel(sigCtx)
	defer runCancel()

	switch cfg.Mode {
	case config.ModeProduction:
		opts := cfg.MQTTOptions()
		opts.PersistentSession = true
		opts.ManualAck = true

		client, err = mqtt.NewClient(logger, opts)
		fatalIfErr(logger, err)

		fatalIfErr(logger, consumer.Register(client))

		conn = client.Connection()
	case config.ModeDevelopment:
		sim, err := bridge.NewSimulator(logger, consumer, cfg.SampleInterval, cfg.SimulatedSensors(), uint64(time.Now().UnixNano()))
		fatalIfErr(logger, err)

		go func() {
			if err := sim.Run(runCtx); err != nil {
				report(fmt.Errorf("simulator failed: %w", err))
			}
		}()
	}

	consumerDone := make(chan error, 1)

	go func() { consumerDone <- consumer.Run(runCtx) }()

	httpServer := api.NewHTTPServer(logger, net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		api.NewRouter(logger, api.NewHandler(st, conn), reg.Handler()))
	httpServer.StartOnBackground(sigCancel)

	if client != nil {
		if err := client.Connect(sigCtx); err != nil && sigCtx.Err() == nil {
			report(fmt.Errorf("failed to connect to MQTT broker: %w", err))
		}

		go func() {
			select {
			case err := <-client.Fatal():
				report(err)
			case <-runCtx.Done():
			}
		}()
	}

	var runErr error

	select {
	case <-sigCtx.Done():
		logger.Info("received signal, shutting down...")
	case runErr = <-fatal:
		logger.Error("bridge failed, shutting down...", utils.ErrAttr(runErr))
	}

	// Drain the worker before disconnecting so its acks still reach the broker.
	runCancel()

	if err := <-consumerDone; err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("ingest worker did not drain cleanly", utils.ErrAttr(err))
	}

	if client != nil {
		client.Disconnect()
	}

	if err := httpServer.ShutdownWithDefaultTimeout(); err != nil {
		logger.Error("http server shutdown failed", utils.ErrAttr(err))
	}

	fatalIfErr(logger, runErr)

	logger.Info("bridge exited gracefully")
}

func runMigrations(l *slog.Logger, c *config.Config) error {
	l.Info("Running database migrations")

	mig, err := migrator.New(l, c.Dialect, c.Database)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := mig.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	l.Info("Database migrations completed successfully")

	return nil
}

func fatalIfErr(l *slog.Logger, err error) {
	if err == nil {
		return
	}

	l.Error("fatal error", utils.ErrAttr(err), slog.String("stack", string(debug.Stack())))
	os.Exit(1)
}
