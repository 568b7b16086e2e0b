package main

import (
	"context"
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
	"edge-telemetry/backend/internal/config"
	"edge-telemetry/backend/internal/edge"
	"edge-telemetry/backend/internal/geo"
	"edge-telemetry/backend/internal/journal"
	"edge-telemetry/backend/internal/metrics"
	"edge-telemetry/backend/internal/publish"
	"edge-telemetry/backend/internal/sensor"
	"edge-telemetry/backend/pkg/mqtt"
	"edge-telemetry/backend/pkg/utils"
)

const (
	// motionProbability is the chance per poll that the simulated PIR fires.
	motionProbability = 0.005
	motionHold        = 3 * time.Second
)

func main() {
	sigCtx, sigCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	cfg, err := config.New("sensor")
	if err != nil {
		fatalIfErr(slog.Default(), fmt.Errorf("failed to create config: %w", err))
	}

	defer utils.LogOnError(slog.Default(), cfg.Close, "failed to close config")

	logger := utils.NewLogger(cfg.LogOutput, cfg.LogLevel, "sensor")
	logger.Info("Starting sensor node", slog.String("deviceID", cfg.DeviceID), slog.String("mode", string(cfg.Mode)))

	// Resolved once; a failed lookup is kept as an error marker.
	location := geo.NewResolver(logger, cfg.GeoURL).Lookup(sigCtx)

	j, err := journal.New(logger, filepath.Join(cfg.DataDir, "journal"))
	fatalIfErr(logger, err)

	seed := uint64(time.Now().UnixNano())

	sampler, err := sensor.NewRangeSampler(sensor.EnvironmentRanges(), seed)
	fatalIfErr(logger, err)

	source := sensor.NewSource(logger, cfg.DeviceID,
		sensor.NewRandomMotion(motionProbability, motionHold, seed+1, time.Now),
		sampler,
		sensor.WithInterval(cfg.ReadingInterval),
		sensor.WithLocation(&location),
	)

	client, err := mqtt.NewClient(logger, cfg.MQTTOptions())
	fatalIfErr(logger, err)

	reg := metrics.NewRegistry()
	sensorMetrics := reg.NewSensor()

	httpServer := api.NewHTTPServer(logger, net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)), api.NewMetricsRouter(logger, reg.Handler()))
	httpServer.StartOnBackground(sigCancel)

	if err := client.Connect(sigCtx); err != nil {
		if sigCtx.Err() != nil {
			logger.Info("Interrupted while connecting, exiting")

			return
		}

		fatalIfErr(logger, fmt.Errorf("failed to connect to MQTT broker: %w", err))
	}

	runner := edge.NewRunner(logger, source, publish.New(logger, client, cfg.MQTTTopic), j,
		edge.WithPollInterval(cfg.PollInterval),
		edge.WithMetrics(sensorMetrics),
		edge.WithFatal(client.Fatal()),
	)

	runErr := runner.Run(sigCtx)

	logger.Info("Shutting down...")
	client.Disconnect()

	if err := httpServer.ShutdownWithDefaultTimeout(); err != nil {
		logger.Error("http server shutdown failed", utils.ErrAttr(err))
	}

	fatalIfErr(logger, runErr)

	logger.Info("Sensor node exited gracefully")
}

func fatalIfErr(l *slog.Logger, err error) {
	if err == nil {
		return
	}

	l.Error("fatal error", utils.ErrAttr(err), slog.String("stack", string(debug.Stack())))
	os.Exit(1)
}
