package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"edge-telemetry/backend/internal/broker"
	"edge-telemetry/backend/internal/config"
	"edge-telemetry/backend/pkg/utils"
)

func main() {
	sigCtx, sigCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	cfg, err := config.NewBroker()
	if err != nil {
		fatalIfErr(slog.Default(), fmt.Errorf("failed to create config: %w", err))
	}

	logger := utils.NewLogger(cfg.LogOutput, cfg.LogLevel, "broker")

	var tlsConfig *tls.Config

	if cfg.TLSAddr != "" {
		tlsConfig, err = broker.ServerTLSConfig(cfg.CACert, cfg.ServerCert, cfg.ServerKey)
		fatalIfErr(logger, err)
	}

	b, err := broker.New(logger, broker.Options{
		Addr:      cfg.Addr,
		TLSAddr:   cfg.TLSAddr,
		TLSConfig: tlsConfig,
	})
	fatalIfErr(logger, err)

	fatalIfErr(logger, b.Serve())
	logger.Info("MQTT broker listening", slog.String("address", cfg.Addr), slog.String("tlsAddress", cfg.TLSAddr))

	<-sigCtx.Done()
	logger.Info("received signal, shutting down...")

	if err := b.Close(); err != nil {
		logger.Error("mqtt broker shutdown failed", utils.ErrAttr(err))
	}

	logger.Info("broker exited gracefully")
}

func fatalIfErr(l *slog.Logger, err error) {
	if err == nil {
		return
	}

	l.Error("fatal error", utils.ErrAttr(err), slog.String("stack", string(debug.Stack())))
	os.Exit(1)
}
