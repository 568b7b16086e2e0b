// Command replay publishes the events a sensor node journaled while the
// broker was unreachable. Run it while the sensor process is stopped, or for
// past days only.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"

	"edge-telemetry/backend/internal/config"
	"edge-telemetry/backend/internal/edge"
	"edge-telemetry/backend/internal/journal"
	"edge-telemetry/backend/internal/publish"
	"edge-telemetry/backend/pkg/mqtt"
	"edge-telemetry/backend/pkg/utils"

	"github.com/spf13/pflag"
)

func main() {
	var (
		dir    string
		days   []string
		dryRun bool
		keep   bool
	)

	flags := pflag.NewFlagSet("replay", pflag.ExitOnError)
	flags.StringVar(&dir, "dir", "", "journal directory (default $DATA_DIR/journal)")
	flags.StringSliceVar(&days, "day", nil, "day to replay as YYYY-MM-DD, repeatable (default all days)")
	flags.BoolVar(&dryRun, "dry-run", false, "only count the journaled events")
	flags.BoolVar(&keep, "keep", false, "keep replayed day files instead of archiving them")

	_ = flags.Parse(os.Args[1:])

	sigCtx, sigCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	cfg, err := config.New("replay")
	if err != nil {
		fatalIfErr(slog.Default(), fmt.Errorf("failed to create config: %w", err))
	}

	defer utils.LogOnError(slog.Default(), cfg.Close, "failed to close config")

	logger := utils.NewLogger(cfg.LogOutput, cfg.LogLevel, "replay")

	if dir == "" {
		dir = filepath.Join(cfg.DataDir, "journal")
	}

	j, err := journal.New(logger, dir)
	fatalIfErr(logger, err)

	opts := edge.ReplayOptions{Days: days, DeviceID: cfg.DeviceID, DryRun: dryRun, Keep: keep}

	// Replay never sends in dry-run mode.
	var (
		sender edge.Sender
		client *mqtt.Client
	)

	if !dryRun {
		client, err = mqtt.NewClient(logger, cfg.MQTTOptions())
		fatalIfErr(logger, err)

		fatalIfErr(logger, client.Connect(sigCtx))

		sender = publish.New(logger, client, cfg.MQTTTopic)
	}

	report, err := edge.Replay(sigCtx, logger, j, sender, opts)

	logger.Info("Replay finished",
		slog.Int("days", report.Days),
		slog.Int("sent", report.Sent),
		slog.Int("skipped", report.Skipped),
		slog.Int("archived", len(report.Archived)),
		slog.Bool("dryRun", dryRun),
	)

	if client != nil {
		client.Disconnect()
	}

	fatalIfErr(logger, err)
}

func fatalIfErr(l *slog.Logger, err error) {
	if err == nil {
		return
	}

	l.Error("fatal error", utils.ErrAttr(err), slog.String("stack", string(debug.Stack())))
	os.Exit(1)
}
