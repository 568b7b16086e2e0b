package edge

import (
	"context"
	"fmt"
	"log/slog"

	"edge-telemetry/backend/internal/journal"
	"edge-telemetry/backend/pkg/utils"
)

// ReplaySource is the read side of a journal.
type ReplaySource interface {
	Days() ([]string, error)
	Read(day string) (records []journal.Record, skipped int, err error)
	Archive(day string) (string, error)
}

// ReplayOptions selects what Replay sends.
type ReplayOptions struct {
	// Days to replay. Empty means every journaled day.
	Days []string
	// DeviceID is used for records that carry none.
	DeviceID string
	// DryRun only counts the records.
	DryRun bool
	// Keep leaves fully replayed day files in place instead of archiving them.
	Keep bool
}

// ReplayReport counts what Replay did.
type ReplayReport struct {
	Days     int
	Sent     int
	Skipped  int
	Archived []string
}

// Replay sends journaled events day by day, oldest first, in journal order.
// It stops at the first failed send and leaves that day in place, so running
// it again resends the day from the start; the bridge drops the duplicates.
func Replay(ctx context.Context, l *slog.Logger, src ReplaySource, sender Sender, opts ReplayOptions) (ReplayReport, error) {
	l = l.With(slog.String("component", "replay"))

	var report ReplayReport

	days := opts.Days
	if len(days) == 0 {
		var err error

		days, err = src.Days()
		if err != nil {
			return report, err
		}
	}

	for _, day := range days {
		records, skipped, err := src.Read(day)
		if err != nil {
			return report, err
		}

		report.Days++
		report.Skipped += skipped

		dl := l.With(slog.String("day", day))
		dl.Info("Replaying journal", slog.Int("records", len(records)), slog.Int("skipped", skipped))

		for _, rec := range records {
			e, err := rec.Event()
			if err != nil {
				dl.Warn("Skipping invalid journal record", slog.String("eventID", rec.ID), utils.ErrAttr(err))

				report.Skipped++

				continue
			}

			if e.DeviceID() == "" {
				e = e.WithDeviceID(opts.DeviceID)
			}

			if opts.DryRun {
				continue
			}

			if err := sender.Send(ctx, e); err != nil {
				return report, fmt.Errorf("failed to replay event %s from %s: %w", e.ID(), day, err)
			}

			report.Sent++
		}

		if opts.DryRun || opts.Keep {
			continue
		}

		dst, err := src.Archive(day)
		if err != nil {
			return report, err
		}

		report.Archived = append(report.Archived, dst)
		dl.Info("Journal replayed and archived", slog.String("archive", dst))
	}

	return report, nil
}
