package utils

import (
	"io"
	"log/slog"
	"strings"
	"time"
)

const logTimeFormat = "2006-01-02 15:04:05"

// LogWriter adapts a slog.Logger to io.Writer so libraries that print
// plain lines (dbmate, paho's debug loggers) end up in structured logs.
type LogWriter struct {
	logger *slog.Logger
}

// NewSlogWriter returns an io.Writer that logs every written line at info level.
func NewSlogWriter(l *slog.Logger) *LogWriter {
	return &LogWriter{logger: l}
}

// Write logs p as a single message with trailing newlines removed.
// Blank writes are swallowed.
func (w *LogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\r\n")
	if strings.TrimSpace(msg) != "" {
		w.logger.Info(msg)
	}

	return len(p), nil
}

// ErrAttr returns the attribute used for errors across the codebase.
func ErrAttr(err error) slog.Attr {
	return slog.Any("error", err)
}

// SlogReplacer renders time and duration attributes as human readable strings.
func SlogReplacer(_ []string, a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindTime:
		return slog.String(a.Key, a.Value.Time().Format(logTimeFormat))
	case slog.KindDuration:
		return slog.String(a.Key, a.Value.Duration().String())
	default:
		return a
	}
}

// NewLogger returns the JSON logger every binary uses, tagged with the build
// version and the process name.
func NewLogger(w io.Writer, level slog.Leveler, process string) *slog.Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource:   true,
		Level:       level,
		ReplaceAttr: SlogReplacer,
	})

	return slog.New(h).With(slog.String("version", GetVersionShort()), slog.String("process", process))
}

// LogOnError runs fn and logs msg with the returned error, if any.
// Meant for deferred Close calls.
func LogOnError(l *slog.Logger, fn func() error, msg string) {
	if err := fn(); err != nil {
		l.Error(msg, ErrAttr(err))
	}
}

// Since is a small helper for logging elapsed time in milliseconds.
func Since(start time.Time) slog.Attr {
	return slog.Int64("elapsed_ms", time.Since(start).Milliseconds())
}
