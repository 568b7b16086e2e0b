// Package journal is the local fallback log: one JSON array per calendar day
// holding the events that could not be delivered.
package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"edge-telemetry/backend/internal/telemetry"
	"edge-telemetry/backend/pkg/utils"
)

const dayLayout = "2006-01-02"

var dayFile = regexp.MustCompile(`^daily_(\d{4}-\d{2}-\d{2})\.json$`)

// Record is one journal entry: the wire payload of the event plus when and
// why it was journaled.
type Record struct {
	telemetry.Payload
	RecordedAt string `json:"recorded_at"`
	Reason     string `json:"reason"`
}

// Event converts the record back into a sensor event.
func (r Record) Event() (telemetry.SensorEvent, error) {
	return telemetry.FromPayload(r.Payload)
}

// Journal appends records to per-day files in a directory. Appends are
// serialised; each one rewrites the day file atomically.
type Journal struct {
	mu  sync.Mutex
	l   *slog.Logger
	dir string
	now func() time.Time
}

// Option configures a Journal.
type Option func(*Journal)

// WithClock replaces time.Now. The clock's location decides the day boundary.
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// New opens (creating if needed) a journal directory.
func New(l *slog.Logger, dir string, opts ...Option) (*Journal, error) {
	if dir == "" {
		return nil, errors.New("journal directory is required")
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{
		l:   l.With(slog.String("component", "journal"), slog.String("dir", dir)),
		dir: dir,
		now: time.Now,
	}

	for _, opt := range opts {
		opt(j)
	}

	return j, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// Path returns the file that holds the records of day (YYYY-MM-DD).
func (j *Journal) Path(day string) string {
	return filepath.Join(j.dir, "daily_"+day+".json")
}

// Append adds e to today's file.
func (j *Journal) Append(e telemetry.SensorEvent, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	day := now.Format(dayLayout)
	path := j.Path(day)

	entries, err := j.load(path)
	if err != nil {
		return err
	}

	raw, err := utils.ToJSON(Record{
		Payload:    telemetry.ToPayload(e),
		RecordedAt: now.Format(time.RFC3339Nano),
		Reason:     reason,
	})
	if err != nil {
		return fmt.Errorf("failed to encode journal record: %w", err)
	}

	entries = append(entries, raw)

	data, err := utils.ToJSONIndent(entries)
	if err != nil {
		return fmt.Errorf("failed to encode journal: %w", err)
	}

	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write journal %s: %w", path, err)
	}

	j.l.Info("Journaled sensor event", slog.String("day", day), slog.String("eventID", e.ID()), slog.String("reason", reason), slog.Int("entries", len(entries)))

	return nil
}

// Read returns the records of day. Entries that are not valid records (for
// example written by older firmware) are skipped and counted in skipped.
func (j *Journal) Read(day string) (records []Record, skipped int, err error) {
	if _, err := time.Parse(dayLayout, day); err != nil {
		return nil, 0, fmt.Errorf("invalid day %q: %w", day, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.load(j.Path(day))
	if err != nil {
		return nil, 0, err
	}

	for i, raw := range entries {
		rec, err := utils.FromJSON[Record](raw)
		if err != nil {
			j.l.Warn("Skipping unreadable journal entry", slog.String("day", day), slog.Int("index", i), utils.ErrAttr(err))

			skipped++

			continue
		}

		records = append(records, rec)
	}

	return records, skipped, nil
}

// Days lists the days that have a journal file, oldest first.
func (j *Journal) Days() ([]string, error) {
	dirEntries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal directory: %w", err)
	}

	var days []string

	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}

		if m := dayFile.FindStringSubmatch(de.Name()); m != nil {
			days = append(days, m[1])
		}
	}

	slices.Sort(days)

	return days, nil
}

// Archive renames the file of day so it is no longer listed by Days.
func (j *Journal) Archive(day string) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.Path(day)
	dst := path + ".replayed-" + strconv.FormatInt(j.now().Unix(), 10)

	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("failed to archive journal %s: %w", path, err)
	}

	return dst, nil
}

// load reads the entries of a day file. A missing or empty file is an empty
// journal, a single object is a one-element journal and an unparsable file is
// moved aside and treated as empty.
func (j *Journal) load(path string) ([]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read journal %s: %w", path, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	if entries, err := utils.FromJSON[[]json.RawMessage](data); err == nil {
		return entries, nil
	}

	if obj, err := utils.FromJSON[map[string]json.RawMessage](data); err == nil {
		raw, err := utils.ToJSON(obj)
		if err != nil {
			return nil, err
		}

		return []json.RawMessage{raw}, nil
	}

	dst := path + ".corrupt-" + strconv.FormatInt(j.now().Unix(), 10)
	if err := os.Rename(path, dst); err != nil {
		return nil, fmt.Errorf("failed to move corrupt journal %s aside: %w", path, err)
	}

	j.l.Error("Journal file is corrupt, starting a new one", slog.String("path", path), slog.String("preservedAs", dst))

	return nil, nil
}

func writeFileAtomic(path string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}

	if err = tmp.Sync(); err != nil {
		return err
	}

	if err = tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
