package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"edge-telemetry/backend/internal/metrics"
	"edge-telemetry/backend/internal/store"
	"edge-telemetry/backend/internal/telemetry"
	"edge-telemetry/backend/pkg/retry"
	"edge-telemetry/backend/pkg/retry/retrytest"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var (
	errDown       = &store.Error{Op: "begin", Kind: store.ErrUnavailable, Err: errors.New("connection refused")}
	errConstraint = &store.Error{Op: "insert", Kind: store.ErrConstraintViolation, Err: errors.New("CHECK constraint failed")}
)

// fakeStore replays errs on successive calls and succeeds afterwards.
type fakeStore struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	batches []telemetry.IngestBatch
	seen    map[string]bool
	block   bool
}

func (s *fakeStore) InsertBatch(ctx context.Context, b telemetry.IngestBatch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++

	if s.block {
		s.mu.Unlock()
		<-ctx.Done()
		s.mu.Lock()

		return 0, &store.Error{Op: "insert", Kind: store.ErrUnavailable, Err: ctx.Err()}
	}

	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]

		return 0, err
	}

	if s.seen == nil {
		s.seen = make(map[string]bool)
	}

	inserted := 0

	for _, r := range b.Rows {
		key := r.Time.String() + "|" + r.DeviceID + "|" + r.SensorType
		if !s.seen[key] {
			s.seen[key] = true
			inserted++
		}
	}

	s.batches = append(s.batches, b)

	return inserted, nil
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls
}

func (s *fakeStore) stored() []telemetry.IngestBatch {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]telemetry.IngestBatch(nil), s.batches...)
}

type fakeJournal struct {
	mu      sync.Mutex
	err     error
	events  []telemetry.SensorEvent
	reasons []string
}

func (j *fakeJournal) Append(e telemetry.SensorEvent, reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.err != nil {
		return j.err
	}

	j.events = append(j.events, e)
	j.reasons = append(j.reasons, reason)

	return nil
}

func samplePayload(t *testing.T, deviceID string) []byte {
	t.Helper()

	data, err := telemetry.Encode(telemetry.NewSensorEvent(
		"0190f5a2-7c1e-7000-8000-000000000001",
		telemetry.KindRegularReading,
		deviceID,
		time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC),
		nil,
		telemetry.NewReading("temperature", 21.4, "celsius"),
		telemetry.NewReading("humidity", 48.2, "percent"),
		telemetry.FailedReading("pressure", "Could not read pressure data"),
	))
	require.NoError(t, err)

	return data
}

func failedPayload(t *testing.T) []byte {
	t.Helper()

	data, err := telemetry.Encode(telemetry.NewSensorEvent("e2", telemetry.KindMotionDetected, "pi-01", time.Now(), nil,
		telemetry.FailedReading("temperature", "Could not read temperature data")))
	require.NoError(t, err)

	return data
}

func TestHandle(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		topic       string
		payload     func(t *testing.T) []byte
		storeErrs   []error
		journalErr  error
		want        string
		storeCalls  int
		wantWaits   []time.Duration
		wantJournal int
		wantDevice  string
	}{
		{
			name:       "stored",
			topic:      "sensors/pi-01/events",
			payload:    func(t *testing.T) []byte { return samplePayload(t, "pi-01") },
			want:       metrics.OutcomeInserted,
			storeCalls: 1,
			wantDevice: "pi-01",
		},
		{
			name:    "malformed json",
			topic:   "sensors/pi-01/events",
			payload: func(*testing.T) []byte { return []byte(`{"timestamp":`) },
			want:    metrics.OutcomeDecode,
		},
		{
			name:    "not an event",
			topic:   "sensors/pi-01/events",
			payload: func(*testing.T) []byte { return []byte(`{"temperature": 21.5}`) },
			want:    metrics.OutcomeDecode,
		},
		{
			name:       "device id from topic",
			topic:      "sensors/pi-07/events",
			payload:    func(t *testing.T) []byte { return samplePayload(t, "") },
			want:       metrics.OutcomeInserted,
			storeCalls: 1,
			wantDevice: "pi-07",
		},
		{
			name:    "no device id anywhere",
			topic:   "telemetry",
			payload: func(t *testing.T) []byte { return samplePayload(t, "") },
			want:    metrics.OutcomeDecode,
		},
		{
			name:    "only failed readings",
			topic:   "sensors/pi-01/events",
			payload: failedPayload,
			want:    metrics.OutcomeEmpty,
		},
		{
			name:       "constraint violation is not retried",
			topic:      "sensors/pi-01/events",
			payload:    func(t *testing.T) []byte { return samplePayload(t, "pi-01") },
			storeErrs:  []error{errConstraint},
			want:       metrics.OutcomeRejected,
			storeCalls: 1,
		},
		{
			name:       "recovers after retries",
			topic:      "sensors/pi-01/events",
			payload:    func(t *testing.T) []byte { return samplePayload(t, "pi-01") },
			storeErrs:  []error{errDown, errDown},
			want:       metrics.OutcomeInserted,
			storeCalls: 3,
			wantWaits:  []time.Duration{time.Second, 2 * time.Second},
			wantDevice: "pi-01",
		},
		{
			name:        "journaled when retries run out",
			topic:       "sensors/pi-01/events",
			payload:     func(t *testing.T) []byte { return samplePayload(t, "pi-01") },
			storeErrs:   []error{errDown, errDown, errDown, errDown, errDown},
			want:        metrics.OutcomeJournaled,
			storeCalls:  5,
			wantWaits:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
			wantJournal: 1,
		},
		{
			name:       "abandoned when the journal fails too",
			topic:      "sensors/pi-01/events",
			payload:    func(t *testing.T) []byte { return samplePayload(t, "pi-01") },
			storeErrs:  []error{errDown, errDown, errDown, errDown, errDown},
			journalErr: errors.New("disk full"),
			want:       metrics.OutcomeAbandoned,
			storeCalls: 5,
			wantWaits:  []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := &fakeStore{errs: tt.storeErrs}
			j := &fakeJournal{err: tt.journalErr}
			timer := &retrytest.InstantTimer{}
			c := NewConsumer(discardLogger(), s, j, WithRetryOptions(retry.WithTimer(timer)))

			got := c.Handle(context.Background(), tt.topic, tt.payload(t))

			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.storeCalls, s.callCount())
			assert.Equal(t, tt.wantWaits, timer.Waits())
			assert.Len(t, j.events, tt.wantJournal)

			if tt.wantJournal > 0 {
				assert.Contains(t, j.reasons[0], "store unavailable")
				assert.Equal(t, "pi-01", j.events[0].DeviceID())
			}

			if tt.wantDevice != "" {
				batches := s.stored()
				require.Len(t, batches, 1)
				assert.Equal(t, tt.wantDevice, batches[0].DeviceID)
				require.Len(t, batches[0].Rows, 2)
				assert.Equal(t, []string{"pressure"}, batches[0].Skipped)
			}
		})
	}
}

func TestHandleRedeliveryIsDuplicate(t *testing.T) {
	t.Parallel()

	s := &fakeStore{}
	c := NewConsumer(discardLogger(), s, &fakeJournal{})
	payload := samplePayload(t, "pi-01")

	assert.Equal(t, metrics.OutcomeInserted, c.Handle(context.Background(), "sensors/pi-01/events", payload))
	assert.Equal(t, metrics.OutcomeDuplicate, c.Handle(context.Background(), "sensors/pi-01/events", payload))
}

func TestRunAcksAfterHandling(t *testing.T) {
	t.Parallel()

	reg := metrics.NewRegistry()
	m := reg.NewBridge()
	s := &fakeStore{}
	c := NewConsumer(discardLogger(), s, &fakeJournal{}, WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- c.Run(ctx) }()

	var mu sync.Mutex

	var acked []string

	ack := func(name string) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()

			acked = append(acked, name)
		}
	}

	require.NoError(t, c.Submit(ctx, "sensors/pi-01/events", []byte("not json"), ack("malformed")))
	require.NoError(t, c.Submit(ctx, "sensors/pi-01/events", samplePayload(t, "pi-01"), ack("valid")))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(acked) == 2
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"malformed", "valid"}, acked)
	assert.Len(t, s.stored(), 1)

	assert.InDelta(t, 2, testutil.ToFloat64(m.Received), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Outcomes.WithLabelValues(metrics.OutcomeDecode)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Outcomes.WithLabelValues(metrics.OutcomeInserted)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.RowsInserted), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(m.QueueDepth), 0)

	require.ErrorIs(t, c.Submit(context.Background(), "sensors/pi-01/events", nil, nil), ErrStopped)
}

func TestRunDrainsQueueOnShutdown(t *testing.T) {
	t.Parallel()

	s := &fakeStore{}
	c := NewConsumer(discardLogger(), s, &fakeJournal{})

	acks := 0
	for range 3 {
		require.NoError(t, c.Submit(context.Background(), "sensors/pi-01/events", samplePayload(t, "pi-01"), func() { acks++ }))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, c.Run(ctx))
	assert.Equal(t, 3, acks)
	assert.Equal(t, 3, s.callCount())
}

func TestDrainTimeoutLeavesMessagesUnacked(t *testing.T) {
	t.Parallel()

	s := &fakeStore{block: true}
	c := NewConsumer(discardLogger(), s, &fakeJournal{}, WithDrainTimeout(50*time.Millisecond))

	acks := 0
	for range 2 {
		require.NoError(t, c.Submit(context.Background(), "sensors/pi-01/events", samplePayload(t, "pi-01"), func() { acks++ }))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := c.Run(ctx)

	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, acks)
	assert.Equal(t, 1, s.callCount())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestSubmitRespectsContext(t *testing.T) {
	t.Parallel()

	c := NewConsumer(discardLogger(), &fakeStore{}, &fakeJournal{}, WithQueueSize(1))
	require.NoError(t, c.Submit(context.Background(), "sensors/a/events", nil, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, c.Submit(ctx, "sensors/a/events", nil, nil), context.DeadlineExceeded)
}
