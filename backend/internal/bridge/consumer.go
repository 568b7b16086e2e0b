// Package bridge consumes sensor events from the broker and persists them.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"edge-telemetry/backend/internal/metrics"
	"edge-telemetry/backend/internal/publish"
	"edge-telemetry/backend/internal/store"
	"edge-telemetry/backend/internal/telemetry"
	"edge-telemetry/backend/pkg/mqtt"
	"edge-telemetry/backend/pkg/retry"
	"edge-telemetry/backend/pkg/utils"
)

const (
	// Topic is the default subscription pattern; {deviceID} matches a single level.
	Topic               = publish.DefaultTopic
	DefaultQueueSize    = 256
	DefaultDrainTimeout = 10 * time.Second
)

// DefaultStorePolicy retries an unavailable store 5 times waiting 1,2,4,8 seconds.
var DefaultStorePolicy = retry.Policy{
	InitialInterval: time.Second,
	MaxInterval:     30 * time.Second,
	Multiplier:      2,
	MaxAttempts:     5,
}

// ErrStopped is returned by Submit once the consumer stopped accepting work.
var ErrStopped = errors.New("consumer stopped")

// Store persists ingest batches.
type Store interface {
	InsertBatch(ctx context.Context, b telemetry.IngestBatch) (int, error)
}

// Journal keeps events the store could not take.
type Journal interface {
	Append(e telemetry.SensorEvent, reason string) error
}

// Subscriber registers topic handlers before connecting.
type Subscriber interface {
	Subscribe(topic string, qos mqtt.QoS, handler mqtt.MessageHandler) error
}

type job struct {
	topic   string
	payload []byte
	ack     func()
}

// Consumer turns sensor messages into store writes. Messages are queued by
// the transport and handled one at a time by Run, in delivery order.
type Consumer struct {
	l            *slog.Logger
	topic        string
	store        Store
	journal      Journal
	metrics      *metrics.Bridge
	policy       retry.Policy
	drainTimeout time.Duration
	retryOpts    []retry.Option

	queue    chan job
	stopping chan struct{}
	stopOnce sync.Once
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithTopic changes the subscription pattern. It must contain {deviceID}.
func WithTopic(pattern string) Option {
	return func(c *Consumer) {
		if pattern != "" {
			c.topic = pattern
		}
	}
}

func WithStorePolicy(p retry.Policy) Option {
	return func(c *Consumer) { c.policy = p }
}

func WithQueueSize(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.queue = make(chan job, n)
		}
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(c *Consumer) { c.drainTimeout = d }
}

func WithMetrics(m *metrics.Bridge) Option {
	return func(c *Consumer) { c.metrics = m }
}

// WithRetryOptions passes options to every store retry, e.g. a fake timer.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(c *Consumer) { c.retryOpts = opts }
}

// NewConsumer creates a consumer writing to s and falling back to j.
func NewConsumer(l *slog.Logger, s Store, j Journal, opts ...Option) *Consumer {
	c := &Consumer{
		l:            l.With(slog.String("component", "bridge")),
		topic:        Topic,
		store:        s,
		journal:      j,
		metrics:      metrics.NopBridge(),
		policy:       DefaultStorePolicy,
		drainTimeout: DefaultDrainTimeout,
		queue:        make(chan job, DefaultQueueSize),
		stopping:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Register subscribes the consumer to the sensor topic with QoS 1.
func (c *Consumer) Register(sub Subscriber) error {
	return sub.Subscribe(c.topic, mqtt.QoSAtLeastOnce, func(msg mqtt.Message) {
		if err := c.Submit(context.Background(), msg.Topic(), msg.Payload(), msg.Ack); err != nil {
			c.l.Warn("Message not queued, leaving it for redelivery", slog.String("topic", msg.Topic()), utils.ErrAttr(err))
		}
	})
}

// Submit queues a message. ack is called once the message has been handled
// durably and may be nil. Submit blocks while the queue is full.
func (c *Consumer) Submit(ctx context.Context, topic string, payload []byte, ack func()) error {
	c.metrics.Received.Inc()

	select {
	case <-c.stopping:
		return ErrStopped
	default:
	}

	select {
	case c.queue <- job{topic: topic, payload: payload, ack: ack}:
		c.metrics.QueueDepth.Inc()

		return nil
	case <-c.stopping:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run handles queued messages until ctx is done, then stops accepting new
// ones and drains the queue for at most the drain timeout. Messages still
// queued after that are not acknowledged.
func (c *Consumer) Run(ctx context.Context) error {
	c.l.Info("Ingest worker started", slog.Int("queueSize", cap(c.queue)))

	for {
		if ctx.Err() != nil {
			c.stop()

			return c.drain()
		}

		select {
		case <-ctx.Done():
		case j := <-c.queue:
			c.process(ctx, j)
		}
	}
}

func (c *Consumer) stop() {
	c.stopOnce.Do(func() { close(c.stopping) })
}

func (c *Consumer) drain() error {
	pending := len(c.queue)
	c.l.Info("Draining ingest queue", slog.Int("pending", pending), slog.Duration("timeout", c.drainTimeout))

	ctx, cancel := context.WithTimeout(context.Background(), c.drainTimeout)
	defer cancel()

	for {
		select {
		case j := <-c.queue:
			c.process(ctx, j)
		default:
			c.l.Info("Ingest worker stopped")

			return nil
		}

		if ctx.Err() != nil {
			left := len(c.queue)
			c.l.Warn("Drain timeout reached, leaving messages for redelivery", slog.Int("left", left))

			return context.DeadlineExceeded
		}
	}
}

func (c *Consumer) process(ctx context.Context, j job) {
	c.metrics.QueueDepth.Dec()

	outcome := c.Handle(ctx, j.topic, j.payload)
	c.metrics.Outcomes.WithLabelValues(outcome).Inc()

	if outcome == metrics.OutcomeAbandoned {
		return
	}

	if j.ack != nil {
		j.ack()
	}
}

// Handle decodes payload and persists it. It returns the outcome label; every
// outcome except metrics.OutcomeAbandoned means the message may be acked.
func (c *Consumer) Handle(ctx context.Context, topic string, payload []byte) string {
	e, err := telemetry.Decode(payload)
	if err != nil {
		c.l.Error("Dropping undecodable message", slog.String("topic", topic), slog.Int("bytes", len(payload)), utils.ErrAttr(err))

		return metrics.OutcomeDecode
	}

	if e.DeviceID() == "" {
		params, err := mqtt.TopicParams(c.topic, topic)
		if err != nil || params["deviceID"] == "" {
			c.l.Error("Dropping message without device ID", slog.String("topic", topic), slog.String("eventID", e.ID()))

			return metrics.OutcomeDecode
		}

		e = e.WithDeviceID(params["deviceID"])
	}

	return c.Ingest(ctx, e)
}

// Ingest writes one event as one transaction, retrying while the store is
// unavailable and journaling the event when retries run out.
func (c *Consumer) Ingest(ctx context.Context, e telemetry.SensorEvent) string {
	l := c.l.With(slog.String("eventID", e.ID()), slog.String("deviceID", e.DeviceID()))

	b := telemetry.NewIngestBatch(e)
	if len(b.Skipped) > 0 {
		l.Warn("Skipping failed readings", slog.Any("sensors", b.Skipped))
	}

	if b.Empty() {
		l.Info("Event has no readings to store")

		return metrics.OutcomeEmpty
	}

	var inserted int

	opts := append([]retry.Option{
		retry.WithNotify(func(err error, attempt int, next time.Duration) {
			c.metrics.StoreRetries.Inc()
			l.Warn("Store unavailable, retrying",
				slog.Int("attempt", attempt),
				slog.Int("maxAttempts", c.policy.MaxAttempts),
				slog.Duration("retryIn", next),
				utils.ErrAttr(err),
			)
		}),
	}, c.retryOpts...)

	attempts, err := retry.Do(ctx, c.policy, func(int) error {
		n, err := c.store.InsertBatch(ctx, b)
		if errors.Is(err, store.ErrConstraintViolation) {
			return retry.Permanent(err)
		}

		inserted = n

		return err
	}, opts...)

	switch {
	case err == nil:
		c.metrics.RowsInserted.Add(float64(inserted))

		if inserted == 0 {
			l.Info("Duplicate event ignored", slog.Int("rows", len(b.Rows)))

			return metrics.OutcomeDuplicate
		}

		l.Debug("Event stored", slog.Int("rows", inserted))

		return metrics.OutcomeInserted
	case errors.Is(err, store.ErrConstraintViolation):
		l.Error("Dropping event rejected by the store", utils.ErrAttr(err))

		return metrics.OutcomeRejected
	case ctx.Err() != nil:
		l.Warn("Ingest interrupted, leaving message for redelivery", slog.Int("attempts", attempts), utils.ErrAttr(err))

		return metrics.OutcomeAbandoned
	}

	l.Error("Store unavailable after retries, journaling event", slog.Int("attempts", attempts), utils.ErrAttr(err))

	if jErr := c.journal.Append(e, "store unavailable: "+err.Error()); jErr != nil {
		l.Error("Failed to journal event, leaving message for redelivery", utils.ErrAttr(jErr))

		return metrics.OutcomeAbandoned
	}

	return metrics.OutcomeJournaled
}
