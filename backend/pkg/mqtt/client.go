package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"edge-telemetry/backend/pkg/retry"
	"edge-telemetry/backend/pkg/utils"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// Client wraps a paho client with an owned connection state machine and a
// bounded reconnect policy. paho's own auto-reconnect is disabled.
type Client struct {
	l      *slog.Logger
	opts   ClientOptions
	client paho.Client
	conn   *Connection

	subsMu        sync.Mutex
	subscriptions map[string]*SubscriptionSpec

	runConnectOnce atomic.Bool
	lost           chan error
	fatal          chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	retryOpts []retry.Option
}

// NewClient creates a client. Nothing is dialled until Connect.
func NewClient(l *slog.Logger, opts ClientOptions) (*Client, error) {
	opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	tlsConfig, err := opts.Security.tlsConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to build TLS configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		l:             l.With(slog.String("component", "mqtt-client"), slog.String("clientID", opts.ClientID)),
		opts:          opts,
		conn:          newConnection(),
		subscriptions: make(map[string]*SubscriptionSpec),
		lost:          make(chan error, 1),
		fatal:         make(chan error, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	clientOpts := paho.NewClientOptions()
	clientOpts.AddBroker(opts.BrokerURL())
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetProtocolVersion(4)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}

	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	clientOpts.SetAutoReconnect(false)
	clientOpts.SetConnectRetry(false)
	clientOpts.SetConnectTimeout(opts.ConnectTimeout)
	clientOpts.SetKeepAlive(opts.KeepAlive)
	clientOpts.SetPingTimeout(10 * time.Second)
	clientOpts.SetWriteTimeout(opts.PublishTimeout)
	clientOpts.SetOrderMatters(true)
	clientOpts.SetCleanSession(!opts.PersistentSession)
	clientOpts.SetAutoAckDisabled(opts.ManualAck)
	clientOpts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = paho.NewClient(clientOpts)

	c.l.Info("MQTT client created", slog.String("broker", opts.BrokerURL()), slog.Bool("persistentSession", opts.PersistentSession))

	return c, nil
}

// Subscribe registers a subscription on a parameterized topic pattern. It
// must be called before Connect; the subscription is (re)issued on every
// successful connection.
func (c *Client) Subscribe(topic string, qos QoS, handler MessageHandler) error {
	if c.runConnectOnce.Load() {
		return errors.New("cannot register subscription after connecting to MQTT broker")
	}

	if err := validateTopicPattern(topic); err != nil {
		return fmt.Errorf("invalid topic pattern: %w", err)
	}

	if err := validateQoS(qos); err != nil {
		return err
	}

	if handler == nil {
		return errors.New("handler is required")
	}

	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	if _, exists := c.subscriptions[topic]; exists {
		return fmt.Errorf("duplicate subscription: %s", topic)
	}

	c.subscriptions[topic] = &SubscriptionSpec{
		Topic:     topic,
		TopicMQTT: convertTopicToMQTT(topic),
		QoS:       qos,
		Handler:   handler,
	}

	c.l.Info("Registered MQTT subscription", slog.String("topic", topic))

	return nil
}

// Connect dials the broker following the connect policy. It returns a
// *ConnectError once the policy is exhausted or the broker refuses the
// credentials. After a successful Connect, lost connections are re-established
// in the background; if that fails the *ConnectError is delivered on Fatal.
func (c *Client) Connect(ctx context.Context) error {
	if !c.runConnectOnce.CompareAndSwap(false, true) {
		return errors.New("connect already called")
	}

	c.l.Info("Connecting to MQTT broker...")

	if err := c.connectWithRetry(ctx); err != nil {
		return err
	}

	c.wg.Add(1)

	go c.supervise()

	return nil
}

// Publish sends payload with QoS 1 and returns once the broker acknowledged it.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.conn.Connected() {
		return &SendError{Topic: topic, Err: ErrNotConnected}
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.PublishTimeout)
	defer cancel()

	token := c.client.Publish(topic, byte(PublishQoS), false, payload)

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return &SendError{Topic: topic, Err: fmt.Errorf("%w: %w", ErrTransportFailure, err)}
		}

		return nil
	case <-ctx.Done():
		return &SendError{Topic: topic, Err: fmt.Errorf("%w: no acknowledgement: %w", ErrTransportFailure, ctx.Err())}
	}
}

// Connection returns the connection state owned by this client.
func (c *Client) Connection() *Connection {
	return c.conn
}

// Fatal delivers the error of a background reconnect that exhausted the
// connect policy. At most one error is ever sent.
func (c *Client) Fatal() <-chan error {
	return c.fatal
}

// Disconnect stops background reconnection and disconnects from the broker
// with a 250ms quiesce period.
func (c *Client) Disconnect() {
	c.cancel()
	c.wg.Wait()

	if c.client.IsConnectionOpen() {
		c.l.Info("Disconnecting from MQTT broker...")
		c.client.Disconnect(250)
		c.l.Info("Disconnected from MQTT broker")
	}

	if err := c.conn.transition(StatusDisconnected, 0, nil); err != nil {
		c.l.Warn("Unexpected connection state on disconnect", utils.ErrAttr(err))
	}
}

func (c *Client) connectWithRetry(ctx context.Context) error {
	ctx, stop := mergeDone(ctx, c.ctx)
	defer stop()

	opts := append([]retry.Option{
		retry.WithNotify(func(err error, attempt int, next time.Duration) {
			c.l.Warn("MQTT connection attempt failed, retrying",
				slog.Int("attempt", attempt),
				slog.Int("maxAttempts", c.opts.ConnectPolicy.MaxAttempts),
				slog.Duration("retryIn", next),
				utils.ErrAttr(err),
			)
		}),
	}, c.retryOpts...)

	attempts, err := retry.Do(ctx, c.opts.ConnectPolicy, c.connectOnce, opts...)
	if err == nil {
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}

	return &ConnectError{Broker: c.opts.BrokerURL(), Attempts: attempts, Err: err}
}

func (c *Client) connectOnce(attempt int) error {
	if err := c.conn.transition(StatusConnecting, attempt, nil); err != nil {
		return retry.Permanent(err)
	}

	token := c.client.Connect()
	<-token.Done()

	if err := token.Error(); err != nil {
		if tErr := c.conn.transition(StatusDisconnected, attempt, err); tErr != nil {
			c.l.Warn("Unexpected connection state", utils.ErrAttr(tErr))
		}

		if isAuthError(err) {
			c.l.Error("MQTT broker refused the credentials", utils.ErrAttr(err))

			return retry.Permanent(err)
		}

		return err
	}

	if err := c.markConnected(attempt); err != nil {
		return err
	}

	c.onConnect(attempt)

	return nil
}

// markConnected records a completed handshake. paho may already have
// reported the connection lost in between; that attempt then failed and the
// pending lost notification belongs to it.
func (c *Client) markConnected(attempt int) error {
	if err := c.conn.transition(StatusConnected, attempt, nil); err != nil {
		select {
		case <-c.lost:
		default:
		}

		return fmt.Errorf("connection lost right after connect: %w", err)
	}

	return nil
}

// onConnect is called after every successful connection and (re)issues the
// registered subscriptions.
func (c *Client) onConnect(attempt int) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()

	c.l.Info("Connected to MQTT broker, subscribing to topics", slog.Int("attempt", attempt), slog.Int("subscriptionCount", len(c.subscriptions)))

	for _, spec := range c.subscriptions {
		handler := spec.Handler
		token := c.client.Subscribe(spec.TopicMQTT, byte(spec.QoS), func(_ paho.Client, msg paho.Message) {
			handler(msg)
		})
		token.Wait()

		if err := token.Error(); err != nil {
			c.l.Error("Failed to subscribe", slog.String("topic", spec.TopicMQTT), utils.ErrAttr(err))

			continue
		}

		c.l.Info("Subscribed", slog.String("topic", spec.TopicMQTT))
	}
}

// onConnectionLost is called by paho when the connection drops, including a
// missed PINGRESP.
func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.l.Warn("Connection to MQTT broker lost", utils.ErrAttr(err))

	if tErr := c.conn.transition(StatusDisconnected, 0, err); tErr != nil {
		c.l.Warn("Unexpected connection state", utils.ErrAttr(tErr))
	}

	select {
	case c.lost <- err:
	default:
	}
}

// supervise re-establishes lost connections until Disconnect.
func (c *Client) supervise() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.lost:
		}

		c.l.Info("Reconnecting to MQTT broker", slog.String("broker", c.opts.BrokerURL()))

		err := c.connectWithRetry(c.ctx)
		if err == nil {
			continue
		}

		if c.ctx.Err() != nil {
			return
		}

		c.l.Error("Giving up reconnecting to MQTT broker", utils.ErrAttr(err))

		c.fatal <- err

		return
	}
}

// mergeDone returns a context that is done when either a or b is.
func mergeDone(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}
