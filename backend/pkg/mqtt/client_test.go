package mqtt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	"edge-telemetry/backend/internal/broker"
	"edge-telemetry/backend/internal/broker/brokertest"
	"edge-telemetry/backend/pkg/retry"
	"edge-telemetry/backend/pkg/retry/retrytest"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fastPolicy = retry.Policy{
	InitialInterval: 20 * time.Millisecond,
	MaxInterval:     100 * time.Millisecond,
	Multiplier:      2,
	MaxAttempts:     50,
}

func newTestClient(t *testing.T, port int, mutate func(*ClientOptions)) *Client {
	t.Helper()

	opts := ClientOptions{
		Host:           "127.0.0.1",
		Port:           port,
		ClientID:       "test-" + t.Name(),
		Security:       SecurityPlain{},
		ConnectTimeout: 2 * time.Second,
		PublishTimeout: 2 * time.Second,
	}
	if mutate != nil {
		mutate(&opts)
	}

	c, err := NewClient(discardLogger(), opts)
	require.NoError(t, err)

	t.Cleanup(c.Disconnect)

	return c
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts ClientOptions
	}{
		{name: "missing host", opts: ClientOptions{Port: 1883, ClientID: "c", Security: SecurityPlain{}}},
		{name: "bad port", opts: ClientOptions{Host: "h", Port: 70000, ClientID: "c", Security: SecurityPlain{}}},
		{name: "missing client id", opts: ClientOptions{Host: "h", Port: 1883, Security: SecurityPlain{}}},
		{name: "missing security", opts: ClientOptions{Host: "h", Port: 1883, ClientID: "c"}},
		{name: "incomplete tls", opts: ClientOptions{Host: "h", Port: 8883, ClientID: "c", Security: SecurityMutualTLS{CACert: "ca.pem"}}},
		{name: "missing tls files", opts: ClientOptions{Host: "h", Port: 8883, ClientID: "c", Security: SecurityMutualTLS{CACert: "/nonexistent/ca.pem", ClientCert: "/nonexistent/c.pem", ClientKey: "/nonexistent/k.pem"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := NewClient(discardLogger(), tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestBrokerURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "tcp://broker:1883", ClientOptions{Host: "broker", Port: 1883}.BrokerURL())
	assert.Equal(t, "ssl://broker:8883", ClientOptions{Host: "broker", Port: 8883, Security: SecurityMutualTLS{}}.BrokerURL())
}

func TestPublishNotConnectedFailsFast(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, brokertest.FreePort(t), nil)

	start := time.Now()
	err := c.Publish(context.Background(), "sensors/pi/events", []byte("{}"))

	require.ErrorIs(t, err, ErrNotConnected)

	var sendErr *SendError
	require.ErrorAs(t, err, &sendErr)
	assert.Equal(t, "sensors/pi/events", sendErr.Topic)
	assert.Less(t, time.Since(start), time.Second)
}

func TestConnectExhaustsPolicy(t *testing.T) {
	t.Parallel()

	timer := &retrytest.InstantTimer{}
	c := newTestClient(t, brokertest.FreePort(t), nil)
	c.retryOpts = []retry.Option{retry.WithTimer(timer)}

	err := c.Connect(context.Background())

	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, 12, connectErr.Attempts)

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60, 60, 60}
	for i := range want {
		want[i] *= time.Second
	}

	assert.Equal(t, want, timer.Waits())

	s := c.Connection().Snapshot()
	assert.Equal(t, StatusDisconnected, s.Status)
	assert.Equal(t, 12, s.ReconnectAttempt)
	assert.Error(t, s.LastError)
}

func TestConnectRefusedCredentialsIsPermanent(t *testing.T) {
	t.Parallel()

	b := brokertest.Start(t, broker.Options{Credentials: map[string]string{"sensor": "secret"}})

	timer := &retrytest.InstantTimer{}
	c := newTestClient(t, b.Port, func(o *ClientOptions) {
		o.Username = "sensor"
		o.Password = "wrong"
	})
	c.retryOpts = []retry.Option{retry.WithTimer(timer)}

	err := c.Connect(context.Background())

	var connectErr *ConnectError
	require.ErrorAs(t, err, &connectErr)
	assert.Equal(t, 1, connectErr.Attempts)
	assert.True(t, isAuthError(err), "error %v is not an authentication error", err)
	assert.Empty(t, timer.Waits())
}

func TestConnectCancelled(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, brokertest.FreePort(t), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := c.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	var connectErr *ConnectError
	assert.False(t, errors.As(err, &connectErr))
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	t.Parallel()

	b := brokertest.Start(t, broker.Options{})

	received := make(chan Message, 1)
	sub := newTestClient(t, b.Port, func(o *ClientOptions) { o.ClientID = "bridge" })
	require.NoError(t, sub.Subscribe("sensors/{deviceID}/events", QoSAtLeastOnce, func(msg Message) {
		received <- msg
	}))
	require.NoError(t, sub.Connect(context.Background()))
	require.Error(t, sub.Subscribe("other/topic", QoSAtLeastOnce, func(Message) {}), "subscribe after connect")

	pub := newTestClient(t, b.Port, func(o *ClientOptions) { o.ClientID = "pi-01" })
	require.NoError(t, pub.Connect(context.Background()))
	assert.True(t, pub.Connection().Connected())

	require.NoError(t, pub.Publish(context.Background(), "sensors/pi-01/events", []byte(`{"hello":"world"}`)))

	select {
	case msg := <-received:
		assert.Equal(t, `{"hello":"world"}`, string(msg.Payload()))
		assert.Equal(t, byte(QoSAtLeastOnce), msg.Qos())

		params, err := TopicParams("sensors/{deviceID}/events", msg.Topic())
		require.NoError(t, err)
		assert.Equal(t, "pi-01", params["deviceID"])
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	pub.Disconnect()
	assert.Equal(t, StatusDisconnected, pub.Connection().Snapshot().Status)
	require.ErrorIs(t, pub.Publish(context.Background(), "sensors/pi-01/events", nil), ErrNotConnected)
}

func TestReconnectAfterBrokerRestart(t *testing.T) {
	t.Parallel()

	port := brokertest.FreePort(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	first, err := broker.New(discardLogger(), broker.Options{Addr: addr})
	require.NoError(t, err)
	require.NoError(t, first.Serve())

	c := newTestClient(t, port, func(o *ClientOptions) { o.ConnectPolicy = fastPolicy })
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return c.Connection().Snapshot().Status != StatusConnected
	}, 5*time.Second, 10*time.Millisecond)

	err = c.Publish(context.Background(), "sensors/pi/events", []byte("{}"))
	require.ErrorIs(t, err, ErrNotConnected)

	second, err := broker.New(discardLogger(), broker.Options{Addr: addr})
	require.NoError(t, err)
	require.NoError(t, second.Serve())
	t.Cleanup(func() { _ = second.Close() })

	require.Eventually(t, c.Connection().Connected, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, c.Publish(context.Background(), "sensors/pi/events", []byte("{}")))

	select {
	case err := <-c.Fatal():
		t.Fatalf("unexpected fatal error: %v", err)
	default:
	}
}

func TestReconnectExhaustionIsFatal(t *testing.T) {
	t.Parallel()

	b := brokertest.Start(t, broker.Options{})

	c := newTestClient(t, b.Port, func(o *ClientOptions) {
		o.ConnectPolicy = retry.Policy{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
			Multiplier:      1,
			MaxAttempts:     3,
		}
	})
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, b.Close())

	select {
	case err := <-c.Fatal():
		var connectErr *ConnectError
		require.ErrorAs(t, err, &connectErr)
		assert.Equal(t, 3, connectErr.Attempts)
	case <-time.After(10 * time.Second):
		t.Fatal("no fatal error after the broker went away")
	}
}

func TestMutualTLS(t *testing.T) {
	t.Parallel()

	certs := brokertest.WriteCerts(t)
	b := brokertest.Start(t, broker.Options{TLSConfig: certs.ServerTLSConfig(t)})

	c := newTestClient(t, b.TLSPort, func(o *ClientOptions) {
		o.Security = SecurityMutualTLS{CACert: certs.CA, ClientCert: certs.ClientCert, ClientKey: certs.ClientKey}
	})

	require.NoError(t, c.Connect(context.Background()))
	require.NoError(t, c.Publish(context.Background(), "sensors/pi/events", []byte("{}")))
}

func TestSecurityMutualTLSValidate(t *testing.T) {
	t.Parallel()

	err := SecurityMutualTLS{CACert: "ca.pem"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client certificate path is required")
	assert.Contains(t, err.Error(), "client private key path is required")

	certs := brokertest.WriteCerts(t)
	cfg, err := SecurityMutualTLS{CACert: certs.CA, ClientCert: certs.ClientCert, ClientKey: certs.ClientKey}.tlsConfig()
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)
}

func TestConnectionLostDuringHandshake(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, brokertest.FreePort(t), nil)

	require.NoError(t, c.conn.transition(StatusConnecting, 1, nil))

	// The broker drops the session after CONNACK, before the state is updated.
	c.onConnectionLost(nil, errors.New("session taken over"))

	err := c.markConnected(1)
	require.Error(t, err)

	var permanent *backoff.PermanentError
	assert.False(t, errors.As(err, &permanent), "a lost handshake must be retried")

	assert.Equal(t, StatusDisconnected, c.conn.Snapshot().Status)
	assert.Empty(t, c.lost, "the lost notification belongs to the failed attempt")

	require.NoError(t, c.conn.transition(StatusConnecting, 2, nil), "the next attempt can start")
}
