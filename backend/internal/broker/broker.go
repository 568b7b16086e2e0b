// Package broker runs an embedded MQTT broker for development and tests.
package broker

import (
	"bytes"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"

	mqttbroker "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/mochi-mqtt/server/v2/packets"
)

// Options configures the embedded broker.
type Options struct {
	// Addr is the plain TCP listener address, e.g. ":1883". Empty disables it.
	Addr string
	// TLSAddr is the TLS listener address, e.g. ":8883". Requires TLSConfig.
	TLSAddr   string
	TLSConfig *tls.Config
	// Credentials maps usernames to passwords. When empty every client is allowed.
	Credentials map[string]string
}

// Broker is a running mochi server.
type Broker struct {
	l      *slog.Logger
	server *mqttbroker.Server
}

// New creates the broker and binds its listeners. Call Serve to start
// accepting clients.
func New(l *slog.Logger, opts Options) (*Broker, error) {
	l = l.With(slog.String("component", "mqtt-broker"))

	if opts.Addr == "" && opts.TLSAddr == "" {
		return nil, errors.New("at least one listener address is required")
	}

	if opts.TLSAddr != "" && opts.TLSConfig == nil {
		return nil, errors.New("TLS listener requires a TLS configuration")
	}

	server := mqttbroker.New(&mqttbroker.Options{
		Logger: l,
	})

	if len(opts.Credentials) == 0 {
		if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
			return nil, fmt.Errorf("failed to add allow hook: %w", err)
		}
	} else {
		if err := server.AddHook(&credentialsHook{users: opts.Credentials}, nil); err != nil {
			return nil, fmt.Errorf("failed to add credentials hook: %w", err)
		}
	}

	if opts.Addr != "" {
		tcp := listeners.NewTCP(listeners.Config{ID: "tcp", Address: opts.Addr})
		if err := server.AddListener(tcp); err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", opts.Addr, err)
		}
	}

	if opts.TLSAddr != "" {
		tlsListener := listeners.NewTCP(listeners.Config{ID: "tls", Address: opts.TLSAddr, TLSConfig: opts.TLSConfig})
		if err := server.AddListener(tlsListener); err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", opts.TLSAddr, err)
		}
	}

	l.Info("MQTT broker created", slog.String("addr", opts.Addr), slog.String("tlsAddr", opts.TLSAddr), slog.Int("users", len(opts.Credentials)))

	return &Broker{l: l, server: server}, nil
}

// Serve starts accepting clients. It does not block.
func (b *Broker) Serve() error {
	return b.server.Serve()
}

// Close disconnects all clients and stops the listeners.
func (b *Broker) Close() error {
	return b.server.Close()
}

// credentialsHook authenticates clients against a static username/password
// table and allows every topic once connected.
type credentialsHook struct {
	mqttbroker.HookBase
	users map[string]string
}

func (h *credentialsHook) ID() string {
	return "static-credentials"
}

func (h *credentialsHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqttbroker.OnConnectAuthenticate,
		mqttbroker.OnACLCheck,
	}, []byte{b})
}

func (h *credentialsHook) OnConnectAuthenticate(cl *mqttbroker.Client, pk packets.Packet) bool {
	want, ok := h.users[string(pk.Connect.Username)]
	if !ok {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(want), pk.Connect.Password) == 1
}

func (h *credentialsHook) OnACLCheck(cl *mqttbroker.Client, topic string, write bool) bool {
	return true
}

// ServerTLSConfig loads the broker key pair and requires clients to present
// a certificate signed by the CA in caFile.
func ServerTLSConfig(caFile, certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}

	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
