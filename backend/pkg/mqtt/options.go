package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"edge-telemetry/backend/pkg/retry"
)

// Security selects how the client authenticates the broker and itself.
// It is either SecurityPlain or SecurityMutualTLS.
type Security interface {
	scheme() string
	tlsConfig() (*tls.Config, error)
}

// SecurityPlain is an unencrypted TCP connection. Only for development.
type SecurityPlain struct{}

func (SecurityPlain) scheme() string { return "tcp" }

func (SecurityPlain) tlsConfig() (*tls.Config, error) { return nil, nil }

// SecurityMutualTLS authenticates both sides with X.509 certificates.
type SecurityMutualTLS struct {
	CACert     string // CACert is the PEM file of the CA that signed the broker certificate.
	ClientCert string // ClientCert is the PEM client certificate.
	ClientKey  string // ClientKey is the PEM private key of ClientCert.
}

func (SecurityMutualTLS) scheme() string { return "ssl" }

// Validate checks that all three files are configured.
func (s SecurityMutualTLS) Validate() error {
	var errs []error

	if s.CACert == "" {
		errs = append(errs, errors.New("CA certificate path is required"))
	}

	if s.ClientCert == "" {
		errs = append(errs, errors.New("client certificate path is required"))
	}

	if s.ClientKey == "" {
		errs = append(errs, errors.New("client private key path is required"))
	}

	return errors.Join(errs...)
}

func (s SecurityMutualTLS) tlsConfig() (*tls.Config, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	caPEM, err := os.ReadFile(s.CACert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in %s", s.CACert)
	}

	cert, err := tls.LoadX509KeyPair(s.ClientCert, s.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load client key pair: %w", err)
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// DefaultConnectPolicy is 12 attempts waiting 1,2,4,8,16,32,60,60,60,60,60 seconds.
var DefaultConnectPolicy = retry.Policy{
	InitialInterval: time.Second,
	MaxInterval:     60 * time.Second,
	Multiplier:      2,
	MaxAttempts:     12,
}

const (
	DefaultKeepAlive      = 120 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultPublishTimeout = 10 * time.Second
)

// ClientOptions contains configuration for creating an MQTT client.
type ClientOptions struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string
	Security Security

	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	ConnectPolicy  retry.Policy

	// PersistentSession keeps the broker session (subscriptions and unacked
	// QoS 1 messages) across reconnects.
	PersistentSession bool
	// ManualAck disables paho's automatic acknowledgement. Handlers must call
	// Message.Ack once the message has been handled durably.
	ManualAck bool
}

func (o *ClientOptions) withDefaults() {
	if o.KeepAlive <= 0 {
		o.KeepAlive = DefaultKeepAlive
	}

	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}

	if o.PublishTimeout <= 0 {
		o.PublishTimeout = DefaultPublishTimeout
	}

	if o.ConnectPolicy == (retry.Policy{}) {
		o.ConnectPolicy = DefaultConnectPolicy
	}
}

func (o ClientOptions) validate() error {
	if o.Host == "" {
		return errors.New("broker host is required")
	}

	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("invalid broker port %d", o.Port)
	}

	if o.ClientID == "" {
		return errors.New("client ID is required")
	}

	if o.Security == nil {
		return errors.New("security is required: SecurityPlain or SecurityMutualTLS")
	}

	if err := o.ConnectPolicy.Validate(); err != nil {
		return fmt.Errorf("invalid connect policy: %w", err)
	}

	return nil
}

// BrokerURL returns the paho broker URL, e.g. ssl://broker:8883.
func (o ClientOptions) BrokerURL() string {
	scheme := "tcp"
	if o.Security != nil {
		scheme = o.Security.scheme()
	}

	return scheme + "://" + net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}
