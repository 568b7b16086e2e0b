package broker_test

import (
	"crypto/tls"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"edge-telemetry/backend/internal/broker"
	"edge-telemetry/backend/internal/broker/brokertest"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	l := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name string
		opts broker.Options
	}{
		{name: "no listener", opts: broker.Options{}},
		{name: "tls listener without config", opts: broker.Options{TLSAddr: "127.0.0.1:0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := broker.New(l, tt.opts); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestServerTLSConfig(t *testing.T) {
	t.Parallel()

	certs := brokertest.WriteCerts(t)

	cfg, err := broker.ServerTLSConfig(certs.CA, certs.ServerCert, certs.ServerKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("client auth = %v, want RequireAndVerifyClientCert", cfg.ClientAuth)
	}

	if len(cfg.Certificates) != 1 {
		t.Errorf("certificates = %d, want 1", len(cfg.Certificates))
	}
}

func TestServerTLSConfigErrors(t *testing.T) {
	t.Parallel()

	certs := brokertest.WriteCerts(t)

	notPEM := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(notPEM, []byte("not a certificate"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name             string
		ca, cert, keyArg string
	}{
		{name: "missing key pair", ca: certs.CA, cert: "/nonexistent.pem", keyArg: certs.ServerKey},
		{name: "mismatched key", ca: certs.CA, cert: certs.ServerCert, keyArg: certs.ClientKey},
		{name: "missing CA", ca: "/nonexistent-ca.pem", cert: certs.ServerCert, keyArg: certs.ServerKey},
		{name: "CA without certificates", ca: notPEM, cert: certs.ServerCert, keyArg: certs.ServerKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := broker.ServerTLSConfig(tt.ca, tt.cert, tt.keyArg); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}
