// Package brokertest starts embedded brokers and writes throwaway
// certificates for tests.
package brokertest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"edge-telemetry/backend/internal/broker"
)

// FreePort returns a TCP port that was free a moment ago.
func FreePort(t testing.TB) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find a free port: %v", err)
	}
	defer ln.Close()

	return ln.Addr().(*net.TCPAddr).Port
}

// Running is a broker started by Start.
type Running struct {
	*broker.Broker
	Port    int
	TLSPort int
}

// Start runs a broker on free local ports and closes it when the test ends.
// opts.Addr is overwritten; a TLS listener is added when opts.TLSConfig is set.
func Start(t testing.TB, opts broker.Options) *Running {
	t.Helper()

	r := &Running{Port: FreePort(t)}
	opts.Addr = net.JoinHostPort("127.0.0.1", strconv.Itoa(r.Port))

	if opts.TLSConfig != nil {
		r.TLSPort = FreePort(t)
		opts.TLSAddr = net.JoinHostPort("127.0.0.1", strconv.Itoa(r.TLSPort))
	}

	b, err := broker.New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
	if err != nil {
		t.Fatalf("failed to create broker: %v", err)
	}

	if err := b.Serve(); err != nil {
		t.Fatalf("failed to start broker: %v", err)
	}

	t.Cleanup(func() { _ = b.Close() })

	r.Broker = b

	return r
}

// Certs are PEM files written by WriteCerts.
type Certs struct {
	CA         string
	ServerCert string
	ServerKey  string
	ClientCert string
	ClientKey  string
}

// WriteCerts creates a CA plus a server certificate for 127.0.0.1/localhost
// and a client certificate, all signed by that CA.
func WriteCerts(t testing.TB) Certs {
	t.Helper()

	dir := t.TempDir()

	caKey := newKey(t)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}

	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create CA: %v", err)
	}

	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("failed to parse CA: %v", err)
	}

	certs := Certs{CA: filepath.Join(dir, "ca.pem")}
	writePEM(t, certs.CA, "CERTIFICATE", caDER)

	issue := func(serial int64, name string, usage x509.ExtKeyUsage) (string, string) {
		key := newKey(t)
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: name},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(24 * time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{usage},
			DNSNames:     []string{"localhost"},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		}

		der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
		if err != nil {
			t.Fatalf("failed to issue %s certificate: %v", name, err)
		}

		keyDER, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			t.Fatalf("failed to marshal %s key: %v", name, err)
		}

		certPath := filepath.Join(dir, name+".pem")
		keyPath := filepath.Join(dir, name+"-key.pem")
		writePEM(t, certPath, "CERTIFICATE", der)
		writePEM(t, keyPath, "EC PRIVATE KEY", keyDER)

		return certPath, keyPath
	}

	certs.ServerCert, certs.ServerKey = issue(2, "server", x509.ExtKeyUsageServerAuth)
	certs.ClientCert, certs.ClientKey = issue(3, "client", x509.ExtKeyUsageClientAuth)

	return certs
}

// ServerTLSConfig loads the server side of c and requires client certificates
// signed by the CA.
func (c Certs) ServerTLSConfig(t testing.TB) *tls.Config {
	t.Helper()

	cfg, err := broker.ServerTLSConfig(c.CA, c.ServerCert, c.ServerKey)
	if err != nil {
		t.Fatalf("failed to load server TLS configuration: %v", err)
	}

	return cfg
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	return key
}

func writePEM(t testing.TB, path, blockType string, der []byte) {
	t.Helper()

	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
