package config

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
)

const (
	EnvBrokerPort    EnvKey = "BROKER_PORT"
	EnvBrokerTLSPort EnvKey = "BROKER_TLS_PORT"
	EnvServerCert    EnvKey = "SERVER_CERT"
	EnvServerKey     EnvKey = "SERVER_PRIV_KEY"
)

// BrokerConfig configures the standalone development broker. It only reads
// the environment.
type BrokerConfig struct {
	LogLevel  slog.Leveler
	LogOutput io.Writer

	Addr string
	// TLSAddr is empty unless SERVER_CERT and SERVER_PRIV_KEY are set.
	TLSAddr    string
	CACert     string
	ServerCert string
	ServerKey  string
}

// NewBroker loads the broker configuration from the environment.
func NewBroker() (*BrokerConfig, error) {
	return LoadBroker(os.LookupEnv)
}

// LoadBroker is NewBroker with an explicit environment.
func LoadBroker(lookup LookupFunc) (*BrokerConfig, error) {
	e := env{lookup: lookup}

	port, err := e.int(EnvBrokerPort, 1883)
	if err != nil {
		return nil, err
	}

	if err := validatePort(string(EnvBrokerPort), port); err != nil {
		return nil, err
	}

	cfg := &BrokerConfig{
		LogLevel:   e.logLevel(EnvLogLevel, slog.LevelInfo),
		LogOutput:  os.Stdout,
		Addr:       net.JoinHostPort("", strconv.Itoa(port)),
		CACert:     e.string(EnvCACert, ""),
		ServerCert: e.string(EnvServerCert, ""),
		ServerKey:  e.string(EnvServerKey, ""),
	}

	if cfg.ServerCert == "" && cfg.ServerKey == "" {
		return cfg, nil
	}

	if cfg.ServerCert == "" || cfg.ServerKey == "" || cfg.CACert == "" {
		return nil, &Error{
			Field: string(EnvServerCert),
			Err:   fmt.Errorf("%s, %s and %s are required together", EnvCACert, EnvServerCert, EnvServerKey),
		}
	}

	tlsPort, err := e.int(EnvBrokerTLSPort, 8883)
	if err != nil {
		return nil, err
	}

	if err := validatePort(string(EnvBrokerTLSPort), tlsPort); err != nil {
		return nil, err
	}

	cfg.TLSAddr = net.JoinHostPort("", strconv.Itoa(tlsPort))

	return cfg, nil
}
