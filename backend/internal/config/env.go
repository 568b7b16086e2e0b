package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

type EnvKey string

const (
	EnvConfigPath EnvKey = "CONFIG_PATH"

	EnvDataDir   EnvKey = "DATA_DIR"
	EnvLogLevel  EnvKey = "LOG_LEVEL"
	EnvLogToFile EnvKey = "LOG_TO_FILE"
	EnvGeoURL    EnvKey = "GEO_URL"

	EnvDBUser EnvKey = "DB_USER"
	EnvDBPass EnvKey = "DB_PASSWORD"

	EnvMQTTBroker   EnvKey = "MQTT_BROKER"
	EnvMQTTPort     EnvKey = "MQTT_PORT"
	EnvMQTTClientID EnvKey = "MQTT_CLIENT_ID"
	EnvMQTTTLS      EnvKey = "MQTT_TLS"
	EnvCACert       EnvKey = "CA_CERT"
	EnvClientCert   EnvKey = "CLIENT_CERT"
	EnvClientKey    EnvKey = "CLIENT_PRIV_KEY"
)

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

type env struct {
	lookup LookupFunc
}

func (e env) string(key EnvKey, defaultVal string) string {
	val, exists := e.lookup(string(key))
	if !exists {
		return defaultVal
	}

	return val
}

func (e env) bool(key EnvKey, defaultVal bool) bool {
	val, exists := e.lookup(string(key))
	if !exists {
		return defaultVal
	}

	switch strings.ToLower(val) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

func (e env) int(key EnvKey, defaultVal int) (int, error) {
	val, exists := e.lookup(string(key))
	if !exists || val == "" {
		return defaultVal, nil
	}

	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, &Error{Field: string(key), Err: fmt.Errorf("not an integer: %q", val)}
	}

	return n, nil
}

func (e env) logLevel(key EnvKey, defaultVal slog.Leveler) slog.Leveler {
	val, exists := e.lookup(string(key))
	if !exists {
		return defaultVal
	}

	switch strings.ToUpper(val) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	}

	return defaultVal
}
