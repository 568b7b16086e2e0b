// Package config loads the process configuration from the YAML file at
// CONFIG_PATH and the environment. Environment values win.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"edge-telemetry/backend/internal/bridge"
	"edge-telemetry/backend/internal/edge"
	"edge-telemetry/backend/internal/geo"
	"edge-telemetry/backend/internal/publish"
	"edge-telemetry/backend/internal/sensor"
	"edge-telemetry/backend/pkg/dialect"
	"edge-telemetry/backend/pkg/mqtt"
)

// Mode selects between the real broker and simulated development data.
type Mode string

const (
	ModeProduction  Mode = "production"
	ModeDevelopment Mode = "development"
)

// ErrPlainTransport is returned when production mode is configured without TLS.
var ErrPlainTransport = errors.New("plain MQTT transport is not allowed in production mode")

// Error is an invalid or unreadable configuration value.
type Error struct {
	Field string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration %s: %v", e.Field, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Config struct {
	Mode      Mode
	DataDir   string
	LogLevel  slog.Leveler
	LogOutput io.Writer
	GeoURL    string
	HTTPPort  int

	Dialect  dialect.Dialect
	Database string

	MQTTHost      string
	MQTTPort      int
	MQTTClientID  string
	MQTTTopic     string
	MQTTKeepAlive time.Duration
	MQTTSecurity  mqtt.Security

	DeviceID        string
	ReadingInterval time.Duration
	PollInterval    time.Duration

	SampleInterval time.Duration
	SampleSensors  []SampleSensor
}

// New loads the configuration of process (e.g. "bridge") from the
// environment and the config file. process names the log file and the
// default MQTT client ID.
func New(process string) (*Config, error) {
	return Load(process, os.LookupEnv)
}

// Load is New with an explicit environment.
func Load(process string, lookup LookupFunc) (*Config, error) {
	e := env{lookup: lookup}

	path, explicit := lookup(string(EnvConfigPath))
	if !explicit || path == "" {
		path = DefaultPath
	}

	f, err := ReadFile(path, !explicit)
	if err != nil {
		return nil, err
	}

	cfg, err := build(process, f, e)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg.LogOutput = os.Stdout

	if e.bool(EnvLogToFile, false) {
		logPath := filepath.Join(cfg.DataDir, process+".log")

		out, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}

		cfg.LogOutput = out
	}

	return cfg, nil
}

// build resolves defaults and validates. It has no side effects.
func build(process string, f File, e env) (*Config, error) {
	cfg := &Config{
		Mode:     Mode(f.Bridge.Mode),
		DataDir:  e.string(EnvDataDir, "data"),
		LogLevel: e.logLevel(EnvLogLevel, slog.LevelInfo),
		GeoURL:   e.string(EnvGeoURL, geo.DefaultURL),
		HTTPPort: orInt(f.HTTP.Port, 8080),

		MQTTHost:      e.string(EnvMQTTBroker, "localhost"),
		MQTTClientID:  e.string(EnvMQTTClientID, "edge-"+process),
		MQTTTopic:     orString(f.MQTT.Topic, publish.DefaultTopic),
		MQTTKeepAlive: seconds(f.MQTT.KeepaliveSeconds, mqtt.DefaultKeepAlive),

		ReadingInterval: seconds(f.Sensor.ReadingIntervalSeconds, sensor.DefaultReadingInterval),
		PollInterval:    millis(f.Sensor.PollIntervalMS, edge.DefaultPollInterval),

		SampleInterval: seconds(f.Development.SampleIntervalSeconds, bridge.DefaultSampleInterval),
		SampleSensors:  f.Development.SampleSensors,
	}

	if cfg.Mode == "" {
		cfg.Mode = ModeProduction
	}

	if cfg.Mode != ModeProduction && cfg.Mode != ModeDevelopment {
		return nil, &Error{Field: "bridge.mode", Err: fmt.Errorf("unknown mode %q", cfg.Mode)}
	}

	if err := validatePort("http.port", cfg.HTTPPort); err != nil {
		return nil, err
	}

	if err := cfg.buildSecurity(e); err != nil {
		return nil, err
	}

	defaultMQTTPort := 1883
	if _, ok := cfg.MQTTSecurity.(mqtt.SecurityMutualTLS); ok {
		defaultMQTTPort = 8883
	}

	mqttPort, err := e.int(EnvMQTTPort, defaultMQTTPort)
	if err != nil {
		return nil, err
	}

	if err := validatePort(string(EnvMQTTPort), mqttPort); err != nil {
		return nil, err
	}

	cfg.MQTTPort = mqttPort

	cfg.DeviceID = orString(f.Sensor.DeviceID, cfg.MQTTClientID)

	if err := cfg.buildDatabase(f.Database, e); err != nil {
		return nil, err
	}

	for i, s := range cfg.SampleSensors {
		if s.ID == "" {
			return nil, &Error{Field: fmt.Sprintf("development.sample_sensors[%d].id", i), Err: errors.New("required")}
		}
	}

	return cfg, nil
}

func (c *Config) buildSecurity(e env) error {
	if !e.bool(EnvMQTTTLS, c.Mode == ModeProduction) {
		if c.Mode == ModeProduction {
			return &Error{Field: string(EnvMQTTTLS), Err: ErrPlainTransport}
		}

		c.MQTTSecurity = mqtt.SecurityPlain{}

		return nil
	}

	tls := mqtt.SecurityMutualTLS{
		CACert:     e.string(EnvCACert, ""),
		ClientCert: e.string(EnvClientCert, ""),
		ClientKey:  e.string(EnvClientKey, ""),
	}

	if err := tls.Validate(); err != nil {
		return &Error{Field: string(EnvMQTTTLS), Err: err}
	}

	c.MQTTSecurity = tls

	return nil
}

func (c *Config) buildDatabase(f DatabaseFile, e env) error {
	defaultDialect := dialect.PostgreSQL
	if c.Mode == ModeDevelopment {
		defaultDialect = dialect.SQLite
	}

	c.Dialect = dialect.Dialect(orString(f.Dialect, string(defaultDialect)))
	if err := c.Dialect.Validate(); err != nil {
		return &Error{Field: "database.dialect", Err: err}
	}

	switch c.Dialect {
	case dialect.SQLite:
		c.Database = orString(f.Path, filepath.Join(c.DataDir, "telemetry.sqlite"))
	case dialect.PostgreSQL:
		port := orInt(f.Port, 5432)
		if err := validatePort("database.port", port); err != nil {
			return err
		}

		c.Database = fmt.Sprintf(
			"postgresql://%s:%s@%s/%s?sslmode=%s",
			url.QueryEscape(e.string(EnvDBUser, "postgres")),
			url.QueryEscape(e.string(EnvDBPass, "postgres")),
			net.JoinHostPort(orString(f.Host, "timescaledb"), strconv.Itoa(port)),
			orString(f.Name, "sensor_data"),
			orString(f.SSLMode, "disable"),
		)
	}

	return nil
}

// MQTTOptions returns the client options for this process.
func (c *Config) MQTTOptions() mqtt.ClientOptions {
	return mqtt.ClientOptions{
		Host:      c.MQTTHost,
		Port:      c.MQTTPort,
		ClientID:  c.MQTTClientID,
		Security:  c.MQTTSecurity,
		KeepAlive: c.MQTTKeepAlive,
	}
}

// SimulatedSensors converts the configured sample sensors. It returns nil
// when none are configured so the simulator falls back to its defaults.
func (c *Config) SimulatedSensors() []bridge.SimulatedSensor {
	if len(c.SampleSensors) == 0 {
		return nil
	}

	out := make([]bridge.SimulatedSensor, 0, len(c.SampleSensors))
	for _, s := range c.SampleSensors {
		out = append(out, bridge.SimulatedSensor{
			ID: s.ID,
			Ranges: bridge.EnvironmentRanges(
				s.TemperatureMin, s.TemperatureMax,
				s.HumidityMin, s.HumidityMax,
				s.PressureMin, s.PressureMax,
			),
		})
	}

	return out
}

// Close closes the log file, if any.
func (c *Config) Close() error {
	if f, ok := c.LogOutput.(*os.File); ok {
		if f != os.Stdout && f != os.Stderr {
			return f.Close()
		}
	}

	return nil
}

func validatePort(field string, port int) error {
	if port <= 0 || port > 65535 {
		return &Error{Field: field, Err: fmt.Errorf("port %d out of range", port)}
	}

	return nil
}

func orString(v, def string) string {
	if v == "" {
		return def
	}

	return v
}

func orInt(v, def int) int {
	if v == 0 {
		return def
	}

	return v
}

func seconds(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}

	return time.Duration(v) * time.Second
}

func millis(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}

	return time.Duration(v) * time.Millisecond
}
