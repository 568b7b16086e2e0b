package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultPath is read when CONFIG_PATH is not set.
const DefaultPath = "config/config.yaml"

// File is the YAML configuration file. Zero values mean "use the default".
type File struct {
	Bridge      BridgeFile      `yaml:"bridge"`
	Database    DatabaseFile    `yaml:"database"`
	Development DevelopmentFile `yaml:"development"`
	MQTT        MQTTFile        `yaml:"mqtt"`
	Sensor      SensorFile      `yaml:"sensor"`
	HTTP        HTTPFile        `yaml:"http"`
}

type BridgeFile struct {
	Mode string `yaml:"mode"`
}

type DatabaseFile struct {
	Dialect string `yaml:"dialect"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Name    string `yaml:"name"`
	SSLMode string `yaml:"sslmode"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

type DevelopmentFile struct {
	SampleIntervalSeconds int            `yaml:"sample_interval_seconds"`
	SampleSensors         []SampleSensor `yaml:"sample_sensors"`
}

// SampleSensor is a simulated sensor of development mode.
type SampleSensor struct {
	ID             string  `yaml:"id"`
	TemperatureMin float64 `yaml:"temperature_min"`
	TemperatureMax float64 `yaml:"temperature_max"`
	HumidityMin    float64 `yaml:"humidity_min"`
	HumidityMax    float64 `yaml:"humidity_max"`
	PressureMin    float64 `yaml:"pressure_min"`
	PressureMax    float64 `yaml:"pressure_max"`
}

type MQTTFile struct {
	Topic            string `yaml:"topic"`
	KeepaliveSeconds int    `yaml:"keepalive_seconds"`
}

type SensorFile struct {
	DeviceID               string `yaml:"device_id"`
	ReadingIntervalSeconds int    `yaml:"reading_interval_seconds"`
	PollIntervalMS         int    `yaml:"poll_interval_ms"`
}

type HTTPFile struct {
	Port int `yaml:"port"`
}

// ReadFile parses the YAML file at path. Unknown keys are rejected. When
// optional is set a missing file yields an empty File.
func ReadFile(path string, optional bool) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return File{}, nil
		}

		return File{}, &Error{Field: string(EnvConfigPath), Err: fmt.Errorf("failed to read %s: %w", path, err)}
	}

	return ParseFile(data)
}

// ParseFile decodes a YAML document. An empty document is an empty File.
func ParseFile(data []byte) (File, error) {
	var f File

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, &Error{Field: "file", Err: err}
	}

	return f, nil
}
