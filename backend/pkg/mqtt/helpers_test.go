package mqtt

import (
	"maps"
	"strings"
	"testing"
)

func TestValidateTopicPattern(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		topic    string
		errorMsg string
	}{
		{name: "simple topic", topic: "sensors/events"},
		{name: "sensor events", topic: "sensors/{deviceID}/events"},
		{name: "multiple parameters", topic: "sites/{siteID}/sensors/{deviceID}/events"},
		{name: "parameter with underscore", topic: "sensors/{device_id}/events"},
		{name: "parameter with numbers", topic: "sensors/{device123}/events"},
		{name: "empty topic", topic: "", errorMsg: "topic cannot be empty"},
		{name: "leading slash", topic: "/sensors/events", errorMsg: "leading slash is not allowed"},
		{name: "trailing slash", topic: "sensors/events/", errorMsg: "trailing slash is not allowed"},
		{name: "multi-level wildcard", topic: "sensors/#", errorMsg: "multi-level wildcard '#' is not supported"},
		{name: "single-level wildcard", topic: "sensors/+/events", errorMsg: "wildcard '+' is not supported"},
		{name: "parameter starts with number", topic: "sensors/{1device}/events", errorMsg: "invalid parameter name '1device'"},
		{name: "parameter starts with underscore", topic: "sensors/{_device}/events", errorMsg: "invalid parameter name '_device'"},
		{name: "parameter with hyphen", topic: "sensors/{device-id}/events", errorMsg: "invalid parameter name 'device-id'"},
		{name: "incomplete opening brace", topic: "sensors/{deviceID/events", errorMsg: "invalid parameter syntax"},
		{name: "incomplete closing brace", topic: "sensors/deviceID}/events", errorMsg: "invalid parameter syntax"},
		{name: "empty parameter name", topic: "sensors/{}/events", errorMsg: "invalid parameter name ''"},
		{name: "duplicate parameter", topic: "{id}/sensors/{id}", errorMsg: "duplicate parameter name 'id'"},
		{name: "empty segments in middle", topic: "sensors//events", errorMsg: "empty segments are not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := validateTopicPattern(tt.topic)
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("validateTopicPattern(%q) unexpected error: %v", tt.topic, err)
				}

				return
			}

			if err == nil {
				t.Errorf("validateTopicPattern(%q) expected error containing %q, got nil", tt.topic, tt.errorMsg)
			} else if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("validateTopicPattern(%q) error = %q, want error containing %q", tt.topic, err.Error(), tt.errorMsg)
			}
		})
	}
}

func TestConvertTopicToMQTT(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected string
	}{
		{input: "sensors/events", expected: "sensors/events"},
		{input: "sensors/{deviceID}/events", expected: "sensors/+/events"},
		{input: "sites/{siteID}/sensors/{deviceID}/events", expected: "sites/+/sensors/+/events"},
		{input: "{deviceID}/events", expected: "+/events"},
		{input: "{type}/{deviceID}/{metric}", expected: "+/+/+"},
		{input: "", expected: ""},
	}

	for _, tt := range tests {
		if got := convertTopicToMQTT(tt.input); got != tt.expected {
			t.Errorf("convertTopicToMQTT(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestTopicParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		pattern string
		topic   string
		want    map[string]string
		wantErr bool
	}{
		{name: "device id", pattern: "sensors/{deviceID}/events", topic: "sensors/pi-01/events", want: map[string]string{"deviceID": "pi-01"}},
		{name: "no parameters", pattern: "sensors/events", topic: "sensors/events", want: map[string]string{}},
		{name: "two parameters", pattern: "{site}/{deviceID}", topic: "lab/pi", want: map[string]string{"site": "lab", "deviceID": "pi"}},
		{name: "literal mismatch", pattern: "sensors/{deviceID}/events", topic: "sensors/pi-01/status", wantErr: true},
		{name: "length mismatch", pattern: "sensors/{deviceID}/events", topic: "sensors/pi-01", wantErr: true},
		{name: "empty value", pattern: "sensors/{deviceID}/events", topic: "sensors//events", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := TopicParams(tt.pattern, tt.topic)
			if tt.wantErr {
				if err == nil {
					t.Errorf("TopicParams() = %v, want error", got)
				}

				return
			}

			if err != nil {
				t.Fatalf("TopicParams() error = %v", err)
			}

			if !maps.Equal(got, tt.want) {
				t.Errorf("TopicParams() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExpandTopic(t *testing.T) {
	t.Parallel()

	got, err := ExpandTopic("sensors/{deviceID}/events", map[string]string{"deviceID": "pi-01"})
	if err != nil || got != "sensors/pi-01/events" {
		t.Errorf("ExpandTopic() = %q, %v", got, err)
	}

	for _, bad := range []string{"", "a/b", "a+", "#"} {
		if _, err := ExpandTopic("sensors/{deviceID}/events", map[string]string{"deviceID": bad}); err == nil {
			t.Errorf("ExpandTopic(%q) expected error", bad)
		}
	}
}

func TestValidateQoS(t *testing.T) {
	t.Parallel()

	for _, qos := range []QoS{QoSAtMostOnce, QoSAtLeastOnce, QoSExactlyOnce} {
		if err := validateQoS(qos); err != nil {
			t.Errorf("validateQoS(%d) unexpected error: %v", qos, err)
		}
	}

	for _, qos := range []QoS{3, 255} {
		if err := validateQoS(qos); err == nil {
			t.Errorf("validateQoS(%d) expected error, got nil", qos)
		}
	}
}
