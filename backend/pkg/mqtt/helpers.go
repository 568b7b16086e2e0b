package mqtt

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// validateTopicPattern validates an MQTT topic pattern with {param} placeholders.
// Valid patterns:
// - Parameters must be in {paramName} format (e.g., sensors/{deviceID}/events)
// - Parameter names must start with a letter and contain only alphanumeric characters and underscores
// - Wildcards '+' and '#' are NOT supported for explicitness.
func validateTopicPattern(topic string) error {
	if topic == "" {
		return errors.New("topic cannot be empty")
	}

	if strings.HasPrefix(topic, "/") {
		return errors.New("leading slash is not allowed")
	}

	if strings.HasSuffix(topic, "/") {
		return errors.New("trailing slash is not allowed")
	}

	seen := map[string]struct{}{}

	for segment := range strings.SplitSeq(topic, "/") {
		if segment == "" {
			return errors.New("empty segments are not allowed")
		}

		if strings.Contains(segment, "#") {
			return errors.New("multi-level wildcard '#' is not supported - use explicit parameters {param} instead")
		}

		if strings.Contains(segment, "+") {
			return errors.New("wildcard '+' is not supported - use parameter syntax {param} instead")
		}

		name, isParam := paramName(segment)
		if !isParam {
			if strings.ContainsAny(segment, "{}") {
				return errors.New("invalid parameter syntax - use {paramName} format")
			}

			continue
		}

		if !isValidParameterName(name) {
			return fmt.Errorf("invalid parameter name '%s' - must start with a letter and contain only alphanumeric characters and underscores", name)
		}

		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate parameter name '%s'", name)
		}

		seen[name] = struct{}{}
	}

	return nil
}

// convertTopicToMQTT converts a parameterized topic (sensors/{deviceID}/events)
// to an MQTT wildcard pattern (sensors/+/events).
func convertTopicToMQTT(topic string) string {
	segments := strings.Split(topic, "/")
	for i, segment := range segments {
		if _, ok := paramName(segment); ok {
			segments[i] = "+"
		}
	}

	return strings.Join(segments, "/")
}

// TopicParams matches a concrete topic against a parameterized pattern and
// returns the parameter values, e.g. sensors/{deviceID}/events and
// sensors/pi-01/events yield {"deviceID": "pi-01"}.
func TopicParams(pattern, topic string) (map[string]string, error) {
	pSegs := strings.Split(pattern, "/")
	tSegs := strings.Split(topic, "/")

	if len(pSegs) != len(tSegs) {
		return nil, fmt.Errorf("topic %q does not match pattern %q", topic, pattern)
	}

	params := map[string]string{}

	for i, seg := range pSegs {
		if name, ok := paramName(seg); ok {
			if tSegs[i] == "" {
				return nil, fmt.Errorf("topic %q has an empty value for parameter %s", topic, name)
			}

			params[name] = tSegs[i]

			continue
		}

		if seg != tSegs[i] {
			return nil, fmt.Errorf("topic %q does not match pattern %q", topic, pattern)
		}
	}

	return params, nil
}

// ExpandTopic fills the parameters of a pattern, e.g. sensors/{deviceID}/events
// with {"deviceID": "pi-01"} yields sensors/pi-01/events.
func ExpandTopic(pattern string, params map[string]string) (string, error) {
	segments := strings.Split(pattern, "/")

	for i, seg := range segments {
		name, ok := paramName(seg)
		if !ok {
			continue
		}

		v := params[name]
		if v == "" || strings.ContainsAny(v, "/+#") {
			return "", fmt.Errorf("invalid value %q for topic parameter %s", v, name)
		}

		segments[i] = v
	}

	return strings.Join(segments, "/"), nil
}

// validateQoS validates a QoS level.
func validateQoS(qos QoS) error {
	if qos != QoSAtMostOnce && qos != QoSAtLeastOnce && qos != QoSExactlyOnce {
		return errors.New("qos must be 0, 1, or 2")
	}

	return nil
}

func paramName(segment string) (string, bool) {
	if len(segment) >= 2 && strings.HasPrefix(segment, "{") && strings.HasSuffix(segment, "}") {
		return segment[1 : len(segment)-1], true
	}

	return "", false
}

// isValidParameterName checks that name starts with an ASCII letter followed
// by letters, digits or underscores.
func isValidParameterName(name string) bool {
	if name == "" {
		return false
	}

	for i, r := range name {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
		if i == 0 {
			if !isLetter {
				return false
			}

			continue
		}

		if !isLetter && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}

	return true
}
