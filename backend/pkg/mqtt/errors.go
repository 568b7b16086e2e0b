package mqtt

import (
	"errors"
	"fmt"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

var (
	// ErrNotConnected is returned by Publish when the client is not connected.
	ErrNotConnected = errors.New("mqtt client not connected")
	// ErrTransportFailure is returned by Publish when the broker did not
	// acknowledge the message.
	ErrTransportFailure = errors.New("mqtt transport failure")
)

// ConnectError reports that the broker could not be reached within the
// connect policy. It is fatal for the caller.
type ConnectError struct {
	Broker   string
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to MQTT broker %s after %d attempts: %v", e.Broker, e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// SendError reports a failed publication.
type SendError struct {
	Topic string
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to publish to topic %s: %v", e.Topic, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// isAuthError reports whether the broker refused the connection for
// credential or authorisation reasons. Retrying cannot fix those.
func isAuthError(err error) bool {
	return errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised)
}
