package api

// ErrorResponse is the body of every error reply.
//
//nolint:errname // ErrorResponse is an API response type, not a traditional error
type ErrorResponse struct {
	StatusCode int    `json:"-"`
	RequestID  string `json:"requestID"`
	Message    string `json:"message"`
}

func (e *ErrorResponse) Error() string {
	return e.Message
}

// NewError creates an error reply with the given status.
func NewError(statusCode int, message string) *ErrorResponse {
	return &ErrorResponse{StatusCode: statusCode, Message: message}
}

type PingStatus string

const (
	PingStatusOK    PingStatus = "OK"
	PingStatusError PingStatus = "ERROR"
)

type PingResponse struct {
	Message string     `json:"message"`
	Status  PingStatus `json:"status"`
	Version string     `json:"version"`
}

// HealthResponse reports the dependencies of the bridge.
type HealthResponse struct {
	Database bool `json:"database"`
	MQTT     bool `json:"mqtt"`
	// MQTTStatus is the connection status, or "disabled" without a broker.
	MQTTStatus       string `json:"mqttStatus"`
	ReconnectAttempt int    `json:"reconnectAttempt,omitempty"`
	LastError        string `json:"lastError,omitempty"`
}
