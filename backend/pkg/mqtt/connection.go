package mqtt

import (
	"fmt"
	"sync"
	"time"
)

// Status is the connection status of a Client.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ConnectionState is a point-in-time copy of the connection.
type ConnectionState struct {
	Status Status
	// ReconnectAttempt is the attempt number of the current or last connection
	// attempt, reset to zero once connected.
	ReconnectAttempt int
	// LastError is the error that caused the last transition to disconnected.
	LastError error
	// Since is when Status was entered.
	Since time.Time
}

// Connection owns the connection state. Transitions happen on paho and
// supervisor goroutines while the foreground loop and the health endpoint read
// snapshots.
type Connection struct {
	mu    sync.RWMutex
	state ConnectionState
	now   func() time.Time
}

func newConnection() *Connection {
	c := &Connection{now: time.Now}
	c.state.Since = c.now()

	return c
}

// Snapshot returns a copy of the current state.
func (c *Connection) Snapshot() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.state
}

// Connected reports whether the status is connected.
func (c *Connection) Connected() bool {
	return c.Snapshot().Status == StatusConnected
}

// allowed transitions: disconnected -> connecting -> connected -> disconnected,
// and connecting -> disconnected on failure.
func validTransition(from, to Status) bool {
	switch from {
	case StatusDisconnected:
		return to == StatusConnecting
	case StatusConnecting:
		return to == StatusConnected || to == StatusDisconnected || to == StatusConnecting
	case StatusConnected:
		return to == StatusDisconnected
	default:
		return false
	}
}

func (c *Connection) transition(to Status, attempt int, cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.state.Status
	if from == to && to == StatusDisconnected {
		if cause != nil {
			c.state.LastError = cause
		}

		return nil
	}

	if !validTransition(from, to) {
		return fmt.Errorf("invalid connection transition %s -> %s", from, to)
	}

	c.state.Status = to
	c.state.Since = c.now()

	switch to {
	case StatusConnecting:
		c.state.ReconnectAttempt = attempt
	case StatusConnected:
		c.state.ReconnectAttempt = 0
		c.state.LastError = nil
	case StatusDisconnected:
		if cause != nil {
			c.state.LastError = cause
		}
	}

	return nil
}
