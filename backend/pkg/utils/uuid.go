package utils

import "github.com/google/uuid"

// NewUUID returns a time ordered (v7) UUID string. It falls back to a random
// v4 when the v7 generator fails to read the clock sequence.
func NewUUID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}

	return uuid.NewString()
}
