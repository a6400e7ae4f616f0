package uuidx

import "github.com/google/uuid"

// New generates a new UUID using the version 7 format and returns it.
// It panics if the UUID generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString generates a new version 7 UUID and returns it as a string.
func NewString() string {
	return New().String()
}

// Short returns the last 8 hex characters of a fresh version 7 UUID, handy
// for human readable instance names in logs. The leading characters encode
// the timestamp, so the random tail is used.
func Short() string {
	s := NewString()
	return s[len(s)-8:]
}
