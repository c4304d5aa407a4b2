package uuidx

import "github.com/google/uuid"

// New generates a new UUID using the version 7 format and returns it.
// It panics if the UUID generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString generates a new UUID using the version 7 format and returns it as a string.
func NewString() string {
	return New().String()
}

// OrNew returns id unchanged when it is not empty, and a fresh version 7 UUID string otherwise.
func OrNew(id string) string {
	if id != "" {
		return id
	}
	return NewString()
}
