package models

import "github.com/google/uuid"

// NewID returns a time-ordered UUIDv7 string for a new row.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
