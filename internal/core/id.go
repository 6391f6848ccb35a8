package core

import "github.com/google/uuid"

// NewID returns a random identifier for definitions and execution records.
func NewID() string {
	return uuid.NewString()
}
