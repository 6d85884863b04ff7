package utils

import "github.com/google/uuid"

// NewID returns a random UUID string, used for execution and task ids.
func NewID() string {
	return uuid.NewString()
}
