package core

import "github.com/google/uuid"

// NewID returns a random UUID string used as a record identifier.
func NewID() string {
	return uuid.NewString()
}
