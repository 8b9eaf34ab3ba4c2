package platform

import "github.com/google/uuid"

// NewID returns a new random UUID string, used as the primary key for
// every persisted record.
func NewID() string {
	return uuid.New().String()
}
