// ABOUTME: Message id generation
// ABOUTME: UUIDv7 ids sort by creation time, which is what readmark comparison relies on

package store

import "github.com/google/uuid"

// NewMessageID returns a new time-ordered message id.
func NewMessageID() string {
	return uuid.Must(uuid.NewV7()).String()
}
