package tape

import "github.com/google/uuid"

// NewID returns a new UUIDv7 string. UUIDv7 is time-ordered, so identifiers
// generated by the same process sort by creation time. Used for messages,
// resources, chat files, strategies, and execution records.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
