package tape

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	var prev string
	for i := 0; i < 100; i++ {
		id := NewID()
		parsed, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("NewID() = %q: %v", id, err)
		}
		if parsed.Version() != 7 {
			t.Fatalf("NewID() version = %d, want 7", parsed.Version())
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		// UUIDv7 sorts by creation time within a process.
		if prev != "" && id < prev {
			t.Fatalf("ids not time-ordered: %q < %q", id, prev)
		}
		prev = id
	}
}
