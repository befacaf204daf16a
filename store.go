package tape

import (
	"context"
	"time"
)

// ChatStore persists chat transcripts. Messages are append-only and ordered
// by a per-chat sequence number; no message changes after insert.
type ChatStore interface {
	// AppendMessage inserts one message at the end of the chat.
	AppendMessage(ctx context.Context, chatID string, msg Message) error
	// AppendAssistantTurn inserts an assistant message and its tool result
	// messages in one transaction, so no reader ever observes a tool message
	// whose tool_call_id has no matching assistant tool_calls entry.
	AppendAssistantTurn(ctx context.Context, chatID string, assistant Message, tools []Message) error
	// Messages returns the full transcript in insertion order.
	Messages(ctx context.Context, chatID string) ([]Message, error)
	// Latest returns the last n messages in insertion order.
	Latest(ctx context.Context, chatID string, n int) ([]Message, error)
}

// FileStore persists chat files. (chat_id, name) is unique; PutFile upserts
// on that key and returns the file's id.
type FileStore interface {
	PutFile(ctx context.Context, f ChatFile) (string, error)
	FileByID(ctx context.Context, id string) (ChatFile, error)
	File(ctx context.Context, chatID, name string) (ChatFile, error)
	Files(ctx context.Context, chatID string) ([]ChatFile, error)
}

// ResourceStore persists tool artifacts. Resources are immutable after
// creation; at most one tool message references each.
type ResourceStore interface {
	PutResource(ctx context.Context, r Resource) (string, error)
	ResourceByID(ctx context.Context, id string) (Resource, error)
}

// StrategyStore persists strategy records. Stats mutate only inside the
// strategy's own cycle; enabled/approved/mode mutate only via the API
// surface and must be visible to the next scheduler tick.
type StrategyStore interface {
	PutStrategy(ctx context.Context, st Strategy) error
	StrategyByID(ctx context.Context, id string) (Strategy, error)
	StrategiesByUser(ctx context.Context, userID string) ([]Strategy, error)
	// DueStrategies returns enabled, approved strategies whose
	// execution frequency has elapsed by now.
	DueStrategies(ctx context.Context, now time.Time) ([]Strategy, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	SetApproved(ctx context.Context, id string, approved bool) error
	SetMode(ctx context.Context, id string, mode Mode) error
	// UpdateStats applies fn to the strategy's stats under the row lock.
	UpdateStats(ctx context.Context, id string, fn func(*StrategyStats) error) error
}

// ExecutionStore records strategy cycle outcomes, append-only.
type ExecutionStore interface {
	RecordExecution(ctx context.Context, rec ExecutionRecord) error
	// Executions returns the most recent records first, up to limit.
	Executions(ctx context.Context, strategyID string, limit int) ([]ExecutionRecord, error)
}

// SyncStore persists per-user sync freshness state and the cached broker
// activities the sync service maintains.
type SyncStore interface {
	// SyncState returns the user's state. A user never synced before
	// returns a zero state, not an error.
	SyncState(ctx context.Context, userID string) (SyncState, error)
	SetSyncState(ctx context.Context, st SyncState) error
	SaveActivities(ctx context.Context, userID string, acts []Activity) error
	Activities(ctx context.Context, userID string) ([]Activity, error)
}
