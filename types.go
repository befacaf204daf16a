package tape

import (
	"encoding/json"
	"time"
)

// --- Transcript types ---

// Message is one entry in a chat transcript. The same shape is persisted,
// returned to clients, and (minus bookkeeping fields) sent to the LLM.
type Message struct {
	ID         string     `json:"id,omitempty"`
	ChatID     string     `json:"-"`
	Seq        int64      `json:"-"`
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool role only
	Name       string     `json:"name,omitempty"`         // tool role only
	ResourceID string     `json:"resource_id,omitempty"`  // tool role only
	LatencyMS  int64      `json:"latency_ms,omitempty"`   // assistant role only
	Timestamp  time.Time  `json:"timestamp"`
}

// ToolCall is one function call requested by the model. Go code works with
// the flat form; JSON uses the nested wire shape
// {id, type: "function", function: {name, arguments}} both at rest and on
// the provider wire.
type ToolCall struct {
	ID   string
	Name string
	Args json.RawMessage
}

type wireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function wireToolFunction `json:"function"`
}

type wireToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON text, string-encoded
}

func (c ToolCall) MarshalJSON() ([]byte, error) {
	args := string(c.Args)
	if args == "" {
		args = "{}"
	}
	return json.Marshal(wireToolCall{
		ID:       c.ID,
		Type:     "function",
		Function: wireToolFunction{Name: c.Name, Arguments: args},
	})
}

func (c *ToolCall) UnmarshalJSON(data []byte) error {
	var w wireToolCall
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.ID = w.ID
	c.Name = w.Function.Name
	if w.Function.Arguments == "" {
		c.Args = json.RawMessage("{}")
	} else {
		c.Args = json.RawMessage(w.Function.Arguments)
	}
	return nil
}

// --- Domain types (database records) ---

// Resource is a persisted tool artifact (plot, table, export). Immutable
// after creation; a tool message references it by resource_id.
type Resource struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ChatID    string    `json:"chat_id"`
	Type      string    `json:"resource_type"` // "plot", "portfolio", "file", ...
	Title     string    `json:"title"`
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatFile is a user-visible artifact scoped to a chat (generated code,
// todo.md, CSV exports). Unique on (chat_id, name); writes upsert.
type ChatFile struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	FileType  string    `json:"file_type"` // MIME-like tag: "text/javascript", "application/json", ...
	Data      []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Activity is a brokerage account event pulled from the platform
// collaborator and cached by the sync service.
type Activity struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Account    string    `json:"account"`
	Kind       string    `json:"kind"` // "trade", "dividend", "transfer", ...
	Symbol     string    `json:"symbol,omitempty"`
	Units      float64   `json:"units,omitempty"`
	Price      float64   `json:"price,omitempty"`
	Amount     float64   `json:"amount"`
	Currency   string    `json:"currency"`
	OccurredAt time.Time `json:"occurred_at"`
}

// SyncState tracks activity-cache freshness per user. InFlight guards
// against overlapping background refreshes.
type SyncState struct {
	UserID     string    `json:"user_id"`
	LastSyncAt time.Time `json:"last_sync_at"`
	InFlight   bool      `json:"in_flight"`
}

// --- Message constructors ---

func UserMessage(text string) Message {
	return Message{Role: "user", Content: text}
}

func SystemMessage(text string) Message {
	return Message{Role: "system", Content: text}
}

func AssistantMessage(text string) Message {
	return Message{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, name, content string) Message {
	return Message{Role: "tool", Content: content, ToolCallID: callID, Name: name}
}
