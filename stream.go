package tape

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of streaming event. The value doubles as
// the SSE event name on the wire.
type EventType string

const (
	// EventAssistantDelta carries an incremental text chunk from the LLM.
	EventAssistantDelta EventType = "assistant_message_delta"
	// EventToolCallStart signals a tool is about to be invoked.
	EventToolCallStart EventType = "tool_call_start"
	// EventToolStatus carries free-form progress from a running tool.
	EventToolStatus EventType = "tool_status"
	// EventToolLog carries a leveled log line from a running tool.
	EventToolLog EventType = "tool_log"
	// EventToolProgress carries a percent-complete update from a running tool.
	EventToolProgress EventType = "tool_progress"
	// EventToolCallComplete signals a tool call finished, with status or error.
	EventToolCallComplete EventType = "tool_call_complete"
	// EventThinking marks the gap between tool results and the next LLM call.
	EventThinking EventType = "thinking"
	// EventAssistantMessage carries the terminal assistant text for the turn.
	EventAssistantMessage EventType = "assistant_message"
	// EventDone terminates the stream. Always last, at most once.
	EventDone EventType = "done"
	// EventError reports a terminal failure; followed only by done.
	EventError EventType = "error"
)

// Event is one entry on the stream toward the client. Type maps to the SSE
// event name; the remaining fields form the JSON data payload. Which fields
// are set depends on Type.
type Event struct {
	Type EventType `json:"-"`
	// Delta is the partial text chunk (assistant_message_delta).
	Delta string `json:"delta,omitempty"`
	// ToolCallID ties tool-side events to one call (tool_call_start/complete).
	ToolCallID string `json:"tool_call_id,omitempty"`
	// ToolName is the called tool (tool_call_start, tool_call_complete).
	ToolName string `json:"tool_name,omitempty"`
	// Arguments is the raw argument JSON (tool_call_start only).
	Arguments string `json:"arguments,omitempty"`
	// Status is "completed" or "error" on tool_call_complete, free-form on tool_status.
	Status string `json:"status,omitempty"`
	// Message is the human-readable line (tool_status, tool_log, tool_progress, thinking, done).
	Message string `json:"message,omitempty"`
	// Level is the tool_log severity: "debug", "info", "warning", "error".
	Level string `json:"level,omitempty"`
	// Percent is in [0,100] (tool_progress only).
	Percent float64 `json:"percent,omitempty"`
	// Content is the terminal assistant text (assistant_message only).
	Content string `json:"content,omitempty"`
	// NeedsAuth asks the client to start a platform re-auth flow (assistant_message only).
	NeedsAuth bool `json:"needs_auth,omitempty"`
	// ResourceID links a stored artifact (tool_call_complete only).
	ResourceID string `json:"resource_id,omitempty"`
	// Error is the failure kind, e.g. "turn_limit" (error events and failed completes).
	Error string `json:"error,omitempty"`
	// Details elaborates on Error.
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// --- Event constructors ---
//
// Every producer stamps events through these so the timestamp always comes
// from the owning component's clock, never from a global.

func deltaEvent(at time.Time, delta string) Event {
	return Event{Type: EventAssistantDelta, Delta: delta, Timestamp: at}
}

func toolStartEvent(at time.Time, callID, name string, args json.RawMessage) Event {
	return Event{Type: EventToolCallStart, ToolCallID: callID, ToolName: name, Arguments: string(args), Timestamp: at}
}

func toolStatusEvent(at time.Time, status, msg string) Event {
	return Event{Type: EventToolStatus, Status: status, Message: msg, Timestamp: at}
}

func toolLogEvent(at time.Time, level, msg string) Event {
	return Event{Type: EventToolLog, Level: level, Message: msg, Timestamp: at}
}

func toolProgressEvent(at time.Time, percent float64, msg string) Event {
	return Event{Type: EventToolProgress, Percent: percent, Message: msg, Timestamp: at}
}

func toolCompleteEvent(at time.Time, callID, name, status, resourceID, errMsg string) Event {
	return Event{
		Type:       EventToolCallComplete,
		ToolCallID: callID,
		ToolName:   name,
		Status:     status,
		ResourceID: resourceID,
		Error:      errMsg,
		Timestamp:  at,
	}
}

func thinkingEvent(at time.Time, msg string) Event {
	return Event{Type: EventThinking, Message: msg, Timestamp: at}
}

func assistantEvent(at time.Time, content string, needsAuth bool) Event {
	return Event{Type: EventAssistantMessage, Content: content, NeedsAuth: needsAuth, Timestamp: at}
}

func doneEvent(at time.Time, msg string) Event {
	return Event{Type: EventDone, Message: msg, Timestamp: at}
}

func errorEvent(at time.Time, kind, details string) Event {
	return Event{Type: EventError, Error: kind, Details: details, Timestamp: at}
}
