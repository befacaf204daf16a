package tape

import (
	"errors"
	"fmt"
	"time"
)

type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP carries the status and body of a failed provider request.
// RetryAfter is the parsed Retry-After header, zero when absent.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrTurnLimit is returned by the agent loop when a request exhausts the
// configured number of LLM turns before producing a final answer.
type ErrTurnLimit struct {
	Turns int
}

func (e *ErrTurnLimit) Error() string {
	return fmt.Sprintf("turn limit reached after %d turns", e.Turns)
}

// ErrAuthRequired signals that a tool needs the user to (re)connect a
// brokerage platform. The loop completes the turn and flags the terminal
// assistant event instead of failing the request.
var ErrAuthRequired = errors.New("platform authorization required")

// ErrConflict reports a lost race on a chat's message ordering. Stores
// retry the append once before surfacing it.
var ErrConflict = errors.New("message sequence conflict")

// ErrUnknownTool is recorded as the tool result when the model calls a
// name the registry does not know, so the model can correct itself.
var ErrUnknownTool = errors.New("unknown tool")
