package tape

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams text deltas into ch as they arrive while
	// accumulating tool-call deltas, then returns the assembled response
	// with usage stats. ch is closed before returning, on every path.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error)
	// Name returns the provider name (e.g. "openaicompat").
	Name() string
}

// SchemaDialect describes how strictly a model validates tool parameter
// schemas. Tool schemas are flattened for every dialect; the dialect gates
// response_format, which strict backends reject alongside tools.
type SchemaDialect int

const (
	// DialectStrict is JSON-Schema draft-2020-12 function calling.
	DialectStrict SchemaDialect = iota
	// DialectRelaxed tolerates response_format=json_object with tools.
	DialectRelaxed
)

// ChatRequest is one LLM call: the working transcript plus the tool surface.
type ChatRequest struct {
	Messages []Message        `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
	// ResponseFormat is "json_object" to request JSON output. Only honored
	// by relaxed-dialect providers.
	ResponseFormat string `json:"response_format,omitempty"`
}

// ChatResponse is the assembled result of one LLM call.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage counts tokens for one call; the loop sums it per turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u into the receiver.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
