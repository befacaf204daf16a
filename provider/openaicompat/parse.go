package openaicompat

import (
	"encoding/json"

	"github.com/oddlot/tape"
)

// ParseResponse converts an OpenAI-format ChatResponse to a tape
// ChatResponse. It extracts content, tool calls, and usage from choices[0].
func ParseResponse(resp ChatResponse) (tape.ChatResponse, error) {
	var out tape.ChatResponse

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = tape.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		}
	}

	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to tape ToolCalls.
// OpenAI returns function.arguments as a JSON string; invalid fragments
// degrade to an empty object so the loop can still dispatch and the tool
// can report the problem.
func ParseToolCalls(tcs []ToolCallRequest) []tape.ToolCall {
	if len(tcs) == 0 {
		return nil
	}

	out := make([]tape.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		args := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(args) {
			args = json.RawMessage(`{}`)
		}
		out = append(out, tape.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}
	return out
}
