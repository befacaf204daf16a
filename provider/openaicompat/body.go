package openaicompat

import (
	"encoding/json"

	"github.com/oddlot/tape"
)

// BuildBody converts tape messages and a model name into an OpenAI-format
// ChatRequest. System messages stay in the messages array as role:"system";
// assistant messages keep any text content beside their tool calls. Options
// configure generation parameters (temperature, top_p, etc.).
func BuildBody(messages []tape.Message, tools []tape.ToolDefinition, model, responseFormat string, opts ...Option) ChatRequest {
	var msgs []Message

	for _, m := range messages {
		switch {
		case m.Role == "assistant" && len(m.ToolCalls) > 0:
			var tcs []ToolCallRequest
			for _, tc := range m.ToolCalls {
				args := string(tc.Args)
				if args == "" {
					args = "{}"
				}
				tcs = append(tcs, ToolCallRequest{
					ID:       tc.ID,
					Type:     "function",
					Function: FunctionCall{Name: tc.Name, Arguments: args},
				})
			}
			msgs = append(msgs, Message{
				Role:      "assistant",
				Content:   m.Content,
				ToolCalls: tcs,
			})

		case m.Role == "tool":
			msgs = append(msgs, Message{
				Role:       "tool",
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
				Name:       m.Name,
			})

		default:
			msgs = append(msgs, Message{Role: m.Role, Content: m.Content})
		}
	}

	req := ChatRequest{
		Model:    model,
		Messages: msgs,
	}

	if len(tools) > 0 {
		req.Tools = BuildToolDefs(tools)
	}

	if responseFormat != "" {
		req.ResponseFormat = &ResponseFormat{Type: responseFormat}
	}

	for _, opt := range opts {
		opt(&req)
	}

	return req
}

// BuildToolDefs converts tape ToolDefinitions to the OpenAI tool format.
// Callers pass already-flattened parameter schemas; the registry's
// FlatDefinitions does the flattening.
func BuildToolDefs(tools []tape.ToolDefinition) []Tool {
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, Tool{
			Type: "function",
			Function: Function{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}
