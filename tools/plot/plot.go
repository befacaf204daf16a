// Package plot persists chart specifications as resources. Rendering is
// the frontend's job; the tool validates the spec, stores it, and hands
// back a resource id the transcript can reference.
package plot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oddlot/tape"
)

const maxPoints = 10000

// Spec is the stored chart specification. Series data is kept verbatim;
// styling belongs to the renderer.
type Spec struct {
	Kind   string   `json:"kind"`  // "line", "bar", "candlestick", "pie"
	Title  string   `json:"title"`
	XLabel string   `json:"x_label,omitempty"`
	YLabel string   `json:"y_label,omitempty"`
	Series []Series `json:"series"`
}

// Series is one named data series.
type Series struct {
	Name string    `json:"name"`
	X    []string  `json:"x"`
	Y    []float64 `json:"y"`
}

var validKinds = map[string]bool{
	"line":        true,
	"bar":         true,
	"candlestick": true,
	"pie":         true,
}

// Tool provides render_plot.
type Tool struct{}

// New creates a plot tool. Output goes through the invocation's resource
// store, so no collaborator is needed here.
func New() *Tool { return &Tool{} }

func (t *Tool) Definitions() []tape.ToolDefinition {
	return []tape.ToolDefinition{{
		Name:        "render_plot",
		Description: "Render a chart from data series and attach it to the conversation. Returns a resource id; the chart is displayed to the user automatically.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"kind": {"type": "string", "enum": ["line", "bar", "candlestick", "pie"], "description": "Chart type"},
				"title": {"type": "string", "description": "Chart title"},
				"x_label": {"type": "string"},
				"y_label": {"type": "string"},
				"series": {
					"type": "array",
					"description": "One or more data series",
					"items": {
						"type": "object",
						"properties": {
							"name": {"type": "string"},
							"x": {"type": "array", "items": {"type": "string"}, "description": "X values (dates or categories)"},
							"y": {"type": "array", "items": {"type": "number"}, "description": "Y values, same length as x"}
						},
						"required": ["name", "x", "y"]
					}
				}
			},
			"required": ["kind", "title", "series"]
		}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (tape.ToolResult, error) {
	var spec Spec
	if err := json.Unmarshal(args, &spec); err != nil {
		return tape.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}
	if err := validate(spec); err != nil {
		return tape.ToolResult{Error: err.Error()}, nil
	}

	data, err := json.Marshal(spec)
	if err != nil {
		return tape.ToolResult{Error: "encode plot: " + err.Error()}, nil
	}

	inv := tape.InvocationFrom(ctx)
	inv.Status(ctx, "rendering", spec.Title)

	id, err := inv.SaveResource(ctx, "plot", spec.Title, data)
	if err != nil {
		return tape.ToolResult{Error: "save plot: " + err.Error()}, err
	}
	return tape.ToolResult{
		Content:    fmt.Sprintf("Chart %q saved.", spec.Title),
		ResourceID: id,
	}, nil
}

func validate(spec Spec) error {
	if !validKinds[spec.Kind] {
		return fmt.Errorf("unknown chart kind %q", spec.Kind)
	}
	if spec.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(spec.Series) == 0 {
		return fmt.Errorf("at least one series is required")
	}
	total := 0
	for _, s := range spec.Series {
		if len(s.X) != len(s.Y) {
			return fmt.Errorf("series %q: x has %d values, y has %d", s.Name, len(s.X), len(s.Y))
		}
		total += len(s.X)
	}
	if total > maxPoints {
		return fmt.Errorf("too many data points: %d (max %d)", total, maxPoints)
	}
	return nil
}
