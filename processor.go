package tape

import (
	"context"
	"fmt"
)

// PreProcessor runs before each LLM call. Implementations may rewrite the
// request (inject context, redact messages) or return an error to stop the
// turn. Return ErrHalt to stop with a canned response instead of a failure.
// Must be safe for concurrent use.
type PreProcessor interface {
	PreLLM(ctx context.Context, req *ChatRequest) error
}

// PostProcessor runs after the LLM responds, before tool dispatch.
// Implementations may rewrite the response (filter tool calls, transform
// content) or return an error to stop the turn.
// Must be safe for concurrent use.
type PostProcessor interface {
	PostLLM(ctx context.Context, resp *ChatResponse) error
}

// PostToolProcessor runs after each tool call, before the result joins the
// transcript. Implementations may rewrite the result (redact, truncate).
// Must be safe for concurrent use.
type PostToolProcessor interface {
	PostTool(ctx context.Context, call ToolCall, result *ToolResult) error
}

// ErrHalt signals that a processor wants to end the turn with a specific
// response. The loop catches it and returns Result{Output: Response} with
// a nil error; the stream still gets assistant_message and done.
type ErrHalt struct {
	Response string
}

func (e *ErrHalt) Error() string { return "processor halted: " + e.Response }

// ProcessorChain holds an ordered list of processors and runs them at each
// hook point. A processor participates only in the phases whose interface
// it implements.
type ProcessorChain struct {
	processors []any
}

// NewProcessorChain creates an empty chain.
func NewProcessorChain() *ProcessorChain {
	return &ProcessorChain{}
}

// Add appends a processor. Panics if p implements none of PreProcessor,
// PostProcessor, PostToolProcessor; that is a wiring bug.
func (c *ProcessorChain) Add(p any) {
	_, isPre := p.(PreProcessor)
	_, isPost := p.(PostProcessor)
	_, isPostTool := p.(PostToolProcessor)
	if !isPre && !isPost && !isPostTool {
		panic(fmt.Sprintf("tape: processor %T implements no processor interface", p))
	}
	c.processors = append(c.processors, p)
}

// RunPreLLM runs PreProcessor hooks in registration order, stopping at the
// first error.
func (c *ProcessorChain) RunPreLLM(ctx context.Context, req *ChatRequest) error {
	for _, p := range c.processors {
		if pre, ok := p.(PreProcessor); ok {
			if err := pre.PreLLM(ctx, req); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostLLM runs PostProcessor hooks in registration order, stopping at
// the first error.
func (c *ProcessorChain) RunPostLLM(ctx context.Context, resp *ChatResponse) error {
	for _, p := range c.processors {
		if post, ok := p.(PostProcessor); ok {
			if err := post.PostLLM(ctx, resp); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunPostTool runs PostToolProcessor hooks in registration order, stopping
// at the first error.
func (c *ProcessorChain) RunPostTool(ctx context.Context, call ToolCall, result *ToolResult) error {
	for _, p := range c.processors {
		if pt, ok := p.(PostToolProcessor); ok {
			if err := pt.PostTool(ctx, call, result); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of registered processors.
func (c *ProcessorChain) Len() int { return len(c.processors) }
