package tape

import (
	"context"
	"log/slog"
	"time"
)

// Agent drives one user turn at a time: it interleaves LLM calls and tool
// calls until the model produces a final answer, streaming events along the
// way. One Agent serves many users and chats concurrently; per-turn state
// lives on the stack of Run/RunStream.
type Agent struct {
	name       string
	provider   Provider
	registry   *ToolRegistry
	prompt     string
	maxTurns   int
	toolTO     time.Duration
	turnTO     time.Duration
	dialect    SchemaDialect
	store      ChatStore
	resources  ResourceStore
	processors *ProcessorChain
	clock      func() time.Time
	logger     *slog.Logger
}

// Turn is one user message addressed to an agent.
type Turn struct {
	UserID string
	ChatID string
	Text   string
}

// Result is the outcome of one completed turn.
type Result struct {
	// Output is the final assistant text.
	Output string
	// NeedsAuth is set when a tool failed on missing platform credentials;
	// the client should start a re-auth flow.
	NeedsAuth bool
	// Usage aggregates token usage across all LLM calls in the turn.
	Usage Usage
	// Turns is the number of LLM iterations the loop used.
	Turns int
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithTools registers tools on the agent's registry.
func WithTools(tools ...Tool) AgentOption {
	return func(a *Agent) {
		for _, t := range tools {
			a.registry.Add(t)
		}
	}
}

// WithRegistry replaces the agent's tool registry. Use when several agents
// share one registry.
func WithRegistry(r *ToolRegistry) AgentOption {
	return func(a *Agent) { a.registry = r }
}

// WithPrompt sets the system prompt prepended to every LLM call.
func WithPrompt(s string) AgentOption {
	return func(a *Agent) { a.prompt = s }
}

// WithMaxTurns sets the LLM iteration ceiling per user turn (default: 10).
// On reach the stream terminates with error{turn_limit}.
func WithMaxTurns(n int) AgentOption {
	return func(a *Agent) { a.maxTurns = n }
}

// WithToolTimeout sets the default per-tool-call timeout (default: 60s).
// A ToolDefinition with a nonzero Timeout overrides it.
func WithToolTimeout(d time.Duration) AgentOption {
	return func(a *Agent) { a.toolTO = d }
}

// WithTurnTimeout sets the wall clock for one whole user turn
// (default: 5m).
func WithTurnTimeout(d time.Duration) AgentOption {
	return func(a *Agent) { a.turnTO = d }
}

// WithSchemaDialect declares how the provider validates tool schemas
// (default: DialectStrict).
func WithSchemaDialect(d SchemaDialect) AgentOption {
	return func(a *Agent) { a.dialect = d }
}

// WithChatStore attaches transcript persistence. Without it the agent still
// runs, but turns leave no history.
func WithChatStore(s ChatStore) AgentOption {
	return func(a *Agent) { a.store = s }
}

// WithResources attaches artifact persistence for tool SaveResource calls.
func WithResources(s ResourceStore) AgentOption {
	return func(a *Agent) { a.resources = s }
}

// WithProcessors appends processors to the agent's chain. Each must
// implement at least one of PreProcessor, PostProcessor, PostToolProcessor.
func WithProcessors(processors ...any) AgentOption {
	return func(a *Agent) {
		for _, p := range processors {
			a.processors.Add(p)
		}
	}
}

// WithClock injects the time source (default: time.Now). Event timestamps,
// message timestamps and latency measurements all come from it.
func WithClock(now func() time.Time) AgentOption {
	return func(a *Agent) { a.clock = now }
}

// WithLogger sets the structured logger (default: no output).
func WithLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// NewAgent creates an agent over p. The zero configuration is usable:
// no tools, no persistence, strict schema dialect, spec-default limits.
func NewAgent(name string, p Provider, opts ...AgentOption) *Agent {
	a := &Agent{
		name:       name,
		provider:   p,
		registry:   NewToolRegistry(),
		maxTurns:   10,
		toolTO:     60 * time.Second,
		turnTO:     5 * time.Minute,
		dialect:    DialectStrict,
		processors: NewProcessorChain(),
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = nopLogger
	}
	return a
}

// Name returns the agent's identifier. Sub-agent lineage is built from it.
func (a *Agent) Name() string { return a.name }

// Run executes one turn to completion without streaming.
func (a *Agent) Run(ctx context.Context, t Turn) (Result, error) {
	return a.run(ctx, t, nil, nil)
}

// RunStream executes one turn, emitting events into ch as they occur.
// ch is closed exactly once before returning, on every path. Sends are
// back-pressured: a slow consumer slows the turn, nothing is dropped.
func (a *Agent) RunStream(ctx context.Context, t Turn, ch chan<- Event) (Result, error) {
	return a.run(ctx, t, ch, nil)
}

// nopLogger discards all records. Used wherever no logger was configured so
// call sites never nil-check.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
