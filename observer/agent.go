package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/oddlot/tape"
)

// AgentRunner is the turn-running surface of tape.Agent, abstracted so
// instrumented agents stack.
type AgentRunner interface {
	Name() string
	Run(ctx context.Context, t tape.Turn) (tape.Result, error)
	RunStream(ctx context.Context, t tape.Turn, ch chan<- tape.Event) (tape.Result, error)
}

// ObservedAgent wraps an AgentRunner to emit OTEL lifecycle spans, metrics,
// and logs. The wrapper creates a parent span per turn that contains all
// inner operations (LLM calls, tool executions) as child spans via context
// propagation.
type ObservedAgent struct {
	inner AgentRunner
	inst  *Instruments
}

// WrapAgent returns an instrumented agent.
func WrapAgent(inner AgentRunner, inst *Instruments) *ObservedAgent {
	return &ObservedAgent{inner: inner, inst: inst}
}

func (o *ObservedAgent) Name() string { return o.inner.Name() }

// Run wraps the inner agent's Run with an agent.turn span.
func (o *ObservedAgent) Run(ctx context.Context, t tape.Turn) (tape.Result, error) {
	return o.observe(ctx, t, func(ctx context.Context) (tape.Result, error) {
		return o.inner.Run(ctx, t)
	})
}

// RunStream wraps the inner agent's RunStream with an agent.turn span.
func (o *ObservedAgent) RunStream(ctx context.Context, t tape.Turn, ch chan<- tape.Event) (tape.Result, error) {
	return o.observe(ctx, t, func(ctx context.Context) (tape.Result, error) {
		return o.inner.RunStream(ctx, t, ch)
	})
}

func (o *ObservedAgent) observe(ctx context.Context, t tape.Turn, run func(context.Context) (tape.Result, error)) (tape.Result, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
		attribute.String("chat.id", t.ChatID),
	))
	defer span.End()
	start := time.Now()

	result, err := run(ctx)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	switch {
	case ctx.Err() != nil && err != nil:
		status = "cancelled"
		span.SetStatus(codes.Error, "cancelled")
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrAgentStatus.String(status),
		AttrAgentTurns.Int(result.Turns),
		AttrTokensInput.Int(result.Usage.InputTokens),
		AttrTokensOutput.Int(result.Usage.OutputTokens),
	)

	attrs := metric.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
		attribute.String("status", status),
	)
	o.inst.AgentTurns.Add(ctx, 1, attrs)
	o.inst.AgentDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAgentName.String(o.inner.Name()),
	))

	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("agent turn completed"))
	rec.AddAttributes(
		otellog.String("agent.name", o.inner.Name()),
		otellog.String("agent.status", status),
		otellog.Int("agent.turns", result.Turns),
		otellog.Int("tokens.input", result.Usage.InputTokens),
		otellog.Int("tokens.output", result.Usage.OutputTokens),
		otellog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return result, err
}

var _ AgentRunner = (*ObservedAgent)(nil)
