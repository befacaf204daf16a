// Package sandbox validates and runs user-authored strategy code. Programs
// are ECMAScript, statically checked against a compute-only whitelist and
// executed on a fresh, stripped-down runtime per call with a hard
// wall-clock ceiling. Nothing persists between calls and nothing
// non-deterministic is in scope: no clock, no PRNG, no I/O of any kind.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/dop251/goja"

	tape "github.com/oddlot/tape"
)

// Option configures an Engine.
type Option func(*Engine)

// Timeout sets the wall-clock ceiling per invocation (default: 5s). A
// context with an earlier deadline shortens it, never extends it.
func Timeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// Logger sets the structured logger (default: no output).
func Logger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// Engine compiles and runs sandboxed strategy programs. Safe for
// concurrent use; each invocation gets its own runtime.
type Engine struct {
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an engine.
func New(opts ...Option) *Engine {
	e := &Engine{timeout: 5 * time.Second, logger: nopLogger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Program is validated, compiled strategy code. It records which top-level
// functions the source declares so missing entry points fail at compile
// time, not on the first scheduled cycle.
type Program struct {
	name     string
	compiled *goja.Program
	funcs    map[string]bool
	eng      *Engine
}

// Name returns the program's source name.
func (p *Program) Name() string { return p.name }

// Declares reports whether the source declares a top-level function fn.
func (p *Program) Declares(fn string) bool { return p.funcs[fn] }

// Compile parses src, validates it against the whitelist, and compiles it.
// All static failures surface here with their Kind.
func (e *Engine) Compile(name, src string) (*Program, error) {
	_, funcs, err := parseAndValidate(name, src)
	if err != nil {
		return nil, err
	}
	compiled, err := goja.Compile(name, src, true)
	if err != nil {
		return nil, &Error{Kind: ErrSyntax, Name: name, Detail: err.Error()}
	}
	e.logger.Debug("program compiled", "name", name, "funcs", len(funcs))
	return &Program{name: name, compiled: compiled, funcs: funcs, eng: e}, nil
}

// Entry runs the program's entry(data) function and polices its return
// into entry signals.
func (p *Program) Entry(ctx context.Context, data tape.EntryData) ([]tape.EntrySignal, error) {
	out, err := p.eng.invoke(ctx, p, "entry", data)
	if err != nil {
		return nil, err
	}
	return coerceEntrySignals(p.name, out)
}

// Exit runs the program's exit(data, position) function. A null or
// undefined return means hold.
func (p *Program) Exit(ctx context.Context, data tape.EntryData, pos tape.Position) (*tape.ExitSignal, error) {
	out, err := p.eng.invoke(ctx, p, "exit", data, pos)
	if err != nil {
		return nil, err
	}
	return coerceExitSignal(p.name, pos, out)
}

// Invoke runs an arbitrary declared function with the given arguments and
// returns the exported result. Arguments are passed through the same JSON
// projection as Entry/Exit.
func (p *Program) Invoke(ctx context.Context, fn string, args ...any) (any, error) {
	return p.eng.invoke(ctx, p, fn, args...)
}

// invoke builds a fresh restricted runtime, loads the program, and calls
// fn under the interrupt timer.
func (e *Engine) invoke(ctx context.Context, p *Program, fn string, args ...any) (any, error) {
	if !p.funcs[fn] {
		return nil, &Error{Kind: ErrRuntime, Name: p.name, Detail: fmt.Sprintf("program does not declare function %q", fn)}
	}

	vm := goja.New()
	if err := restrictRuntime(vm); err != nil {
		return nil, &Error{Kind: ErrRuntime, Name: p.name, Detail: err.Error()}
	}

	timeout := e.timeout
	if dl, ok := ctx.Deadline(); ok {
		if until := time.Until(dl); until < timeout {
			timeout = until
		}
	}
	timer := time.AfterFunc(timeout, func() { vm.Interrupt("wall clock exceeded") })
	defer timer.Stop()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("cancelled")
		case <-stop:
		}
	}()

	if _, err := vm.RunProgram(p.compiled); err != nil {
		return nil, e.classify(p.name, err)
	}

	fnVal := vm.Get(fn)
	callable, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, &Error{Kind: ErrRuntime, Name: p.name, Detail: fmt.Sprintf("%q is not a function", fn)}
	}

	jsArgs := make([]goja.Value, len(args))
	for i, a := range args {
		projected, err := project(a)
		if err != nil {
			return nil, &Error{Kind: ErrRuntime, Name: p.name, Detail: fmt.Sprintf("argument %d: %v", i, err)}
		}
		jsArgs[i] = vm.ToValue(projected)
	}

	result, err := callable(goja.Undefined(), jsArgs...)
	if err != nil {
		return nil, e.classify(p.name, err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}

// classify maps a goja failure onto the sandbox taxonomy.
func (e *Engine) classify(name string, err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &Error{Kind: ErrTimeout, Name: name, Detail: fmt.Sprint(interrupted.Value())}
	}
	var jsErr *goja.Exception
	if errors.As(err, &jsErr) {
		return &Error{Kind: ErrRuntime, Name: name, Detail: jsErr.Error()}
	}
	return &Error{Kind: ErrRuntime, Name: name, Detail: err.Error()}
}

// restrictRuntime strips non-deterministic and escape-prone globals from a
// fresh runtime and installs the stats helpers. The static validator
// already rejects these names; shadowing them is the second fence.
func restrictRuntime(vm *goja.Runtime) error {
	for _, name := range []string{"Date", "eval", "Function", "globalThis"} {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return fmt.Errorf("shadow %s: %w", name, err)
		}
	}
	// Math stays for its pure functions; its PRNG does not.
	if mathObj, ok := vm.Get("Math").(*goja.Object); ok {
		if err := mathObj.Set("random", func() (float64, error) {
			return 0, errors.New("Math.random is not available in strategy code")
		}); err != nil {
			return fmt.Errorf("disable Math.random: %w", err)
		}
	}
	return vm.Set("stats", statsHelpers())
}

// statsHelpers is the host-provided statistics object available to
// strategy code as `stats`.
func statsHelpers() map[string]any {
	return map[string]any{
		"sum":  statSum,
		"min":  statMin,
		"max":  statMax,
		"mean": statMean,
		"median": func(xs []float64) float64 {
			return statPercentile(xs, 50)
		},
		"stdev":      statStdev,
		"percentile": statPercentile,
	}
}

func statSum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func statMin(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

func statMax(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	m := xs[0]
	for _, x := range xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

func statMean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	return statSum(xs) / float64(len(xs))
}

func statStdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean := statMean(xs)
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// statPercentile uses linear interpolation between closest ranks.
func statPercentile(xs []float64, pct float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	if pct <= 0 {
		return sorted[0]
	}
	if pct >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := pct / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// project converts a host value into plain maps and slices keyed by the
// type's JSON field names, so strategy code sees the same snake_case
// shapes the rest of the system speaks.
func project(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// coerceEntrySignals polices an entry return into signals: an array of
// objects each carrying market_id, side, and a confidence in [0,1]. A null
// return means no signals.
func coerceEntrySignals(name string, out any) ([]tape.EntrySignal, error) {
	if out == nil {
		return nil, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, &Error{Kind: ErrBadReturn, Name: name, Detail: err.Error()}
	}
	var signals []tape.EntrySignal
	if err := json.Unmarshal(raw, &signals); err != nil {
		return nil, &Error{Kind: ErrBadReturn, Name: name, Detail: "entry must return an array of signal objects"}
	}
	for i, sig := range signals {
		switch {
		case sig.MarketID == "":
			return nil, &Error{Kind: ErrBadReturn, Name: name, Detail: fmt.Sprintf("signal %d: market_id is required", i)}
		case sig.Side == "":
			return nil, &Error{Kind: ErrBadReturn, Name: name, Detail: fmt.Sprintf("signal %d: side is required", i)}
		case sig.Confidence < 0 || sig.Confidence > 1:
			return nil, &Error{Kind: ErrBadReturn, Name: name, Detail: fmt.Sprintf("signal %d: confidence %v outside [0,1]", i, sig.Confidence)}
		}
	}
	return signals, nil
}

// coerceExitSignal polices an exit return: null means hold, an object
// means close. A missing position_id defaults to the evaluated position.
func coerceExitSignal(name string, pos tape.Position, out any) (*tape.ExitSignal, error) {
	if out == nil {
		return nil, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, &Error{Kind: ErrBadReturn, Name: name, Detail: err.Error()}
	}
	var sig tape.ExitSignal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return nil, &Error{Kind: ErrBadReturn, Name: name, Detail: "exit must return null or a signal object"}
	}
	if sig.PositionID == "" {
		sig.PositionID = pos.PositionID
	}
	return &sig, nil
}

// Compiler adapts Engine to tape.StrategyCompiler for the loader.
type Compiler struct {
	*Engine
}

// Compile implements tape.StrategyCompiler.
func (c Compiler) Compile(name, src string) (tape.StrategyProgram, error) {
	return c.Engine.Compile(name, src)
}

// nopLogger discards all records.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
