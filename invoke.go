package tape

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Invocation is the per-tool-call handle for identity, streaming, and
// resource saving. The loop creates one per call, drains its event channel
// into the client stream while the handler runs, and releases it when the
// call returns. Emits after release are discarded, so a handler that leaks
// a goroutine cannot write into a later tool call's stream.
type Invocation struct {
	UserID string
	ChatID string

	events    chan Event
	done      chan struct{}
	release   sync.Once
	now       func() time.Time
	resources ResourceStore
	lineage   []string
}

func newInvocation(userID, chatID string, now func() time.Time, res ResourceStore, lineage []string) *Invocation {
	return &Invocation{
		UserID:    userID,
		ChatID:    chatID,
		events:    make(chan Event),
		done:      make(chan struct{}),
		now:       now,
		resources: res,
		lineage:   lineage,
	}
}

// detached builds an invocation with no consumer. Tools executed outside a
// loop (tests, scripts) get this from InvocationFrom so they never nil-check.
func detached() *Invocation {
	return &Invocation{now: time.Now, done: make(chan struct{})}
}

// NewInvocation builds a standalone invocation for running tools outside a
// loop: identity and resource saving work, emits are discarded. res may be
// nil when the tool saves nothing.
func NewInvocation(userID, chatID string, res ResourceStore) *Invocation {
	return &Invocation{
		UserID:    userID,
		ChatID:    chatID,
		done:      make(chan struct{}),
		now:       time.Now,
		resources: res,
	}
}

// Emit sends ev toward the client. The send is back-pressured: a slow
// consumer blocks the caller rather than dropping the event. Emit returns
// without sending once the invocation is released or ctx is cancelled.
func (inv *Invocation) Emit(ctx context.Context, ev Event) {
	if inv.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = inv.now()
	}
	select {
	case inv.events <- ev:
	case <-inv.done:
	case <-ctx.Done():
	}
}

// Status emits a tool_status event.
func (inv *Invocation) Status(ctx context.Context, status, msg string) {
	inv.Emit(ctx, toolStatusEvent(inv.now(), status, msg))
}

// Log emits a tool_log event. Level is "debug", "info", "warning" or "error".
func (inv *Invocation) Log(ctx context.Context, level, msg string) {
	inv.Emit(ctx, toolLogEvent(inv.now(), level, msg))
}

// Progress emits a tool_progress event with percent in [0,100].
func (inv *Invocation) Progress(ctx context.Context, percent float64, msg string) {
	inv.Emit(ctx, toolProgressEvent(inv.now(), percent, msg))
}

// Now returns the invocation's clock reading. Tools use this instead of
// time.Now so turns replay deterministically under a fake clock.
func (inv *Invocation) Now() time.Time {
	return inv.now()
}

// SaveResource persists a tool artifact and returns its id for the
// tool_call_complete event and the transcript's resource_id.
func (inv *Invocation) SaveResource(ctx context.Context, typ, title string, data []byte) (string, error) {
	if inv.resources == nil {
		return "", errors.New("invocation: no resource store attached")
	}
	return inv.resources.PutResource(ctx, Resource{
		ID:        NewID(),
		UserID:    inv.UserID,
		ChatID:    inv.ChatID,
		Type:      typ,
		Title:     title,
		Data:      data,
		CreatedAt: inv.now(),
	})
}

// Lineage returns the chain of agent names above this call, outermost
// first. Sub-agents consult it to refuse self-invocation.
func (inv *Invocation) Lineage() []string {
	return append([]string(nil), inv.lineage...)
}

// Release closes the invocation. Later emits are dropped. Safe to call more
// than once and concurrently with Emit.
func (inv *Invocation) Release() {
	inv.release.Do(func() { close(inv.done) })
}

type invocationKey struct{}

// WithInvocation returns a ctx carrying inv for the duration of a tool call.
func WithInvocation(ctx context.Context, inv *Invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

// InvocationFrom returns the invocation carried by ctx, or a detached one
// whose emits are discarded when ctx has none.
func InvocationFrom(ctx context.Context) *Invocation {
	if inv, ok := ctx.Value(invocationKey{}).(*Invocation); ok {
		return inv
	}
	return detached()
}
