package tape

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// maxToolResultLen is the rune ceiling for a tool result stored in the
// working transcript. Results past it are truncated with a marker so the
// LLM knows content was trimmed; stream events carry the full content.
const maxToolResultLen = 100_000

// run is the shared turn driver behind Run and RunStream. When ch is nil it
// operates in blocking mode; otherwise it emits events into ch and closes
// ch exactly once before returning. lineage carries the agent ancestry when
// the turn runs inside a sub-agent dispatch.
func (a *Agent) run(ctx context.Context, t Turn, ch chan<- Event, lineage []string) (Result, error) {
	if a.turnTO > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.turnTO)
		defer cancel()
	}

	var closeOnce sync.Once
	defer func() {
		if ch != nil {
			closeOnce.Do(func() { close(ch) })
		}
	}()

	emit := func(ev Event) {
		if ch == nil {
			return
		}
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}

	// Working transcript: system prompt, persisted history, new user message.
	var messages []Message
	if a.prompt != "" {
		messages = append(messages, SystemMessage(a.prompt))
	}
	persist := a.store != nil && t.ChatID != ""
	if persist {
		history, err := a.store.Messages(ctx, t.ChatID)
		if err != nil {
			emit(errorEvent(a.clock(), "storage_error", err.Error()))
			emit(doneEvent(a.clock(), ""))
			return Result{}, fmt.Errorf("agent %s: load history: %w", a.name, err)
		}
		messages = append(messages, history...)
	}

	user := UserMessage(t.Text)
	user.ID = NewID()
	user.Timestamp = a.clock()
	messages = append(messages, user)
	if persist {
		if err := a.store.AppendMessage(ctx, t.ChatID, user); err != nil {
			emit(errorEvent(a.clock(), "storage_error", err.Error()))
			emit(doneEvent(a.clock(), ""))
			return Result{}, fmt.Errorf("agent %s: persist user message: %w", a.name, err)
		}
	}

	// Tool schemas go out flattened on every dialect; flattening failures
	// are registration bugs surfaced on first use.
	flatDefs, err := a.registry.FlatDefinitions()
	if err != nil {
		emit(errorEvent(a.clock(), "schema_error", err.Error()))
		emit(doneEvent(a.clock(), ""))
		return Result{}, fmt.Errorf("agent %s: %w", a.name, err)
	}

	var result Result
	for turn := 0; turn < a.maxTurns; turn++ {
		result.Turns = turn + 1

		req := ChatRequest{Messages: messages, Tools: flatDefs}
		if err := a.processors.RunPreLLM(ctx, &req); err != nil {
			return a.finishProcessor(ctx, t, err, result, emit)
		}
		if a.dialect == DialectStrict {
			// Strict backends reject response_format next to tools.
			req.ResponseFormat = ""
		}

		callStart := a.clock()
		var resp ChatResponse
		var llmErr error
		if ch != nil {
			deltas := make(chan string)
			forwarded := make(chan struct{})
			go func() {
				defer close(forwarded)
				for d := range deltas {
					emit(deltaEvent(a.clock(), d))
				}
			}()
			resp, llmErr = a.provider.ChatStream(ctx, req, deltas)
			<-forwarded
		} else {
			resp, llmErr = a.provider.Chat(ctx, req)
		}
		if llmErr != nil {
			emit(errorEvent(a.clock(), "llm_error", llmErr.Error()))
			emit(doneEvent(a.clock(), ""))
			return result, llmErr
		}
		result.Usage.Add(resp.Usage)

		if err := a.processors.RunPostLLM(ctx, &resp); err != nil {
			return a.finishProcessor(ctx, t, err, result, emit)
		}

		latency := a.clock().Sub(callStart).Milliseconds()

		// No tool calls: the answer is final.
		if len(resp.ToolCalls) == 0 {
			assistant := AssistantMessage(resp.Content)
			assistant.ID = NewID()
			assistant.LatencyMS = latency
			assistant.Timestamp = a.clock()
			if persist {
				if err := a.store.AppendMessage(ctx, t.ChatID, assistant); err != nil {
					emit(errorEvent(a.clock(), "storage_error", err.Error()))
					emit(doneEvent(a.clock(), ""))
					return result, fmt.Errorf("agent %s: persist assistant message: %w", a.name, err)
				}
			}
			emit(assistantEvent(a.clock(), resp.Content, result.NeedsAuth))
			emit(doneEvent(a.clock(), ""))
			result.Output = resp.Content
			return result, nil
		}

		// Streamed text is preserved next to the tool calls.
		assistant := Message{
			ID:        NewID(),
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			LatencyMS: latency,
			Timestamp: a.clock(),
		}
		messages = append(messages, assistant)

		// Dispatch sequentially in the order the LLM produced the calls, so
		// each call's events nest between its start and complete markers.
		toolMsgs := make([]Message, 0, len(resp.ToolCalls))
		for _, tc := range resp.ToolCalls {
			emit(toolStartEvent(a.clock(), tc.ID, tc.Name, tc.Args))

			res, needsAuth := a.dispatchCall(ctx, t, tc, emit, lineage)
			if needsAuth {
				result.NeedsAuth = true
			}

			// The complete marker goes out before the post-tool processors
			// run: a failing processor ends the turn, and every emitted
			// start must still have its matching complete.
			status := "completed"
			if res.Error != "" {
				status = "error"
			}
			emit(toolCompleteEvent(a.clock(), tc.ID, tc.Name, status, res.ResourceID, res.Error))

			if err := a.processors.RunPostTool(ctx, tc, &res); err != nil {
				return a.finishProcessor(ctx, t, err, result, emit)
			}

			content := res.Content
			if res.Error != "" {
				content = "error: " + res.Error
			}
			if len([]rune(content)) > maxToolResultLen {
				content = truncateStr(content, maxToolResultLen) + "\n\n[output truncated]"
			}
			tm := ToolResultMessage(tc.ID, tc.Name, content)
			tm.ID = NewID()
			tm.ResourceID = res.ResourceID
			tm.Timestamp = a.clock()
			toolMsgs = append(toolMsgs, tm)
			messages = append(messages, tm)
		}

		// Assistant and tool rows share one transaction so readers never
		// observe a dangling tool_call_id.
		if persist {
			if err := a.store.AppendAssistantTurn(ctx, t.ChatID, assistant, toolMsgs); err != nil {
				emit(errorEvent(a.clock(), "storage_error", err.Error()))
				emit(doneEvent(a.clock(), ""))
				return result, fmt.Errorf("agent %s: persist assistant turn: %w", a.name, err)
			}
		}

		emit(thinkingEvent(a.clock(), "analyzing tool results"))
	}

	a.logger.Warn("turn limit reached", "agent", a.name, "chat_id", t.ChatID, "turns", a.maxTurns)
	emit(errorEvent(a.clock(), "turn_limit", fmt.Sprintf("no final answer after %d turns", a.maxTurns)))
	emit(doneEvent(a.clock(), ""))
	return result, &ErrTurnLimit{Turns: a.maxTurns}
}

// finishProcessor converts a processor error into a turn outcome. ErrHalt
// ends the turn gracefully with the canned response; anything else fails it.
func (a *Agent) finishProcessor(ctx context.Context, t Turn, err error, result Result, emit func(Event)) (Result, error) {
	var halt *ErrHalt
	if !errors.As(err, &halt) {
		emit(errorEvent(a.clock(), "processor_error", err.Error()))
		emit(doneEvent(a.clock(), ""))
		return result, err
	}
	assistant := AssistantMessage(halt.Response)
	assistant.ID = NewID()
	assistant.Timestamp = a.clock()
	if a.store != nil && t.ChatID != "" {
		if perr := a.store.AppendMessage(ctx, t.ChatID, assistant); perr != nil {
			a.logger.Warn("persist halt response failed", "agent", a.name, "error", perr)
		}
	}
	emit(assistantEvent(a.clock(), halt.Response, result.NeedsAuth))
	emit(doneEvent(a.clock(), ""))
	result.Output = halt.Response
	return result, nil
}

// dispatchCall runs one tool call under a fresh invocation, forwarding the
// handler's events to the client while it runs. The second return value
// reports whether the handler failed on missing platform credentials.
func (a *Agent) dispatchCall(ctx context.Context, t Turn, tc ToolCall, emit func(Event), lineage []string) (ToolResult, bool) {
	timeout := a.toolTO
	if def, ok := a.registry.Lookup(tc.Name); ok && def.Timeout > 0 {
		timeout = def.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	inv := newInvocation(t.UserID, t.ChatID, a.clock, a.resources, append(lineage, a.name))
	defer inv.Release()

	type outcome struct {
		res ToolResult
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				resultCh <- outcome{res: ToolResult{Error: fmt.Sprintf("tool %q panic: %v", tc.Name, p)}}
			}
		}()
		res, err := a.registry.Execute(WithInvocation(callCtx, inv), tc.Name, tc.Args)
		resultCh <- outcome{res: res, err: err}
	}()

	// Drain handler events until the result lands. A handler-emitted
	// assistant_message is terminal text for this call, not for the turn;
	// done and error never escape a tool call.
	var out outcome
	var terminalText string
	for done := false; !done; {
		select {
		case ev := <-inv.events:
			switch ev.Type {
			case EventAssistantMessage:
				terminalText = ev.Content
			case EventDone, EventError:
			default:
				emit(ev)
			}
		case out = <-resultCh:
			done = true
		case <-callCtx.Done():
			out = outcome{err: callCtx.Err()}
			done = true
		}
	}
	inv.Release()

	res := out.res
	var needsAuth bool
	switch {
	case out.err == nil:
	case errors.Is(out.err, ErrAuthRequired):
		needsAuth = true
		res = ToolResult{Error: ErrAuthRequired.Error()}
	case errors.Is(out.err, context.DeadlineExceeded):
		res = ToolResult{Error: "timeout"}
	case errors.Is(out.err, context.Canceled):
		res = ToolResult{Error: "cancelled"}
	default:
		res = ToolResult{Error: out.err.Error()}
	}
	if res.Content == "" && terminalText != "" {
		res.Content = terminalText
	}
	return res, needsAuth
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Byte length at or under n guarantees rune count is too, avoiding the
	// []rune allocation for short ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
