// Package tape is the engine behind a conversational AI backend for
// financial analysis: it turns a user message into a streamed answer and
// runs user-authored trading strategies as scheduled background workers.
//
// # Request path
//
// A turn flows through the [Agent] loop: the LLM streams text deltas and
// tool calls, tools execute under an [Invocation] (identity, cancellation,
// event side-channel, resource persistence), results re-enter the loop, and
// everything is surfaced to the client as a single ordered event stream
// ([Event], serialized over SSE by [ServeEvents]).
//
//	provider := openaicompat.NewProvider(apiKey, model, baseURL)
//	agent := tape.NewAgent("analyst", provider,
//		tape.WithTools(portfolio.New(syncSvc), market.New(quotes)),
//		tape.WithChatStore(store),
//		tape.WithPrompt(systemPrompt),
//	)
//
//	ch := make(chan tape.Event)
//	go agent.RunStream(ctx, tape.Turn{UserID: uid, ChatID: cid, Text: text}, ch)
//	tape.ServeEvents(ctx, w, ch)
//
// # Background path
//
// A [Strategy] pairs user-written entry/exit code (validated and executed by
// package sandbox) with capital limits. The [Scheduler] ticks, picks due
// strategies, and runs one [Executor] cycle per strategy on a bounded worker
// pool; every entry signal passes the capital guard ([EvaluateEntry]) before
// an order is submitted or simulated.
//
// # Core interfaces
//
//   - [Provider]: LLM backend (blocking and streaming chat with tools)
//   - [Tool]: pluggable capability exposed to the LLM
//   - [ChatStore], [FileStore], [ResourceStore]: conversation persistence
//   - [StrategyStore], [ExecutionStore], [SyncStore]: strategy runtime persistence
//   - [BrokerClient], [MarketData]: injected platform collaborators
//   - [PreProcessor], [PostProcessor]: request/response transformers
//
// Storage: store/postgres (pgx) and store/sqlite (CGO-free). Providers:
// provider/openaicompat with provider/resolve for model-name dialect
// resolution. Tools live under tools/. See cmd/tape for the full wiring.
package tape
