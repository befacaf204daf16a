package openaicompat

import (
	"context"
	"strings"
	"testing"
)

func collect(ch <-chan string) func() []string {
	var got []string
	done := make(chan struct{})
	go func() {
		for s := range ch {
			got = append(got, s)
		}
		close(done)
	}()
	return func() []string {
		<-done
		return got
	}
}

func TestStreamSSEText(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		``,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	ch := make(chan string, 8)
	deltas := collect(ch)

	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello" {
		t.Errorf("content = %q", resp.Content)
	}
	got := deltas()
	if len(got) != 2 || got[0] != "Hel" || got[1] != "lo" {
		t.Errorf("deltas = %v", got)
	}
}

func TestStreamSSEToolCallFragments(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"get_quote","arguments":""}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"sym"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"bol\":\"AAPL\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":1,"id":"c2","function":{"name":"get_news","arguments":"{}"}}]}}]}`,
		`data: [DONE]`,
	}, "\n")

	ch := make(chan string, 8)
	deltas := collect(ch)

	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 2 {
		t.Fatalf("got %d tool calls", len(resp.ToolCalls))
	}
	first := resp.ToolCalls[0]
	if first.ID != "c1" || first.Name != "get_quote" {
		t.Errorf("tool call = %+v", first)
	}
	if string(first.Args) != `{"symbol":"AAPL"}` {
		t.Errorf("args = %s", first.Args)
	}
	if resp.ToolCalls[1].Name != "get_news" {
		t.Errorf("second tool call = %+v", resp.ToolCalls[1])
	}
	// Tool call fragments never hit the text channel.
	if got := deltas(); len(got) != 0 {
		t.Errorf("unexpected deltas: %v", got)
	}
}

func TestStreamSSEUsageChunk(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":42,"completion_tokens":7}}`,
		`data: [DONE]`,
	}, "\n")

	ch := make(chan string, 4)
	_ = collect(ch)

	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Usage.InputTokens != 42 || resp.Usage.OutputTokens != 7 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestStreamSSESkipsMalformedChunks(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: {not json`,
		`: keepalive comment`,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
		`data: [DONE]`,
	}, "\n")

	ch := make(chan string, 4)
	_ = collect(ch)

	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ab" {
		t.Errorf("content = %q", resp.Content)
	}
}

func TestStreamSSEInvalidToolArgsDegrade(t *testing.T) {
	sse := strings.Join([]string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"f","arguments":"{\"trunc"}}]}}]}`,
		`data: [DONE]`,
	}, "\n")

	ch := make(chan string, 4)
	_ = collect(ch)

	resp, err := StreamSSE(context.Background(), strings.NewReader(sse), ch)
	if err != nil {
		t.Fatal(err)
	}
	if string(resp.ToolCalls[0].Args) != "{}" {
		t.Errorf("args = %s, want {}", resp.ToolCalls[0].Args)
	}
}

func TestStreamSSEClosesChannel(t *testing.T) {
	ch := make(chan string)
	go func() {
		for range ch {
		}
	}()
	if _, err := StreamSSE(context.Background(), strings.NewReader("data: [DONE]\n"), ch); err != nil {
		t.Fatal(err)
	}
	if _, open := <-ch; open {
		t.Error("channel not closed after stream end")
	}
}
