package tape

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// WriteEvent writes one Server-Sent Event to w and flushes immediately.
// The frame is `event: <type>\ndata: <json>\n\n`; the JSON field names are
// the wire contract clients parse.
func WriteEvent(w http.ResponseWriter, ev Event) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("sse: ResponseWriter does not implement http.Flusher")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sse: marshal event: %w", err)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	flusher.Flush()
	return nil
}

// ServeEvents drains ch onto w as Server-Sent Events until ch closes or ctx
// ends. Every event is flushed as it arrives; nothing buffers between the
// producer and the socket, so a slow client back-pressures the producer
// through the channel send. Callers typically pass r.Context() as ctx so a
// client disconnect propagates to the producer:
//
//	ch := make(chan tape.Event)
//	go agent.RunStream(r.Context(), turn, ch)
//	tape.ServeEvents(r.Context(), w, ch)
func ServeEvents(ctx context.Context, w http.ResponseWriter, ch <-chan Event) error {
	if _, ok := w.(http.Flusher); !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return fmt.Errorf("sse: ResponseWriter does not implement http.Flusher")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	// Tells nginx-style proxies not to buffer the response.
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := WriteEvent(w, ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
