package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/taskexec/internal/domain"
	"github.com/ashureev/taskexec/internal/listener"
)

func writeSSE(w io.Writer, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func writeSSEWithID(w io.Writer, id int64, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, event, data)
	return err
}

// writeEvent encodes one domain.Event as an SSE frame, using its id when
// positive (replayed/live events) and omitting the id line for synthetic
// snapshot events that were never assigned one.
func writeEvent(w io.Writer, event domain.Event) error {
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if event.ID > 0 {
		return writeSSEWithID(w, event.ID, string(event.Type), data)
	}
	return writeSSE(w, string(event.Type), data)
}

// streamParams configures one SSE response's headers and keepalive cadence.
type streamParams struct {
	retryDelay        time.Duration
	keepaliveInterval time.Duration
}

func startStream(w http.ResponseWriter, params streamParams) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, string(domain.ErrInternal), "streaming unsupported")
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if params.retryDelay > 0 {
		fmt.Fprintf(w, "retry: %d\n\n", params.retryDelay.Milliseconds())
	}
	flusher.Flush()
	return flusher, true
}

// drainQueue streams q's events to w until the queue closes, the request
// context is cancelled, or a write fails. Keepalive pings are sent every
// keepaliveInterval while idle.
func drainQueue(r *http.Request, w http.ResponseWriter, flusher http.Flusher, q *listener.Queue, keepaliveInterval time.Duration) {
	if keepaliveInterval <= 0 {
		keepaliveInterval = 15 * time.Second
	}
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-q.Events:
			if !ok {
				return
			}
			if err := writeEvent(w, event); err != nil {
				slog.Warn("failed to write sse event", "error", err)
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if err := writeSSE(w, "ping", []byte(`{"status":"alive"}`)); err != nil {
				slog.Warn("failed to write sse keepalive", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// parseLastEventID parses the Last-Event-ID header used by reconnecting
// SSE clients; a missing or malformed header replays from the beginning.
func parseLastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
