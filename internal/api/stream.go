package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"sketchbook/internal/live"
)

// SSEWriter writes live events as Server-Sent Events and flushes each one.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter returns nil if the ResponseWriter does not support flushing.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &SSEWriter{w: w, flusher: flusher}
}

// Send writes one event. Each line of data gets its own "data:" prefix so a
// newline in the payload cannot end the event early.
func (s *SSEWriter) Send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.w, "event: %s\n", event)
	for _, line := range strings.Split(string(data), "\n") {
		fmt.Fprintf(s.w, "data: %s\n", line)
	}
	if _, err := fmt.Fprint(s.w, "\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendEvent writes ev as JSON under its type name.
func (s *SSEWriter) SendEvent(ev live.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.Send(string(ev.Type), data)
}

// comment sends an SSE comment line, which clients ignore. Used as keepalive.
func (s *SSEWriter) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// HandleEvents streams the sketch's live events over SSE for clients that
// cannot hold a websocket.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	script, err := h.sketches.Resolve(r.PathValue("sketch"))
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	sse := NewSSEWriter(w)
	if sse == nil {
		writeError(w, "streaming not supported", "STREAMING_UNSUPPORTED", http.StatusInternalServerError, r)
		return
	}
	sub, err := h.hub.Subscribe(script.Name)
	if err != nil {
		writeError(w, "server shutting down", "UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}
	defer sub.Close()

	// Streams outlive the server's write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		log.Debug().Err(err).Msg("clearing write deadline")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	confirm := live.Event{Type: live.EventConnectionConfirmed, Sketch: script.Name, Timestamp: time.Now()}
	if sse.SendEvent(confirm) != nil || sse.SendEvent(withGuidance(h.currentEvent(script.Name))) != nil {
		return
	}

	keepalive := time.NewTicker(livePingEvery)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := sse.SendEvent(withGuidance(ev)); err != nil {
				return
			}
		case <-keepalive.C:
			if err := sse.comment("keepalive"); err != nil {
				return
			}
		}
	}
}
