package api

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"sketchbook/internal/live"
	"sketchbook/internal/preview"
)

const (
	liveWriteWait = 10 * time.Second
	livePongWait  = 60 * time.Second
	livePingEvery = (livePongWait * 9) / 10
)

var liveUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts same-host and loopback origins. Non-browser clients
// send no Origin header.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type liveInbound struct {
	Type string `json:"type"`
}

// HandleLive upgrades to a websocket that streams the sketch's events. The
// viewer first receives connection_confirmed and the current state.
func (h *Handlers) HandleLive(w http.ResponseWriter, r *http.Request) {
	script, err := h.sketches.Resolve(r.PathValue("sketch"))
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	name := script.Name

	conn, err := liveUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		return
	}
	defer conn.Close()

	sub, err := h.hub.Subscribe(name)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(liveWriteWait))
		return
	}
	defer sub.Close()

	logger := log.With().Str("sketch", name).Str("subscription", sub.ID).Str("remote_addr", r.RemoteAddr).Logger()
	logger.Info().Msg("live viewer connected")
	defer logger.Info().Msg("live viewer disconnected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livePongWait))
	})

	// The snapshot is taken after subscribing, so any newer broadcast is
	// already queued behind it.
	initial := []live.Event{
		{Type: live.EventConnectionConfirmed, Sketch: name, Message: "Connected to live preview", Timestamp: time.Now()},
		h.currentEvent(name),
	}
	requests := make(chan string, 8)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer conn.Close() // unblocks the reader
		defer cancel()
		h.liveWriter(ctx, conn, sub, name, initial, requests)
	}()

	for {
		var in liveInbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				logger.Debug().Err(err).Msg("live read failed")
			}
			cancel()
			<-writerDone
			return
		}
		kind := strings.ToLower(strings.TrimSpace(in.Type))
		if kind != "ping" && kind != "force_refresh" {
			continue
		}
		select {
		case requests <- kind:
		case <-ctx.Done():
			<-writerDone
			return
		}
	}
}

// liveWriter owns all writes to conn. initial goes out before any broadcast.
// Client requests are answered here so a force_refresh snapshot is taken at
// the moment it is written, never after a newer broadcast.
func (h *Handlers) liveWriter(ctx context.Context, conn *websocket.Conn, sub *live.Subscription, name string, initial []live.Event, requests <-chan string) {
	ticker := time.NewTicker(livePingEvery)
	defer ticker.Stop()

	write := func(ev live.Event) bool {
		ev = withGuidance(ev)
		if err := conn.SetWriteDeadline(time.Now().Add(liveWriteWait)); err != nil {
			return false
		}
		return conn.WriteJSON(ev) == nil
	}

	for _, ev := range initial {
		if !write(ev) {
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case kind := <-requests:
			reply := live.Event{Type: live.EventPong, Sketch: name, Timestamp: time.Now()}
			if kind == "force_refresh" {
				reply = h.currentEvent(name)
			}
			if !write(reply) {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
					time.Now().Add(liveWriteWait))
				return
			}
			if !write(ev) {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(liveWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// currentEvent is the headline state for a late subscriber.
func (h *Handlers) currentEvent(name string) live.Event {
	v, err := h.cache.Current(name)
	if err != nil {
		return live.Event{Type: live.EventNoPreview, Sketch: name, Message: "No preview available yet", Timestamp: time.Now()}
	}
	return preview.Event(v)
}

// withGuidance fills in the placeholder text of an error event.
func withGuidance(ev live.Event) live.Event {
	if ev.Type != live.EventExecutionError || ev.Title != "" {
		return ev
	}
	p := NewPlaceholder(ev.Classification, ev.Error, ev.Stderr)
	ev.Title = p.Title
	ev.Guidance = p.Guidance
	return ev
}
