package live

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"sketchbook/internal/monitor"
)

// ErrClosed is returned by Subscribe after the hub has shut down.
var ErrClosed = errors.New("live hub closed")

// Subscription is one viewer's interest in one sketch.
type Subscription struct {
	ID          string
	Sketch      string
	ConnectedAt time.Time

	hub *Hub
	ch  chan Event
}

// Events delivers the sketch's events in publish order. The channel is
// closed when the subscription ends, the viewer falls behind, or the hub
// shuts down.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() { s.hub.unsubscribe(s) }

// Stats summarizes hub activity.
type Stats struct {
	TotalConnections  int64          `json:"total_connections"`
	ActiveConnections int            `json:"active_connections"`
	Sketches          map[string]int `json:"sketches"`
}

// Hub is a per-sketch publish/subscribe fan-out. Every subscriber of a
// sketch receives every event published for it.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[string]*Subscription
	buffer  int
	closed  bool
	total   atomic.Int64
	metrics *monitor.Metrics

	onFirst func(sketch string)
	onLast  func(sketch string)
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, metrics *monitor.Metrics) *Hub {
	if buffer < 1 {
		buffer = 32
	}
	return &Hub{
		subs:    make(map[string]map[string]*Subscription),
		buffer:  buffer,
		metrics: metrics,
	}
}

// OnActivity registers callbacks for a sketch gaining its first viewer and
// losing its last one. Callbacks run outside the hub's lock.
func (h *Hub) OnActivity(first, last func(sketch string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFirst = first
	h.onLast = last
}

// Subscribe registers a viewer for sketch.
func (h *Hub) Subscribe(sketch string) (*Subscription, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	sub := &Subscription{
		ID:          uuid.New().String(),
		Sketch:      sketch,
		ConnectedAt: time.Now(),
		hub:         h,
		ch:          make(chan Event, h.buffer),
	}
	set, ok := h.subs[sketch]
	if !ok {
		set = make(map[string]*Subscription)
		h.subs[sketch] = set
	}
	set[sub.ID] = sub
	first := len(set) == 1
	onFirst := h.onFirst
	active := h.activeLocked()
	h.mu.Unlock()

	h.total.Add(1)
	h.metrics.SetLiveSubscribers(active)
	log.Debug().Str("sketch", sketch).Str("subscription", sub.ID).Msg("viewer subscribed")

	if first && onFirst != nil {
		onFirst(sketch)
	}
	return sub, nil
}

// Publish delivers ev to every subscriber of sketch without blocking.
// A subscriber whose buffer is full is disconnected rather than allowed to
// miss events silently. It returns the number of subscribers reached.
func (h *Hub) Publish(sketch string, ev Event) int {
	if ev.Sketch == "" {
		ev.Sketch = sketch
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	h.mu.Lock()
	set := h.subs[sketch]
	delivered := 0
	var slow []*Subscription
	for _, sub := range set {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			slow = append(slow, sub)
		}
	}
	for _, sub := range slow {
		h.removeLocked(sub)
	}
	last := len(slow) > 0 && len(h.subs[sketch]) == 0
	onLast := h.onLast
	active := h.activeLocked()
	h.mu.Unlock()

	for _, sub := range slow {
		h.metrics.RecordDroppedEvent()
		log.Warn().Str("sketch", sketch).Str("subscription", sub.ID).Str("event", string(ev.Type)).Msg("viewer too slow, disconnecting")
	}
	if len(slow) > 0 {
		h.metrics.SetLiveSubscribers(active)
	}
	if last && onLast != nil {
		onLast(sketch)
	}
	return delivered
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	removed := h.removeLocked(sub)
	last := removed && len(h.subs[sub.Sketch]) == 0
	onLast := h.onLast
	active := h.activeLocked()
	h.mu.Unlock()

	if !removed {
		return
	}
	h.metrics.SetLiveSubscribers(active)
	log.Debug().Str("sketch", sub.Sketch).Str("subscription", sub.ID).Msg("viewer unsubscribed")
	if last && onLast != nil {
		onLast(sub.Sketch)
	}
}

// removeLocked drops sub and closes its channel. It reports whether sub was present.
func (h *Hub) removeLocked(sub *Subscription) bool {
	set, ok := h.subs[sub.Sketch]
	if !ok {
		return false
	}
	if _, ok := set[sub.ID]; !ok {
		return false
	}
	delete(set, sub.ID)
	close(sub.ch)
	if len(set) == 0 {
		delete(h.subs, sub.Sketch)
	}
	return true
}

func (h *Hub) activeLocked() int {
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// Count returns the number of viewers of sketch.
func (h *Hub) Count(sketch string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sketch])
}

// Sketches returns the sketches that currently have viewers, sorted.
func (h *Hub) Sketches() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.subs))
	for s := range h.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{
		TotalConnections:  h.total.Load(),
		ActiveConnections: h.activeLocked(),
		Sketches:          make(map[string]int, len(h.subs)),
	}
	for s, set := range h.subs {
		st.Sketches[s] = len(set)
	}
	return st
}

// Close sends server_shutdown to every viewer and ends all subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	n := 0
	for sketch, set := range h.subs {
		for _, sub := range set {
			select {
			case sub.ch <- Event{Type: EventServerShutdown, Sketch: sketch, Message: "Server is shutting down", Timestamp: time.Now()}:
			default:
			}
			close(sub.ch)
			n++
		}
	}
	h.subs = make(map[string]map[string]*Subscription)
	h.mu.Unlock()

	h.metrics.SetLiveSubscribers(0)
	log.Info().Int("viewers", n).Msg("live hub closed")
}
