// Package live fans preview lifecycle events out to the viewers of each sketch.
package live

import "time"

// EventType names a message on the live channel.
type EventType string

const (
	EventConnectionConfirmed EventType = "connection_confirmed"
	EventExecutionStarted    EventType = "execution_started"
	EventPreviewUpdated      EventType = "preview_updated"
	EventExecutionError      EventType = "execution_error"
	EventNoPreview           EventType = "no_preview"
	EventPong                EventType = "pong"
	EventServerShutdown      EventType = "server_shutdown"
)

// PageRef points a viewer at one cached page.
type PageRef struct {
	Index         int    `json:"index"`
	URL           string `json:"url"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	DisplayWidth  int    `json:"display_width"`
	DisplayHeight int    `json:"display_height"`
}

// Event is a single message delivered to subscribers. Which fields are set
// depends on Type.
type Event struct {
	Type           EventType `json:"type"`
	Sketch         string    `json:"sketch,omitempty"`
	Version        int       `json:"version,omitempty"`
	Pages          []PageRef `json:"pages,omitempty"`
	ExecutionTime  float64   `json:"execution_time,omitempty"` // seconds
	Error          string    `json:"error,omitempty"`
	Classification string    `json:"classification,omitempty"`
	Title          string    `json:"title,omitempty"`
	Guidance       string    `json:"guidance,omitempty"`
	Stderr         string    `json:"stderr,omitempty"`
	Message        string    `json:"message,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Started builds an execution_started event.
func Started(sketch string) Event {
	return Event{Type: EventExecutionStarted, Sketch: sketch, Timestamp: time.Now()}
}

// Updated builds a preview_updated event.
func Updated(sketch string, version int, pages []PageRef, elapsed time.Duration) Event {
	return Event{
		Type:          EventPreviewUpdated,
		Sketch:        sketch,
		Version:       version,
		Pages:         pages,
		ExecutionTime: elapsed.Seconds(),
		Timestamp:     time.Now(),
	}
}

// Failed builds an execution_error event.
func Failed(sketch string, version int, classification, message, stderr string) Event {
	return Event{
		Type:           EventExecutionError,
		Sketch:         sketch,
		Version:        version,
		Classification: classification,
		Error:          message,
		Stderr:         stderr,
		Timestamp:      time.Now(),
	}
}
