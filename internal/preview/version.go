// Package preview stores versioned renders of each sketch and coordinates the
// executions that produce them.
package preview

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"sketchbook/internal/live"
)

var (
	ErrNotFound    = errors.New("preview not found")
	ErrInvalidID   = errors.New("invalid sketch id")
	ErrCacheClosed = errors.New("preview cache closed")
)

// VersionStatus is the terminal state recorded with a version.
type VersionStatus string

const (
	StatusSuccess VersionStatus = "success"
	StatusEmpty   VersionStatus = "empty" // ran cleanly but wrote nothing to show
	StatusError   VersionStatus = "error"
)

// Record describes the execution a version came from.
type Record struct {
	Status         VersionStatus
	ExecID         string
	Classification string
	Message        string
	Stderr         string
	Duration       time.Duration
}

// PageInfo is the stored metadata for one page file.
type PageInfo struct {
	Index         int    `json:"index"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	DisplayWidth  int    `json:"display_width"`
	DisplayHeight int    `json:"display_height"`
	Size          int64  `json:"size"`
	ETag          string `json:"etag"`
}

// Version is an immutable snapshot of one execution's output. It mirrors
// meta.json inside the version directory.
type Version struct {
	Sketch         string        `json:"sketch"`
	Number         int           `json:"version"`
	Status         VersionStatus `json:"status"`
	ExecID         string        `json:"exec_id,omitempty"`
	Classification string        `json:"classification,omitempty"`
	Message        string        `json:"message,omitempty"`
	Stderr         string        `json:"stderr,omitempty"`
	DurationMS     int64         `json:"duration_ms"`
	CreatedAt      time.Time     `json:"created_at"`
	Pages          []PageInfo    `json:"pages"`
	Thumbnail      bool          `json:"thumbnail"`
}

func (v *Version) PageCount() int { return len(v.Pages) }

// OK reports whether the version holds a rendered preview.
func (v *Version) OK() bool { return v.Status == StatusSuccess && len(v.Pages) > 0 }

func (v *Version) Elapsed() time.Duration {
	return time.Duration(v.DurationMS) * time.Millisecond
}

func (v *Version) clone() *Version {
	cp := *v
	cp.Pages = append([]PageInfo(nil), v.Pages...)
	return &cp
}

// PageURL is the path a viewer fetches a page from.
func PageURL(sketch string, version, page int) string {
	return fmt.Sprintf("/preview/%s/%d/page/%d", url.PathEscape(sketch), version, page)
}

// PageRefs lists the pages of v as live channel references.
func PageRefs(v *Version) []live.PageRef {
	refs := make([]live.PageRef, 0, len(v.Pages))
	for _, p := range v.Pages {
		refs = append(refs, live.PageRef{
			Index:         p.Index,
			URL:           PageURL(v.Sketch, v.Number, p.Index),
			Width:         p.Width,
			Height:        p.Height,
			DisplayWidth:  p.DisplayWidth,
			DisplayHeight: p.DisplayHeight,
		})
	}
	return refs
}

// Event converts v into the message a newly connected viewer should see.
func Event(v *Version) live.Event {
	switch {
	case v == nil:
		return live.Event{Type: live.EventNoPreview, Timestamp: time.Now()}
	case v.Status == StatusError:
		ev := live.Failed(v.Sketch, v.Number, v.Classification, v.Message, v.Stderr)
		ev.Timestamp = v.CreatedAt
		return ev
	case len(v.Pages) == 0:
		return live.Event{Type: live.EventNoPreview, Sketch: v.Sketch, Version: v.Number, Timestamp: v.CreatedAt}
	default:
		ev := live.Updated(v.Sketch, v.Number, PageRefs(v), v.Elapsed())
		ev.Timestamp = v.CreatedAt
		return ev
	}
}
