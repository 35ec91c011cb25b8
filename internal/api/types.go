package api

import (
	"time"

	"sketchbook/internal/live"
	"sketchbook/internal/preview"
)

// ExecuteRequest is the optional body of POST /execute/{sketch}.
type ExecuteRequest struct {
	Timeout Duration `json:"timeout,omitempty"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecuteResponse reports one coordinated execution.
type ExecuteResponse struct {
	Success       bool           `json:"success"`
	Sketch        string         `json:"sketch"`
	ExecID        string         `json:"exec_id,omitempty"`
	Version       int            `json:"version,omitempty"`
	Pages         []live.PageRef `json:"pages"`
	ExecutionTime float64        `json:"execution_time"` // seconds
	Coalesced     bool           `json:"coalesced,omitempty"`
	Stdout        string         `json:"stdout,omitempty"`
	Error         *Placeholder   `json:"error,omitempty"`
}

// PreviewResponse describes a cached version.
type PreviewResponse struct {
	Sketch        string         `json:"sketch"`
	Version       int            `json:"version"`
	Status        string         `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	ExecutionTime float64        `json:"execution_time"`
	Pages         []live.PageRef `json:"pages"`
	LastGood      int            `json:"last_good,omitempty"`
	Error         *Placeholder   `json:"error,omitempty"`
}

// SketchInfo is one entry of GET /sketches.
type SketchInfo struct {
	Name        string    `json:"name"`
	Collection  string    `json:"collection"`
	Modified    time.Time `json:"modified"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Version     int       `json:"version,omitempty"`
	Status      string    `json:"status,omitempty"`
	Thumbnail   string    `json:"thumbnail,omitempty"`
}

// CodeResponse is returned by GET /code/{sketch}.
type CodeResponse struct {
	Sketch   string    `json:"sketch"`
	Path     string    `json:"path"`
	Source   string    `json:"source"`
	Modified time.Time `json:"modified"`
	Title    string    `json:"title,omitempty"`
	Author   string    `json:"author,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
}

// LiveStatsResponse is returned by GET /live-stats.
type LiveStatsResponse struct {
	live.Stats
	Watched []string `json:"watched"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Database         bool   `json:"database"`
	Rasterizer       bool   `json:"rasterizer"`
	ActiveExecutions int64  `json:"active_executions"`
	Viewers          int    `json:"viewers"`
	Uptime           string `json:"uptime"`
}

func previewResponse(v *preview.Version, lastGood int) PreviewResponse {
	resp := PreviewResponse{
		Sketch:        v.Sketch,
		Version:       v.Number,
		Status:        string(v.Status),
		CreatedAt:     v.CreatedAt,
		ExecutionTime: v.Elapsed().Seconds(),
		Pages:         preview.PageRefs(v),
		LastGood:      lastGood,
	}
	if v.Status == preview.StatusError {
		p := NewPlaceholder(v.Classification, v.Message, v.Stderr)
		resp.Error = &p
	}
	return resp
}
