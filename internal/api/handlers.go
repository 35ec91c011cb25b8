package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"sketchbook/internal/live"
	"sketchbook/internal/monitor"
	"sketchbook/internal/preview"
	"sketchbook/internal/sketch"
	"sketchbook/internal/storage"
)

// Sketches is the project view the handlers need.
type Sketches interface {
	sketch.Resolver
	List() ([]sketch.Script, error)
	Source(name string) (*sketch.Script, string, error)
}

// Triggerer starts or joins sketch executions.
type Triggerer interface {
	Trigger(ctx context.Context, req preview.Request) (*preview.Outcome, error)
	Status(name string) (*preview.Status, error)
}

type Handlers struct {
	sketches   Sketches
	coord      Triggerer
	cache      *preview.Cache
	hub        *live.Hub
	history    storage.Reader
	metrics    *monitor.Metrics
	maxTimeout time.Duration
	watched    func() []string
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		sketches:   deps.Sketches,
		coord:      deps.Coordinator,
		cache:      deps.Cache,
		hub:        deps.Hub,
		history:    deps.History,
		metrics:    deps.Metrics,
		maxTimeout: deps.MaxTimeout,
		watched:    deps.Watched,
	}
}

func (h *Handlers) HandleListSketches(w http.ResponseWriter, r *http.Request) {
	scripts, err := h.sketches.List()
	if err != nil {
		log.Error().Err(err).Msg("listing sketches")
		writeError(w, "listing sketches failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	out := make([]SketchInfo, 0, len(scripts))
	for _, s := range scripts {
		info := SketchInfo{Name: s.Name, Collection: s.Collection, Modified: s.ModTime}
		if _, src, err := h.sketches.Source(s.Name); err == nil {
			md := sketch.ParseMetadata(s.Name, src)
			info.Title = md.Title
			info.Description = md.Description
		}
		if v, err := h.cache.Current(s.Name); err == nil {
			info.Version = v.Number
			info.Status = string(v.Status)
		}
		if _, err := h.cache.LastGood(s.Name); err == nil {
			info.Thumbnail = "/thumbnail/" + s.Name
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.coord.Status(r.PathValue("sketch"))
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) HandleCode(w http.ResponseWriter, r *http.Request) {
	script, src, err := h.sketches.Source(r.PathValue("sketch"))
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	md := sketch.ParseMetadata(script.Name, src)
	writeJSON(w, http.StatusOK, CodeResponse{
		Sketch:   script.Name,
		Path:     script.Path,
		Source:   src,
		Modified: script.ModTime,
		Title:    md.Title,
		Author:   md.Author,
		Tags:     md.Tags,
	})
}

func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Timeout.Duration < 0 || (h.maxTimeout > 0 && req.Timeout.Duration > h.maxTimeout) {
		writeError(w, "timeout must be between 0 and "+h.maxTimeout.String(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	out, err := h.coord.Trigger(r.Context(), preview.Request{
		Sketch:  r.PathValue("sketch"),
		Source:  preview.SourceManual,
		Timeout: req.Timeout.Duration,
	})
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}

	resp := ExecuteResponse{
		Success:       out.Success,
		Sketch:        out.Sketch,
		ExecID:        out.ExecID,
		Version:       out.Version,
		Pages:         out.Pages,
		ExecutionTime: out.Elapsed.Seconds(),
		Coalesced:     out.Coalesced,
		Stdout:        out.Stdout,
	}
	if resp.Pages == nil {
		resp.Pages = []live.PageRef{}
	}
	if !out.Success {
		p := NewPlaceholder(string(out.Failure), out.Message, out.Stderr)
		resp.Error = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandlePreview serves version metadata. The version path value may be a
// number, "latest" or absent.
func (h *Handlers) HandlePreview(w http.ResponseWriter, r *http.Request) {
	script, n, ok := h.previewTarget(w, r)
	if !ok {
		return
	}
	v, err := h.cache.Get(script.Name, n)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	lastGood := 0
	if lg, err := h.cache.LastGood(script.Name); err == nil {
		lastGood = lg.Number
	}
	resp := previewResponse(v, lastGood)

	if resp.Error != nil && strings.Contains(r.Header.Get("Accept"), "text/html") {
		if err := writePlaceholderHTML(w, http.StatusOK, script.Name, *resp.Error); err != nil {
			log.Error().Err(err).Msg("rendering placeholder")
		}
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandlePage(w http.ResponseWriter, r *http.Request) {
	script, n, ok := h.previewTarget(w, r)
	if !ok {
		return
	}
	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil || page < 1 {
		writeError(w, "page must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	data, info, err := h.cache.Page(script.Name, n, page)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}

	w.Header().Set("ETag", info.ETag)
	if n == 0 {
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}
	if match := r.Header.Get("If-None-Match"); match != "" && etagMatches(match, info.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handlers) HandleThumbnail(w http.ResponseWriter, r *http.Request) {
	script, err := h.sketches.Resolve(r.PathValue("sketch"))
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	data, v, err := h.cache.Thumbnail(script.Name)
	if err != nil {
		h.writeLookupError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Preview-Version", strconv.Itoa(v.Number))
	_, _ = w.Write(data)
}

func (h *Handlers) HandleLiveStats(w http.ResponseWriter, r *http.Request) {
	resp := LiveStatsResponse{Stats: h.hub.Stats(), Watched: []string{}}
	if h.watched != nil {
		resp.Watched = h.watched()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if h.history == nil {
		writeError(w, "execution history not configured", "HISTORY_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.history.GetExecution(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
			return
		}
		log.Error().Err(err).Str("exec_id", id).Msg("loading execution")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, "execution history not configured", "HISTORY_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Sketch: q.Get("sketch"),
		Status: q.Get("status"),
		Limit:  100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, "limit must be a positive integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "offset must be a non-negative integer", "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
		filter.Offset = n
	}

	execs, err := h.history.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("listing executions")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

// previewTarget resolves the sketch and version path values. Version 0
// means latest.
func (h *Handlers) previewTarget(w http.ResponseWriter, r *http.Request) (*sketch.Script, int, bool) {
	script, err := h.sketches.Resolve(r.PathValue("sketch"))
	if err != nil {
		h.writeLookupError(w, r, err)
		return nil, 0, false
	}
	n, err := parseVersion(r.PathValue("version"))
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return nil, 0, false
	}
	return script, n, true
}

func parseVersion(s string) (int, error) {
	if s == "" || s == "latest" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(s, "v"))
	if err != nil || n < 1 {
		return 0, errors.New(`version must be a positive integer or "latest"`)
	}
	return n, nil
}

func etagMatches(header, etag string) bool {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if part == "*" || strings.TrimPrefix(part, "W/") == etag {
			return true
		}
	}
	return false
}

func (h *Handlers) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sketch.ErrInvalidName):
		writeError(w, err.Error(), "INVALID_SKETCH", http.StatusBadRequest, r)
	case errors.Is(err, sketch.ErrNotFound):
		writeError(w, "sketch not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, preview.ErrNotFound):
		writeError(w, "preview not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, preview.ErrCoordinatorClosed):
		writeError(w, "server shutting down", "UNAVAILABLE", http.StatusServiceUnavailable, r)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, "request cancelled", "CANCELLED", 499, r)
	default:
		log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", RequestIDFromContext(r.Context())).Msg("request failed")
		writeError(w, "internal error", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
