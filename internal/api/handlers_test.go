package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sketchbook/internal/config"
	"sketchbook/internal/live"
	"sketchbook/internal/preview"
	"sketchbook/internal/render"
	"sketchbook/internal/sandbox"
	"sketchbook/internal/sketch"
	"sketchbook/internal/storage"
)

type fakeTriggerer struct {
	mu      sync.Mutex
	out     *preview.Outcome
	err     error
	lastReq preview.Request
	calls   int
}

func (f *fakeTriggerer) Trigger(_ context.Context, req preview.Request) (*preview.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func (f *fakeTriggerer) Status(name string) (*preview.Status, error) {
	if name != "demo" {
		return nil, sketch.ErrNotFound
	}
	return &preview.Status{Sketch: name, State: preview.StateIdle}, nil
}

type testEnv struct {
	handler http.Handler
	cache   *preview.Cache
	hub     *live.Hub
	trigger *fakeTriggerer
	history *storage.MemoryStore
}

const demoSource = `"""
Title: Demo Rectangle
Author: Someone
Tags: shapes, basic
"""
import drawBot
`

func newTestEnv(t *testing.T, withHistory bool) *testEnv {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "sketches")
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.py"), []byte(demoSource), 0o640))

	cache, err := preview.NewCache(preview.CacheOptions{Dir: filepath.Join(root, "cache"), MaxVersions: 5, DisplayScale: 3})
	require.NoError(t, err)

	env := &testEnv{
		cache:   cache,
		hub:     live.NewHub(16, nil),
		trigger: &fakeTriggerer{},
	}
	t.Cleanup(env.hub.Close)

	deps := Deps{
		Sketches:    sketch.NewFSResolver(root, []string{dir}, nil, nil),
		Coordinator: env.trigger,
		Cache:       cache,
		Hub:         env.hub,
		MaxTimeout:  time.Minute,
		Watched:     func() []string { return []string{"demo"} },
	}
	if withHistory {
		env.history, err = storage.NewMemoryStore(10)
		require.NoError(t, err)
		deps.History = env.history
	}

	cfg := config.DefaultConfig()
	cfg.Security.AllowedClientIPs = nil
	srv := NewServer(cfg, deps)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func testPNG(t *testing.T, w, h int) render.Page {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))))
	return render.Page{Data: buf.Bytes(), Width: w, Height: h}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestHandleListSketches(t *testing.T) {
	env := newTestEnv(t, false)
	_, err := env.cache.Put("demo", []render.Page{testPNG(t, 30, 30)}, preview.Record{})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/sketches", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]SketchInfo](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "demo", list[0].Name)
	assert.Equal(t, "Demo Rectangle", list[0].Title)
	assert.Equal(t, 1, list[0].Version)
	assert.Equal(t, "/thumbnail/demo", list[0].Thumbnail)
}

func TestHandleCode(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/code/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	code := decode[CodeResponse](t, rec)
	assert.Equal(t, demoSource, code.Source)
	assert.Equal(t, "Someone", code.Author)
	assert.Equal(t, []string{"shapes", "basic"}, code.Tags)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/code/nope", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/code/-bad", nil).Code)
}

func TestHandleExecute_Success(t *testing.T) {
	env := newTestEnv(t, false)
	env.trigger.out = &preview.Outcome{
		Sketch:  "demo",
		ExecID:  "e1",
		Success: true,
		Version: 3,
		Pages:   []live.PageRef{{Index: 1, URL: preview.PageURL("demo", 3, 1)}},
		Elapsed: 1500 * time.Millisecond,
	}

	rec := env.do(t, http.MethodPost, "/execute/demo", []byte(`{"timeout":"5s"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ExecuteResponse](t, rec)
	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.Version)
	assert.Equal(t, 1.5, resp.ExecutionTime)
	assert.Equal(t, "/preview/demo/3/page/1", resp.Pages[0].URL)
	assert.Nil(t, resp.Error)
	assert.Equal(t, 5*time.Second, env.trigger.lastReq.Timeout)
	assert.Equal(t, preview.SourceManual, env.trigger.lastReq.Source)
}

func TestHandleExecute_EmptyBody(t *testing.T) {
	env := newTestEnv(t, false)
	env.trigger.out = &preview.Outcome{Sketch: "demo", Success: true}

	rec := env.do(t, http.MethodPost, "/execute/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ExecuteResponse](t, rec)
	assert.NotNil(t, resp.Pages)
	assert.Zero(t, env.trigger.lastReq.Timeout)
}

func TestHandleExecute_Failure(t *testing.T) {
	env := newTestEnv(t, false)
	env.trigger.out = &preview.Outcome{
		Sketch:  "demo",
		Failure: sandbox.FailureTimeout,
		Message: "execution exceeded the configured 2s time limit",
		Stderr:  "partial output",
	}

	rec := env.do(t, http.MethodPost, "/execute/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[ExecuteResponse](t, rec)
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "timeout", resp.Error.Classification)
	assert.Contains(t, resp.Error.Message, "2s time limit")
	assert.Equal(t, "partial output", resp.Error.Details)
}

func TestHandleExecute_BadRequests(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodPost, "/execute/demo", []byte(`{"timeout":"1h"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/execute/demo", []byte(`{nope`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.trigger.err = sketch.ErrNotFound
	rec = env.do(t, http.MethodPost, "/execute/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[ErrorResponse](t, rec).Code)

	rec = env.do(t, http.MethodGet, "/execute/demo", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlePreview(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/preview/demo", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "no version yet")

	first, second := testPNG(t, 30, 30), testPNG(t, 60, 30)
	_, err := env.cache.Put("demo", []render.Page{first, second}, preview.Record{Duration: time.Second})
	require.NoError(t, err)

	for _, target := range []string{"/preview/demo", "/preview/demo/latest", "/preview/demo/1"} {
		rec = env.do(t, http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, rec.Code, target)
		resp := decode[PreviewResponse](t, rec)
		assert.Equal(t, 1, resp.Version)
		require.Len(t, resp.Pages, 2)
		assert.Equal(t, 20, resp.Pages[1].DisplayWidth)
	}

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/preview/demo/9", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/preview/demo/abc", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/preview/ghost", nil).Code)
}

func TestHandlePage_ETag(t *testing.T) {
	env := newTestEnv(t, false)
	first, second := testPNG(t, 30, 30), testPNG(t, 60, 30)
	_, err := env.cache.Put("demo", []render.Page{first, second}, preview.Record{})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/preview/demo/1/page/2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, second.Data, rec.Body.Bytes(), "page 2 is the second page")
	assert.Contains(t, rec.Header().Get("Cache-Control"), "immutable")
	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)

	rec = env.do(t, http.MethodGet, "/preview/demo/1/page/2", nil, "If-None-Match", etag)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())

	rec = env.do(t, http.MethodGet, "/preview/demo/latest/page/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/preview/demo/1/page/3", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/preview/demo/1/page/0", nil).Code)
}

func TestHandlePreview_ErrorPlaceholder(t *testing.T) {
	env := newTestEnv(t, false)
	_, err := env.cache.Put("demo", []render.Page{testPNG(t, 30, 30)}, preview.Record{})
	require.NoError(t, err)
	_, err = env.cache.Put("demo", nil, preview.Record{
		Status:         preview.StatusError,
		Classification: "syntax_error",
		Message:        "demo.py:3: SyntaxError: invalid syntax",
		Stderr:         "  File \"demo.py\", line 3",
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/preview/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[PreviewResponse](t, rec)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 1, resp.LastGood)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "Syntax error", resp.Error.Title)

	rec = env.do(t, http.MethodGet, "/preview/demo", nil, "Accept", "text/html")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `data-classification="syntax_error"`)
	assert.Contains(t, body, "line 3")

	// the last good version stays retrievable
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/preview/demo/1/page/1", nil).Code)
}

func TestHandleThumbnail(t *testing.T) {
	env := newTestEnv(t, false)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/thumbnail/demo", nil).Code)

	_, err := env.cache.Put("demo", []render.Page{testPNG(t, 900, 300)}, preview.Record{})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/thumbnail/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, err := png.DecodeConfig(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 300, cfg.Width)
	assert.Equal(t, "1", rec.Header().Get("X-Preview-Version"))
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/status/demo", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, preview.StateIdle, decode[preview.Status](t, rec).State)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/status/other", nil).Code)
}

func TestHandleExecutions(t *testing.T) {
	env := newTestEnv(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/executions", nil).Code)

	env = newTestEnv(t, true)
	now := time.Now()
	require.NoError(t, env.history.LogExecution(context.Background(), &storage.Execution{ID: "a", Sketch: "demo", Status: "success", CreatedAt: now}))
	require.NoError(t, env.history.LogExecution(context.Background(), &storage.Execution{ID: "b", Sketch: "demo", Status: "error", CreatedAt: now.Add(time.Second)}))

	rec := env.do(t, http.MethodGet, "/executions?sketch=demo&status=error", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]storage.Execution](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)

	rec = env.do(t, http.MethodGet, "/executions/a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "a", decode[storage.Execution](t, rec).ID)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/executions/zzz", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/executions?limit=-1", nil).Code)
}

func TestHandleHealthAndStats(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)

	sub, err := env.hub.Subscribe("demo")
	require.NoError(t, err)
	defer sub.Close()

	rec = env.do(t, http.MethodGet, "/live-stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[LiveStatsResponse](t, rec)
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, []string{"demo"}, stats.Watched)
}

func TestSecurityHeadersApplied(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
}
