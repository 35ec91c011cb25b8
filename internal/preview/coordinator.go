package preview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"sketchbook/internal/live"
	"sketchbook/internal/monitor"
	"sketchbook/internal/render"
	"sketchbook/internal/sandbox"
	"sketchbook/internal/sketch"
	"sketchbook/internal/storage"
)

// ErrCoordinatorClosed is returned by Trigger after Close.
var ErrCoordinatorClosed = errors.New("coordinator closed")

// Executor runs sketch scripts.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error)
	CheckSyntax(ctx context.Context, path string) error
}

// Interpreter turns execution artifacts into pages.
type Interpreter interface {
	Interpret(ctx context.Context, artifacts []string) ([]render.Page, error)
}

// Publisher delivers live events to a sketch's viewers.
type Publisher interface {
	Publish(sketch string, ev live.Event) int
}

// History records finished executions.
type History interface {
	Log(exec *storage.Execution)
}

// State is a sketch's position in the execution lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Source says what caused a trigger.
type Source string

const (
	SourceManual Source = "manual"
	SourceWatch  Source = "watch"
)

// Request asks for a sketch to be executed.
type Request struct {
	Sketch  string
	Source  Source
	Timeout time.Duration // zero uses the executor default
}

// Outcome is the result of one coordinated execution, shared by every
// trigger that coalesced into it.
type Outcome struct {
	Sketch    string              `json:"sketch"`
	ExecID    string              `json:"exec_id,omitempty"`
	Success   bool                `json:"success"`
	Version   int                 `json:"version,omitempty"`
	Pages     []live.PageRef      `json:"pages,omitempty"`
	Elapsed   time.Duration       `json:"-"`
	Failure   sandbox.FailureKind `json:"classification,omitempty"`
	Message   string              `json:"error,omitempty"`
	Stdout    string              `json:"stdout,omitempty"`
	Stderr    string              `json:"stderr,omitempty"`
	ExitCode  int                 `json:"exit_code"`
	Coalesced bool                `json:"coalesced"`
}

// Status reports where a sketch stands right now.
type Status struct {
	Sketch   string    `json:"sketch"`
	State    State     `json:"state"`
	Current  *Version  `json:"current,omitempty"`
	LastGood int       `json:"last_good,omitempty"`
	LastRun  time.Time `json:"last_run,omitempty"`
	Versions []int     `json:"versions,omitempty"`
}

type sketchState struct {
	state   State
	lastRun time.Time
}

// CoordinatorConfig wires a Coordinator's collaborators. Metrics, Tracer and
// History are optional.
type CoordinatorConfig struct {
	Resolver    sketch.Resolver
	Executor    Executor
	Interpreter Interpreter
	Cache       *Cache
	Publisher   Publisher
	History     History
	Metrics     *monitor.Metrics
	Tracer      *monitor.Tracer
	// SkipSyntaxCheck runs scripts without the parse-only pre-check.
	SkipSyntaxCheck bool
}

// Coordinator runs at most one execution per sketch at a time. Triggers
// arriving while a sketch is running wait for and share that run's outcome.
type Coordinator struct {
	cfg   CoordinatorConfig
	group singleflight.Group

	mu     sync.Mutex
	states map[string]*sketchState
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:    cfg,
		states: make(map[string]*sketchState),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Trigger executes the sketch, or joins the execution already in flight for
// it. Resolution errors such as sketch.ErrNotFound are returned directly;
// execution failures are reported in the Outcome. Cancelling ctx abandons the
// wait but not the execution.
func (c *Coordinator) Trigger(ctx context.Context, req Request) (*Outcome, error) {
	script, err := c.cfg.Resolver.Resolve(req.Sketch)
	if err != nil {
		return nil, err
	}
	if req.Source == "" {
		req.Source = SourceManual
	}

	// Every trigger holds a slot until the run it joined has finished, so
	// Close waits for runs whose callers stopped waiting.
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCoordinatorClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()

	ctx, span := c.cfg.Tracer.StartSpan(ctx, "trigger",
		monitor.AttrSketch.String(script.Name),
		monitor.AttrTrigger.String(string(req.Source)),
	)
	defer span.End()

	var leader atomic.Bool
	ch := c.group.DoChan(script.Name, func() (any, error) {
		leader.Store(true)
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(c.ctx, cancel)
		defer stop()
		return c.run(runCtx, script, req), nil
	})

	select {
	case <-ctx.Done():
		go func() {
			<-ch
			c.wg.Done()
		}()
		return nil, ctx.Err()
	case res := <-ch:
		c.wg.Done()
		out := *res.Val.(*Outcome)
		if !leader.Load() {
			out.Coalesced = true
			c.cfg.Metrics.RecordCoalesced()
			log.Debug().Str("sketch", script.Name).Str("exec_id", out.ExecID).Msg("trigger coalesced into running execution")
		}
		span.SetAttributes(
			monitor.AttrCoalesced.Bool(out.Coalesced),
			monitor.AttrExecID.String(out.ExecID),
		)
		return &out, nil
	}
}

// run performs one execution end to end. It always returns an Outcome.
func (c *Coordinator) run(ctx context.Context, script *sketch.Script, req Request) *Outcome {
	id := script.Name
	logger := log.With().Str("sketch", id).Str("trigger", string(req.Source)).Logger()

	c.setState(id, StateRunning)
	c.cfg.Metrics.ExecutionStarted()
	defer c.cfg.Metrics.ExecutionFinished()

	ctx, span := c.cfg.Tracer.StartSpan(ctx, "execute", monitor.AttrSketch.String(id))
	c.publish(id, live.Started(id))

	start := time.Now()
	out := &Outcome{Sketch: id}
	var pages []render.Page

	result, err := c.execute(ctx, script, req)
	if result != nil {
		defer func() {
			if err := result.Cleanup(); err != nil {
				logger.Warn().Err(err).Msg("failed to remove execution output")
			}
		}()
		out.ExecID = result.ID
		out.ExitCode = result.ExitCode
		out.Stdout = result.Stdout
		out.Stderr = result.Stderr
		out.Failure = result.Failure
		out.Message = result.Message
		span.SetAttributes(monitor.AttrExecID.String(result.ID), monitor.AttrExitCode.Int(result.ExitCode))
	}
	switch {
	case err != nil:
		out.Failure = sandbox.FailureEnvironment
		out.Message = err.Error()
	case result.Success:
		pages, err = c.cfg.Interpreter.Interpret(ctx, result.Artifacts)
		if err != nil {
			out.Failure, out.Message = interpretFailure(err)
			pages = nil
		}
	}
	out.Elapsed = time.Since(start)
	out.Success = out.Failure == sandbox.FailureNone

	rec := Record{
		ExecID:   out.ExecID,
		Duration: out.Elapsed,
		Status:   StatusSuccess,
	}
	if !out.Success {
		rec.Status = StatusError
		rec.Classification = string(out.Failure)
		rec.Message = out.Message
		rec.Stderr = out.Stderr
	}

	v, putErr := c.cfg.Cache.Put(id, pages, rec)
	if putErr != nil {
		logger.Error().Err(putErr).Msg("failed to store preview version")
		if out.Success {
			out.Success = false
			out.Failure = sandbox.FailureEnvironment
			out.Message = fmt.Sprintf("storing preview: %v", putErr)
		}
	} else {
		out.Version = v.Number
		out.Pages = PageRefs(v)
	}

	status := "success"
	if out.Success {
		c.setState(id, StateSucceeded)
		if putErr == nil {
			c.publish(id, Event(v))
		}
	} else {
		status = "error"
		c.setState(id, StateFailed)
		c.publish(id, live.Failed(id, out.Version, string(out.Failure), out.Message, out.Stderr))
	}

	c.cfg.Metrics.RecordExecution(status, out.Failure.String(), out.Elapsed.Seconds(), len(pages))
	c.recordHistory(out, req, start)

	span.SetAttributes(
		monitor.AttrDurationMS.Int64(out.Elapsed.Milliseconds()),
		monitor.AttrPages.Int(len(out.Pages)),
		monitor.AttrVersion.Int(out.Version),
		monitor.AttrFailure.String(out.Failure.String()),
	)
	var spanErr error
	if !out.Success {
		spanErr = errors.New(out.Message)
	}
	monitor.EndSpan(span, spanErr)

	ev := logger.Info()
	if !out.Success {
		ev = logger.Warn().Str("classification", string(out.Failure)).Str("error", out.Message)
	}
	ev.Str("exec_id", out.ExecID).Int("version", out.Version).Int("pages", len(out.Pages)).
		Dur("elapsed", out.Elapsed).Msg("execution finished")

	c.setState(id, StateIdle)
	return out
}

// execute runs the syntax pre-check and then the script. A malformed script
// yields a synthetic failed result without spawning the sketch.
func (c *Coordinator) execute(ctx context.Context, script *sketch.Script, req Request) (*sandbox.ExecutionResult, error) {
	if !c.cfg.SkipSyntaxCheck {
		err := c.cfg.Executor.CheckSyntax(ctx, script.Path)
		var se *sandbox.SyntaxError
		switch {
		case errors.As(err, &se):
			return &sandbox.ExecutionResult{
				Sketch:    script.Name,
				ExitCode:  1,
				StartedAt: time.Now(),
				Stderr:    se.Output,
				Failure:   sandbox.FailureSyntax,
				Message:   se.Error(),
			}, nil
		case err != nil:
			// The executor classifies missing interpreters more precisely.
			log.Debug().Err(err).Str("sketch", script.Name).Msg("syntax check unavailable")
		}
	}

	return c.cfg.Executor.Execute(ctx, sandbox.ExecutionRequest{
		Sketch:      script.Name,
		ScriptPath:  script.Path,
		WorkDir:     script.Dir,
		ProjectRoot: script.ProjectRoot,
		Timeout:     req.Timeout,
	})
}

func interpretFailure(err error) (sandbox.FailureKind, string) {
	if errors.Is(err, render.ErrRasterizerUnavailable) {
		return sandbox.FailureEnvironment, "PDF output needs pdftoppm (poppler) to render pages: " + err.Error()
	}
	return sandbox.FailureDecode, err.Error()
}

func (c *Coordinator) publish(id string, ev live.Event) {
	if c.cfg.Publisher == nil {
		return
	}
	c.cfg.Publisher.Publish(id, ev)
}

func (c *Coordinator) recordHistory(out *Outcome, req Request, start time.Time) {
	if c.cfg.History == nil || out.ExecID == "" {
		return
	}
	done := start.Add(out.Elapsed)
	status := "success"
	if !out.Success {
		status = "error"
	}
	c.cfg.History.Log(&storage.Execution{
		ID:          out.ExecID,
		Sketch:      out.Sketch,
		Trigger:     string(req.Source),
		Status:      status,
		Failure:     string(out.Failure),
		Message:     out.Message,
		ExitCode:    out.ExitCode,
		Stdout:      out.Stdout,
		Stderr:      out.Stderr,
		Version:     out.Version,
		PageCount:   len(out.Pages),
		DurationMS:  out.Elapsed.Milliseconds(),
		CreatedAt:   start,
		CompletedAt: &done,
	})
}

func (c *Coordinator) setState(id string, s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[id]
	if !ok {
		st = &sketchState{}
		c.states[id] = st
	}
	st.state = s
	if s == StateRunning {
		st.lastRun = time.Now()
	}
}

// State returns the lifecycle state of sketch id.
func (c *Coordinator) State(id string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.states[id]; ok {
		return st.state
	}
	return StateIdle
}

// Status describes the sketch's state and headline cached version.
func (c *Coordinator) Status(name string) (*Status, error) {
	script, err := c.cfg.Resolver.Resolve(name)
	if err != nil {
		return nil, err
	}
	id := script.Name
	st := &Status{Sketch: id, State: c.State(id)}

	c.mu.Lock()
	if s, ok := c.states[id]; ok {
		st.LastRun = s.lastRun
	}
	c.mu.Unlock()

	if v, err := c.cfg.Cache.Current(id); err == nil {
		st.Current = v
	}
	if v, err := c.cfg.Cache.LastGood(id); err == nil {
		st.LastGood = v.Number
	}
	st.Versions = c.cfg.Cache.Versions(id)
	return st, nil
}

// Close stops accepting triggers and waits up to timeout for running
// executions to finish.
func (c *Coordinator) Close(timeout time.Duration) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for running executions")
	}
}
