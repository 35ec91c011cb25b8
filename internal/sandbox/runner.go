package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"sketchbook/internal/runtime"
)

const truncationMarker = "\n... [output truncated]"

// Options tunes a Runner.
type Options struct {
	MaxConcurrent  int
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxStdoutBytes int
	MaxStderrBytes int
	RetinaScale    float64
	// KillGrace bounds how long Wait blocks on open pipes after the process group is killed.
	KillGrace time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 4
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.MaxTimeout < o.DefaultTimeout {
		o.MaxTimeout = o.DefaultTimeout
	}
	if o.MaxStdoutBytes <= 0 {
		o.MaxStdoutBytes = 1 << 20
	}
	if o.MaxStderrBytes <= 0 {
		o.MaxStderrBytes = 256 * 1024
	}
	if o.RetinaScale <= 0 {
		o.RetinaScale = 3
	}
	if o.KillGrace <= 0 {
		o.KillGrace = 2 * time.Second
	}
}

// Runner executes sketch scripts as host subprocesses, one process group per run.
type Runner struct {
	runtimes *runtime.Registry
	opts     Options
	sem      chan struct{} // Concurrency limiter
	active   atomic.Int64  // Active execution count
	wg       sync.WaitGroup
	mu       sync.Mutex // Protects shutdown state
	closed   bool
}

// NewRunner creates a runner over the given runtime registry.
func NewRunner(runtimes *runtime.Registry, opts Options) *Runner {
	opts.applyDefaults()
	return &Runner{
		runtimes: runtimes,
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxConcurrent),
	}
}

// Execute runs the script and reports the outcome. A non-nil error means the
// request itself was unusable; script failures are reported on the result.
func (r *Runner) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	execID := uuid.New().String()

	logger := log.With().
		Str("exec_id", execID).
		Str("sketch", req.Sketch).
		Logger()

	if err := r.validateRequest(&req); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "validate", Err: err}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, &ExecutionError{ExecID: execID, Op: "execute", Err: ErrRunnerClosed}
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		return nil, &ExecutionError{ExecID: execID, Op: "acquire_slot", Err: ctx.Err()}
	}

	r.active.Add(1)
	defer r.active.Add(-1)

	timeout := req.Timeout
	if timeout == 0 {
		timeout = r.opts.DefaultTimeout
	}

	result := &ExecutionResult{
		ID:       execID,
		Sketch:   req.Sketch,
		ExitCode: -1,
		Timeout:  timeout,
	}

	rt, err := r.runtimes.ForScript(req.ScriptPath)
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "get_runtime", Err: fmt.Errorf("%w: %v", ErrUnsupportedScript, err)}
	}

	code, err := os.ReadFile(req.ScriptPath) // #nosec G304 -- path resolved and validated by the sketch resolver
	if err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "read_script", Err: err}
	}
	if err := rt.Validate(string(code)); err != nil {
		result.Failure = FailureRuntime
		result.Message = err.Error()
		return result, nil
	}

	argv, err := rt.Command(req.ScriptPath)
	if err != nil {
		if errors.Is(err, runtime.ErrInterpreterNotFound) {
			logger.Warn().Err(err).Msg("interpreter not found")
			result.Failure = FailureEnvironment
			result.Message = err.Error()
			return result, nil
		}
		return nil, &ExecutionError{ExecID: execID, Op: "build_command", Err: err}
	}

	outputDir := req.OutputDir
	if outputDir == "" {
		outputDir, err = os.MkdirTemp("", "sketchbook-"+execID+"-*")
		if err != nil {
			return nil, &ExecutionError{ExecID: execID, Op: "create_output_dir", Err: err}
		}
		result.ownedDir = outputDir
	} else if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, &ExecutionError{ExecID: execID, Op: "create_output_dir", Err: err}
	}
	result.OutputDir = outputDir

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv[0], argv[1:]...) // #nosec G204 -- argv built by the runtime from a resolved script path
	cmd.Dir = req.WorkDir
	cmd.Env = r.buildEnv(rt, req, execID, outputDir)
	cmd.WaitDelay = r.opts.KillGrace
	setProcessGroup(cmd)

	stdout := &cappedBuffer{max: r.opts.MaxStdoutBytes}
	stderr := &cappedBuffer{max: r.opts.MaxStderrBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Info().Str("runtime", rt.Name()).Str("interpreter", argv[0]).Dur("timeout", timeout).Msg("starting sketch process")

	sketchOutput := filepath.Join(req.WorkDir, "output")
	search := artifactSearch{
		before: snapshotDirs(outputDir, req.WorkDir, sketchOutput),
		owners: []string{req.Sketch, strings.TrimSuffix(filepath.Base(req.ScriptPath), filepath.Ext(req.ScriptPath))},
	}

	start := time.Now()
	result.StartedAt = start
	err = cmd.Run()
	result.Duration = time.Since(start)
	// Background children may outlive the script; the group goes down with it.
	reapProcessGroup(cmd)

	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			result.Failure = FailureTimeout
			result.Message = fmt.Sprintf("execution exceeded the configured %s time limit", timeout)
			logger.Warn().Dur("duration", result.Duration).Msg("sketch timed out; process group killed")
			return result, nil
		}
		if ctx.Err() != nil {
			return result, &ExecutionError{ExecID: execID, Op: "run", Err: ctx.Err()}
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// The interpreter never started.
			result.Failure = FailureEnvironment
			result.Message = err.Error()
			logger.Error().Err(err).Msg("failed to start sketch process")
			return result, nil
		}
		result.ExitCode = exitErr.ExitCode()
		result.Failure, result.Message = Classify(result.Stderr, result.ExitCode)

		logger.Info().
			Int("exit_code", result.ExitCode).
			Str("failure", result.Failure.String()).
			Dur("duration", result.Duration).
			Msg("sketch failed")
		return result, nil
	}

	result.ExitCode = 0
	result.Success = true
	result.Artifacts = search.collect(outputDir, req.WorkDir, sketchOutput)

	logger.Info().
		Int("artifacts", len(result.Artifacts)).
		Dur("duration", result.Duration).
		Msg("sketch completed")

	return result, nil
}

// CheckSyntax parses the script without running it. It returns a *SyntaxError
// when the script is malformed.
func (r *Runner) CheckSyntax(ctx context.Context, path string) error {
	rt, err := r.runtimes.ForScript(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedScript, err)
	}
	argv, err := rt.SyntaxCommand(path)
	if err != nil {
		return err
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(checkCtx, argv[0], argv[1:]...) // #nosec G204 -- argv built by the runtime
	cmd.Dir = filepath.Dir(path)
	cmd.WaitDelay = r.opts.KillGrace
	setProcessGroup(cmd)
	out := &cappedBuffer{max: r.opts.MaxStderrBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	err = cmd.Run()
	reapProcessGroup(cmd)
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || checkCtx.Err() != nil {
		return fmt.Errorf("syntax check: %w", err)
	}

	output := out.String()
	se := &SyntaxError{Path: path, Message: lastLine(output), Output: output}
	if tb, ok := ParseTraceback(output); ok {
		se.Line = tb.Line
		se.Message = tb.Exception
		if tb.Message != "" {
			se.Message += ": " + tb.Message
		}
	}
	return se
}

func (r *Runner) buildEnv(rt runtime.Runtime, req ExecutionRequest, execID, outputDir string) []string {
	env := os.Environ()
	env = append(env, rt.Env(req.ProjectRoot)...)
	env = append(env,
		"SKETCHBOOK_EXEC_ID="+execID,
		"SKETCHBOOK_SKETCH="+req.Sketch,
		"SKETCHBOOK_OUTPUT_DIR="+outputDir,
		"SKETCHBOOK_OUTPUT_FORMAT=pdf",
		"SKETCHBOOK_RETINA_SCALE="+strconv.FormatFloat(r.opts.RetinaScale, 'f', -1, 64),
	)
	return append(env, req.Env...)
}

func (r *Runner) validateRequest(req *ExecutionRequest) error {
	if req.ScriptPath == "" {
		return fmt.Errorf("%w: script path is empty", ErrInvalidRequest)
	}
	if !filepath.IsAbs(req.ScriptPath) {
		return fmt.Errorf("%w: script path must be absolute", ErrInvalidRequest)
	}
	info, err := os.Stat(req.ScriptPath)
	if err != nil || !info.Mode().IsRegular() {
		return fmt.Errorf("%w: script %q is not a regular file", ErrInvalidRequest, req.ScriptPath)
	}
	if req.WorkDir == "" {
		req.WorkDir = filepath.Dir(req.ScriptPath)
	}
	if info, err := os.Stat(req.WorkDir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: work_dir is not a valid directory", ErrInvalidRequest)
	}
	if req.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidRequest)
	}
	if req.Timeout > r.opts.MaxTimeout {
		return fmt.Errorf("%w: timeout exceeds %s maximum", ErrInvalidRequest, r.opts.MaxTimeout)
	}
	for _, env := range req.Env {
		key, _, ok := strings.Cut(env, "=")
		if !ok || key == "" {
			return fmt.Errorf("%w: env var must be KEY=VALUE format", ErrInvalidRequest)
		}
	}
	return nil
}

func (r *Runner) ActiveCount() int64 {
	return r.active.Load()
}

// Close rejects new executions and waits for running ones to finish.
func (r *Runner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	// Wait up to the max timeout plus grace for active executions to drain.
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all sketch executions drained")
	case <-time.After(r.opts.MaxTimeout + r.opts.KillGrace):
		log.Warn().Int64("active", r.active.Load()).Msg("timed out waiting for sketch executions to drain")
	}
	return nil
}

// cappedBuffer keeps the first max bytes written and drops the rest.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	room := c.max - c.buf.Len()
	switch {
	case room <= 0:
		if len(p) > 0 {
			c.truncated = true
		}
	case len(p) > room:
		c.buf.Write(p[:room])
		c.truncated = true
	default:
		c.buf.Write(p)
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	if c.truncated {
		return c.buf.String() + truncationMarker
	}
	return c.buf.String()
}
