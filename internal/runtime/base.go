package runtime

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInterpreterNotFound is returned when no interpreter for a runtime can be located.
var ErrInterpreterNotFound = errors.New("interpreter not found")

// MaxScriptBytes bounds the size of a sketch script accepted for execution.
const MaxScriptBytes = 1 << 20

// Runtime defines how to execute a sketch script for one scripting language.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "python", "shell").
	Name() string

	// Extension returns the script file extension handled by this runtime (e.g., ".py").
	Extension() string

	// Interpreter resolves the executable used to run scripts.
	Interpreter() (string, error)

	// Command returns the argv used to run the script at path.
	Command(path string) ([]string, error)

	// SyntaxCommand returns an argv that parses the script without running it.
	SyntaxCommand(path string) ([]string, error)

	// Env returns extra environment entries for a run rooted at projectRoot.
	Env(projectRoot string) []string

	// Validate checks the script source before execution.
	// This is a best-effort pre-check, not a full parser.
	Validate(code string) error
}

// Registry maps script extensions to their Runtime implementations.
type Registry struct {
	runtimes map[string]Runtime
}

// NewRegistry creates a registry with the given runtimes.
func NewRegistry(rts ...Runtime) *Registry {
	r := &Registry{
		runtimes: make(map[string]Runtime),
	}
	for _, rt := range rts {
		r.Register(rt)
	}
	return r
}

// DefaultRegistry creates a registry with all supported runtimes.
func DefaultRegistry(python *PythonRuntime) *Registry {
	if python == nil {
		python = &PythonRuntime{}
	}
	return NewRegistry(python, &ShellRuntime{})
}

// Register adds a runtime to the registry.
func (r *Registry) Register(rt Runtime) {
	r.runtimes[strings.ToLower(rt.Extension())] = rt
}

// ForScript returns the runtime for the script at path.
func (r *Registry) ForScript(path string) (Runtime, error) {
	ext := strings.ToLower(filepath.Ext(path))
	rt, ok := r.runtimes[ext]
	if !ok {
		return nil, fmt.Errorf("unsupported script type %q (supported: %s)", ext, strings.Join(r.Extensions(), ", "))
	}
	return rt, nil
}

// Extensions returns all registered extensions, sorted.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.runtimes))
	for ext := range r.runtimes {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func validateSize(code string) error {
	if len(code) == 0 {
		return fmt.Errorf("empty script")
	}
	if len(code) > MaxScriptBytes {
		return fmt.Errorf("script too large: %d bytes (max 1MB)", len(code))
	}
	return nil
}
