package sandbox

import (
	"os"
	"time"
)

// FailureKind classifies why an execution did not succeed.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureSyntax      FailureKind = "syntax_error"
	FailureRuntime     FailureKind = "runtime_error"
	FailureTimeout     FailureKind = "timeout"
	FailureEnvironment FailureKind = "environment_missing"
	FailureDecode      FailureKind = "decode_error"
)

func (k FailureKind) String() string {
	if k == FailureNone {
		return "none"
	}
	return string(k)
}

// Title is a short human-readable heading for the failure.
func (k FailureKind) Title() string {
	switch k {
	case FailureSyntax:
		return "Syntax error"
	case FailureRuntime:
		return "Runtime error"
	case FailureTimeout:
		return "Execution timed out"
	case FailureEnvironment:
		return "Environment not ready"
	case FailureDecode:
		return "Output could not be decoded"
	default:
		return "Execution failed"
	}
}

type ExecutionRequest struct {
	Sketch      string        `json:"sketch"`
	ScriptPath  string        `json:"script_path"`
	WorkDir     string        `json:"work_dir,omitempty"`     // defaults to the script's directory
	ProjectRoot string        `json:"project_root,omitempty"` // added to the interpreter's import path
	OutputDir   string        `json:"output_dir,omitempty"`   // empty: a temporary directory owned by the result
	Timeout     time.Duration `json:"timeout"`
	Env         []string      `json:"env,omitempty"`
}

type ExecutionResult struct {
	ID        string        `json:"id"`
	Sketch    string        `json:"sketch"`
	Success   bool          `json:"success"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	Timeout   time.Duration `json:"timeout"`
	StartedAt time.Time     `json:"started_at"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Failure   FailureKind   `json:"failure,omitempty"`
	Message   string        `json:"message,omitempty"`
	Artifacts []string      `json:"artifacts,omitempty"`
	OutputDir string        `json:"output_dir,omitempty"`

	ownedDir string
}

// Cleanup removes the temporary output directory created for this result, if any.
// Artifact paths inside it are invalid afterwards.
func (r *ExecutionResult) Cleanup() error {
	if r == nil || r.ownedDir == "" {
		return nil
	}
	dir := r.ownedDir
	r.ownedDir = ""
	return os.RemoveAll(dir)
}
