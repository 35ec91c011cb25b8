package runtime

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// parseOnly compiles the file given as argv[1] without executing it.
const parseOnly = "import ast,sys; ast.parse(open(sys.argv[1], encoding='utf-8').read(), sys.argv[1])"

// PythonRuntime runs DrawBot sketches with the interpreter of the active
// virtual environment, falling back to the one on PATH.
type PythonRuntime struct {
	// Path is an explicit interpreter. Empty means auto-detect.
	Path string
	// ProjectRoot is searched for venv/ and .venv/.
	ProjectRoot string
}

func (p *PythonRuntime) Name() string { return "python" }

func (p *PythonRuntime) Extension() string { return ".py" }

// Interpreter resolves, in order: the explicit path, $VIRTUAL_ENV, the
// project's venv and .venv directories, then python3 and python on PATH.
func (p *PythonRuntime) Interpreter() (string, error) {
	if p.Path != "" {
		if isExecutable(p.Path) {
			return p.Path, nil
		}
		if resolved, err := exec.LookPath(p.Path); err == nil {
			return resolved, nil
		}
		return "", fmt.Errorf("%w: configured python %q", ErrInterpreterNotFound, p.Path)
	}

	var envDirs []string
	if venv := os.Getenv("VIRTUAL_ENV"); venv != "" {
		envDirs = append(envDirs, venv)
	}
	if p.ProjectRoot != "" {
		envDirs = append(envDirs,
			filepath.Join(p.ProjectRoot, "venv"),
			filepath.Join(p.ProjectRoot, ".venv"),
		)
	}
	for _, dir := range envDirs {
		for _, name := range []string{"python3", "python"} {
			candidate := filepath.Join(dir, "bin", name)
			if isExecutable(candidate) {
				return candidate, nil
			}
		}
	}

	for _, name := range []string{"python3", "python"} {
		if resolved, err := exec.LookPath(name); err == nil {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: no python3 in virtual environment or PATH", ErrInterpreterNotFound)
}

func (p *PythonRuntime) Command(path string) ([]string, error) {
	interp, err := p.Interpreter()
	if err != nil {
		return nil, err
	}
	return []string{
		interp, "-u", // Unbuffered output
		"-B", // Don't write .pyc files
		path,
	}, nil
}

func (p *PythonRuntime) SyntaxCommand(path string) ([]string, error) {
	interp, err := p.Interpreter()
	if err != nil {
		return nil, err
	}
	return []string{interp, "-B", "-c", parseOnly, path}, nil
}

func (p *PythonRuntime) Env(projectRoot string) []string {
	env := []string{"PYTHONUNBUFFERED=1", "PYTHONDONTWRITEBYTECODE=1"}
	if projectRoot != "" {
		pythonPath := projectRoot
		if existing := os.Getenv("PYTHONPATH"); existing != "" {
			pythonPath = projectRoot + string(os.PathListSeparator) + existing
		}
		env = append(env, "PYTHONPATH="+pythonPath)
	}
	return env
}

func (p *PythonRuntime) Validate(code string) error {
	return validateSize(code)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}
