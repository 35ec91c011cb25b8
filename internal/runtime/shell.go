package runtime

import (
	"fmt"
	"os/exec"
)

// ShellRuntime runs POSIX shell sketches. Useful for generating artifacts with
// external tools and for exercising the executor without a Python install.
type ShellRuntime struct{}

func (s *ShellRuntime) Name() string { return "shell" }

func (s *ShellRuntime) Extension() string { return ".sh" }

func (s *ShellRuntime) Interpreter() (string, error) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		return "", fmt.Errorf("%w: sh", ErrInterpreterNotFound)
	}
	return sh, nil
}

func (s *ShellRuntime) Command(path string) ([]string, error) {
	sh, err := s.Interpreter()
	if err != nil {
		return nil, err
	}
	return []string{sh, "-e", path}, nil
}

func (s *ShellRuntime) SyntaxCommand(path string) ([]string, error) {
	sh, err := s.Interpreter()
	if err != nil {
		return nil, err
	}
	return []string{sh, "-n", path}, nil
}

func (s *ShellRuntime) Env(string) []string { return nil }

func (s *ShellRuntime) Validate(code string) error {
	return validateSize(code)
}
