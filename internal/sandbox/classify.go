package sandbox

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// Last line of a Python traceback, e.g. "NameError: name 'x' is not defined".
	exceptionLine = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*(?:Error|Exception|Exit|Interrupt))(?::\s*(.*))?$`)
	// Location line inside a traceback, e.g. `File "demo.py", line 3`.
	locationLine = regexp.MustCompile(`File "([^"]+)", line (\d+)`)
	// Shell parser complaint, e.g. "demo.sh: line 2: syntax error near unexpected token".
	shellSyntax = regexp.MustCompile(`(?i)(?:line (\d+): )?syntax error|(\d+): Syntax error`)
)

var syntaxExceptions = map[string]bool{
	"SyntaxError":      true,
	"IndentationError": true,
	"TabError":         true,
}

// Traceback is the parsed tail of an error report.
type Traceback struct {
	Exception string
	Message   string
	File      string
	Line      int
}

// ParseTraceback extracts the final exception and the innermost location from stderr.
func ParseTraceback(stderr string) (Traceback, bool) {
	var tb Traceback
	lines := strings.Split(strings.TrimRight(stderr, "\n"), "\n")
	found := false
	for i := len(lines) - 1; i >= 0; i-- {
		m := exceptionLine.FindStringSubmatch(strings.TrimSpace(lines[i]))
		if m == nil {
			continue
		}
		tb.Exception = m[1]
		tb.Message = strings.TrimSpace(m[2])
		found = true
		for j := i - 1; j >= 0; j-- {
			if loc := locationLine.FindStringSubmatch(lines[j]); loc != nil {
				tb.File = loc[1]
				tb.Line, _ = strconv.Atoi(loc[2])
				break
			}
		}
		break
	}
	return tb, found
}

// Classify maps a failed process's stderr and exit code to a FailureKind and
// a one-line summary.
func Classify(stderr string, exitCode int) (FailureKind, string) {
	if tb, ok := ParseTraceback(stderr); ok {
		summary := tb.Exception
		if tb.Message != "" {
			summary += ": " + tb.Message
		}
		if tb.Line > 0 {
			summary += fmt.Sprintf(" (line %d)", tb.Line)
		}

		name := tb.Exception
		if idx := strings.LastIndex(name, "."); idx >= 0 {
			name = name[idx+1:]
		}
		switch {
		case syntaxExceptions[name]:
			return FailureSyntax, summary
		case (name == "ModuleNotFoundError" || name == "ImportError") &&
			strings.Contains(strings.ToLower(tb.Message), "drawbot"):
			return FailureEnvironment, summary + ". Install drawBot into the active virtual environment"
		default:
			return FailureRuntime, summary
		}
	}

	if shellSyntax.MatchString(stderr) {
		return FailureSyntax, lastLine(stderr)
	}
	if exitCode == 126 || exitCode == 127 {
		return FailureEnvironment, lastLine(stderr)
	}

	msg := lastLine(stderr)
	if msg == "" {
		msg = fmt.Sprintf("process exited with status %d", exitCode)
	}
	return FailureRuntime, msg
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndex(s, "\n"); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return s
}
