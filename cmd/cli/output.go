package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"

	"sketchbook/internal/api"
	"sketchbook/internal/preview"
)

var (
	success = color.New(color.FgGreen)
	warn    = color.New(color.FgYellow)
	failure = color.New(color.FgRed, color.Bold)
	info    = color.New(color.FgCyan)
	bold    = color.New(color.Bold)
	dim     = color.New(color.Faint)
)

func statusColor(status string) *color.Color {
	switch status {
	case "success", "ok":
		return success
	case "empty", "degraded":
		return warn
	case "error":
		return failure
	default:
		return dim
	}
}

func stateColor(s preview.State) *color.Color {
	switch s {
	case preview.StateRunning:
		return info
	case preview.StateSucceeded:
		return success
	case preview.StateFailed:
		return failure
	default:
		return dim
	}
}

func yesNo(ok bool) string {
	if ok {
		return success.Sprint("yes")
	}
	return failure.Sprint("no")
}

// printFailure writes an error placeholder to stderr.
func printFailure(p *api.Placeholder) {
	failure.Fprintf(os.Stderr, "✗ %s", p.Title)
	fmt.Fprintf(os.Stderr, " [%s]\n", p.Classification)
	if p.Message != "" {
		fmt.Fprintf(os.Stderr, "  %s\n", p.Message)
	}
	if p.Guidance != "" {
		warn.Fprintf(os.Stderr, "  %s\n", p.Guidance)
	}
	if details := strings.TrimSpace(p.Details); details != "" {
		fmt.Fprintln(os.Stderr)
		for _, line := range strings.Split(details, "\n") {
			dim.Fprintf(os.Stderr, "  | %s\n", line)
		}
	}
}
