package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an execution record does not exist.
var ErrNotFound = errors.New("execution not found")

// Execution is one coordinated sketch run as kept in the history.
type Execution struct {
	ID          string     `json:"id" db:"id"`
	Sketch      string     `json:"sketch" db:"sketch"`
	Trigger     string     `json:"trigger" db:"trigger"` // manual, watch
	Status      string     `json:"status" db:"status"`   // success, error
	Failure     string     `json:"failure,omitempty" db:"failure"`
	Message     string     `json:"message,omitempty" db:"message"`
	ExitCode    int        `json:"exit_code" db:"exit_code"`
	Stdout      string     `json:"stdout,omitempty" db:"stdout"`
	Stderr      string     `json:"stderr,omitempty" db:"stderr"`
	Version     int        `json:"version" db:"version"`
	PageCount   int        `json:"page_count" db:"page_count"`
	DurationMS  int64      `json:"duration_ms" db:"duration_ms"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Sketch string
	Status string
	Limit  int
	Offset int
}

func (f ExecutionFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}
