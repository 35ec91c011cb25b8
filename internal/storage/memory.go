package storage

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MemoryStore keeps the most recent executions in process. It backs the
// history endpoints when no database is configured.
type MemoryStore struct {
	recent *lru.Cache[string, Execution]
}

// NewMemoryStore keeps up to size executions.
func NewMemoryStore(size int) (*MemoryStore, error) {
	if size < 1 {
		size = 500
	}
	c, err := lru.New[string, Execution](size)
	if err != nil {
		return nil, fmt.Errorf("creating history cache: %w", err)
	}
	return &MemoryStore{recent: c}, nil
}

func (m *MemoryStore) LogExecution(_ context.Context, exec *Execution) error {
	m.recent.Add(exec.ID, *exec)
	return nil
}

func (m *MemoryStore) GetExecution(_ context.Context, id string) (*Execution, error) {
	exec, ok := m.recent.Peek(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return &exec, nil
}

func (m *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]Execution, error) {
	keys := m.recent.Keys() // oldest first
	results := make([]Execution, 0, filter.limit())
	skipped := 0
	for i := len(keys) - 1; i >= 0 && len(results) < filter.limit(); i-- {
		exec, ok := m.recent.Peek(keys[i])
		if !ok {
			continue
		}
		if filter.Sketch != "" && exec.Sketch != filter.Sketch {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if skipped < filter.Offset {
			skipped++
			continue
		}
		results = append(results, exec)
	}
	return results, nil
}
