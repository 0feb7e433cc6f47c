package store

import (
	"context"
	"sync"

	"github.com/BaSui01/swarmflow/types"
)

// Memory keeps snapshots in process. It is safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	tasks  map[string]*types.Task
	chains map[string]*types.TaskChain
	closed bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		tasks:  make(map[string]*types.Task),
		chains: make(map[string]*types.TaskChain),
	}
}

func (m *Memory) SaveTask(_ context.Context, task *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *Memory) LoadTask(_ context.Context, id string) (*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, notFound("task", id)
	}
	return t.Clone(), nil
}

func (m *Memory) ListTasks(_ context.Context, filter TaskFilter) ([]*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Task
	for _, t := range m.tasks {
		if filter.Match(t) {
			out = append(out, t.Clone())
		}
	}
	sortTasks(out)
	return out, nil
}

// SaveChain stores the chain and the task snapshots embedded in it.
func (m *Memory) SaveChain(_ context.Context, chain *types.TaskChain) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	c := chain.Clone()
	m.chains[c.ID] = c
	for _, t := range c.Tasks {
		m.tasks[t.ID] = t.Clone()
	}
	return nil
}

func (m *Memory) LoadChain(_ context.Context, id string) (*types.TaskChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[id]
	if !ok {
		return nil, notFound("chain", id)
	}
	return c.Clone(), nil
}

func (m *Memory) ListChains(_ context.Context) ([]*types.TaskChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.TaskChain, 0, len(m.chains))
	for _, c := range m.chains {
		out = append(out, c.Clone())
	}
	sortChains(out)
	return out, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
