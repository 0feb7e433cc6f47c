package types

import (
	"fmt"
	"strings"
	"time"
)

// ChainStrategy governs how many ready tasks of a chain are submitted at once.
type ChainStrategy int

const (
	StrategySequential ChainStrategy = iota
	StrategyParallel
	StrategyAdaptive
)

var chainStrategyNames = [...]string{"sequential", "parallel", "adaptive"}

func (s ChainStrategy) String() string {
	if s < 0 || int(s) >= len(chainStrategyNames) {
		return fmt.Sprintf("ChainStrategy(%d)", int(s))
	}
	return chainStrategyNames[s]
}

// ParseChainStrategy parses the textual form of a ChainStrategy.
func ParseChainStrategy(s string) (ChainStrategy, error) {
	for i, name := range chainStrategyNames {
		if strings.EqualFold(s, name) {
			return ChainStrategy(i), nil
		}
	}
	return 0, NewError(ErrConfiguration, fmt.Sprintf("unknown chain strategy %q", s))
}

// MarshalText implements encoding.TextMarshaler.
func (s ChainStrategy) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(chainStrategyNames) {
		return nil, fmt.Errorf("invalid chain strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ChainStrategy) UnmarshalText(text []byte) error {
	v, err := ParseChainStrategy(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ChainStatus is the lifecycle state of a task chain.
type ChainStatus string

const (
	ChainRunning   ChainStatus = "running"
	ChainCompleted ChainStatus = "completed"
	ChainFailed    ChainStatus = "failed"
)

// IsTerminal reports whether the chain has finished.
func (s ChainStatus) IsTerminal() bool {
	return s == ChainCompleted || s == ChainFailed
}

// FailurePoint records one agent failing one task within a chain.
type FailurePoint struct {
	TaskID       string    `json:"task_id"`
	AgentID      string    `json:"agent_id,omitempty"`
	Error        string    `json:"error"`
	Heat         float64   `json:"heat"`
	PathPosition int       `json:"path_position"`
	At           time.Time `json:"at"`
}

// TaskChain is a snapshot of a dependency graph of tasks and its progress.
type TaskChain struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Strategy       ChainStrategy       `json:"strategy"`
	Status         ChainStatus         `json:"status"`
	Tasks          []*Task             `json:"tasks"`
	Dependencies   map[string][]string `json:"dependencies"`
	Completed      []string            `json:"completed,omitempty"`
	Active         []string            `json:"active,omitempty"`
	Failed         []string            `json:"failed,omitempty"`
	FailurePoints  []FailurePoint      `json:"failure_points,omitempty"`
	RemappingCount int                 `json:"remapping_count"`
	ExcludedAgents []string            `json:"excluded_agents,omitempty"`
	FailureReason  FailureReason       `json:"failure_reason,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Task returns the task snapshot with the given id, or nil.
func (c *TaskChain) Task(id string) *Task {
	for _, t := range c.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Clone returns a deep copy of the snapshot.
func (c *TaskChain) Clone() *TaskChain {
	if c == nil {
		return nil
	}
	out := *c
	out.Tasks = make([]*Task, len(c.Tasks))
	for i, t := range c.Tasks {
		out.Tasks[i] = t.Clone()
	}
	if c.Dependencies != nil {
		out.Dependencies = make(map[string][]string, len(c.Dependencies))
		for id, deps := range c.Dependencies {
			out.Dependencies[id] = cloneStrings(deps)
		}
	}
	out.Completed = cloneStrings(c.Completed)
	out.Active = cloneStrings(c.Active)
	out.Failed = cloneStrings(c.Failed)
	out.ExcludedAgents = cloneStrings(c.ExcludedAgents)
	if c.FailurePoints != nil {
		out.FailurePoints = append([]FailurePoint(nil), c.FailurePoints...)
	}
	return &out
}
