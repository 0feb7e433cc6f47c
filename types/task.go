package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskExecuting TaskStatus = "executing"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// CollaborationType selects how many agents work on a task and how
// their results relate to each other.
type CollaborationType int

const (
	CollaborationSolo CollaborationType = iota
	CollaborationParallel
	CollaborationHierarchical
)

var collaborationNames = [...]string{"solo", "parallel", "hierarchical"}

func (c CollaborationType) String() string {
	if c < 0 || int(c) >= len(collaborationNames) {
		return fmt.Sprintf("CollaborationType(%d)", int(c))
	}
	return collaborationNames[c]
}

// ParseCollaborationType parses the textual form of a CollaborationType.
func ParseCollaborationType(s string) (CollaborationType, error) {
	for i, name := range collaborationNames {
		if strings.EqualFold(s, name) {
			return CollaborationType(i), nil
		}
	}
	return 0, NewError(ErrConfiguration, fmt.Sprintf("unknown collaboration type %q", s))
}

// MarshalText implements encoding.TextMarshaler.
func (c CollaborationType) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(collaborationNames) {
		return nil, fmt.Errorf("invalid collaboration type %d", int(c))
	}
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *CollaborationType) UnmarshalText(text []byte) error {
	v, err := ParseCollaborationType(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// FailureReason explains why a task or chain reached a failed state.
type FailureReason string

const (
	ReasonNone                    FailureReason = ""
	ReasonNoCapableAgent          FailureReason = "no_capable_agent"
	ReasonMaxReassignmentAttempts FailureReason = "max_reassignment_attempts_reached"
	ReasonSessionTimeout          FailureReason = "session_timeout"
	ReasonCancelled               FailureReason = "cancelled"
	ReasonRemapNotViable          FailureReason = "remap_not_viable"
	ReasonRemapExhausted          FailureReason = "remap_exhausted"
	ReasonBlockedByFailedTasks    FailureReason = "blocked_by_failed_tasks"
	ReasonAgentUnregistered       FailureReason = "agent_unregistered"
)

// Default agent limits per collaboration type.
const (
	DefaultParallelMaxAgents     = 3
	DefaultHierarchicalMaxAgents = 4
	MaxComplexity                = 10
)

// Task is a unit of work handed to one or more agents.
type Task struct {
	ID                   string            `json:"id"`
	ChainID              string            `json:"chain_id,omitempty"`
	Description          string            `json:"description"`
	Input                json.RawMessage   `json:"input,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	Priority             float64           `json:"priority"`
	Complexity           int               `json:"complexity"`
	Deadline             *time.Time        `json:"deadline,omitempty"`
	Collaboration        CollaborationType `json:"collaboration"`
	MinAgents            int               `json:"min_agents"`
	MaxAgents            int               `json:"max_agents"`
	Dependencies         []string          `json:"dependencies,omitempty"`
	Status               TaskStatus        `json:"status"`
	AssignedAgents       []string          `json:"assigned_agents,omitempty"`
	SessionID            string            `json:"session_id,omitempty"`
	RetryCount           int               `json:"retry_count"`
	Deferrals            int               `json:"deferrals,omitempty"`
	FailureReason        FailureReason     `json:"failure_reason,omitempty"`
	LastError            string            `json:"last_error,omitempty"`
	Result               *Result           `json:"result,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
	CompletedAt          *time.Time        `json:"completed_at,omitempty"`
}

// Normalize fills zero-valued limits with their defaults.
func (t *Task) Normalize() {
	if t.Complexity <= 0 {
		t.Complexity = 1
	}
	if t.MinAgents <= 0 {
		t.MinAgents = 1
	}
	if t.MaxAgents <= 0 {
		switch t.Collaboration {
		case CollaborationSolo:
			t.MaxAgents = 1
		case CollaborationParallel:
			t.MaxAgents = DefaultParallelMaxAgents
		case CollaborationHierarchical:
			t.MaxAgents = DefaultHierarchicalMaxAgents
		}
	}
	if t.Collaboration == CollaborationSolo {
		t.MinAgents, t.MaxAgents = 1, 1
	}
	if t.MaxAgents < t.MinAgents {
		t.MaxAgents = t.MinAgents
	}
	if t.Status == "" {
		t.Status = TaskPending
	}
}

// Validate checks structural constraints on a submitted task.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return NewError(ErrConfiguration, "task id is required")
	}
	if t.Complexity < 1 || t.Complexity > MaxComplexity {
		return NewError(ErrConfiguration, fmt.Sprintf("task %s: complexity must be within [1,%d]", t.ID, MaxComplexity))
	}
	if t.MinAgents < 1 || t.MaxAgents < t.MinAgents {
		return NewError(ErrConfiguration, fmt.Sprintf("task %s: invalid agent bounds [%d,%d]", t.ID, t.MinAgents, t.MaxAgents))
	}
	if t.Collaboration < CollaborationSolo || t.Collaboration > CollaborationHierarchical {
		return NewError(ErrConfiguration, fmt.Sprintf("task %s: invalid collaboration type", t.ID))
	}
	for _, dep := range t.Dependencies {
		if dep == t.ID {
			return NewError(ErrConfiguration, fmt.Sprintf("task %s depends on itself", t.ID))
		}
	}
	return nil
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Input = cloneRaw(t.Input)
	c.RequiredCapabilities = cloneStrings(t.RequiredCapabilities)
	c.Dependencies = cloneStrings(t.Dependencies)
	c.AssignedAgents = cloneStrings(t.AssignedAgents)
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	c.Result = t.Result.Clone()
	return &c
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	out := make(json.RawMessage, len(in))
	copy(out, in)
	return out
}
