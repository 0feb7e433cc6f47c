package types

import (
	"fmt"
	"strings"
	"time"
)

// Agent defaults.
const (
	DefaultAgentMaxLoad     = 1
	DefaultAgentPerformance = 0.8
)

// AgentSpec describes a worker at registration time.
type AgentSpec struct {
	ID           string   `json:"id" yaml:"id"`
	Type         string   `json:"type" yaml:"type"`
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	MaxLoad      int      `json:"max_load" yaml:"max_load"`
	// Performance seeds the historical performance score; zero means default.
	Performance float64 `json:"performance,omitempty" yaml:"performance,omitempty"`
	// Profile is free text fed to the affinity model alongside capabilities.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`
}

// Validate checks the spec for registration.
func (s AgentSpec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return NewError(ErrConfiguration, "agent id is required")
	}
	if s.MaxLoad < 0 {
		return NewError(ErrConfiguration, fmt.Sprintf("agent %s: max load must not be negative", s.ID))
	}
	if s.Performance < 0 || s.Performance > 1 {
		return NewError(ErrConfiguration, fmt.Sprintf("agent %s: performance must be within [0,1]", s.ID))
	}
	return nil
}

// AgentState is an immutable snapshot of a registered agent.
type AgentState struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Capabilities  []string  `json:"capabilities"`
	Profile       string    `json:"profile,omitempty"`
	Load          int       `json:"load"`
	MaxLoad       int       `json:"max_load"`
	Performance   float64   `json:"performance"`
	Heat          float64   `json:"heat"`
	HeatUpdatedAt time.Time `json:"heat_updated_at"`
	ActiveTasks   []string  `json:"active_tasks,omitempty"`
	Available     bool      `json:"available"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// HasCapacity reports whether another task can be assigned.
func (a AgentState) HasCapacity() bool {
	return a.Available && a.Load < a.MaxLoad
}

// LoadRatio is the fraction of MaxLoad currently in use.
func (a AgentState) LoadRatio() float64 {
	if a.MaxLoad <= 0 {
		return 1
	}
	return float64(a.Load) / float64(a.MaxLoad)
}
