package chain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/swarmflow/types"
)

// Definition is the file form of a task chain.
type Definition struct {
	ID       string           `yaml:"id,omitempty" json:"id,omitempty"`
	Name     string           `yaml:"name" json:"name"`
	Strategy string           `yaml:"strategy" json:"strategy"`
	Tasks    []TaskDefinition `yaml:"tasks" json:"tasks"`
}

// TaskDefinition is the file form of one chain task.
type TaskDefinition struct {
	ID                   string          `yaml:"id" json:"id"`
	Description          string          `yaml:"description" json:"description"`
	RequiredCapabilities []string        `yaml:"required_capabilities" json:"required_capabilities"`
	Priority             float64         `yaml:"priority" json:"priority"`
	Complexity           int             `yaml:"complexity" json:"complexity"`
	Collaboration        string          `yaml:"collaboration" json:"collaboration"`
	MinAgents            int             `yaml:"min_agents" json:"min_agents"`
	MaxAgents            int             `yaml:"max_agents" json:"max_agents"`
	DependsOn            []string        `yaml:"depends_on" json:"depends_on"`
	// Deadline is RFC3339 or a duration relative to build time ("90s").
	Deadline string          `yaml:"deadline" json:"deadline"`
	Input    json.RawMessage `yaml:"-" json:"input,omitempty"`
}

// FromYAML parses a YAML definition.
func FromYAML(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, types.NewError(types.ErrConfiguration, "parse chain yaml").WithCause(err)
	}
	return &def, nil
}

// FromJSON parses a JSON definition.
func FromJSON(data []byte) (*Definition, error) {
	var def Definition
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&def); err != nil {
		return nil, types.NewError(types.ErrConfiguration, "parse chain json").WithCause(err)
	}
	return &def, nil
}

// LoadDefinition reads a definition file, choosing the format by extension.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chain definition: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FromJSON(data)
	}
	return FromYAML(data)
}

// Validate checks the definition without building it.
func (d *Definition) Validate() error {
	_, _, err := d.Build(time.Now())
	return err
}

// Build converts the definition into chain tasks. Relative deadlines are
// resolved against now.
func (d *Definition) Build(now time.Time) (types.ChainStrategy, []*types.Task, error) {
	strategy := types.StrategySequential
	if d.Strategy != "" {
		s, err := types.ParseChainStrategy(d.Strategy)
		if err != nil {
			return 0, nil, err
		}
		strategy = s
	}

	tasks := make([]*types.Task, 0, len(d.Tasks))
	for i, td := range d.Tasks {
		t := &types.Task{
			ID:                   td.ID,
			Description:          td.Description,
			Input:                td.Input,
			RequiredCapabilities: td.RequiredCapabilities,
			Priority:             td.Priority,
			Complexity:           td.Complexity,
			MinAgents:            td.MinAgents,
			MaxAgents:            td.MaxAgents,
			Dependencies:         td.DependsOn,
		}
		if td.Collaboration != "" {
			ct, err := types.ParseCollaborationType(td.Collaboration)
			if err != nil {
				return 0, nil, err
			}
			t.Collaboration = ct
		}
		if td.Deadline != "" {
			dl, err := parseDeadline(td.Deadline, now)
			if err != nil {
				return 0, nil, types.NewError(types.ErrConfiguration, fmt.Sprintf("task #%d: invalid deadline %q", i, td.Deadline)).WithCause(err)
			}
			t.Deadline = &dl
		}
		t.Normalize()
		if err := t.Validate(); err != nil {
			return 0, nil, err
		}
		tasks = append(tasks, t)
	}

	if _, err := NewGraph(tasks); err != nil {
		return 0, nil, err
	}
	return strategy, tasks, nil
}

func parseDeadline(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(d), nil
}
