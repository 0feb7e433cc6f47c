package types

import (
	"context"
	"encoding/json"
)

// Result is what a single agent, or a merged session, produced for a task.
type Result struct {
	AgentID    string          `json:"agent_id,omitempty"`
	Content    string          `json:"content"`
	Data       json.RawMessage `json:"data,omitempty"`
	Confidence float64         `json:"confidence"`
	Reasoning  []string        `json:"reasoning,omitempty"`
	// Evidence holds secondary results attached by hierarchical merges.
	Evidence []Result `json:"evidence,omitempty"`
}

// IsText reports whether the result carries a textual payload that can be
// compared by content similarity.
func (r *Result) IsText() bool {
	return r != nil && r.Content != ""
}

// Clone returns a deep copy.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	c := *r
	c.Data = cloneRaw(r.Data)
	c.Reasoning = cloneStrings(r.Reasoning)
	if r.Evidence != nil {
		c.Evidence = make([]Result, len(r.Evidence))
		for i := range r.Evidence {
			c.Evidence[i] = *r.Evidence[i].Clone()
		}
	}
	return &c
}

// Processor is the per-agent task execution contract. The call may block;
// an error means this agent failed the task.
type Processor interface {
	ProcessTask(ctx context.Context, task Task) (*Result, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, task Task) (*Result, error)

// ProcessTask implements Processor.
func (f ProcessorFunc) ProcessTask(ctx context.Context, task Task) (*Result, error) {
	return f(ctx, task)
}
