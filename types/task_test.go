package types

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_Normalize(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantMin int
		wantMax int
	}{
		{"solo forces one agent", Task{ID: "a", Collaboration: CollaborationSolo, MaxAgents: 5}, 1, 1},
		{"parallel default", Task{ID: "b", Collaboration: CollaborationParallel}, 1, DefaultParallelMaxAgents},
		{"hierarchical default", Task{ID: "c", Collaboration: CollaborationHierarchical}, 1, DefaultHierarchicalMaxAgents},
		{"max raised to min", Task{ID: "d", Collaboration: CollaborationParallel, MinAgents: 4, MaxAgents: 2}, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := tt.task
			task.Normalize()
			assert.Equal(t, tt.wantMin, task.MinAgents)
			assert.Equal(t, tt.wantMax, task.MaxAgents)
			assert.Equal(t, 1, task.Complexity)
			assert.Equal(t, TaskPending, task.Status)
			assert.NoError(t, task.Validate())
		})
	}
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name string
		task Task
	}{
		{"missing id", Task{Complexity: 1, MinAgents: 1, MaxAgents: 1}},
		{"complexity too high", Task{ID: "x", Complexity: 11, MinAgents: 1, MaxAgents: 1}},
		{"bad bounds", Task{ID: "x", Complexity: 1, MinAgents: 3, MaxAgents: 2}},
		{"self dependency", Task{ID: "x", Complexity: 1, MinAgents: 1, MaxAgents: 1, Dependencies: []string{"x"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			require.Error(t, err)
			assert.True(t, IsErrorCode(err, ErrConfiguration))
		})
	}
}

func TestTask_JSONRoundTrip(t *testing.T) {
	deadline := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	original := &Task{
		ID:                   "t-1",
		ChainID:              "c-1",
		Description:          "summarize the incident report",
		Input:                json.RawMessage(`{"doc":"r1"}`),
		RequiredCapabilities: []string{"nlp", "summarize"},
		Priority:             3,
		Complexity:           4,
		Deadline:             &deadline,
		Collaboration:        CollaborationParallel,
		MinAgents:            1,
		MaxAgents:            2,
		Dependencies:         []string{"t-0"},
		Status:               TaskCompleted,
		AssignedAgents:       []string{"a", "b"},
		RetryCount:           2,
		Result: &Result{
			AgentID:    "a",
			Content:    "the outage was caused by a config push",
			Data:       json.RawMessage(`{"severity":2}`),
			Confidence: 0.82,
			Reasoning:  []string{"timeline", "diff"},
		},
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC),
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"collaboration":"parallel"`)

	var decoded Task
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, &decoded)
}

func TestTaskChain_JSONRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	original := &TaskChain{
		ID:       "chain-1",
		Name:     "ingest",
		Strategy: StrategyAdaptive,
		Status:   ChainRunning,
		Tasks: []*Task{
			{ID: "t1", ChainID: "chain-1", Status: TaskCompleted, Complexity: 1, MinAgents: 1, MaxAgents: 1,
				Result: &Result{Content: "done", Confidence: 0.9}, CreatedAt: created, UpdatedAt: created},
			{ID: "t2", ChainID: "chain-1", Status: TaskPending, Complexity: 1, MinAgents: 1, MaxAgents: 1,
				Dependencies: []string{"t1"}, CreatedAt: created, UpdatedAt: created},
		},
		Dependencies: map[string][]string{"t1": {}, "t2": {"t1"}},
		Completed:    []string{"t1"},
		FailurePoints: []FailurePoint{
			{TaskID: "t2", AgentID: "a", Error: "boom", Heat: 0.25, PathPosition: 1, At: created},
		},
		RemappingCount: 1,
		CreatedAt:      created,
		UpdatedAt:      created,
	}

	data, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded TaskChain
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, original, &decoded)
	assert.Equal(t, "done", decoded.Task("t1").Result.Content)
	assert.Nil(t, decoded.Task("missing"))
}

func TestTask_CloneIsDeep(t *testing.T) {
	task := &Task{
		ID:             "t",
		AssignedAgents: []string{"a"},
		Result:         &Result{Content: "x", Reasoning: []string{"r"}},
	}
	c := task.Clone()
	c.AssignedAgents[0] = "b"
	c.Result.Reasoning[0] = "changed"

	assert.Equal(t, "a", task.AssignedAgents[0])
	assert.Equal(t, "r", task.Result.Reasoning[0])
}

func TestTaskChain_CloneIsDeep(t *testing.T) {
	chain := &TaskChain{
		ID:           "c",
		Tasks:        []*Task{{ID: "a"}, {ID: "b", Dependencies: []string{"a"}}},
		Dependencies: map[string][]string{"a": nil, "b": {"a"}},
		Completed:    []string{"a"},
	}
	c := chain.Clone()
	c.Tasks[1].Status = TaskFailed
	c.Dependencies["b"][0] = "x"
	c.Completed[0] = "z"

	assert.Equal(t, TaskStatus(""), chain.Tasks[1].Status)
	assert.Equal(t, []string{"a"}, chain.Dependencies["b"])
	assert.Equal(t, []string{"a"}, chain.Completed)
	assert.Nil(t, (*TaskChain)(nil).Clone())
}

func TestEnums_ParseAndString(t *testing.T) {
	ct, err := ParseCollaborationType("Hierarchical")
	require.NoError(t, err)
	assert.Equal(t, CollaborationHierarchical, ct)
	_, err = ParseCollaborationType("swarm")
	assert.Error(t, err)

	st, err := ParseChainStrategy("adaptive")
	require.NoError(t, err)
	assert.Equal(t, "adaptive", st.String())
	_, err = ParseChainStrategy("random")
	assert.Error(t, err)

	assert.True(t, TaskCancelled.IsTerminal())
	assert.False(t, TaskExecuting.IsTerminal())
}

func TestContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	ctx = WithTaskID(ctx, "t1")
	ctx = WithChainID(ctx, "c1")
	ctx = WithSessionID(ctx, "s1")
	ctx = WithAgentID(ctx, "a1")

	got, ok := TaskID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "t1", got)
	got, ok = ChainID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "c1", got)
	got, ok = SessionID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "s1", got)
	got, ok = AgentID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "a1", got)

	_, ok = TaskID(context.Background())
	assert.False(t, ok)
}
