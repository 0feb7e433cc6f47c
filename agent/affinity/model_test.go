package affinity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow/internal/circuitbreaker"
	"github.com/BaSui01/swarmflow/types"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"parse", "json", "v2", "logs"}, Tokenize("Parse JSON-v2, logs!"))
	assert.Empty(t, Tokenize("  --  "))
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name string
		a, b []string
		want float64
	}{
		{"both empty", nil, nil, 0},
		{"identical", []string{"a", "b"}, []string{"A", "b"}, 1},
		{"disjoint", []string{"a"}, []string{"b"}, 0},
		{"half", []string{"a", "b"}, []string{"b", "c"}, 1.0 / 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.Zero(t, Cosine([]float64{0, 0}, []float64{1, 1}))
	assert.Zero(t, Cosine([]float64{1}, []float64{1, 1}))
}

func TestEmbeddingModel_ScoresMatchingAgentHigher(t *testing.T) {
	m := NewEmbeddingModel(0)
	task := &types.Task{
		ID:                   "t1",
		Description:          "summarize the quarterly report",
		RequiredCapabilities: []string{"summarize", "finance"},
	}
	match := types.AgentState{ID: "a", Type: "analyst", Capabilities: []string{"summarize", "finance"}, Profile: "quarterly report"}
	other := types.AgentState{ID: "b", Type: "coder", Capabilities: []string{"golang", "testing"}}

	ctx := context.Background()
	good, err := m.ScoreAffinity(ctx, match, task)
	require.NoError(t, err)
	bad, err := m.ScoreAffinity(ctx, other, task)
	require.NoError(t, err)

	assert.Greater(t, good, bad)
	assert.GreaterOrEqual(t, bad, 0.0)
	assert.LessOrEqual(t, good, 1.0)
}

func TestEmbeddingModel_Deterministic(t *testing.T) {
	m := NewEmbeddingModel(64)
	task := &types.Task{ID: "t", Description: "translate text", RequiredCapabilities: []string{"translate"}}
	agent := types.AgentState{ID: "a", Capabilities: []string{"translate", "proofread"}}

	first, err := m.ScoreAffinity(context.Background(), agent, task)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := m.ScoreAffinity(context.Background(), agent, task)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEmbeddingModel_Errors(t *testing.T) {
	m := NewEmbeddingModel(8)
	_, err := m.ScoreAffinity(context.Background(), types.AgentState{}, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidState))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.ScoreAffinity(ctx, types.AgentState{}, &types.Task{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGuarded_OpensAfterFailures(t *testing.T) {
	calls := 0
	failing := ModelFunc(func(context.Context, types.AgentState, *types.Task) (float64, error) {
		calls++
		return 0, errors.New("model offline")
	})
	g := NewGuarded(failing, GuardConfig{FailureThreshold: 2, CallTimeout: time.Second, ResetTimeout: time.Hour}, zaptest.NewLogger(t))

	agent := types.AgentState{ID: "a"}
	task := &types.Task{ID: "t"}
	for i := 0; i < 2; i++ {
		_, err := g.ScoreAffinity(context.Background(), agent, task)
		require.Error(t, err)
	}
	_, err := g.ScoreAffinity(context.Background(), agent, task)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, calls)
	assert.Equal(t, circuitbreaker.StateOpen, g.Breaker().State())
}

func TestGuarded_ClampsScore(t *testing.T) {
	g := NewGuarded(ModelFunc(func(context.Context, types.AgentState, *types.Task) (float64, error) {
		return 1.7, nil
	}), GuardConfig{}, nil)

	v, err := g.ScoreAffinity(context.Background(), types.AgentState{ID: "a"}, &types.Task{ID: "t"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}
