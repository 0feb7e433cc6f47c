package collaboration

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/BaSui01/swarmflow/types"
)

var t0 = time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)

func TestSelectStrategy(t *testing.T) {
	tests := []struct {
		ct   types.CollaborationType
		n    int
		want Strategy
	}{
		{types.CollaborationSolo, 1, StrategySolo},
		{types.CollaborationParallel, 1, StrategySolo},
		{types.CollaborationParallel, 2, StrategyConsensus},
		{types.CollaborationParallel, 3, StrategyConsensus},
		{types.CollaborationParallel, 4, StrategyHierarchical},
		{types.CollaborationHierarchical, 2, StrategyHierarchical},
		{types.CollaborationHierarchical, 1, StrategySolo},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.ct, tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, SelectStrategy(tt.ct, tt.n))
		})
	}
}

func TestStrategyText(t *testing.T) {
	var s Strategy
	require.NoError(t, s.UnmarshalText([]byte("Consensus")))
	assert.Equal(t, StrategyConsensus, s)
	b, err := StrategyHierarchical.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "hierarchical", string(b))
	assert.Error(t, s.UnmarshalText([]byte("vote")))
}

func TestBigramDice(t *testing.T) {
	assert.Equal(t, 1.0, BigramDice("Hello, World", "hello world"))
	assert.Equal(t, 0.0, BigramDice("a", "b"))
	assert.InDelta(t, 0.25, BigramDice("night", "nacht"), 1e-9)
	assert.Less(t, BigramDice("the answer is forty two", "paris in spring"), 0.3)

	// Repeated bigrams are only matched as often as they occur.
	assert.InDelta(t, 0.4, BigramDice("aaaa", "aab"), 1e-9)
}

func TestSimilarity_NonTextUsesConfidence(t *testing.T) {
	a := &types.Result{Data: []byte(`{"v":1}`), Confidence: 0.9}
	b := &types.Result{Data: []byte(`{"v":2}`), Confidence: 0.6}
	assert.InDelta(t, 0.7, Similarity(a, b), 1e-9)
	assert.Zero(t, Similarity(nil, b))
}

func contrib(agent, content string, conf float64) Contribution {
	return Contribution{AgentID: agent, Result: &types.Result{Content: content, Confidence: conf}}
}

func TestConsensus_MajorityWins(t *testing.T) {
	res, tr, err := Consensus([]Contribution{
		contrib("c", "paris in spring", 0.95),
		contrib("a", "the answer is forty two", 0.9),
		contrib("b", "the answer is forty two", 0.8),
	}, DefaultConfig())
	require.NoError(t, err)
	assert.True(t, tr.Converged)
	assert.Equal(t, "a", res.AgentID)
	assert.Equal(t, "the answer is forty two", res.Content)
	assert.Greater(t, tr.Score, 0.9)
	assert.Len(t, tr.History, tr.Iterations)
}

func TestConsensus_ImmediateAgreement(t *testing.T) {
	res, tr, err := Consensus([]Contribution{
		contrib("x", "Blue.", 0.5),
		contrib("y", "blue", 0.7),
	}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Iterations)
	assert.Equal(t, "y", res.AgentID, "equal support goes to higher confidence")
}

func TestConsensus_FallsBackToHighestConfidence(t *testing.T) {
	res, tr, err := Consensus([]Contribution{
		{AgentID: "a", Result: &types.Result{Data: []byte(`1`), Confidence: 0.2}},
		{AgentID: "b", Result: &types.Result{Data: []byte(`2`), Confidence: 0.9}},
	}, Config{ConvergenceThreshold: 0.9, MaxIterations: 10})
	require.NoError(t, err)
	assert.False(t, tr.Converged)
	assert.Equal(t, 10, tr.Iterations)
	assert.Equal(t, "b", res.AgentID)
}

func TestConsensus_SingleAndEmpty(t *testing.T) {
	res, _, err := Consensus([]Contribution{contrib("only", "x", 0.4)}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "x", res.Content)

	_, _, err = Consensus(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNoResults)
}

func TestConsensus_OrderIndependentProperty(t *testing.T) {
	contents := []string{"alpha beta", "alpha beta gamma", "delta", "alpha", "gamma delta"}
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(2, 5).Draw(rt, "n")
		var cs []Contribution
		for i := 0; i < n; i++ {
			cs = append(cs, Contribution{
				AgentID: fmt.Sprintf("agent-%d", i),
				Result: &types.Result{
					Content:    contents[rapid.IntRange(0, len(contents)-1).Draw(rt, "content")],
					Confidence: float64(rapid.IntRange(0, 100).Draw(rt, "conf")) / 100,
				},
			})
		}
		perm := rapid.Permutation(cs).Draw(rt, "perm")

		want, wantTr, err := Consensus(cs, DefaultConfig())
		if err != nil {
			rt.Fatal(err)
		}
		got, gotTr, err := Consensus(perm, DefaultConfig())
		if err != nil {
			rt.Fatal(err)
		}
		if want.AgentID != got.AgentID || wantTr.Iterations != gotTr.Iterations {
			rt.Fatalf("merge depends on order: %s/%d vs %s/%d", want.AgentID, wantTr.Iterations, got.AgentID, gotTr.Iterations)
		}
	})
}

func TestHierarchical(t *testing.T) {
	res := Hierarchical(contrib("lead", "plan", 0.8), []Contribution{
		contrib("s2", "check", 0.4),
		contrib("s1", "review", 0.6),
	})
	assert.Equal(t, "plan", res.Content)
	assert.InDelta(t, 0.7*0.8+0.3*0.5, res.Confidence, 1e-9)
	require.Len(t, res.Evidence, 2)
	assert.Equal(t, "s1", res.Evidence[0].AgentID)

	alone := Hierarchical(contrib("lead", "plan", 0.8), nil)
	assert.Equal(t, 0.8, alone.Confidence)
	assert.Empty(t, alone.Evidence)
}

func TestSession_SoloLifecycle(t *testing.T) {
	s := NewSession("s1", "t1", types.CollaborationSolo, []string{"a"}, t0, 45*time.Second)
	assert.Equal(t, StrategySolo, s.Strategy())

	ready, err := s.AddResult("a", &types.Result{Content: "done", Confidence: 0.7})
	require.NoError(t, err)
	require.True(t, ready)

	res, err := s.Converge(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "done", res.Content)
	assert.Equal(t, "a", res.AgentID)

	s.Close(types.SessionCompleted, t0.Add(time.Second))
	snap := s.Snapshot()
	assert.Equal(t, types.SessionCompleted, snap.Status)
	assert.Equal(t, []string{"a"}, snap.Participants)
	require.NotNil(t, snap.ClosedAt)

	_, err = s.AddResult("a", &types.Result{})
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_PartialFailureUsesSurvivor(t *testing.T) {
	s := NewSession("s", "t", types.CollaborationParallel, []string{"A", "B"}, t0, 0)
	assert.Equal(t, StrategyConsensus, s.Strategy())

	ready, err := s.AddResult("A", &types.Result{Content: "from A", Confidence: 0.6})
	require.NoError(t, err)
	assert.False(t, ready)

	exhausted, ready, err := s.MarkFailed("B", errors.New("rejected"))
	require.NoError(t, err)
	assert.False(t, exhausted)
	assert.True(t, ready)

	res, err := s.Converge(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "from A", res.Content)
	assert.Equal(t, []string{"B"}, s.Snapshot().FailedParticipants)
}

func TestSession_Exhausted(t *testing.T) {
	s := NewSession("s", "t", types.CollaborationParallel, []string{"A", "B"}, t0, 0)
	exhausted, _, err := s.MarkFailed("A", nil)
	require.NoError(t, err)
	assert.False(t, exhausted)
	exhausted, ready, err := s.MarkFailed("B", nil)
	require.NoError(t, err)
	assert.True(t, exhausted)
	assert.False(t, ready)

	_, _, err = s.MarkFailed("B", nil)
	assert.ErrorIs(t, err, ErrParticipantFailed)
}

func TestSession_RejectsUnknownAndDuplicate(t *testing.T) {
	s := NewSession("s", "t", types.CollaborationParallel, []string{"A", "B"}, t0, 0)
	_, err := s.AddResult("Z", &types.Result{})
	assert.ErrorIs(t, err, ErrUnknownParticipant)

	_, err = s.AddResult("A", &types.Result{Content: "x"})
	require.NoError(t, err)
	_, err = s.AddResult("A", &types.Result{Content: "y"})
	assert.ErrorIs(t, err, ErrDuplicateResult)
	assert.Equal(t, []string{"B"}, s.Outstanding())
}

func TestSession_HierarchicalPromotesWhenPrimaryFails(t *testing.T) {
	s := NewSession("s", "t", types.CollaborationHierarchical, []string{"P", "S1", "S2"}, t0, 0)
	_, err := s.AddResult("S2", &types.Result{Content: "two", Confidence: 0.2})
	require.NoError(t, err)
	_, err = s.AddResult("S1", &types.Result{Content: "one", Confidence: 0.8})
	require.NoError(t, err)
	_, ready, err := s.MarkFailed("P", errors.New("crashed"))
	require.NoError(t, err)
	require.True(t, ready)

	res, err := s.Converge(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, "one", res.Content)
	assert.InDelta(t, 0.7*0.8+0.3*0.2, res.Confidence, 1e-9)
	require.Len(t, res.Evidence, 1)
	assert.Equal(t, "S2", res.Evidence[0].AgentID)
}

func TestSession_Expired(t *testing.T) {
	s := NewSession("s", "t", types.CollaborationSolo, []string{"a"}, t0, 45*time.Second)
	assert.False(t, s.Expired(t0.Add(44*time.Second)))
	assert.True(t, s.Expired(t0.Add(45*time.Second)))
	s.Close(types.SessionTimeout, t0.Add(45*time.Second))
	assert.False(t, s.Expired(t0.Add(time.Hour)))
}
