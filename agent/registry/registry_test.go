package registry

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/swarmflow/agent/affinity"
	"github.com/BaSui01/swarmflow/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(t *testing.T, model affinity.Model) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	if model == nil {
		cfg.AffinityWeight = 0
	}
	r := New(cfg, model, zap.NewNop())
	r.SetClock(clock.Now)
	return r, clock
}

func mustRegister(t *testing.T, r *Registry, spec types.AgentSpec) {
	t.Helper()
	_, err := r.Register(spec)
	require.NoError(t, err)
}

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	state, err := r.Register(types.AgentSpec{ID: "a1", Type: "worker", Capabilities: []string{"x"}})
	require.NoError(t, err)
	assert.Equal(t, 1, state.MaxLoad)
	assert.Equal(t, types.DefaultAgentPerformance, state.Performance)
	assert.True(t, state.Available)

	_, err = r.Register(types.AgentSpec{ID: "a1"})
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadyExists))

	_, err = r.Register(types.AgentSpec{ID: ""})
	assert.True(t, types.IsErrorCode(err, types.ErrConfiguration))
}

func TestRegistry_UnregisterReturnsHeldTasks(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	mustRegister(t, r, types.AgentSpec{ID: "a1", MaxLoad: 2})
	require.NoError(t, r.Assign("a1", "t1"))
	require.NoError(t, r.Assign("a1", "t2"))

	held, err := r.Unregister("a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t2"}, held)
	assert.Equal(t, 0, r.Len())

	_, err = r.Unregister("a1")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestRegistry_AssignRelease(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	mustRegister(t, r, types.AgentSpec{ID: "a1"})

	require.NoError(t, r.Assign("a1", "t1"))
	err := r.Assign("a1", "t2")
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidState))

	s, _ := r.Get("a1")
	assert.Equal(t, 1, s.Load)
	assert.Equal(t, []string{"t1"}, s.ActiveTasks)
	assert.InDelta(t, 0.25, s.Heat, 1e-9)

	r.Release("a1", "t1")
	r.Release("a1", "t1")
	r.Release("ghost", "t1")
	s, _ = r.Get("a1")
	assert.Equal(t, 0, s.Load)
	assert.Empty(t, s.ActiveTasks)
}

func TestRegistry_PerformanceUpdates(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	mustRegister(t, r, types.AgentSpec{ID: "a1", Performance: 0.95})

	r.RecordSuccess("a1")
	s, _ := r.Get("a1")
	assert.Equal(t, 1.0, s.Performance)

	r.RecordFailure("a1")
	s, _ = r.Get("a1")
	assert.InDelta(t, 0.9, s.Performance, 1e-9)
	assert.Equal(t, 1, s.Completed)
	assert.Equal(t, 1, s.Failed)
}

func TestRegistry_HeatDecay(t *testing.T) {
	r, clock := newTestRegistry(t, nil)
	mustRegister(t, r, types.AgentSpec{ID: "a1", MaxLoad: 10})

	for i := 0; i < 6; i++ {
		require.NoError(t, r.Assign("a1", "t"))
	}
	assert.Equal(t, 1.0, r.Heat("a1"), "heat is capped")

	clock.Advance(10 * time.Second)
	assert.InDelta(t, math.Exp(-1), r.Heat("a1"), 1e-9)
	assert.Zero(t, r.Heat("missing"))
}

func TestDecayHeat_StrictlyDecreasingProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h0 := rapid.Float64Range(0.01, 1).Draw(rt, "h0")
		rate := rapid.Float64Range(0.01, 2).Draw(rt, "rate")
		t1 := rapid.IntRange(0, 5000).Draw(rt, "t1")
		gap := rapid.IntRange(1, 5000).Draw(rt, "gap")

		earlier := DecayHeat(h0, time.Duration(t1)*time.Millisecond, rate)
		later := DecayHeat(h0, time.Duration(t1+gap)*time.Millisecond, rate)

		if later < 0 || earlier < 0 {
			rt.Fatalf("heat went negative: %v %v", earlier, later)
		}
		if !(later < earlier) {
			rt.Fatalf("heat did not decrease: h(%d)=%v h(%d)=%v", t1, earlier, t1+gap, later)
		}
	})
}

func TestRegistry_Score(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	mustRegister(t, r, types.AgentSpec{ID: "full", Capabilities: []string{"a", "b"}, Performance: 1})
	mustRegister(t, r, types.AgentSpec{ID: "half", Capabilities: []string{"a"}, Performance: 1})
	task := &types.Task{ID: "t", RequiredCapabilities: []string{"a", "b"}}

	full, err := r.Score(context.Background(), "full", task)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, full, 1e-9)

	half, err := r.Score(context.Background(), "half", task)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, half, 1e-9)

	_, err = r.Score(context.Background(), "nobody", task)
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
}

func TestRegistry_ScoreBlendsAffinity(t *testing.T) {
	model := affinity.ModelFunc(func(context.Context, types.AgentState, *types.Task) (float64, error) {
		return 0, nil
	})
	r, _ := newTestRegistry(t, model)
	mustRegister(t, r, types.AgentSpec{ID: "a", Performance: 1})

	s, err := r.Score(context.Background(), "a", &types.Task{ID: "t"})
	require.NoError(t, err)
	assert.InDelta(t, 0.7, s, 1e-9)
}

func TestRegistry_ScoreFallsBackOnAffinityError(t *testing.T) {
	model := affinity.ModelFunc(func(context.Context, types.AgentState, *types.Task) (float64, error) {
		return 0, errors.New("model unavailable")
	})
	r, _ := newTestRegistry(t, model)
	mustRegister(t, r, types.AgentSpec{ID: "a", Performance: 1})

	s, err := r.Score(context.Background(), "a", &types.Task{ID: "t"})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s, 1e-9)
}

func TestRegistry_SelectSolo(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	mustRegister(t, r, types.AgentSpec{ID: "first", Capabilities: []string{"x"}})
	mustRegister(t, r, types.AgentSpec{ID: "second", Capabilities: []string{"x"}})
	task := &types.Task{ID: "t", RequiredCapabilities: []string{"x"}}
	task.Normalize()

	sel, err := r.Select(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"first"}, sel.AgentIDs(), "ties go to registration order")
}

func TestRegistry_SelectCapabilityMismatch(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	mustRegister(t, r, types.AgentSpec{ID: "a", Capabilities: []string{"x"}})

	task := &types.Task{ID: "t", RequiredCapabilities: []string{"y", "z"}}
	task.Normalize()
	_, err := r.Select(context.Background(), task, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrCapabilityMismatch))

	// One shared capability out of four is below the 0.3 overlap floor.
	task = &types.Task{ID: "t2", RequiredCapabilities: []string{"x", "p", "q", "r"}}
	task.Normalize()
	_, err = r.Select(context.Background(), task, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrCapabilityMismatch))
}

func TestRegistry_SelectNoAgentAvailable(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	mustRegister(t, r, types.AgentSpec{ID: "busy", Capabilities: []string{"x"}})
	mustRegister(t, r, types.AgentSpec{ID: "drained", Capabilities: []string{"x"}})
	mustRegister(t, r, types.AgentSpec{ID: "excluded", Capabilities: []string{"x"}})
	require.NoError(t, r.Assign("busy", "other"))
	require.NoError(t, r.SetAvailable("drained", false))

	task := &types.Task{ID: "t", RequiredCapabilities: []string{"x"}}
	task.Normalize()
	_, err := r.Select(context.Background(), task, map[string]struct{}{"excluded": {}})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrNoAgentAvailable))
	assert.True(t, types.IsRetryable(err))

	require.NoError(t, r.SetAvailable("drained", true))
	sel, err := r.Select(context.Background(), task, map[string]struct{}{"excluded": {}})
	require.NoError(t, err)
	assert.Equal(t, []string{"drained"}, sel.AgentIDs())
}

func TestRegistry_SelectParallel(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	mustRegister(t, r, types.AgentSpec{ID: "low", Capabilities: []string{"x"}, Performance: 0.2})
	mustRegister(t, r, types.AgentSpec{ID: "high", Capabilities: []string{"x"}, Performance: 1})
	mustRegister(t, r, types.AgentSpec{ID: "mid", Capabilities: []string{"x"}, Performance: 0.6})

	task := &types.Task{ID: "t", RequiredCapabilities: []string{"x"}, Collaboration: types.CollaborationParallel, MinAgents: 2, MaxAgents: 2}
	task.Normalize()
	sel, err := r.Select(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "mid"}, sel.AgentIDs())

	// Three capable agents can never satisfy a minimum of four.
	task.MinAgents, task.MaxAgents = 4, 5
	_, err = r.Select(context.Background(), task, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrCapabilityMismatch))
	assert.False(t, types.IsRetryable(err))

	// Enough capable agents exist, one is just busy.
	require.NoError(t, r.Assign("low", "other"))
	task.MinAgents, task.MaxAgents = 3, 3
	_, err = r.Select(context.Background(), task, nil)
	assert.True(t, types.IsErrorCode(err, types.ErrNoAgentAvailable))
	assert.True(t, types.IsRetryable(err))
}

func TestRegistry_SelectHierarchicalPrefersNewTypes(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	mustRegister(t, r, types.AgentSpec{ID: "lead", Type: "planner", Performance: 1})
	mustRegister(t, r, types.AgentSpec{ID: "r1", Type: "reviewer", Performance: 0.9})
	mustRegister(t, r, types.AgentSpec{ID: "r2", Type: "reviewer", Performance: 0.8})
	mustRegister(t, r, types.AgentSpec{ID: "c1", Type: "coder", Performance: 0.3})

	task := &types.Task{ID: "t", Collaboration: types.CollaborationHierarchical, MaxAgents: 3}
	task.Normalize()
	sel, err := r.Select(context.Background(), task, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"lead", "r1", "c1"}, sel.AgentIDs())
}

func TestRegistry_CoverageHelpers(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	mustRegister(t, r, types.AgentSpec{ID: "a", Capabilities: []string{"x"}, Performance: 0.6})
	mustRegister(t, r, types.AgentSpec{ID: "b", Capabilities: []string{"y"}, Performance: 1})

	task := &types.Task{ID: "t", RequiredCapabilities: []string{"x"}}
	assert.True(t, r.CanServe(task, nil))
	assert.False(t, r.CanServe(task, map[string]struct{}{"a": {}}))

	assert.InDelta(t, 0.8, r.AveragePerformance(nil), 1e-9)
	assert.InDelta(t, 1.0, r.AveragePerformance(map[string]struct{}{"a": {}}), 1e-9)
	assert.Zero(t, r.AveragePerformance(map[string]struct{}{"a": {}, "b": {}}))
}
