package registry

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/agent/affinity"
	"github.com/BaSui01/swarmflow/types"
)

// Config holds the scoring and heat parameters of the registry.
type Config struct {
	// HeatDecayRate is the exponential decay rate of heat, per second.
	HeatDecayRate float64 `json:"heat_decay_rate"`

	// HeatIncrement is added to an agent's heat on every assignment.
	HeatIncrement float64 `json:"heat_increment"`

	// MinCapabilityOverlap is the fraction of required capabilities an
	// agent must cover to be considered capable.
	MinCapabilityOverlap float64 `json:"min_capability_overlap"`

	// AffinityWeight blends the affinity model score into the internal score.
	AffinityWeight float64 `json:"affinity_weight"`
}

// DefaultConfig returns a Config with the standard scoring parameters.
func DefaultConfig() Config {
	return Config{
		HeatDecayRate:        0.1,
		HeatIncrement:        0.25,
		MinCapabilityOverlap: 0.3,
		AffinityWeight:       0.3,
	}
}

const (
	maxHeat        = 1.0
	successFactor  = 1.1
	failureFactor  = 0.9
	weightOverlap  = 0.5
	weightHeadroom = 0.2
	weightPerf     = 0.3
	weightHeat     = 0.2
)

// agentEntry is the mutable record behind an AgentState snapshot.
type agentEntry struct {
	state types.AgentState
	seq   uint64
	caps  map[string]struct{}
}

// Registry tracks registered agents, their load, performance and heat.
// It guards its own state so snapshots can be read concurrently with the
// engine.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*agentEntry
	seq    uint64

	config   Config
	affinity affinity.Model
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a registry. model may be nil, in which case scores use the
// internal capability/load/performance formula only.
func New(config Config, model affinity.Model, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HeatIncrement <= 0 {
		config.HeatIncrement = DefaultConfig().HeatIncrement
	}
	if config.HeatDecayRate < 0 {
		config.HeatDecayRate = 0
	}
	return &Registry{
		agents:   make(map[string]*agentEntry),
		config:   config,
		affinity: model,
		logger:   logger.With(zap.String("component", "agent_registry")),
		now:      time.Now,
	}
}

// SetClock replaces the time source. Intended for tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Register adds an agent. Registering an id twice fails with ALREADY_EXISTS.
func (r *Registry) Register(spec types.AgentSpec) (types.AgentState, error) {
	if err := spec.Validate(); err != nil {
		return types.AgentState{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[spec.ID]; exists {
		return types.AgentState{}, types.NewError(types.ErrAlreadyExists,
			fmt.Sprintf("agent %s already registered", spec.ID)).WithAgent(spec.ID)
	}

	maxLoad := spec.MaxLoad
	if maxLoad == 0 {
		maxLoad = types.DefaultAgentMaxLoad
	}
	perf := spec.Performance
	if perf == 0 {
		perf = types.DefaultAgentPerformance
	}
	now := r.now()
	r.seq++
	e := &agentEntry{
		seq:  r.seq,
		caps: capabilitySet(spec.Capabilities),
		state: types.AgentState{
			ID:            spec.ID,
			Type:          spec.Type,
			Capabilities:  append([]string(nil), spec.Capabilities...),
			Profile:       spec.Profile,
			MaxLoad:       maxLoad,
			Performance:   perf,
			HeatUpdatedAt: now,
			Available:     true,
			RegisteredAt:  now,
		},
	}
	r.agents[spec.ID] = e

	r.logger.Info("agent registered",
		zap.String("agent_id", spec.ID),
		zap.String("type", spec.Type),
		zap.Strings("capabilities", spec.Capabilities),
	)
	return r.snapshotLocked(e, now), nil
}

// Unregister removes an agent and returns the ids of the tasks it held.
func (r *Registry) Unregister(agentID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[agentID]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("agent %s not registered", agentID)).WithAgent(agentID)
	}
	delete(r.agents, agentID)
	held := append([]string(nil), e.state.ActiveTasks...)

	r.logger.Info("agent unregistered",
		zap.String("agent_id", agentID),
		zap.Int("held_tasks", len(held)),
	)
	return held, nil
}

// Get returns a snapshot of the agent with heat decayed to now.
func (r *Registry) Get(agentID string) (types.AgentState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return types.AgentState{}, false
	}
	return r.snapshotLocked(e, r.now()), true
}

// List returns snapshots of all agents in registration order.
func (r *Registry) List() []types.AgentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.now()
	entries := r.sortedLocked()
	out := make([]types.AgentState, 0, len(entries))
	for _, e := range entries {
		out = append(out, r.snapshotLocked(e, now))
	}
	return out
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// SetAvailable drains (false) or restores (true) an agent. Drained agents
// keep their current tasks but are never selected.
func (r *Registry) SetAvailable(agentID string, available bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("agent %s not registered", agentID)).WithAgent(agentID)
	}
	e.state.Available = available
	r.logger.Info("agent availability changed",
		zap.String("agent_id", agentID),
		zap.Bool("available", available),
	)
	return nil
}

// Assign records that agentID took taskID: load and heat go up.
func (r *Registry) Assign(agentID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return types.NewError(types.ErrNotFound, fmt.Sprintf("agent %s not registered", agentID)).WithAgent(agentID)
	}
	if e.state.Load >= e.state.MaxLoad {
		return types.NewError(types.ErrInvalidState,
			fmt.Sprintf("agent %s is at max load %d", agentID, e.state.MaxLoad)).WithAgent(agentID).WithTask(taskID)
	}

	now := r.now()
	e.state.Load++
	e.state.ActiveTasks = append(e.state.ActiveTasks, taskID)
	e.state.Heat = math.Min(maxHeat, r.heatAtLocked(e, now)+r.config.HeatIncrement)
	e.state.HeatUpdatedAt = now
	return nil
}

// Release frees the load agentID held for taskID. Unknown agents and
// tasks are ignored.
func (r *Registry) Release(agentID, taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return
	}
	for i, id := range e.state.ActiveTasks {
		if id == taskID {
			e.state.ActiveTasks = append(e.state.ActiveTasks[:i], e.state.ActiveTasks[i+1:]...)
			if e.state.Load > 0 {
				e.state.Load--
			}
			return
		}
	}
}

// RecordSuccess raises the agent's performance by 10%, capped at 1.
func (r *Registry) RecordSuccess(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.state.Performance = math.Min(1, e.state.Performance*successFactor)
		e.state.Completed++
	}
}

// RecordFailure lowers the agent's performance by 10%.
func (r *Registry) RecordFailure(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[agentID]; ok {
		e.state.Performance *= failureFactor
		e.state.Failed++
	}
}

// Heat returns the agent's current (decayed) heat, or 0 if unknown.
func (r *Registry) Heat(agentID string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[agentID]
	if !ok {
		return 0
	}
	return r.heatAtLocked(e, r.now())
}

// Score computes the selection score of agentID for task.
func (r *Registry) Score(ctx context.Context, agentID string, task *types.Task) (float64, error) {
	r.mu.RLock()
	e, ok := r.agents[agentID]
	if !ok {
		r.mu.RUnlock()
		return 0, types.NewError(types.ErrNotFound, fmt.Sprintf("agent %s not registered", agentID)).WithAgent(agentID)
	}
	snap := r.snapshotLocked(e, r.now())
	overlap, _ := capabilityOverlap(e.caps, task.RequiredCapabilities)
	r.mu.RUnlock()

	return r.blend(ctx, snap, task, internalScore(snap, overlap)), nil
}

// AveragePerformance averages the performance of available agents that
// are not excluded. It returns 0 when none remain.
func (r *Registry) AveragePerformance(excluded map[string]struct{}) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var sum float64
	var n int
	for id, e := range r.agents {
		if _, skip := excluded[id]; skip || !e.state.Available {
			continue
		}
		sum += e.state.Performance
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// CanServe reports whether some available agent outside excluded meets
// the task's capability requirements, regardless of current load.
func (r *Registry) CanServe(task *types.Task, excluded map[string]struct{}) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, e := range r.agents {
		if _, skip := excluded[id]; skip || !e.state.Available {
			continue
		}
		if r.meetsOverlap(e, task) {
			return true
		}
	}
	return false
}

func (r *Registry) blend(ctx context.Context, agent types.AgentState, task *types.Task, score float64) float64 {
	if r.affinity == nil || r.config.AffinityWeight <= 0 {
		return score
	}
	aff, err := r.affinity.ScoreAffinity(ctx, agent, task)
	if err != nil {
		r.logger.Debug("affinity model failed, using internal score",
			zap.String("agent_id", agent.ID),
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return score
	}
	beta := r.config.AffinityWeight
	return clamp01((1-beta)*score + beta*clamp01(aff))
}

func (r *Registry) meetsOverlap(e *agentEntry, task *types.Task) bool {
	if len(task.RequiredCapabilities) == 0 {
		return true
	}
	overlap, shared := capabilityOverlap(e.caps, task.RequiredCapabilities)
	return shared && overlap >= r.config.MinCapabilityOverlap
}

func (r *Registry) heatAtLocked(e *agentEntry, now time.Time) float64 {
	return DecayHeat(e.state.Heat, now.Sub(e.state.HeatUpdatedAt), r.config.HeatDecayRate)
}

func (r *Registry) snapshotLocked(e *agentEntry, now time.Time) types.AgentState {
	s := e.state
	s.Capabilities = append([]string(nil), e.state.Capabilities...)
	s.ActiveTasks = append([]string(nil), e.state.ActiveTasks...)
	s.Heat = r.heatAtLocked(e, now)
	return s
}

func (r *Registry) sortedLocked() []*agentEntry {
	out := make([]*agentEntry, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// DecayHeat applies h(t) = h0 * e^(-rate*dt). Negative durations are
// treated as zero.
func DecayHeat(h0 float64, dt time.Duration, rate float64) float64 {
	if h0 <= 0 {
		return 0
	}
	if dt <= 0 || rate <= 0 {
		return h0
	}
	return h0 * math.Exp(-rate*dt.Seconds())
}

func internalScore(agent types.AgentState, overlap float64) float64 {
	headroom := 1 - agent.LoadRatio()
	if headroom < 0 {
		headroom = 0
	}
	return clamp01(weightOverlap*overlap +
		weightHeadroom*headroom +
		weightPerf*agent.Performance -
		weightHeat*agent.Heat)
}

// capabilityOverlap returns the covered fraction of required and whether
// at least one capability is shared. No requirements count as full cover.
func capabilityOverlap(caps map[string]struct{}, required []string) (float64, bool) {
	if len(required) == 0 {
		return 1, true
	}
	var hit int
	for _, c := range required {
		if _, ok := caps[strings.ToLower(c)]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(required)), hit > 0
}

func capabilitySet(caps []string) map[string]struct{} {
	set := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		set[strings.ToLower(c)] = struct{}{}
	}
	return set
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
