package recovery

import (
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/types"
)

// Viability weights.
const (
	weightPerformance  = 0.4
	weightConnectivity = 0.3
	weightCoverage     = 0.3
)

// Environment answers questions about the agent pool.
type Environment interface {
	AveragePerformance(excluded map[string]struct{}) float64
	CanServe(task *types.Task, excluded map[string]struct{}) bool
}

// PathState is what remap planning needs to know about a chain.
type PathState struct {
	// Order lists task ids in topological order.
	Order          []string
	Tasks          map[string]*types.Task
	Deps           map[string][]string
	Completed      map[string]bool
	Failed         []string
	FailurePoints  []types.FailurePoint
	ChainExcluded  map[string]struct{}
	TaskExcluded   map[string]map[string]struct{}
	RemappingCount int
}

// Viability breaks the stability score of a proposed path into parts.
type Viability struct {
	Performance  float64 `json:"performance"`
	Connectivity float64 `json:"connectivity"`
	Coverage     float64 `json:"coverage"`
	Score        float64 `json:"score"`
}

// Plan is a proposed remapped execution path.
type Plan struct {
	Analysis      Analysis                       `json:"analysis"`
	ChainExcluded map[string]struct{}            `json:"-"`
	TaskExcluded  map[string]map[string]struct{} `json:"-"`
	Viability     Viability                      `json:"viability"`
	Accepted      bool                           `json:"accepted"`
	Reason        types.FailureReason            `json:"reason,omitempty"`
	// ResumeFrom is the earliest unresolved task in topological order.
	ResumeFrom string `json:"resume_from,omitempty"`
}

// PlanRemap classifies the chain's failures, derives the exclusions of an
// alternative path and scores it. The state is not modified.
func (m *Manager) PlanRemap(state PathState, env Environment) Plan {
	if state.RemappingCount >= m.config.MaxRemaps {
		return Plan{Reason: types.ReasonRemapExhausted}
	}

	plan := Plan{
		Analysis:      Classify(state.FailurePoints, m.config.MaxOffendingAgents, m.config.DominanceRatio),
		ChainExcluded: cloneSet(state.ChainExcluded),
		TaskExcluded:  make(map[string]map[string]struct{}, len(state.TaskExcluded)),
	}
	for id, set := range state.TaskExcluded {
		plan.TaskExcluded[id] = cloneSet(set)
	}

	switch plan.Analysis.Pattern {
	case PatternAgentSpecific:
		for _, a := range plan.Analysis.OffendingAgents {
			plan.ChainExcluded[a] = struct{}{}
		}
	case PatternTaskSpecific:
		plan.exclude(plan.Analysis.OffendingTask, failingAgents(state.FailurePoints, plan.Analysis.OffendingTask))
	case PatternDistributed:
		for _, id := range state.Failed {
			plan.exclude(id, failingAgents(state.FailurePoints, id))
		}
	}

	plan.Viability = m.score(state, env, plan)
	plan.ResumeFrom = earliestUnresolved(state)
	plan.Accepted = plan.Viability.Score > m.config.PathStabilityThreshold
	if !plan.Accepted {
		plan.Reason = types.ReasonRemapNotViable
	}

	m.logger.Info("remap planned",
		zap.String("pattern", plan.Analysis.Pattern.String()),
		zap.Float64("viability", plan.Viability.Score),
		zap.Bool("accepted", plan.Accepted),
		zap.Int("remaps", state.RemappingCount),
	)
	return plan
}

// ExclusionsFor merges the chain-wide and per-task exclusions of a plan.
func (p Plan) ExclusionsFor(taskID string) map[string]struct{} {
	return union(p.ChainExcluded, p.TaskExcluded[taskID])
}

func (p *Plan) exclude(taskID string, agents []string) {
	if taskID == "" || len(agents) == 0 {
		return
	}
	set := p.TaskExcluded[taskID]
	if set == nil {
		set = make(map[string]struct{}, len(agents))
		p.TaskExcluded[taskID] = set
	}
	for _, a := range agents {
		set[a] = struct{}{}
	}
}

func (m *Manager) score(state PathState, env Environment, plan Plan) Viability {
	var unresolved []string
	for _, id := range state.Order {
		if !state.Completed[id] {
			unresolved = append(unresolved, id)
		}
	}

	v := Viability{Performance: env.AveragePerformance(plan.ChainExcluded)}
	if len(unresolved) == 0 {
		v.Connectivity, v.Coverage = 1, 1
	} else {
		coverable := make(map[string]bool, len(unresolved))
		for _, id := range unresolved {
			if t := state.Tasks[id]; t != nil {
				coverable[id] = env.CanServe(t, plan.ExclusionsFor(id))
			}
		}

		reach := make(map[string]bool)
		var connected, covered int
		for _, id := range unresolved {
			if coverable[id] {
				covered++
			}
			if depsReachable(id, state, coverable, reach, map[string]bool{}) {
				connected++
			}
		}
		n := float64(len(unresolved))
		v.Connectivity = float64(connected) / n
		v.Coverage = float64(covered) / n
	}
	v.Score = weightPerformance*v.Performance + weightConnectivity*v.Connectivity + weightCoverage*v.Coverage
	return v
}

// depsReachable reports whether every transitive dependency of id is
// completed or coverable.
func depsReachable(id string, state PathState, coverable, memo, visiting map[string]bool) bool {
	if ok, seen := memo[id]; seen {
		return ok
	}
	if visiting[id] {
		return false
	}
	visiting[id] = true
	ok := true
	for _, dep := range state.Deps[id] {
		if state.Completed[dep] {
			continue
		}
		if !coverable[dep] || !depsReachable(dep, state, coverable, memo, visiting) {
			ok = false
			break
		}
	}
	memo[id] = ok
	return ok
}

func earliestUnresolved(state PathState) string {
	for _, id := range state.Order {
		if !state.Completed[id] {
			return id
		}
	}
	return ""
}

func failingAgents(points []types.FailurePoint, taskID string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, p := range points {
		if p.TaskID != taskID || p.AgentID == "" {
			continue
		}
		if _, dup := seen[p.AgentID]; dup {
			continue
		}
		seen[p.AgentID] = struct{}{}
		out = append(out, p.AgentID)
	}
	sort.Strings(out)
	return out
}

func cloneSet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func union(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		out[k] = struct{}{}
	}
	for k := range b {
		out[k] = struct{}{}
	}
	return out
}
