package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/BaSui01/swarmflow/types"
)

// Candidate is an agent chosen for a task together with its score.
type Candidate struct {
	AgentID string  `json:"agent_id"`
	Type    string  `json:"type"`
	Score   float64 `json:"score"`
}

// Selection is the ordered set of agents chosen for a task. For
// hierarchical tasks the first candidate is the primary.
type Selection struct {
	Candidates []Candidate `json:"candidates"`
}

// AgentIDs returns the selected agent ids in selection order.
func (s Selection) AgentIDs() []string {
	ids := make([]string, len(s.Candidates))
	for i, c := range s.Candidates {
		ids[i] = c.AgentID
	}
	return ids
}

// Select picks agents for task according to its collaboration type.
//
// It returns a CAPABILITY_MISMATCH error when fewer registered agents meet
// the task's capability requirements than its minimum participant count,
// and a retryable NO_AGENT_AVAILABLE error when enough capable agents exist
// but too many of them are drained, at max load or excluded.
func (r *Registry) Select(ctx context.Context, task *types.Task, excluded map[string]struct{}) (Selection, error) {
	type scored struct {
		state types.AgentState
		seq   uint64
		base  float64
	}

	r.mu.RLock()
	now := r.now()
	var capable int
	var pool []scored
	for _, e := range r.sortedLocked() {
		if !r.meetsOverlap(e, task) {
			continue
		}
		capable++
		if _, skip := excluded[e.state.ID]; skip {
			continue
		}
		snap := r.snapshotLocked(e, now)
		if !snap.HasCapacity() {
			continue
		}
		overlap, _ := capabilityOverlap(e.caps, task.RequiredCapabilities)
		pool = append(pool, scored{state: snap, seq: e.seq, base: internalScore(snap, overlap)})
	}
	r.mu.RUnlock()

	if capable == 0 {
		return Selection{}, types.NewError(types.ErrCapabilityMismatch,
			fmt.Sprintf("no agent meets capabilities %v", task.RequiredCapabilities)).WithTask(task.ID)
	}
	if capable < task.MinAgents {
		return Selection{}, types.NewError(types.ErrCapabilityMismatch,
			fmt.Sprintf("only %d agents meet capabilities %v, need %d", capable, task.RequiredCapabilities, task.MinAgents)).WithTask(task.ID)
	}
	if len(pool) == 0 || len(pool) < task.MinAgents {
		return Selection{}, types.NewError(types.ErrNoAgentAvailable,
			fmt.Sprintf("%d of %d capable agents available, need %d", len(pool), capable, max(task.MinAgents, 1))).
			WithTask(task.ID).WithRetryable(true)
	}

	ranked := make([]Candidate, len(pool))
	seqs := make(map[string]uint64, len(pool))
	for i, p := range pool {
		ranked[i] = Candidate{AgentID: p.state.ID, Type: p.state.Type, Score: r.blend(ctx, p.state, task, p.base)}
		seqs[p.state.ID] = p.seq
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return seqs[ranked[i].AgentID] < seqs[ranked[j].AgentID]
	})

	want := task.MaxAgents
	if want < 1 {
		want = 1
	}
	if want > len(ranked) {
		want = len(ranked)
	}

	switch task.Collaboration {
	case types.CollaborationSolo:
		return Selection{Candidates: ranked[:1]}, nil
	case types.CollaborationParallel:
		return Selection{Candidates: append([]Candidate(nil), ranked[:want]...)}, nil
	case types.CollaborationHierarchical:
		return Selection{Candidates: diversify(ranked, want)}, nil
	default:
		return Selection{}, types.NewError(types.ErrConfiguration,
			fmt.Sprintf("unknown collaboration type %d", int(task.Collaboration))).WithTask(task.ID)
	}
}

// diversify takes the top candidate as primary and fills up to want slots.
// Once two distinct agent types are chosen, candidates of a type not yet
// represented are preferred over higher-scoring same-type ones.
func diversify(ranked []Candidate, want int) []Candidate {
	chosen := []Candidate{ranked[0]}
	typesSeen := map[string]struct{}{ranked[0].Type: {}}
	rest := append([]Candidate(nil), ranked[1:]...)

	for len(chosen) < want && len(rest) > 0 {
		pick := 0
		if len(typesSeen) >= 2 {
			for i, c := range rest {
				if _, seen := typesSeen[c.Type]; !seen {
					pick = i
					break
				}
			}
		}
		c := rest[pick]
		rest = append(rest[:pick], rest[pick+1:]...)
		chosen = append(chosen, c)
		typesSeen[c.Type] = struct{}{}
	}
	return chosen
}
