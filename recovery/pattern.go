package recovery

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/swarmflow/types"
)

// Pattern classifies how failures are spread across a chain.
type Pattern int

const (
	PatternAgentSpecific Pattern = iota
	PatternTaskSpecific
	PatternDistributed
)

var patternNames = [...]string{"agent-specific", "task-specific", "distributed"}

func (p Pattern) String() string {
	if p < 0 || int(p) >= len(patternNames) {
		return fmt.Sprintf("Pattern(%d)", int(p))
	}
	return patternNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Pattern) MarshalText() ([]byte, error) {
	if p < 0 || int(p) >= len(patternNames) {
		return nil, fmt.Errorf("invalid failure pattern %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Pattern) UnmarshalText(text []byte) error {
	for i, name := range patternNames {
		if strings.EqualFold(string(text), name) {
			*p = Pattern(i)
			return nil
		}
	}
	return types.NewError(types.ErrConfiguration, fmt.Sprintf("unknown failure pattern %q", text))
}

// Analysis is the classification of a chain's failure points.
type Analysis struct {
	Pattern         Pattern  `json:"pattern"`
	OffendingAgents []string `json:"offending_agents,omitempty"`
	OffendingTask   string   `json:"offending_task,omitempty"`
	Total           int      `json:"total"`
}

type tally struct {
	id    string
	count int
	first int
}

// Classify inspects failure points. Agent-specific wins when a group of
// at most maxAgents agents, smaller than the set of failing agents,
// accounts for more than ratio of the points. Otherwise task-specific when
// one task does. Failing agents that fit in maxAgents and are not pinned to
// one task are still blamed as a group; anything else is distributed.
func Classify(points []types.FailurePoint, maxAgents int, ratio float64) Analysis {
	a := Analysis{Pattern: PatternDistributed, Total: len(points)}
	if len(points) == 0 {
		return a
	}
	limit := ratio * float64(len(points))

	agents := countBy(points, func(p types.FailurePoint) string { return p.AgentID })
	group, ok := dominantGroup(agents, min(maxAgents, len(agents)-1), limit)
	if ok {
		a.Pattern = PatternAgentSpecific
		a.OffendingAgents = group
		return a
	}

	tasks := countBy(points, func(p types.FailurePoint) string { return p.TaskID })
	if len(tasks) > 0 && float64(tasks[0].count) > limit {
		a.Pattern = PatternTaskSpecific
		a.OffendingTask = tasks[0].id
		return a
	}

	if len(agents) <= maxAgents {
		if group, ok := dominantGroup(agents, len(agents), limit); ok {
			a.Pattern = PatternAgentSpecific
			a.OffendingAgents = group
		}
	}
	return a
}

// dominantGroup returns the smallest prefix of at most size tallies whose
// counts exceed limit.
func dominantGroup(tallies []tally, size int, limit float64) ([]string, bool) {
	var covered int
	var ids []string
	for i := 0; i < size && i < len(tallies); i++ {
		covered += tallies[i].count
		ids = append(ids, tallies[i].id)
		if float64(covered) > limit {
			return ids, true
		}
	}
	return nil, false
}

// countBy tallies non-empty keys, most frequent first, ties by first
// appearance.
func countBy(points []types.FailurePoint, key func(types.FailurePoint) string) []tally {
	idx := make(map[string]int)
	var out []tally
	for i, p := range points {
		k := key(p)
		if k == "" {
			continue
		}
		if j, ok := idx[k]; ok {
			out[j].count++
			continue
		}
		idx[k] = len(out)
		out = append(out, tally{id: k, count: 1, first: i})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].first < out[j].first
	})
	return out
}
