// Package collaboration runs the per-task sessions that collect agent
// results and merge them into one answer.
package collaboration

import (
	"fmt"
	"strings"

	"github.com/BaSui01/swarmflow/types"
)

// Strategy is the merge strategy a session applies to its results.
type Strategy int

const (
	StrategySolo Strategy = iota
	StrategyConsensus
	StrategyHierarchical
)

var strategyNames = [...]string{"solo", "consensus", "hierarchical"}

func (s Strategy) String() string {
	if s < 0 || int(s) >= len(strategyNames) {
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
	return strategyNames[s]
}

// ParseStrategy parses the textual form of a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	for i, name := range strategyNames {
		if strings.EqualFold(s, name) {
			return Strategy(i), nil
		}
	}
	return 0, types.NewError(types.ErrConfiguration, fmt.Sprintf("unknown merge strategy %q", s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(strategyNames) {
		return nil, fmt.Errorf("invalid merge strategy %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	v, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Small parallel groups reach consensus; larger ones are organised
// hierarchically around the best-scored agent.
const maxConsensusParticipants = 3

// SelectStrategy maps a collaboration type and participant count to a
// merge strategy.
func SelectStrategy(ct types.CollaborationType, participants int) Strategy {
	if participants <= 1 {
		return StrategySolo
	}
	switch ct {
	case types.CollaborationSolo:
		return StrategySolo
	case types.CollaborationHierarchical:
		return StrategyHierarchical
	case types.CollaborationParallel:
		if participants <= maxConsensusParticipants {
			return StrategyConsensus
		}
		return StrategyHierarchical
	default:
		return StrategySolo
	}
}
