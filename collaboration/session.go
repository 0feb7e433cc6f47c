package collaboration

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/swarmflow/types"
)

// Session errors.
var (
	ErrSessionClosed      = errors.New("collaboration: session closed")
	ErrUnknownParticipant = errors.New("collaboration: agent is not a participant")
	ErrDuplicateResult    = errors.New("collaboration: result already stored")
	ErrParticipantFailed  = errors.New("collaboration: participant already failed")
)

// Session coordinates the agents assigned to one task until their
// results are merged. It is not safe for concurrent use; the engine
// serialises access.
type Session struct {
	id            string
	taskID        string
	collaboration types.CollaborationType
	strategy      Strategy
	participants  []string
	member        map[string]struct{}
	failed        map[string]string
	failedOrder   []string
	results       map[string]*types.Result
	arrival       []string
	status        types.SessionStatus
	tracker       Tracker
	createdAt     time.Time
	deadline      time.Time
	closedAt      *time.Time
}

// NewSession creates an active session. participants are in selection
// order; the first one is the hierarchical primary.
func NewSession(id, taskID string, ct types.CollaborationType, participants []string, now time.Time, timeout time.Duration) *Session {
	s := &Session{
		id:            id,
		taskID:        taskID,
		collaboration: ct,
		strategy:      SelectStrategy(ct, len(participants)),
		participants:  append([]string(nil), participants...),
		member:        make(map[string]struct{}, len(participants)),
		failed:        make(map[string]string),
		results:       make(map[string]*types.Result, len(participants)),
		status:        types.SessionActive,
		createdAt:     now,
	}
	for _, p := range participants {
		s.member[p] = struct{}{}
	}
	if timeout > 0 {
		s.deadline = now.Add(timeout)
	}
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// TaskID returns the task the session works on.
func (s *Session) TaskID() string { return s.taskID }

// Strategy returns the merge strategy chosen at creation.
func (s *Session) Strategy() Strategy { return s.strategy }

// Status returns the lifecycle state.
func (s *Session) Status() types.SessionStatus { return s.status }

// Participants returns every assigned agent in selection order.
func (s *Session) Participants() []string {
	return append([]string(nil), s.participants...)
}

// Remaining returns participants that have not failed, in selection order.
func (s *Session) Remaining() []string {
	out := make([]string, 0, len(s.participants))
	for _, p := range s.participants {
		if _, bad := s.failed[p]; !bad {
			out = append(out, p)
		}
	}
	return out
}

// Outstanding returns remaining participants that have not delivered.
func (s *Session) Outstanding() []string {
	var out []string
	for _, p := range s.Remaining() {
		if _, done := s.results[p]; !done {
			out = append(out, p)
		}
	}
	return out
}

// Has reports whether agentID was assigned to this session.
func (s *Session) Has(agentID string) bool {
	_, ok := s.member[agentID]
	return ok
}

// AddResult stores agentID's result. It returns true once every remaining
// participant has delivered and the session is ready to converge.
func (s *Session) AddResult(agentID string, res *types.Result) (bool, error) {
	if s.status != types.SessionActive {
		return false, ErrSessionClosed
	}
	if !s.Has(agentID) {
		return false, fmt.Errorf("%w: %s", ErrUnknownParticipant, agentID)
	}
	if _, bad := s.failed[agentID]; bad {
		return false, fmt.Errorf("%w: %s", ErrParticipantFailed, agentID)
	}
	if _, dup := s.results[agentID]; dup {
		return false, fmt.Errorf("%w: %s", ErrDuplicateResult, agentID)
	}
	if res == nil {
		res = &types.Result{}
	}
	stored := res.Clone()
	stored.AgentID = agentID
	s.results[agentID] = stored
	s.arrival = append(s.arrival, agentID)
	return s.Ready(), nil
}

// MarkFailed removes agentID from the expected set. exhausted is true when
// no participant remains; ready is true when the remaining participants
// have all delivered.
func (s *Session) MarkFailed(agentID string, cause error) (exhausted, ready bool, err error) {
	if s.status != types.SessionActive {
		return false, false, ErrSessionClosed
	}
	if !s.Has(agentID) {
		return false, false, fmt.Errorf("%w: %s", ErrUnknownParticipant, agentID)
	}
	if _, bad := s.failed[agentID]; bad {
		return false, false, fmt.Errorf("%w: %s", ErrParticipantFailed, agentID)
	}
	msg := "failed"
	if cause != nil {
		msg = cause.Error()
	}
	s.failed[agentID] = msg
	s.failedOrder = append(s.failedOrder, agentID)
	delete(s.results, agentID)
	for i, id := range s.arrival {
		if id == agentID {
			s.arrival = append(s.arrival[:i], s.arrival[i+1:]...)
			break
		}
	}
	if len(s.Remaining()) == 0 {
		return true, false, nil
	}
	return false, s.Ready(), nil
}

// Ready reports whether results equal the remaining participant count.
func (s *Session) Ready() bool {
	remaining := len(s.Remaining())
	return remaining > 0 && len(s.results) == remaining
}

// Results returns stored results in arrival order.
func (s *Session) Results() []Contribution {
	out := make([]Contribution, 0, len(s.arrival))
	for _, id := range s.arrival {
		out = append(out, Contribution{AgentID: id, Result: s.results[id]})
	}
	return out
}

// Converge merges the stored results with the session's strategy and
// records the tracker. It does not close the session.
func (s *Session) Converge(cfg Config) (*types.Result, error) {
	if s.status != types.SessionActive {
		return nil, ErrSessionClosed
	}
	contribs := s.Results()
	if len(contribs) == 0 {
		return nil, ErrNoResults
	}

	switch s.strategy {
	case StrategySolo:
		s.tracker = Tracker{Score: 1, Converged: true}
		return finalize(contribs[0]), nil

	case StrategyConsensus:
		res, tr, err := Consensus(contribs, cfg)
		if err != nil {
			return nil, err
		}
		s.tracker = tr
		return res, nil

	case StrategyHierarchical:
		var primary Contribution
		var secondaries []Contribution
		for _, id := range s.Remaining() {
			c := Contribution{AgentID: id, Result: s.results[id]}
			if c.Result == nil {
				continue
			}
			if primary.Result == nil {
				primary = c
				continue
			}
			secondaries = append(secondaries, c)
		}
		s.tracker = Tracker{Score: 1, Converged: true}
		return Hierarchical(primary, secondaries), nil

	default:
		return nil, fmt.Errorf("collaboration: unknown strategy %v", s.strategy)
	}
}

// Close moves the session to a terminal status.
func (s *Session) Close(status types.SessionStatus, now time.Time) {
	if s.status != types.SessionActive {
		return
	}
	s.status = status
	t := now
	s.closedAt = &t
}

// Expired reports whether an active session passed its deadline.
func (s *Session) Expired(now time.Time) bool {
	return s.status == types.SessionActive && !s.deadline.IsZero() && !now.Before(s.deadline)
}

// Tracker returns the convergence record of the last merge.
func (s *Session) Tracker() Tracker {
	t := s.tracker
	t.History = append([]float64(nil), s.tracker.History...)
	return t
}

// Snapshot returns an immutable view.
func (s *Session) Snapshot() types.SessionSnapshot {
	snap := types.SessionSnapshot{
		ID:                 s.id,
		TaskID:             s.taskID,
		Participants:       s.Participants(),
		FailedParticipants: append([]string(nil), s.failedOrder...),
		Strategy:           s.strategy.String(),
		Status:             s.status,
		ResultCount:        len(s.results),
		Iterations:         s.tracker.Iterations,
		ConsensusScore:     s.tracker.Score,
		ScoreHistory:       append([]float64(nil), s.tracker.History...),
		CreatedAt:          s.createdAt,
	}
	if s.closedAt != nil {
		t := *s.closedAt
		snap.ClosedAt = &t
	}
	return snap
}
