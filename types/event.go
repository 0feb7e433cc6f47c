package types

import "time"

// SessionStatus is the lifecycle state of a collaboration session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionTimeout   SessionStatus = "timeout"
	SessionFailed    SessionStatus = "failed"
	SessionCancelled SessionStatus = "cancelled"
)

// SessionSnapshot is an immutable view of a collaboration session.
type SessionSnapshot struct {
	ID                 string        `json:"id"`
	TaskID             string        `json:"task_id"`
	Participants       []string      `json:"participants"`
	FailedParticipants []string      `json:"failed_participants,omitempty"`
	Strategy           string        `json:"strategy"`
	Status             SessionStatus `json:"status"`
	ResultCount        int           `json:"result_count"`
	Iterations         int           `json:"iterations"`
	ConsensusScore     float64       `json:"consensus_score"`
	ScoreHistory       []float64     `json:"score_history,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	ClosedAt           *time.Time    `json:"closed_at,omitempty"`
}

// EventType names an engine notification.
type EventType string

const (
	EventTaskScheduled   EventType = "task-scheduled"
	EventTaskCompleted   EventType = "task-completed"
	EventTaskFailed      EventType = "task-failed"
	EventTaskRetrying    EventType = "task-retrying"
	EventTaskCancelled   EventType = "task-cancelled"
	EventChainCreated    EventType = "chain-created"
	EventChainCompleted  EventType = "chain-completed"
	EventChainFailed     EventType = "chain-failed"
	EventChainRemapped   EventType = "chain-remapped"
	EventSessionCreated  EventType = "collaboration-session-created"
	EventSessionTimeout  EventType = "session-timeout"
	EventAgentRegistered EventType = "agent-registered"
	EventAgentRemoved    EventType = "agent-unregistered"
	EventAgentFailed     EventType = "agent-failed"
)

// Event is published by the engine. Pointer payloads are snapshots owned
// by the receiver.
type Event struct {
	Type      EventType        `json:"type"`
	Timestamp time.Time        `json:"timestamp"`
	TaskID    string           `json:"task_id,omitempty"`
	ChainID   string           `json:"chain_id,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
	AgentID   string           `json:"agent_id,omitempty"`
	Reason    FailureReason    `json:"reason,omitempty"`
	Error     string           `json:"error,omitempty"`
	Attempt   int              `json:"attempt,omitempty"`
	Delay     time.Duration    `json:"delay,omitempty"`
	Task      *Task            `json:"task,omitempty"`
	Chain     *TaskChain       `json:"chain,omitempty"`
	Session   *SessionSnapshot `json:"session,omitempty"`
	Agent     *AgentState      `json:"agent,omitempty"`
	Result    *Result          `json:"result,omitempty"`
}
