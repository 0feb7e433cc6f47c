// Package recovery decides what happens after a task or chain fails:
// retry with backoff, permanent failure, or a remapped execution path.
package recovery

import (
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/types"
)

// Config holds retry and remap limits.
type Config struct {
	MaxRetryAttempts int           `json:"max_retry_attempts"`
	RetryBackoff     time.Duration `json:"retry_backoff"`
	// RetryMultiplier grows the backoff per attempt; 1 keeps it fixed.
	RetryMultiplier float64       `json:"retry_multiplier"`
	MaxRetryBackoff time.Duration `json:"max_retry_backoff"`

	PathStabilityThreshold float64 `json:"path_stability_threshold"`
	MaxRemaps              int     `json:"max_remaps"`
	// MaxOffendingAgents is the largest agent group that can be blamed
	// for an agent-specific failure pattern.
	MaxOffendingAgents int `json:"max_offending_agents"`
	// DominanceRatio is the share of failure points an agent group or a
	// single task must exceed to be blamed.
	DominanceRatio float64 `json:"dominance_ratio"`
}

// DefaultConfig returns the standard recovery parameters.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:       3,
		RetryBackoff:           5 * time.Second,
		RetryMultiplier:        1,
		MaxRetryBackoff:        time.Minute,
		PathStabilityThreshold: 0.6,
		MaxRemaps:              3,
		MaxOffendingAgents:     2,
		DominanceRatio:         0.6,
	}
}

// Decision is the outcome of a single-task failure.
type Decision struct {
	Retry   bool
	Attempt int
	Delay   time.Duration
	Reason  types.FailureReason
}

// Manager applies the retry policy and plans chain remaps.
type Manager struct {
	config Config
	logger *zap.Logger
}

// NewManager creates a recovery manager.
func NewManager(config Config, logger *zap.Logger) *Manager {
	def := DefaultConfig()
	if config.MaxRetryAttempts < 0 {
		config.MaxRetryAttempts = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = def.RetryBackoff
	}
	if config.RetryMultiplier < 1 {
		config.RetryMultiplier = 1
	}
	if config.MaxRetryBackoff < config.RetryBackoff {
		config.MaxRetryBackoff = config.RetryBackoff
	}
	if config.MaxOffendingAgents <= 0 {
		config.MaxOffendingAgents = def.MaxOffendingAgents
	}
	if config.DominanceRatio <= 0 || config.DominanceRatio >= 1 {
		config.DominanceRatio = def.DominanceRatio
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config: config,
		logger: logger.With(zap.String("component", "recovery")),
	}
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// HandleTaskFailure applies the retry policy to a task whose session was
// exhausted. On retry the task is reset to pending with its assignment
// cleared and RetryCount incremented; otherwise it is marked failed.
func (m *Manager) HandleTaskFailure(task *types.Task) Decision {
	if task.RetryCount < m.config.MaxRetryAttempts {
		task.RetryCount++
		task.Status = types.TaskPending
		task.AssignedAgents = nil
		task.SessionID = ""
		d := Decision{Retry: true, Attempt: task.RetryCount, Delay: m.Backoff(task.RetryCount)}
		m.logger.Info("task will be retried",
			zap.String("task_id", task.ID),
			zap.Int("attempt", d.Attempt),
			zap.Duration("delay", d.Delay),
		)
		return d
	}

	task.Status = types.TaskFailed
	task.FailureReason = types.ReasonMaxReassignmentAttempts
	task.AssignedAgents = nil
	task.SessionID = ""
	m.logger.Warn("task permanently failed",
		zap.String("task_id", task.ID),
		zap.Int("retry_count", task.RetryCount),
	)
	return Decision{Reason: types.ReasonMaxReassignmentAttempts, Attempt: task.RetryCount}
}

// Backoff returns the delay before the given retry attempt (1-based).
func (m *Manager) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(m.config.RetryBackoff) * math.Pow(m.config.RetryMultiplier, float64(attempt-1))
	if d > float64(m.config.MaxRetryBackoff) {
		return m.config.MaxRetryBackoff
	}
	return time.Duration(d)
}
