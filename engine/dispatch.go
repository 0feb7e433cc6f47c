package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/agent/registry"
	"github.com/BaSui01/swarmflow/collaboration"
	"github.com/BaSui01/swarmflow/internal/telemetry"
	"github.com/BaSui01/swarmflow/scheduler"
	"github.com/BaSui01/swarmflow/types"
)

var errNilResult = errors.New("processor returned no result")

// dispatcher adapts the engine to scheduler.Dispatcher.
type dispatcher struct{ e *Engine }

// Prepare implements scheduler.Dispatcher.
func (d dispatcher) Prepare(taskID string) (*types.Task, map[string]struct{}, scheduler.Readiness) {
	e := d.e
	e.mu.Lock()
	defer e.mu.Unlock()

	task := e.tasks[taskID]
	if task == nil || task.Status != types.TaskPending {
		return nil, nil, scheduler.Gone
	}
	var excluded map[string]struct{}
	if c := e.chains[task.ChainID]; c != nil {
		if c.Status().IsTerminal() {
			return nil, nil, scheduler.Gone
		}
		if !c.DepsSatisfied(taskID) {
			return nil, nil, scheduler.Blocked
		}
		excluded = c.Exclusions(taskID)
	}
	return task.Clone(), excluded, scheduler.Ready
}

// Dispatch implements scheduler.Dispatcher: it assigns the selected agents,
// opens a session and starts one goroutine per participant.
func (d dispatcher) Dispatch(ctx context.Context, taskID string, sel registry.Selection) error {
	e := d.e
	e.mu.Lock()
	defer e.mu.Unlock()

	task := e.tasks[taskID]
	if task == nil || task.Status != types.TaskPending {
		return types.NewError(types.ErrInvalidState, "task no longer pending").WithTask(taskID)
	}

	now := e.now()
	var agents []string
	for _, id := range sel.AgentIDs() {
		if _, ok := e.processors[id]; !ok {
			continue
		}
		if err := e.registry.Assign(id, taskID); err != nil {
			e.logger.Debug("selected agent could not be assigned",
				zap.String("task_id", taskID),
				zap.String("agent_id", id),
				zap.Error(err),
			)
			continue
		}
		agents = append(agents, id)
	}
	if len(agents) == 0 || len(agents) < task.MinAgents {
		for _, id := range agents {
			e.registry.Release(id, taskID)
		}
		e.requeue = append(e.requeue, taskID)
		return types.NewError(types.ErrNoAgentAvailable, "selected agents became unavailable").WithTask(taskID).WithRetryable(true)
	}

	_, span := e.tracer.Start(ctx, telemetry.SpanDispatch, trace.WithAttributes(
		attribute.String("task_id", taskID),
		attribute.StringSlice("agents", agents),
	))
	defer span.End()

	sessionID := e.newID()
	sess := collaboration.NewSession(sessionID, taskID, task.Collaboration, agents, now, e.config.TaskTimeout)
	runCtx, cancel := context.WithCancel(e.baseCtx)
	rs := &runningSession{Session: sess, cancel: cancel, startedAt: now}
	e.sessions[sessionID] = rs

	task.Status = types.TaskExecuting
	task.AssignedAgents = agents
	task.SessionID = sessionID
	task.UpdatedAt = now

	snap := sess.Snapshot()
	e.publish(types.Event{Type: types.EventTaskScheduled, TaskID: taskID, ChainID: task.ChainID, SessionID: sessionID, Task: task.Clone()})
	e.publish(types.Event{Type: types.EventSessionCreated, TaskID: taskID, ChainID: task.ChainID, SessionID: sessionID, Session: &snap})
	if e.metrics != nil {
		e.metrics.RecordTaskScheduled(task.Collaboration.String())
		e.metrics.SetActiveSessions(len(e.sessions))
	}
	e.logger.Info("task dispatched",
		zap.String("task_id", taskID),
		zap.String("session_id", sessionID),
		zap.String("strategy", sess.Strategy().String()),
		zap.Strings("agents", agents),
	)

	input := *task.Clone()
	for _, agentID := range agents {
		proc := e.processors[agentID]
		e.inflight.Add(1)
		go e.execute(runCtx, sessionID, agentID, proc, input)
	}
	return nil
}

// Deferred implements scheduler.Dispatcher.
func (d dispatcher) Deferred(taskID string, cause error, deferrals int, delay time.Duration) {
	e := d.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if task := e.tasks[taskID]; task != nil {
		task.Deferrals = deferrals
		task.LastError = cause.Error()
		task.UpdatedAt = e.now()
	}
}

// Rejected implements scheduler.Dispatcher: no agent can ever serve the
// task, so it fails without a retry.
func (d dispatcher) Rejected(taskID string, cause error) {
	e := d.e
	e.mu.Lock()
	defer e.mu.Unlock()

	task := e.tasks[taskID]
	if task == nil || task.Status.IsTerminal() {
		return
	}
	task.Status = types.TaskFailed
	task.FailureReason = types.ReasonNoCapableAgent
	task.LastError = cause.Error()
	task.UpdatedAt = e.now()
	e.taskFailed(task)
}

// execute runs one participant's processor and hands the outcome back.
func (e *Engine) execute(ctx context.Context, sessionID, agentID string, proc types.Processor, task types.Task) {
	defer e.inflight.Done()
	res, err := callProcessor(ctx, proc, task)
	if err == nil && res == nil {
		err = errNilResult
	}
	if err != nil {
		err = types.NewError(types.ErrAgentExecution, "agent failed task").
			WithAgent(agentID).WithTask(task.ID).WithCause(err)
	}
	e.deliver(sessionID, task.ID, agentID, res, err)
}

func callProcessor(ctx context.Context, proc types.Processor, task types.Task) (res *types.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc.ProcessTask(ctx, task)
}

// deliver records a participant's outcome. Results for closed sessions,
// finished tasks or participants already marked failed are discarded.
func (e *Engine) deliver(sessionID, taskID, agentID string, res *types.Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rs := e.sessions[sessionID]
	task := e.tasks[taskID]
	if rs == nil || task == nil || task.SessionID != sessionID || task.Status.IsTerminal() || !isOutstanding(rs.Session, agentID) {
		e.logger.Debug("stale agent result discarded",
			zap.String("task_id", taskID),
			zap.String("session_id", sessionID),
			zap.String("agent_id", agentID),
		)
		return
	}

	if err != nil {
		e.participantFailed(rs, task, agentID, err, true)
		return
	}

	r := res.Clone()
	r.Confidence = clamp01(r.Confidence)
	ready, addErr := rs.AddResult(agentID, r)
	if addErr != nil {
		e.logger.Warn("agent result rejected", zap.String("agent_id", agentID), zap.Error(addErr))
		return
	}
	if ready {
		e.converge(rs, task)
	}
}

// participantFailed removes one participant from its session. penalize
// lowers the agent's performance and records a chain failure point.
func (e *Engine) participantFailed(rs *runningSession, task *types.Task, agentID string, cause error, penalize bool) {
	now := e.now()
	state, _ := e.registry.Get(agentID)
	if penalize {
		e.registry.RecordFailure(agentID)
		e.recordFailurePoint(task, agentID, cause, now)
		if e.metrics != nil {
			e.metrics.RecordAgentFailure(agentID, state.Type)
		}
	}
	e.registry.Release(agentID, task.ID)
	task.LastError = cause.Error()

	e.publish(types.Event{Type: types.EventAgentFailed, TaskID: task.ID, ChainID: task.ChainID, SessionID: rs.ID(), AgentID: agentID, Error: cause.Error()})
	e.logger.Warn("participant failed",
		zap.String("task_id", task.ID),
		zap.String("agent_id", agentID),
		zap.Error(cause),
	)

	exhausted, ready, err := rs.MarkFailed(agentID, cause)
	if err != nil {
		return
	}
	switch {
	case exhausted:
		e.sessionExhausted(rs, task, types.SessionFailed)
	case ready:
		e.converge(rs, task)
	}
}

func (e *Engine) recordFailurePoint(task *types.Task, agentID string, cause error, now time.Time) {
	c := e.chains[task.ChainID]
	if c == nil {
		return
	}
	c.RecordFailure(types.FailurePoint{
		TaskID:  task.ID,
		AgentID: agentID,
		Error:   cause.Error(),
		Heat:    e.registry.Heat(agentID),
		At:      now,
	})
}

// converge merges the stored results and completes the task.
func (e *Engine) converge(rs *runningSession, task *types.Task) {
	_, span := e.tracer.Start(e.baseCtx, telemetry.SpanConverge, trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.String("strategy", rs.Strategy().String()),
	))
	defer span.End()

	merged, err := rs.Converge(e.config.Collaboration)
	if err != nil {
		span.RecordError(err)
		e.logger.Error("convergence failed", zap.String("task_id", task.ID), zap.Error(err))
		e.sessionExhausted(rs, task, types.SessionFailed)
		return
	}

	now := e.now()
	for _, c := range rs.Results() {
		e.registry.RecordSuccess(c.AgentID)
	}
	for _, agentID := range rs.Remaining() {
		e.registry.Release(agentID, task.ID)
	}
	e.closeSession(rs, types.SessionCompleted, now)
	e.scheduler.Release(task.ID)

	tracker := rs.Tracker()
	span.SetAttributes(attribute.Int("iterations", tracker.Iterations), attribute.Float64("score", tracker.Score))

	task.Status = types.TaskCompleted
	task.Result = merged
	task.LastError = ""
	task.CompletedAt = &now
	task.UpdatedAt = now

	snap := rs.Snapshot()
	e.publish(types.Event{
		Type:      types.EventTaskCompleted,
		TaskID:    task.ID,
		ChainID:   task.ChainID,
		SessionID: rs.ID(),
		Task:      task.Clone(),
		Result:    merged.Clone(),
		Session:   &snap,
	})
	if e.metrics != nil {
		e.metrics.RecordTaskCompleted(rs.Strategy().String(), now.Sub(rs.startedAt))
		e.metrics.RecordConvergence(rs.Strategy().String(), tracker.Iterations, tracker.Score)
	}
	e.countFinished(task)
	e.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.String("strategy", rs.Strategy().String()),
		zap.Float64("confidence", merged.Confidence),
	)

	if c := e.chains[task.ChainID]; c != nil {
		e.chainTaskCompleted(c, task)
	}
}

// sessionExhausted closes a session that can no longer produce a result
// and applies the retry policy to its task. Finished tasks keep their
// terminal status.
func (e *Engine) sessionExhausted(rs *runningSession, task *types.Task, status types.SessionStatus) {
	now := e.now()
	for _, agentID := range rs.Remaining() {
		e.registry.Release(agentID, task.ID)
	}
	e.closeSession(rs, status, now)
	e.scheduler.Release(task.ID)
	if task.Status.IsTerminal() {
		return
	}

	decision := e.recovery.HandleTaskFailure(task)
	task.UpdatedAt = now
	if decision.Retry {
		e.publish(types.Event{
			Type:    types.EventTaskRetrying,
			TaskID:  task.ID,
			ChainID: task.ChainID,
			Attempt: decision.Attempt,
			Delay:   decision.Delay,
			Error:   task.LastError,
			Task:    task.Clone(),
		})
		if e.metrics != nil {
			e.metrics.RecordTaskRetry()
		}
		e.scheduler.ScheduleAfter(task, decision.Delay)
		return
	}
	e.taskFailed(task)
}

// taskFailed publishes a permanent task failure and propagates it to the
// task's chain.
func (e *Engine) taskFailed(task *types.Task) {
	e.publish(types.Event{
		Type:    types.EventTaskFailed,
		TaskID:  task.ID,
		ChainID: task.ChainID,
		Reason:  task.FailureReason,
		Error:   task.LastError,
		Task:    task.Clone(),
	})
	if e.metrics != nil {
		e.metrics.RecordTaskFailed(string(task.FailureReason))
	}
	e.countFinished(task)
	if c := e.chains[task.ChainID]; c != nil {
		e.chainTaskFailed(c, task)
	}
}

func (e *Engine) closeSession(rs *runningSession, status types.SessionStatus, now time.Time) {
	rs.Close(status, now)
	rs.cancel()
	delete(e.sessions, rs.ID())
	if e.metrics != nil {
		e.metrics.SetActiveSessions(len(e.sessions))
	}
}

func (e *Engine) countFinished(task *types.Task) {
	if e.finished == nil {
		return
	}
	e.finished.Add(e.baseCtx, 1, metric.WithAttributes(
		attribute.String("status", string(task.Status)),
		attribute.String("reason", string(task.FailureReason)),
	))
}

func isOutstanding(s *collaboration.Session, agentID string) bool {
	for _, id := range s.Outstanding() {
		if id == agentID {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
