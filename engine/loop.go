package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/swarmflow/internal/telemetry"
	"github.com/BaSui01/swarmflow/scheduler"
	"github.com/BaSui01/swarmflow/types"
)

// ErrTickInProgress is returned when a tick is requested while another one
// is still running.
var ErrTickInProgress = scheduler.ErrTickInProgress

// Tick runs one scheduler pass.
func (e *Engine) Tick(ctx context.Context) (scheduler.TickResult, error) {
	ctx, span := e.tracer.Start(ctx, telemetry.SpanTick)
	defer span.End()

	start := time.Now()
	res, err := e.scheduler.Tick(ctx)
	if errors.Is(err, scheduler.ErrTickInProgress) {
		return res, err
	}
	span.SetAttributes(
		attribute.Int("dispatched", res.Dispatched),
		attribute.Int("deferred", res.Deferred),
		attribute.Int("rejected", res.Rejected),
	)

	e.mu.Lock()
	requeue := e.requeue
	e.requeue = nil
	for _, id := range requeue {
		if task := e.tasks[id]; task != nil && task.Status == types.TaskPending {
			e.scheduler.ScheduleAfter(task, e.config.Scheduler.NoAgentBackoff)
		}
	}
	e.mu.Unlock()

	if e.metrics != nil {
		st := e.scheduler.Stats()
		e.metrics.RecordTick(time.Since(start), res.Dispatched)
		e.metrics.SetQueueDepth(st.Pending, st.Delayed, st.Active)
	}
	return res, err
}

// Sweep times out sessions past their deadline. Non-responders are
// penalised and recorded as failure points; the task goes to the retry
// policy. Handling one timeout can fail a chain and cancel the other
// expired sessions of that chain; those are skipped. It returns the number
// of sessions that timed out.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var expired []*runningSession
	for _, rs := range e.sessions {
		if rs.Expired(now) {
			expired = append(expired, rs)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].TaskID() < expired[j].TaskID() })

	var timedOut int
	for _, rs := range expired {
		if e.sessions[rs.ID()] != rs || rs.Status() != types.SessionActive {
			continue
		}
		task := e.tasks[rs.TaskID()]
		if task == nil || task.Status.IsTerminal() || task.SessionID != rs.ID() {
			e.closeSession(rs, types.SessionTimeout, now)
			continue
		}
		timedOut++
		cause := types.NewError(types.ErrTimeout, "session timed out").WithTask(task.ID)
		for _, agentID := range rs.Outstanding() {
			state, _ := e.registry.Get(agentID)
			e.registry.RecordFailure(agentID)
			e.recordFailurePoint(task, agentID, cause, now)
			if e.metrics != nil {
				e.metrics.RecordAgentFailure(agentID, state.Type)
			}
		}
		task.LastError = cause.Error()

		snap := rs.Snapshot()
		e.logger.Warn("session timed out",
			zap.String("task_id", task.ID),
			zap.String("session_id", rs.ID()),
			zap.Strings("outstanding", rs.Outstanding()),
		)
		e.sessionExhausted(rs, task, types.SessionTimeout)
		snap.Status = types.SessionTimeout
		e.publish(types.Event{Type: types.EventSessionTimeout, TaskID: task.ID, ChainID: task.ChainID, SessionID: snap.ID, Session: &snap})
		if e.metrics != nil {
			e.metrics.RecordSessionTimeout()
		}
	}
	return timedOut
}

// Run drives ticks and sweeps until ctx is done, then waits for in-flight
// agent calls to observe their cancel notice and return.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.loop(gctx, e.config.TickInterval, func() {
			if _, err := e.Tick(gctx); err != nil && !errors.Is(err, ErrTickInProgress) && !errors.Is(err, context.Canceled) {
				e.logger.Warn("tick failed", zap.Error(err))
			}
		})
	})
	g.Go(func() error {
		return e.loop(gctx, e.config.SweepInterval, func() { e.Sweep() })
	})

	e.logger.Info("engine started",
		zap.Duration("tick_interval", e.config.TickInterval),
		zap.Duration("sweep_interval", e.config.SweepInterval),
	)
	err := g.Wait()
	e.inflight.Wait()
	e.logger.Info("engine stopped")
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (e *Engine) loop(ctx context.Context, every time.Duration, fn func()) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}

// WaitIdle blocks until every started agent call has returned and been
// recorded.
func (e *Engine) WaitIdle() {
	e.inflight.Wait()
}

// Close cancels every active session, waits for agent calls to return and
// closes the event bus. Submissions fail afterwards.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	for _, rs := range e.sessions {
		rs.cancel()
	}
	e.mu.Unlock()

	e.inflight.Wait()
	e.bus.Close()
}
