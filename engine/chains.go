package engine

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/chain"
	"github.com/BaSui01/swarmflow/internal/telemetry"
	"github.com/BaSui01/swarmflow/types"
)

// advanceChain submits the chain's next batch of ready tasks.
func (e *Engine) advanceChain(c *chain.Chain) {
	if c.Status().IsTerminal() {
		return
	}
	batch := c.NextBatch(e.scheduler.MaxConcurrent(), e.scheduler.Load(), e.now())
	for _, id := range batch {
		task, _ := c.Task(id)
		e.scheduler.ScheduleTask(task)
	}
	if len(batch) > 0 {
		e.logger.Debug("chain tasks submitted", zap.String("chain_id", c.ID()), zap.Strings("tasks", batch))
	}
}

func (e *Engine) chainTaskCompleted(c *chain.Chain, task *types.Task) {
	if c.Status().IsTerminal() {
		return
	}
	now := e.now()
	c.MarkCompleted(task.ID, now)
	if c.IsComplete() {
		c.Complete(now)
		e.publish(types.Event{Type: types.EventChainCompleted, ChainID: c.ID(), Chain: c.Snapshot()})
		if e.metrics != nil {
			e.metrics.RecordChainFinished(string(types.ChainCompleted), "")
		}
		e.logger.Info("chain completed", zap.String("chain_id", c.ID()), zap.Int("remaps", c.RemappingCount()))
		return
	}
	e.advanceChain(c)

	// A rejected remap left failed tasks behind; once the rest of the
	// chain drains, their dependents can never start.
	if reason, fail := c.Verdict(e.config.FailureRatioThreshold, types.ReasonRemapNotViable); fail && !c.HasProgress() {
		e.failChain(c, reason)
	}
}

// chainTaskFailed tries to remap the chain around a permanently failed
// task. When the remap is rejected the chain fails if too many tasks
// failed or nothing can make progress.
func (e *Engine) chainTaskFailed(c *chain.Chain, task *types.Task) {
	if c.Status().IsTerminal() {
		return
	}
	now := e.now()
	c.MarkFailed(task.ID, now)

	_, span := e.tracer.Start(e.baseCtx, telemetry.SpanRemap, trace.WithAttributes(
		attribute.String("chain_id", c.ID()),
		attribute.String("task_id", task.ID),
	))
	plan := e.recovery.PlanRemap(c.PathState(), e.registry)
	span.SetAttributes(
		attribute.String("pattern", plan.Analysis.Pattern.String()),
		attribute.Float64("viability", plan.Viability.Score),
		attribute.Bool("accepted", plan.Accepted),
	)
	span.End()

	if plan.Reason != types.ReasonRemapExhausted && e.metrics != nil {
		e.metrics.RecordRemap(plan.Analysis.Pattern.String(), plan.Accepted)
	}

	if plan.Accepted {
		reset := c.ApplyRemap(plan, now)
		e.publish(types.Event{Type: types.EventChainRemapped, ChainID: c.ID(), TaskID: plan.ResumeFrom, Chain: c.Snapshot()})
		e.logger.Info("chain remapped",
			zap.String("chain_id", c.ID()),
			zap.String("pattern", plan.Analysis.Pattern.String()),
			zap.Float64("viability", plan.Viability.Score),
			zap.Strings("reset", reset),
			zap.String("resume_from", plan.ResumeFrom),
		)
		e.advanceChain(c)
		return
	}

	if reason, fail := c.Verdict(e.config.FailureRatioThreshold, plan.Reason); fail {
		e.failChain(c, reason)
		return
	}
	e.advanceChain(c)
}

// failChain cancels the chain's unfinished tasks and fails it.
func (e *Engine) failChain(c *chain.Chain, reason types.FailureReason) {
	if c.Status().IsTerminal() {
		return
	}
	now := e.now()
	c.Fail(reason, now)
	for _, task := range c.Tasks() {
		if !task.Status.IsTerminal() {
			e.cancelTask(task)
		}
	}
	e.publish(types.Event{Type: types.EventChainFailed, ChainID: c.ID(), Reason: reason, Chain: c.Snapshot()})
	if e.metrics != nil {
		e.metrics.RecordChainFinished(string(types.ChainFailed), string(reason))
	}
	e.logger.Warn("chain failed", zap.String("chain_id", c.ID()), zap.String("reason", string(reason)))
}
