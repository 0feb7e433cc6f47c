// Package chain executes dependency graphs of tasks. A Chain tracks which
// tasks are completed, active or failed, decides which ready tasks to
// submit under its strategy, and carries the failure log used for path
// remapping.
package chain

import (
	"math"
	"sort"
	"time"

	"github.com/BaSui01/swarmflow/recovery"
	"github.com/BaSui01/swarmflow/types"
)

// Chain is the live state of a task chain. It is not safe for concurrent
// use; the engine serialises access.
type Chain struct {
	id       string
	name     string
	strategy types.ChainStrategy
	graph    *Graph
	tasks    map[string]*types.Task

	completed map[string]bool
	active    map[string]bool
	failed    map[string]bool

	failurePoints  []types.FailurePoint
	remappingCount int
	chainExcluded  map[string]struct{}
	taskExcluded   map[string]map[string]struct{}

	status        types.ChainStatus
	failureReason types.FailureReason
	createdAt     time.Time
	updatedAt     time.Time
}

// New validates tasks and creates a running chain. Tasks are adopted, not
// copied: each gets ChainID set and is normalised.
func New(id, name string, strategy types.ChainStrategy, tasks []*types.Task, now time.Time) (*Chain, error) {
	for _, t := range tasks {
		if t == nil {
			continue
		}
		t.Normalize()
		if err := t.Validate(); err != nil {
			return nil, err
		}
	}
	g, err := NewGraph(tasks)
	if err != nil {
		return nil, err
	}
	if strategy < types.StrategySequential || strategy > types.StrategyAdaptive {
		return nil, types.NewError(types.ErrConfiguration, "invalid chain strategy "+strategy.String())
	}

	c := &Chain{
		id:            id,
		name:          name,
		strategy:      strategy,
		graph:         g,
		tasks:         make(map[string]*types.Task, len(tasks)),
		completed:     make(map[string]bool),
		active:        make(map[string]bool),
		failed:        make(map[string]bool),
		chainExcluded: make(map[string]struct{}),
		taskExcluded:  make(map[string]map[string]struct{}),
		status:        types.ChainRunning,
		createdAt:     now,
		updatedAt:     now,
	}
	for _, t := range tasks {
		t.ChainID = id
		t.Dependencies = g.Deps(t.ID)
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		t.UpdatedAt = now
		c.tasks[t.ID] = t
	}
	return c, nil
}

// ID returns the chain id.
func (c *Chain) ID() string { return c.id }

// Status returns the lifecycle state.
func (c *Chain) Status() types.ChainStatus { return c.status }

// Strategy returns the submission strategy.
func (c *Chain) Strategy() types.ChainStrategy { return c.strategy }

// FailureReason returns why the chain failed, if it did.
func (c *Chain) FailureReason() types.FailureReason { return c.failureReason }

// RemappingCount returns how many remaps were accepted.
func (c *Chain) RemappingCount() int { return c.remappingCount }

// Graph returns the dependency graph.
func (c *Chain) Graph() *Graph { return c.graph }

// Task returns the live task with the given id.
func (c *Chain) Task(id string) (*types.Task, bool) {
	t, ok := c.tasks[id]
	return t, ok
}

// Tasks returns the live tasks in topological order.
func (c *Chain) Tasks() []*types.Task {
	out := make([]*types.Task, 0, len(c.tasks))
	for _, id := range c.graph.order {
		out = append(out, c.tasks[id])
	}
	return out
}

// DepsSatisfied reports whether every dependency of id is completed.
func (c *Chain) DepsSatisfied(id string) bool {
	for _, dep := range c.graph.deps[id] {
		if !c.completed[dep] {
			return false
		}
	}
	return true
}

// Ready returns tasks whose dependencies are completed and which are not
// active, completed or failed, in topological order.
func (c *Chain) Ready() []string {
	if c.status != types.ChainRunning {
		return nil
	}
	var out []string
	for _, id := range c.graph.order {
		if c.completed[id] || c.active[id] || c.failed[id] {
			continue
		}
		if t := c.tasks[id]; t.Status != types.TaskPending {
			continue
		}
		if c.DepsSatisfied(id) {
			out = append(out, id)
		}
	}
	return out
}

// NextBatch picks the ready tasks to submit now and marks them active.
// maxConcurrent and load describe the scheduler for the adaptive strategy.
func (c *Chain) NextBatch(maxConcurrent int, load float64, now time.Time) []string {
	ready := c.Ready()
	if len(ready) == 0 {
		return nil
	}

	var n int
	switch c.strategy {
	case types.StrategySequential:
		if len(c.active) == 0 {
			n = 1
		}
	case types.StrategyParallel:
		n = len(ready)
	case types.StrategyAdaptive:
		n = AdaptiveSlots(maxConcurrent, load)
	}
	if n > len(ready) {
		n = len(ready)
	}

	batch := ready[:n]
	for _, id := range batch {
		c.active[id] = true
	}
	if n > 0 {
		c.updatedAt = now
	}
	return append([]string(nil), batch...)
}

// AdaptiveSlots shrinks the submission width as scheduler load rises:
// max(1, ⌈maxConcurrent·(1−load)⌉).
func AdaptiveSlots(maxConcurrent int, load float64) int {
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	slots := int(math.Ceil(float64(maxConcurrent) * (1 - load)))
	if slots < 1 {
		slots = 1
	}
	return slots
}

// MarkCompleted records a task completion. It returns the dependents that
// became ready.
func (c *Chain) MarkCompleted(id string, now time.Time) []string {
	if _, ok := c.tasks[id]; !ok {
		return nil
	}
	delete(c.active, id)
	delete(c.failed, id)
	c.completed[id] = true
	c.updatedAt = now

	var unlocked []string
	for _, dep := range c.graph.dependents[id] {
		if !c.completed[dep] && !c.active[dep] && !c.failed[dep] && c.DepsSatisfied(dep) {
			unlocked = append(unlocked, dep)
		}
	}
	return unlocked
}

// MarkFailed records a permanent task failure.
func (c *Chain) MarkFailed(id string, now time.Time) {
	if _, ok := c.tasks[id]; !ok {
		return
	}
	delete(c.active, id)
	c.failed[id] = true
	c.updatedAt = now
}

// RecordFailure appends a failure point, stamping its path position.
func (c *Chain) RecordFailure(p types.FailurePoint) {
	p.PathPosition = c.graph.Position(p.TaskID)
	c.failurePoints = append(c.failurePoints, p)
}

// FailurePoints returns the failure log.
func (c *Chain) FailurePoints() []types.FailurePoint {
	return append([]types.FailurePoint(nil), c.failurePoints...)
}

// Exclusions returns the agents the task must not be assigned to.
func (c *Chain) Exclusions(taskID string) map[string]struct{} {
	out := make(map[string]struct{}, len(c.chainExcluded)+len(c.taskExcluded[taskID]))
	for a := range c.chainExcluded {
		out[a] = struct{}{}
	}
	for a := range c.taskExcluded[taskID] {
		out[a] = struct{}{}
	}
	return out
}

// IsComplete reports whether every task completed.
func (c *Chain) IsComplete() bool {
	return len(c.completed) == len(c.tasks)
}

// FailedRatio is the fraction of tasks permanently failed.
func (c *Chain) FailedRatio() float64 {
	return float64(len(c.failed)) / float64(len(c.tasks))
}

// HasProgress reports whether anything is active or could still start.
// Pending tasks that are queued or waiting on a retry count as active.
func (c *Chain) HasProgress() bool {
	if len(c.active) > 0 {
		return true
	}
	return len(c.Ready()) > 0
}

// Verdict decides whether the chain must fail after a rejected remap.
// remapReason is the reason the remap was rejected.
func (c *Chain) Verdict(failureRatio float64, remapReason types.FailureReason) (types.FailureReason, bool) {
	if len(c.failed) == 0 {
		return types.ReasonNone, false
	}
	if c.FailedRatio() > failureRatio {
		return remapReason, true
	}
	if !c.HasProgress() {
		return types.ReasonBlockedByFailedTasks, true
	}
	return types.ReasonNone, false
}

// PathState exports what remap planning needs.
func (c *Chain) PathState() recovery.PathState {
	failed := make([]string, 0, len(c.failed))
	for _, id := range c.graph.order {
		if c.failed[id] {
			failed = append(failed, id)
		}
	}
	taskExcl := make(map[string]map[string]struct{}, len(c.taskExcluded))
	for id, set := range c.taskExcluded {
		taskExcl[id] = copySet(set)
	}
	completed := make(map[string]bool, len(c.completed))
	for id := range c.completed {
		completed[id] = true
	}
	return recovery.PathState{
		Order:          c.graph.Order(),
		Tasks:          c.tasks,
		Deps:           c.graph.DepsMap(),
		Completed:      completed,
		Failed:         failed,
		FailurePoints:  c.FailurePoints(),
		ChainExcluded:  copySet(c.chainExcluded),
		TaskExcluded:   taskExcl,
		RemappingCount: c.remappingCount,
	}
}

// ApplyRemap adopts an accepted plan: exclusions are replaced, failed
// tasks reset to pending with RetryCount 0 and the remap counter grows.
// It returns the reset task ids in topological order.
func (c *Chain) ApplyRemap(plan recovery.Plan, now time.Time) []string {
	c.chainExcluded = copySet(plan.ChainExcluded)
	c.taskExcluded = make(map[string]map[string]struct{}, len(plan.TaskExcluded))
	for id, set := range plan.TaskExcluded {
		c.taskExcluded[id] = copySet(set)
	}

	var reset []string
	for _, id := range c.graph.order {
		if !c.failed[id] {
			continue
		}
		t := c.tasks[id]
		t.Status = types.TaskPending
		t.RetryCount = 0
		t.Deferrals = 0
		t.FailureReason = types.ReasonNone
		t.LastError = ""
		t.AssignedAgents = nil
		t.SessionID = ""
		t.Result = nil
		t.CompletedAt = nil
		t.UpdatedAt = now
		delete(c.failed, id)
		reset = append(reset, id)
	}
	c.remappingCount++
	c.updatedAt = now
	return reset
}

// Complete marks the chain completed.
func (c *Chain) Complete(now time.Time) {
	if c.status != types.ChainRunning {
		return
	}
	c.status = types.ChainCompleted
	c.updatedAt = now
}

// Fail marks the chain failed with reason.
func (c *Chain) Fail(reason types.FailureReason, now time.Time) {
	if c.status != types.ChainRunning {
		return
	}
	c.status = types.ChainFailed
	c.failureReason = reason
	c.updatedAt = now
}

// Snapshot returns an immutable copy of the chain.
func (c *Chain) Snapshot() *types.TaskChain {
	snap := &types.TaskChain{
		ID:             c.id,
		Name:           c.name,
		Strategy:       c.strategy,
		Status:         c.status,
		Dependencies:   c.graph.DepsMap(),
		Completed:      sortedByOrder(c.graph, c.completed),
		Active:         sortedByOrder(c.graph, c.active),
		Failed:         sortedByOrder(c.graph, c.failed),
		FailurePoints:  c.FailurePoints(),
		RemappingCount: c.remappingCount,
		FailureReason:  c.failureReason,
		CreatedAt:      c.createdAt,
		UpdatedAt:      c.updatedAt,
	}
	for _, id := range c.graph.order {
		snap.Tasks = append(snap.Tasks, c.tasks[id].Clone())
	}
	for a := range c.chainExcluded {
		snap.ExcludedAgents = append(snap.ExcludedAgents, a)
	}
	sort.Strings(snap.ExcludedAgents)
	return snap
}

func sortedByOrder(g *Graph, set map[string]bool) []string {
	var out []string
	for _, id := range g.order {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
