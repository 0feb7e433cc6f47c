// Package engine owns every task, collaboration session and chain of a
// SwarmFlow instance. It schedules tasks onto registered agents, runs the
// agents' processors, merges their results and drives chains and recovery.
//
// All bookkeeping happens under one mutex. Agents run in their own
// goroutines and re-enter the engine with their results; callers only ever
// receive snapshots and events.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/agent/affinity"
	"github.com/BaSui01/swarmflow/agent/registry"
	"github.com/BaSui01/swarmflow/chain"
	"github.com/BaSui01/swarmflow/collaboration"
	"github.com/BaSui01/swarmflow/events"
	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/internal/telemetry"
	"github.com/BaSui01/swarmflow/recovery"
	"github.com/BaSui01/swarmflow/scheduler"
	"github.com/BaSui01/swarmflow/types"
)

// Option customises an Engine.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	model   affinity.Model
	metrics *metrics.Collector
	now     func() time.Time
	bus     *events.Bus
	newID   func() string
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithAffinityModel blends model scores into agent selection. The model
// is wrapped in a circuit breaker.
func WithAffinityModel(model affinity.Model) Option {
	return func(o *options) { o.model = model }
}

// WithMetrics records Prometheus metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.metrics = c }
}

// WithClock replaces the time source of the engine and its components.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithEventBus publishes to an existing bus instead of a private one.
func WithEventBus(bus *events.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithIDGenerator replaces uuid generation for chain and session ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// runningSession is a collaboration session plus the engine's handles on
// its participants.
type runningSession struct {
	*collaboration.Session
	cancel    context.CancelFunc
	startedAt time.Time
}

// Engine is the collaborative scheduling engine.
type Engine struct {
	config    Config
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	recovery  *recovery.Manager
	bus       *events.Bus
	metrics   *metrics.Collector
	tracer    trace.Tracer
	finished  metric.Int64Counter
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string

	mu         sync.Mutex
	baseCtx    context.Context
	tasks      map[string]*types.Task
	sessions   map[string]*runningSession
	chains     map[string]*chain.Chain
	processors map[string]types.Processor
	requeue    []string
	closed     bool

	inflight sync.WaitGroup
}

// New creates an engine.
func New(cfg Config, opts ...Option) *Engine {
	o := options{now: time.Now, newID: func() string { return uuid.NewString() }}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	cfg.applyDefaults()
	logger := o.logger.With(zap.String("component", "engine"))

	var model affinity.Model
	if o.model != nil {
		model = affinity.NewGuarded(o.model, cfg.Affinity, o.logger)
	}

	e := &Engine{
		config:     cfg,
		registry:   registry.New(cfg.Registry, model, o.logger),
		recovery:   recovery.NewManager(cfg.Recovery, o.logger),
		bus:        o.bus,
		metrics:    o.metrics,
		tracer:     telemetry.Tracer(),
		logger:     logger,
		now:        o.now,
		newID:      o.newID,
		baseCtx:    context.Background(),
		tasks:      make(map[string]*types.Task),
		sessions:   make(map[string]*runningSession),
		chains:     make(map[string]*chain.Chain),
		processors: make(map[string]types.Processor),
	}
	if e.bus == nil {
		e.bus = events.NewBus(cfg.EventBuffer, o.logger)
	}
	e.registry.SetClock(o.now)
	e.scheduler = scheduler.New(cfg.Scheduler, e.registry, dispatcher{e}, o.logger)
	e.scheduler.SetClock(o.now)

	counter, err := telemetry.TasksFinished()
	if err != nil {
		logger.Warn("otel counter unavailable", zap.Error(err))
	}
	e.finished = counter
	return e
}

// Subscribe returns a subscription to engine events. With no types it
// receives everything.
func (e *Engine) Subscribe(buffer int, eventTypes ...types.EventType) *events.Subscription {
	return e.bus.Subscribe(buffer, eventTypes...)
}

// Registry exposes the agent registry for read access and availability
// toggles.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// =============================================================================
// Agents
// =============================================================================

// RegisterAgent adds an agent and the processor that executes its tasks.
func (e *Engine) RegisterAgent(spec types.AgentSpec, proc types.Processor) (types.AgentState, error) {
	if proc == nil {
		return types.AgentState{}, types.NewError(types.ErrConfiguration, "agent processor is required").WithAgent(spec.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state, err := e.registry.Register(spec)
	if err != nil {
		return types.AgentState{}, err
	}
	e.processors[state.ID] = proc
	e.publish(types.Event{Type: types.EventAgentRegistered, AgentID: state.ID, Agent: &state})
	if e.metrics != nil {
		e.metrics.SetAgents(e.registry.Len())
	}
	return state, nil
}

// UnregisterAgent removes an agent. Its in-flight participations are
// marked failed without a performance penalty; sessions left without
// participants go to the retry policy.
func (e *Engine) UnregisterAgent(agentID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state, _ := e.registry.Get(agentID)
	held, err := e.registry.Unregister(agentID)
	if err != nil {
		return err
	}
	delete(e.processors, agentID)

	cause := types.NewError(types.ErrAgentExecution, "agent unregistered").WithAgent(agentID)
	for _, taskID := range held {
		task := e.tasks[taskID]
		if task == nil || task.SessionID == "" {
			continue
		}
		rs := e.sessions[task.SessionID]
		if rs == nil || !isOutstanding(rs.Session, agentID) {
			continue
		}
		exhausted, ready, err := rs.MarkFailed(agentID, cause)
		if err != nil {
			continue
		}
		switch {
		case exhausted:
			e.sessionExhausted(rs, task, types.SessionFailed)
		case ready:
			e.converge(rs, task)
		}
	}

	e.publish(types.Event{Type: types.EventAgentRemoved, AgentID: agentID, Agent: &state})
	if e.metrics != nil {
		e.metrics.SetAgents(e.registry.Len())
	}
	e.logger.Info("agent unregistered", zap.String("agent_id", agentID), zap.Int("held_tasks", len(held)))
	return nil
}

// Agent returns a snapshot of one agent.
func (e *Engine) Agent(agentID string) (types.AgentState, error) {
	state, ok := e.registry.Get(agentID)
	if !ok {
		return types.AgentState{}, types.NewError(types.ErrNotFound, "agent not found").WithAgent(agentID)
	}
	return state, nil
}

// Agents returns snapshots of every agent in registration order.
func (e *Engine) Agents() []types.AgentState {
	return e.registry.List()
}

// =============================================================================
// Submission
// =============================================================================

// SubmitTask queues a standalone task and returns its id. A missing id is
// generated. Standalone tasks cannot declare dependencies.
func (e *Engine) SubmitTask(task *types.Task) (string, error) {
	if task == nil {
		return "", types.NewError(types.ErrConfiguration, "task is required")
	}
	t := task.Clone()
	if t.ID == "" {
		t.ID = e.newID()
	}
	t.ChainID = ""
	t.Status = ""
	t.Normalize()
	if err := t.Validate(); err != nil {
		return "", err
	}
	if len(t.Dependencies) > 0 {
		return "", types.NewError(types.ErrConfiguration, "standalone tasks cannot have dependencies; submit a chain").WithTask(t.ID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", types.NewError(types.ErrInvalidState, "engine closed")
	}
	if _, dup := e.tasks[t.ID]; dup {
		return "", types.NewError(types.ErrAlreadyExists, "task already exists").WithTask(t.ID)
	}
	now := e.now()
	t.CreatedAt, t.UpdatedAt = now, now
	e.tasks[t.ID] = t
	e.scheduler.ScheduleTask(t)
	e.logger.Debug("task submitted", zap.String("task_id", t.ID))
	return t.ID, nil
}

// SubmitChain validates the dependency graph and starts the chain. Task ids
// are required and must be unique within the engine.
func (e *Engine) SubmitChain(name string, strategy types.ChainStrategy, tasks []*types.Task) (string, error) {
	clones := make([]*types.Task, len(tasks))
	for i, t := range tasks {
		clones[i] = t.Clone()
		if clones[i] != nil {
			clones[i].Status = ""
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", types.NewError(types.ErrInvalidState, "engine closed")
	}
	for _, t := range clones {
		if t == nil {
			continue
		}
		if _, dup := e.tasks[t.ID]; dup {
			return "", types.NewError(types.ErrAlreadyExists, "task already exists").WithTask(t.ID)
		}
	}

	now := e.now()
	c, err := chain.New(e.newID(), name, strategy, clones, now)
	if err != nil {
		return "", err
	}
	for _, t := range c.Tasks() {
		e.tasks[t.ID] = t
	}
	e.chains[c.ID()] = c
	e.publish(types.Event{Type: types.EventChainCreated, ChainID: c.ID(), Chain: c.Snapshot()})
	e.logger.Info("chain submitted",
		zap.String("chain_id", c.ID()),
		zap.String("strategy", strategy.String()),
		zap.Int("tasks", len(clones)),
	)
	e.advanceChain(c)
	return c.ID(), nil
}

// SubmitDefinition builds and submits a chain definition.
func (e *Engine) SubmitDefinition(def *chain.Definition) (string, error) {
	strategy, tasks, err := def.Build(e.now())
	if err != nil {
		return "", err
	}
	return e.SubmitChain(def.Name, strategy, tasks)
}

// =============================================================================
// Cancellation
// =============================================================================

// CancelTask cancels a pending or executing task. Cancelling a chain task
// fails its chain with reason cancelled.
func (e *Engine) CancelTask(taskID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	task := e.tasks[taskID]
	if task == nil {
		return types.NewError(types.ErrNotFound, "task not found").WithTask(taskID)
	}
	if task.Status.IsTerminal() {
		return types.NewError(types.ErrInvalidState, fmt.Sprintf("task already %s", task.Status)).WithTask(taskID)
	}
	if c := e.chains[task.ChainID]; c != nil {
		e.failChain(c, types.ReasonCancelled)
		return nil
	}
	e.cancelTask(task)
	return nil
}

// CancelChain cancels every unfinished task of a chain and fails it with
// reason cancelled.
func (e *Engine) CancelChain(chainID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c := e.chains[chainID]
	if c == nil {
		return types.NewError(types.ErrNotFound, "chain not found: "+chainID)
	}
	if c.Status().IsTerminal() {
		return types.NewError(types.ErrInvalidState, fmt.Sprintf("chain already %s", c.Status()))
	}
	e.failChain(c, types.ReasonCancelled)
	return nil
}

// cancelTask removes a pending task from the queues or stops the session
// of an executing one. Participants get a cancel notice; their late
// results are discarded.
func (e *Engine) cancelTask(task *types.Task) {
	if task.Status.IsTerminal() {
		return
	}
	now := e.now()
	e.scheduler.Remove(task.ID)
	if rs := e.sessions[task.SessionID]; rs != nil {
		for _, agentID := range rs.Remaining() {
			e.registry.Release(agentID, task.ID)
		}
		e.closeSession(rs, types.SessionCancelled, now)
		e.scheduler.Release(task.ID)
	}
	task.Status = types.TaskCancelled
	task.FailureReason = types.ReasonCancelled
	task.UpdatedAt = now
	e.publish(types.Event{Type: types.EventTaskCancelled, TaskID: task.ID, ChainID: task.ChainID, Reason: types.ReasonCancelled, Task: task.Clone()})
	e.countFinished(task)
	e.logger.Info("task cancelled", zap.String("task_id", task.ID))
}

// =============================================================================
// Snapshots
// =============================================================================

// Task returns a snapshot of a task.
func (e *Engine) Task(taskID string) (*types.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.tasks[taskID]
	if t == nil {
		return nil, types.NewError(types.ErrNotFound, "task not found").WithTask(taskID)
	}
	return t.Clone(), nil
}

// Tasks returns snapshots of every task sorted by id.
func (e *Engine) Tasks() []*types.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*types.Task, 0, len(e.tasks))
	for _, t := range e.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Chain returns a snapshot of a chain.
func (e *Engine) Chain(chainID string) (*types.TaskChain, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.chains[chainID]
	if c == nil {
		return nil, types.NewError(types.ErrNotFound, "chain not found: "+chainID)
	}
	return c.Snapshot(), nil
}

// Session returns a snapshot of an active session.
func (e *Engine) Session(sessionID string) (types.SessionSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs := e.sessions[sessionID]
	if rs == nil {
		return types.SessionSnapshot{}, types.NewError(types.ErrNotFound, "session not found: "+sessionID)
	}
	return rs.Snapshot(), nil
}

// Sessions returns snapshots of the active sessions sorted by task id.
func (e *Engine) Sessions() []types.SessionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.SessionSnapshot, 0, len(e.sessions))
	for _, rs := range e.sessions {
		out = append(out, rs.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Tasks     map[types.TaskStatus]int  `json:"tasks"`
	Chains    map[types.ChainStatus]int `json:"chains"`
	Sessions  int                       `json:"sessions"`
	Agents    int                       `json:"agents"`
	Scheduler scheduler.Stats           `json:"scheduler"`
	Dropped   uint64                    `json:"dropped_events"`
}

// Stats returns counts by status.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		Tasks:     make(map[types.TaskStatus]int),
		Chains:    make(map[types.ChainStatus]int),
		Sessions:  len(e.sessions),
		Agents:    e.registry.Len(),
		Scheduler: e.scheduler.Stats(),
		Dropped:   e.bus.Dropped(),
	}
	for _, t := range e.tasks {
		st.Tasks[t.Status]++
	}
	for _, c := range e.chains {
		st.Chains[c.Status()]++
	}
	return st
}

func (e *Engine) publish(ev types.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.bus.Publish(ev)
}
