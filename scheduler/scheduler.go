package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/BaSui01/swarmflow/agent/registry"
	"github.com/BaSui01/swarmflow/types"
)

// ErrTickInProgress is returned when Tick is called while another tick runs.
var ErrTickInProgress = errors.New("scheduler: tick already in progress")

// Priority shaping constants.
const (
	WaitBonusPerSecond = 0.1
	MaxWaitBonus       = 5.0
	ComplexityPenalty  = 0.2
	MaxDeadlineBonus   = 5.0
	DeadlineWindow     = 60 * time.Second
)

// Config controls dispatch throughput.
type Config struct {
	// MaxConcurrentTasks bounds tasks with a live collaboration session.
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`

	// MaxDispatchPerTick bounds how many tasks one tick dispatches.
	MaxDispatchPerTick int `json:"max_dispatch_per_tick"`

	// NoAgentBackoff delays a task for which no agent could be selected.
	NoAgentBackoff time.Duration `json:"no_agent_backoff"`

	// MaxCapabilityDeferrals is how often a task may find no capable agent
	// before it is rejected.
	MaxCapabilityDeferrals int `json:"max_capability_deferrals"`

	// DispatchRate limits dispatches per second. Zero disables the limit.
	DispatchRate float64 `json:"dispatch_rate"`

	// DispatchBurst is the limiter burst size.
	DispatchBurst int `json:"dispatch_burst"`
}

// DefaultConfig returns the standard scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks:     10,
		MaxDispatchPerTick:     1,
		NoAgentBackoff:         2 * time.Second,
		MaxCapabilityDeferrals: 3,
		DispatchBurst:          1,
	}
}

// Readiness tells the scheduler what to do with a queued task.
type Readiness int

const (
	// Ready tasks are selected for and dispatched.
	Ready Readiness = iota
	// Blocked tasks stay queued, typically on unmet dependencies.
	Blocked
	// Gone tasks are dropped from the queue.
	Gone
)

// Selector picks agents for a task.
type Selector interface {
	Select(ctx context.Context, task *types.Task, excluded map[string]struct{}) (registry.Selection, error)
}

// Dispatcher owns the tasks the scheduler queues. The scheduler never holds
// its own lock while calling it.
type Dispatcher interface {
	// Prepare returns a snapshot of the task and the agents it must avoid.
	Prepare(taskID string) (*types.Task, map[string]struct{}, Readiness)

	// Dispatch starts execution with the selected agents. An error drops
	// the task from the scheduler.
	Dispatch(ctx context.Context, taskID string, sel registry.Selection) error

	// Deferred reports that no agent was selected and the task will be
	// retried after delay.
	Deferred(taskID string, cause error, deferrals int, delay time.Duration)

	// Rejected reports that the task exhausted its capability deferrals.
	Rejected(taskID string, cause error)
}

// TickResult summarises one tick.
type TickResult struct {
	Promoted   int
	Dispatched int
	Deferred   int
	Rejected   int
	Dropped    int
}

// Stats is a point-in-time view of the queues.
type Stats struct {
	Pending       int `json:"pending"`
	Delayed       int `json:"delayed"`
	Active        int `json:"active"`
	MaxConcurrent int `json:"max_concurrent"`
}

// Scheduler keeps pending and delayed tasks and dispatches the highest
// priority ready ones each tick.
type Scheduler struct {
	config     Config
	selector   Selector
	dispatcher Dispatcher
	slots      *semaphore.Weighted
	limiter    *rate.Limiter
	logger     *zap.Logger

	ticking atomic.Bool

	mu      sync.Mutex
	now     func() time.Time
	pending priorityQueue
	delayed delayQueue
	entries map[string]*entry
	active  int
	seq     uint64
}

// New creates a scheduler.
func New(config Config, selector Selector, dispatcher Dispatcher, logger *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if config.MaxConcurrentTasks <= 0 {
		config.MaxConcurrentTasks = def.MaxConcurrentTasks
	}
	if config.MaxDispatchPerTick <= 0 {
		config.MaxDispatchPerTick = def.MaxDispatchPerTick
	}
	if config.NoAgentBackoff <= 0 {
		config.NoAgentBackoff = def.NoAgentBackoff
	}
	if config.MaxCapabilityDeferrals <= 0 {
		config.MaxCapabilityDeferrals = def.MaxCapabilityDeferrals
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		config:     config,
		selector:   selector,
		dispatcher: dispatcher,
		slots:      semaphore.NewWeighted(int64(config.MaxConcurrentTasks)),
		logger:     logger.With(zap.String("component", "scheduler")),
		now:        time.Now,
		entries:    make(map[string]*entry),
	}
	if config.DispatchRate > 0 {
		burst := config.DispatchBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(config.DispatchRate), burst)
	}
	return s
}

// SetClock replaces the time source. Intended for tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ScheduleTask queues task for dispatch. A task already queued, delayed or
// active is left untouched.
func (s *Scheduler) ScheduleTask(task *types.Task) bool {
	return s.enqueue(task, 0)
}

// ScheduleAfter queues task for dispatch once d has elapsed.
func (s *Scheduler) ScheduleAfter(task *types.Task, d time.Duration) bool {
	return s.enqueue(task, d)
}

func (s *Scheduler) enqueue(task *types.Task, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[task.ID]; exists {
		return false
	}
	now := s.now()
	s.seq++
	e := &entry{
		taskID:     task.ID,
		base:       task.Priority,
		complexity: task.Complexity,
		enqueuedAt: now,
		deferrals:  task.Deferrals,
		seq:        s.seq,
	}
	if task.Deadline != nil {
		dl := *task.Deadline
		e.deadline = &dl
	}
	s.entries[task.ID] = e

	if d > 0 {
		e.state = stateDelayed
		e.readyAt = now.Add(d)
		heap.Push(&s.delayed, e)
	} else {
		e.state = statePending
		e.priority = s.priorityLocked(e, now)
		heap.Push(&s.pending, e)
	}
	return true
}

// Remove drops a pending or delayed task. Active tasks are not affected.
func (s *Scheduler) Remove(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return false
	}
	switch e.state {
	case statePending:
		heap.Remove(&s.pending, e.index)
	case stateDelayed:
		heap.Remove(&s.delayed, e.index)
	case stateInFlight:
		e.removed = true
	case stateActive:
		return false
	}
	delete(s.entries, taskID)
	return true
}

// Release frees the concurrency slot held by an active task. A task whose
// session ends while its dispatch is still returning is released as soon
// as the dispatch completes.
func (s *Scheduler) Release(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[taskID]
	if !ok {
		return false
	}
	switch e.state {
	case stateInFlight:
		e.released = true
		delete(s.entries, taskID)
		return true
	case stateActive:
		delete(s.entries, taskID)
		s.active--
		s.slots.Release(1)
		return true
	default:
		return false
	}
}

// Contains reports whether the task is queued, delayed or active.
func (s *Scheduler) Contains(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[taskID]
	return ok
}

// Load is the fraction of concurrency slots in use.
func (s *Scheduler) Load() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return float64(s.active) / float64(s.config.MaxConcurrentTasks)
}

// MaxConcurrent returns the slot count.
func (s *Scheduler) MaxConcurrent() int {
	return s.config.MaxConcurrentTasks
}

// Stats returns current queue sizes.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Pending:       s.pending.Len(),
		Delayed:       s.delayed.Len(),
		Active:        s.active,
		MaxConcurrent: s.config.MaxConcurrentTasks,
	}
}

// NextWake returns when the earliest delayed task becomes due.
func (s *Scheduler) NextWake() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delayed.Len() == 0 {
		return time.Time{}, false
	}
	return s.delayed[0].readyAt, true
}

// Tick promotes due delayed tasks, recomputes priorities and dispatches up
// to MaxDispatchPerTick ready tasks. Concurrent calls fail with
// ErrTickInProgress.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	if !s.ticking.CompareAndSwap(false, true) {
		return TickResult{}, ErrTickInProgress
	}
	defer s.ticking.Store(false)

	var res TickResult
	s.mu.Lock()
	now := s.now()
	res.Promoted = promoteDue(&s.delayed, &s.pending, now)
	for _, e := range s.pending {
		e.priority = s.priorityLocked(e, now)
	}
	heap.Init(&s.pending)
	s.mu.Unlock()

	var skipped []*entry
	for res.Dispatched < s.config.MaxDispatchPerTick {
		if err := ctx.Err(); err != nil {
			s.requeue(skipped)
			return res, err
		}
		e := s.popPending()
		if e == nil {
			break
		}
		if !s.slots.TryAcquire(1) {
			skipped = append(skipped, e)
			break
		}

		task, excluded, readiness := s.dispatcher.Prepare(e.taskID)
		switch readiness {
		case Gone:
			s.slots.Release(1)
			s.drop(e)
			res.Dropped++
			continue
		case Blocked:
			s.slots.Release(1)
			skipped = append(skipped, e)
			continue
		}

		sel, err := s.selector.Select(ctx, task, excluded)
		if err != nil {
			s.slots.Release(1)
			if s.handleSelectionError(e, err) {
				res.Rejected++
			} else {
				res.Deferred++
			}
			continue
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.slots.Release(1)
			skipped = append(skipped, e)
			break
		}

		if err := s.dispatcher.Dispatch(ctx, e.taskID, sel); err != nil {
			s.slots.Release(1)
			s.drop(e)
			res.Dropped++
			s.logger.Warn("dispatch failed, task dropped from queue",
				zap.String("task_id", e.taskID),
				zap.Error(err),
			)
			continue
		}
		s.activate(e)
		res.Dispatched++
	}
	s.requeue(skipped)
	return res, nil
}

// handleSelectionError defers or rejects e. It returns true on rejection.
func (s *Scheduler) handleSelectionError(e *entry, err error) bool {
	if types.IsErrorCode(err, types.ErrCapabilityMismatch) {
		e.deferrals++
		if e.deferrals >= s.config.MaxCapabilityDeferrals {
			s.drop(e)
			s.logger.Warn("no capable agent, task rejected",
				zap.String("task_id", e.taskID),
				zap.Int("deferrals", e.deferrals),
			)
			s.dispatcher.Rejected(e.taskID, err)
			return true
		}
	}
	if !s.delay(e, s.config.NoAgentBackoff) {
		return false
	}
	s.logger.Debug("no agent selected, task deferred",
		zap.String("task_id", e.taskID),
		zap.Int("deferrals", e.deferrals),
		zap.Error(err),
	)
	s.dispatcher.Deferred(e.taskID, err, e.deferrals, s.config.NoAgentBackoff)
	return false
}

func (s *Scheduler) popPending() *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return nil
	}
	e := heap.Pop(&s.pending).(*entry)
	e.state = stateInFlight
	return e
}

func (s *Scheduler) delay(e *entry, d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.removed {
		return false
	}
	e.state = stateDelayed
	e.readyAt = s.now().Add(d)
	heap.Push(&s.delayed, e)
	return true
}

func (s *Scheduler) activate(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.released {
		s.slots.Release(1)
		return
	}
	if e.removed {
		// Removed while dispatching: the dispatcher already owns the task,
		// so keep tracking the slot until Release.
		e.removed = false
		s.entries[e.taskID] = e
	}
	e.state = stateActive
	s.active++
}

func (s *Scheduler) drop(e *entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[e.taskID]; ok && cur == e {
		delete(s.entries, e.taskID)
	}
}

func (s *Scheduler) requeue(es []*entry) {
	if len(es) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range es {
		if e.removed {
			continue
		}
		e.state = statePending
		heap.Push(&s.pending, e)
	}
}

func (s *Scheduler) priorityLocked(e *entry, now time.Time) float64 {
	return Priority(e.base, e.complexity, e.deadline, e.enqueuedAt, now)
}

// Priority is the effective priority of a queued task: the explicit
// priority plus a wait bonus and a deadline urgency bonus, minus a
// complexity penalty.
func Priority(base float64, complexity int, deadline *time.Time, enqueuedAt, now time.Time) float64 {
	p := base
	if waited := now.Sub(enqueuedAt).Seconds(); waited > 0 {
		p += math.Min(MaxWaitBonus, waited*WaitBonusPerSecond)
	}
	p -= ComplexityPenalty * float64(complexity)
	if deadline != nil {
		remaining := deadline.Sub(now)
		switch {
		case remaining <= 0:
			p += MaxDeadlineBonus
		case remaining < DeadlineWindow:
			p += MaxDeadlineBonus * (1 - remaining.Seconds()/DeadlineWindow.Seconds())
		}
	}
	return p
}
