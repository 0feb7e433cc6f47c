package store

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/events"
	"github.com/BaSui01/swarmflow/types"
)

// Subscriber is the part of the engine the persister needs.
type Subscriber interface {
	Subscribe(buffer int, eventTypes ...types.EventType) *events.Subscription
}

// persistedEvents are the transitions worth a snapshot.
var persistedEvents = []types.EventType{
	types.EventTaskScheduled,
	types.EventTaskCompleted,
	types.EventTaskFailed,
	types.EventTaskCancelled,
	types.EventChainCreated,
	types.EventChainCompleted,
	types.EventChainFailed,
	types.EventChainRemapped,
}

// MinPersistBuffer is the smallest subscription buffer a Persister uses.
// The bus never blocks publishers, so a short buffer loses snapshots
// during bursts.
const MinPersistBuffer = 1024

// Persister writes the task and chain snapshots carried by engine events
// to a Store.
type Persister struct {
	store   Store
	sub     *events.Subscription
	timeout time.Duration
	logger  *zap.Logger

	saved       atomic.Uint64
	failed      atomic.Uint64
	seenDropped uint64
}

// NewPersister subscribes to src immediately so no event published after
// it returns is missed. buffer is raised to MinPersistBuffer.
func NewPersister(src Subscriber, st Store, buffer int, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Persister{
		store:   st,
		sub:     src.Subscribe(max(buffer, MinPersistBuffer), persistedEvents...),
		timeout: 5 * time.Second,
		logger:  logger.With(zap.String("component", "persister")),
	}
}

// Run saves snapshots until the event stream closes or ctx is done.
// Storage errors are logged and counted, never returned.
func (p *Persister) Run(ctx context.Context) error {
	defer p.sub.Unsubscribe()
	defer p.checkDropped()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-p.sub.C():
			if !ok {
				return nil
			}
			p.handle(ev)
			p.checkDropped()
		}
	}
}

// checkDropped logs snapshots the bus discarded since the last check.
// Only Run calls it.
func (p *Persister) checkDropped() {
	total := p.sub.Dropped()
	if total == p.seenDropped {
		return
	}
	p.logger.Warn("snapshot events dropped, store may be stale",
		zap.Uint64("dropped", total-p.seenDropped),
		zap.Uint64("dropped_total", total),
	)
	p.seenDropped = total
}

func (p *Persister) handle(ev types.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	var err error
	switch {
	case ev.Chain != nil:
		err = p.store.SaveChain(ctx, ev.Chain)
	case ev.Task != nil:
		err = p.store.SaveTask(ctx, ev.Task)
	default:
		return
	}
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("snapshot not saved",
			zap.String("event", string(ev.Type)),
			zap.String("task_id", ev.TaskID),
			zap.String("chain_id", ev.ChainID),
			zap.Error(err),
		)
		return
	}
	p.saved.Add(1)
}

// Saved returns the number of snapshots written.
func (p *Persister) Saved() uint64 { return p.saved.Load() }

// Failed returns the number of snapshots that never reached the store,
// whether the write failed or the event was dropped.
func (p *Persister) Failed() uint64 { return p.failed.Load() + p.sub.Dropped() }

// Dropped returns the number of snapshot events the bus discarded because
// the persister fell behind.
func (p *Persister) Dropped() uint64 { return p.sub.Dropped() }
