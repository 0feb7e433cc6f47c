package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/internal/cache"
	"github.com/BaSui01/swarmflow/types"
)

// Redis stores JSON snapshots through the cache manager. Every write
// refreshes the TTL.
type Redis struct {
	cache  *cache.Manager
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis wraps an open cache manager. ttl 0 uses the manager default.
func NewRedis(mgr *cache.Manager, ttl time.Duration, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		cache:  mgr,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "redis_store")),
	}
}

func (r *Redis) taskKey(id string) string  { return r.cache.Key("task", id) }
func (r *Redis) chainKey(id string) string { return r.cache.Key("chain", id) }

func (r *Redis) SaveTask(ctx context.Context, task *types.Task) error {
	if err := r.cache.SetJSON(ctx, r.taskKey(task.ID), task, r.ttl); err != nil {
		return wrapClosed(err)
	}
	return nil
}

func (r *Redis) LoadTask(ctx context.Context, id string) (*types.Task, error) {
	var t types.Task
	if err := r.cache.GetJSON(ctx, "task", r.taskKey(id), &t); err != nil {
		if cache.IsCacheMiss(err) {
			return nil, notFound("task", id)
		}
		return nil, wrapClosed(err)
	}
	return &t, nil
}

// ListTasks scans every task key. Keys that expire between the scan and
// the read are skipped.
func (r *Redis) ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error) {
	keys, err := r.cache.Scan(ctx, r.taskKey("*"))
	if err != nil {
		return nil, wrapClosed(err)
	}
	var out []*types.Task
	for _, key := range keys {
		var t types.Task
		if err := r.cache.GetJSON(ctx, "task", key, &t); err != nil {
			if cache.IsCacheMiss(err) {
				continue
			}
			return nil, err
		}
		if filter.Match(&t) {
			out = append(out, &t)
		}
	}
	sortTasks(out)
	return out, nil
}

// SaveChain writes the chain and one key per embedded task.
func (r *Redis) SaveChain(ctx context.Context, chain *types.TaskChain) error {
	if err := r.cache.SetJSON(ctx, r.chainKey(chain.ID), chain, r.ttl); err != nil {
		return wrapClosed(err)
	}
	for _, t := range chain.Tasks {
		if err := r.SaveTask(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) LoadChain(ctx context.Context, id string) (*types.TaskChain, error) {
	var c types.TaskChain
	if err := r.cache.GetJSON(ctx, "chain", r.chainKey(id), &c); err != nil {
		if cache.IsCacheMiss(err) {
			return nil, notFound("chain", id)
		}
		return nil, wrapClosed(err)
	}
	return &c, nil
}

func (r *Redis) ListChains(ctx context.Context) ([]*types.TaskChain, error) {
	keys, err := r.cache.Scan(ctx, r.chainKey("*"))
	if err != nil {
		return nil, wrapClosed(err)
	}
	out := make([]*types.TaskChain, 0, len(keys))
	for _, key := range keys {
		var c types.TaskChain
		if err := r.cache.GetJSON(ctx, "chain", key, &c); err != nil {
			if cache.IsCacheMiss(err) {
				continue
			}
			return nil, err
		}
		out = append(out, &c)
	}
	sortChains(out)
	return out, nil
}

func (r *Redis) Close() error {
	return r.cache.Close()
}

func wrapClosed(err error) error {
	if errors.Is(err, cache.ErrClosed) {
		return errClosed
	}
	return fmt.Errorf("redis store: %w", err)
}
