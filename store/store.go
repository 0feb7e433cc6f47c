// Package store persists task and chain snapshots so that a run can be
// inspected after the fact.
//
// Supported backends:
//   - memory: for development and tests (default)
//   - redis: JSON snapshots with a TTL, keyed <prefix>:task:<id> and <prefix>:chain:<id>
//   - sql: task_snapshots / chain_snapshots tables through gorm (postgres, mysql, sqlite)
//
// Snapshots are written by a Persister that follows the engine's event bus;
// the engine itself never waits on storage.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/config"
	"github.com/BaSui01/swarmflow/internal/cache"
	"github.com/BaSui01/swarmflow/internal/database"
	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/internal/migration"
	"github.com/BaSui01/swarmflow/types"
)

var errClosed = types.NewError(types.ErrInvalidState, "store is closed")

// Backend names a storage backend.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendRedis  Backend = "redis"
	BackendSQL    Backend = "sql"
)

// Store saves and loads snapshots. Saving an existing id replaces it.
type Store interface {
	SaveTask(ctx context.Context, task *types.Task) error
	// LoadTask returns a NOT_FOUND error for unknown ids.
	LoadTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*types.Task, error)

	SaveChain(ctx context.Context, chain *types.TaskChain) error
	LoadChain(ctx context.Context, id string) (*types.TaskChain, error)
	ListChains(ctx context.Context) ([]*types.TaskChain, error)

	Close() error
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	ChainID string
	Status  types.TaskStatus
}

// Match reports whether task passes the filter.
func (f TaskFilter) Match(task *types.Task) bool {
	if f.ChainID != "" && task.ChainID != f.ChainID {
		return false
	}
	if f.Status != "" && task.Status != f.Status {
		return false
	}
	return true
}

// New opens the backend selected by cfg.Store.Backend. A non-nil collector
// receives cache and database statistics.
func New(cfg *config.Config, collector *metrics.Collector, logger *zap.Logger) (Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch Backend(strings.ToLower(cfg.Store.Backend)) {
	case BackendMemory, "":
		return NewMemory(), nil
	case BackendRedis:
		mgr, err := cache.NewManager(cache.Config{
			Addr:                cfg.Redis.Addr,
			Password:            cfg.Redis.Password,
			DB:                  cfg.Redis.DB,
			KeyPrefix:           cfg.Store.KeyPrefix,
			DefaultTTL:          cfg.Store.TTL,
			PoolSize:            cfg.Redis.PoolSize,
			MinIdleConns:        cfg.Redis.MinIdleConns,
			HealthCheckInterval: cache.DefaultConfig().HealthCheckInterval,
		}, logger)
		if err != nil {
			return nil, err
		}
		if collector != nil {
			mgr.SetRecorder(collector)
		}
		return NewRedis(mgr, cfg.Store.TTL, logger), nil
	case BackendSQL:
		if err := migrateUp(cfg.Database); err != nil {
			return nil, err
		}
		pm, err := database.Open(cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		s := NewSQL(pm, logger)
		if collector != nil {
			pm.SetRecorder(collector)
			s.SetQueryRecorder(collector)
		}
		return s, nil
	default:
		return nil, types.NewError(types.ErrConfiguration, fmt.Sprintf("unsupported store backend %q", cfg.Store.Backend))
	}
}

// migrateUp brings the snapshot schema to the latest version.
func migrateUp(dbCfg config.DatabaseConfig) error {
	m, err := migration.NewMigratorFromConfig(dbCfg)
	if err != nil {
		return fmt.Errorf("store: open migrator: %w", err)
	}
	defer m.Close()

	ctx := context.Background()
	if err := m.Up(ctx); err != nil {
		return fmt.Errorf("store: migrate snapshot schema: %w", err)
	}
	state, err := migration.Inspect(ctx, m)
	if err != nil {
		return fmt.Errorf("store: inspect snapshot schema: %w", err)
	}
	if !state.Ready() {
		return types.NewError(types.ErrConfiguration, "store: "+state.Summary())
	}
	return nil
}

func notFound(kind, id string) error {
	return types.NewError(types.ErrNotFound, fmt.Sprintf("%s %s not found", kind, id))
}

func sortTasks(tasks []*types.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func sortChains(chains []*types.TaskChain) {
	sort.Slice(chains, func(i, j int) bool {
		if !chains[i].CreatedAt.Equal(chains[j].CreatedAt) {
			return chains[i].CreatedAt.Before(chains[j].CreatedAt)
		}
		return chains[i].ID < chains[j].ID
	})
}
