package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow/config"
	"github.com/BaSui01/swarmflow/engine"
	"github.com/BaSui01/swarmflow/events"
	"github.com/BaSui01/swarmflow/internal/cache"
	"github.com/BaSui01/swarmflow/internal/database"
	"github.com/BaSui01/swarmflow/internal/metrics"
	"github.com/BaSui01/swarmflow/types"
)

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleChain() *types.TaskChain {
	return &types.TaskChain{
		ID:       "chain-1",
		Name:     "ingest",
		Strategy: types.StrategySequential,
		Status:   types.ChainRunning,
		Tasks: []*types.Task{
			{ID: "t1", ChainID: "chain-1", Status: types.TaskCompleted, Complexity: 1, MinAgents: 1, MaxAgents: 1,
				Result: &types.Result{AgentID: "a", Content: "done", Confidence: 0.9}, CreatedAt: created, UpdatedAt: created},
			{ID: "t2", ChainID: "chain-1", Status: types.TaskPending, Complexity: 1, MinAgents: 1, MaxAgents: 1,
				Dependencies: []string{"t1"}, CreatedAt: created.Add(time.Second), UpdatedAt: created.Add(time.Second)},
		},
		Dependencies: map[string][]string{"t1": {}, "t2": {"t1"}},
		Completed:    []string{"t1"},
		CreatedAt:    created,
		UpdatedAt:    created,
	}
}

// exerciseStore runs the behaviour every backend shares.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.LoadTask(ctx, "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))
	_, err = s.LoadChain(ctx, "missing")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	require.NoError(t, s.SaveChain(ctx, sampleChain()))
	standalone := &types.Task{ID: "solo", Status: types.TaskFailed, FailureReason: types.ReasonNoCapableAgent,
		Complexity: 1, MinAgents: 1, MaxAgents: 1, CreatedAt: created.Add(2 * time.Second), UpdatedAt: created}
	require.NoError(t, s.SaveTask(ctx, standalone))

	c, err := s.LoadChain(ctx, "chain-1")
	require.NoError(t, err)
	assert.Equal(t, "ingest", c.Name)
	assert.Equal(t, []string{"t1"}, c.Completed)
	require.Len(t, c.Tasks, 2)

	t1, err := s.LoadTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "done", t1.Result.Content)

	all, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "t1", all[0].ID)
	assert.Equal(t, "solo", all[2].ID)

	inChain, err := s.ListTasks(ctx, TaskFilter{ChainID: "chain-1"})
	require.NoError(t, err)
	assert.Len(t, inChain, 2)

	failed, err := s.ListTasks(ctx, TaskFilter{Status: types.TaskFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, types.ReasonNoCapableAgent, failed[0].FailureReason)

	// saving again replaces the snapshot
	updated := sampleChain()
	updated.Status = types.ChainCompleted
	updated.Tasks[1].Status = types.TaskCompleted
	updated.Completed = []string{"t1", "t2"}
	updated.UpdatedAt = created.Add(time.Minute)
	require.NoError(t, s.SaveChain(ctx, updated))

	c, err = s.LoadChain(ctx, "chain-1")
	require.NoError(t, err)
	assert.Equal(t, types.ChainCompleted, c.Status)
	t2, err := s.LoadTask(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, t2.Status)

	chains, err := s.ListChains(ctx)
	require.NoError(t, err)
	assert.Len(t, chains, 1)
}

func TestMemory(t *testing.T) {
	s := NewMemory()
	exerciseStore(t, s)

	// stored values are isolated from the caller
	task, err := s.LoadTask(context.Background(), "t1")
	require.NoError(t, err)
	task.Status = types.TaskFailed
	again, err := s.LoadTask(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, again.Status)

	require.NoError(t, s.Close())
	err = s.SaveTask(context.Background(), &types.Task{ID: "late"})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidState))
}

func newRedisStore(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	mgr, err := cache.NewManager(cache.Config{
		Addr:       mr.Addr(),
		KeyPrefix:  "swarmflow",
		DefaultTTL: time.Hour,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return NewRedis(mgr, 10*time.Minute, zaptest.NewLogger(t)), mr
}

func TestRedis(t *testing.T) {
	s, mr := newRedisStore(t)
	exerciseStore(t, s)

	assert.True(t, mr.Exists("swarmflow:task:t1"))
	assert.True(t, mr.Exists("swarmflow:chain:chain-1"))
	assert.Equal(t, 10*time.Minute, mr.TTL("swarmflow:task:solo"))

	mr.FastForward(11 * time.Minute)
	_, err := s.LoadTask(context.Background(), "solo")
	assert.True(t, types.IsErrorCode(err, types.ErrNotFound))

	require.NoError(t, s.Close())
	err = s.SaveTask(context.Background(), &types.Task{ID: "late"})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidState))
}

func sqliteConfig(t *testing.T) config.DatabaseConfig {
	t.Helper()
	cfg := config.DefaultDatabaseConfig()
	cfg.Driver = "sqlite"
	cfg.Name = filepath.Join(t.TempDir(), "snapshots.db")
	return cfg
}

func TestSQL(t *testing.T) {
	cfg := sqliteConfig(t)
	require.NoError(t, migrateUp(cfg))
	pm, err := database.Open(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollectorWith(reg, "store_test", zaptest.NewLogger(t))
	s := NewSQL(pm, zaptest.NewLogger(t))
	s.SetQueryRecorder(collector)

	exerciseStore(t, s)

	var row TaskSnapshot
	require.NoError(t, pm.DB().First(&row, "id = ?", "solo").Error)
	assert.Equal(t, string(types.ReasonNoCapableAgent), row.FailureReason)
	assert.Equal(t, string(types.TaskFailed), row.Status)

	var chainRow ChainSnapshot
	require.NoError(t, pm.DB().First(&chainRow, "id = ?", "chain-1").Error)
	assert.Equal(t, string(types.ChainCompleted), chainRow.Status)

	n, err := testutil.GatherAndCount(reg, "store_test_db_query_duration_seconds")
	require.NoError(t, err)
	assert.Positive(t, n)

	require.NoError(t, s.Close())
}

func TestNew(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("memory", func(t *testing.T) {
		cfg := config.DefaultConfig()
		s, err := New(cfg, nil, logger)
		require.NoError(t, err)
		assert.IsType(t, &Memory{}, s)
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.DefaultConfig()
		cfg.Store.Backend = "redis"
		cfg.Redis.Addr = mr.Addr()
		s, err := New(cfg, nil, logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		assert.IsType(t, &Redis{}, s)
	})

	t.Run("sql", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Store.Backend = "sql"
		cfg.Database = sqliteConfig(t)
		s, err := New(cfg, nil, logger)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		assert.IsType(t, &SQL{}, s)

		require.NoError(t, s.SaveTask(context.Background(), &types.Task{ID: "x", Status: types.TaskPending, CreatedAt: created, UpdatedAt: created}))
	})

	t.Run("unsupported", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Store.Backend = "etcd"
		_, err := New(cfg, nil, logger)
		assert.True(t, types.IsErrorCode(err, types.ErrConfiguration))
	})
}

func TestPersister_FollowsEngine(t *testing.T) {
	logger := zaptest.NewLogger(t)
	e := engine.New(engine.DefaultConfig(), engine.WithLogger(logger))
	st := NewMemory()
	p := NewPersister(e, st, 64, logger)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	_, err := e.RegisterAgent(types.AgentSpec{ID: "a", Type: "worker", Capabilities: []string{"x"}, MaxLoad: 2, Performance: 0.8},
		types.ProcessorFunc(func(_ context.Context, task types.Task) (*types.Result, error) {
			return &types.Result{Content: "did " + task.ID, Confidence: 0.9}, nil
		}))
	require.NoError(t, err)

	chainID, err := e.SubmitChain("pair", types.StrategySequential, []*types.Task{
		{ID: "t1", RequiredCapabilities: []string{"x"}},
		{ID: "t2", RequiredCapabilities: []string{"x"}, Dependencies: []string{"t1"}},
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := e.Tick(context.Background())
		require.NoError(t, err)
		e.WaitIdle()
		if c, _ := e.Chain(chainID); c != nil && c.Status == types.ChainCompleted {
			break
		}
	}

	e.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("persister did not stop after the bus closed")
	}

	c, err := st.LoadChain(context.Background(), chainID)
	require.NoError(t, err)
	assert.Equal(t, types.ChainCompleted, c.Status)

	t2, err := st.LoadTask(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, t2.Status)
	assert.Equal(t, "did t2", t2.Result.Content)

	assert.Positive(t, p.Saved())
	assert.Zero(t, p.Failed())
}

func TestPersister_StopsOnContext(t *testing.T) {
	e := engine.New(engine.DefaultConfig())
	t.Cleanup(e.Close)
	p := NewPersister(e, NewMemory(), 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Run(ctx), context.Canceled)
}

func TestPersister_CountsDroppedSnapshots(t *testing.T) {
	bus := events.NewBus(8, zaptest.NewLogger(t))
	st := NewMemory()
	p := NewPersister(bus, st, 8, zaptest.NewLogger(t))

	const extra = 5
	for i := 0; i < MinPersistBuffer+extra; i++ {
		bus.Publish(types.Event{Type: types.EventTaskCompleted, Task: &types.Task{ID: fmt.Sprintf("t%04d", i), Status: types.TaskCompleted}})
	}
	bus.Close()

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, uint64(MinPersistBuffer), p.Saved())
	assert.Equal(t, uint64(extra), p.Dropped())
	assert.Equal(t, uint64(extra), p.Failed())

	tasks, err := st.ListTasks(context.Background(), TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, MinPersistBuffer)
}
