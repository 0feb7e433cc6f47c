package cache

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Manager 测试
// =============================================================================

type countingRecorder struct {
	mu     sync.Mutex
	hits   map[string]int
	misses map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{hits: map[string]int{}, misses: map[string]int{}}
}

func (r *countingRecorder) RecordCacheHit(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hits[kind]++
}

func (r *countingRecorder) RecordCacheMiss(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.misses[kind]++
}

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Manager) {
	t.Helper()
	mr := miniredis.RunT(t)
	manager, err := NewManager(Config{
		Addr:       mr.Addr(),
		KeyPrefix:  "test",
		DefaultTTL: time.Minute,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return mr, manager
}

func TestNewManager_Unreachable(t *testing.T) {
	_, err := NewManager(Config{Addr: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
}

func TestManager_Key(t *testing.T) {
	_, manager := setupTestRedis(t)
	assert.Equal(t, "test:task:t1", manager.Key("task", "t1"))

	manager.config.KeyPrefix = ""
	assert.Equal(t, "task:t1", manager.Key("task", "t1"))
}

func TestManager_SetAndGet(t *testing.T) {
	mr, manager := setupTestRedis(t)
	rec := newCountingRecorder()
	manager.SetRecorder(rec)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "k", "v", 0))
	val, err := manager.Get(ctx, "task", "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	_, err = manager.Get(ctx, "task", "missing")
	assert.True(t, IsCacheMiss(err))

	assert.Equal(t, 1, rec.hits["task"])
	assert.Equal(t, 1, rec.misses["task"])
}

func TestManager_JSON(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	type snapshot struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	require.NoError(t, manager.SetJSON(ctx, "snap", snapshot{ID: "a", Status: "pending"}, time.Hour))

	var got snapshot
	require.NoError(t, manager.GetJSON(ctx, "task", "snap", &got))
	assert.Equal(t, snapshot{ID: "a", Status: "pending"}, got)

	assert.Error(t, manager.SetJSON(ctx, "bad", make(chan int), 0))

	require.NoError(t, manager.Set(ctx, "garbage", "{not json", 0))
	assert.Error(t, manager.GetJSON(ctx, "task", "garbage", &got))
}

func TestManager_ScanAndDelete(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	for _, k := range []string{"test:task:a", "test:task:b", "test:chain:c"} {
		require.NoError(t, manager.Set(ctx, k, "x", 0))
	}
	keys, err := manager.Scan(ctx, "test:task:*")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"test:task:a", "test:task:b"}, keys)

	require.NoError(t, manager.Delete(ctx, keys...))
	keys, err = manager.Scan(ctx, "test:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"test:chain:c"}, keys)
	assert.NoError(t, manager.Delete(ctx))
}

func TestManager_TTLExpiry(t *testing.T) {
	mr, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Set(ctx, "short", "x", 2*time.Second))
	ttl, err := manager.TTL(ctx, "short")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, ttl)

	mr.FastForward(3 * time.Second)
	_, err = manager.Get(ctx, "task", "short")
	assert.True(t, IsCacheMiss(err))
}

func TestManager_Closed(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, manager.Ping(ctx))
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close())

	_, err := manager.Get(ctx, "task", "k")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, manager.Set(ctx, "k", "v", 0), ErrClosed)
	assert.ErrorIs(t, manager.Ping(ctx), ErrClosed)
}

func TestManager_HealthCheckFailed(t *testing.T) {
	mr, manager := setupTestRedis(t)
	mr.Close()
	assert.Error(t, manager.Ping(context.Background()))
}

func TestManager_ConcurrentOperations(t *testing.T) {
	_, manager := setupTestRedis(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := manager.Key("task", string(rune('a'+i)))
			assert.NoError(t, manager.Set(ctx, key, "v", 0))
			_, err := manager.Get(ctx, "task", key)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	keys, err := manager.Scan(ctx, "test:task:*")
	require.NoError(t, err)
	assert.Len(t, keys, 10)
}
