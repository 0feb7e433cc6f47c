package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func newTestBreaker(threshold int) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := New(&Config{
		Threshold:        threshold,
		Timeout:          time.Second,
		ResetTimeout:     10 * time.Second,
		HalfOpenMaxCalls: 1,
	}, zap.NewNop())
	b.SetClock(func() time.Time { return now })
	return b, &now
}

func TestNew_DefaultsCorrected(t *testing.T) {
	b := New(&Config{Threshold: 0, Timeout: -1, HalfOpenMaxCalls: 0}, nil)
	assert.Equal(t, 5, b.config.Threshold)
	assert.Equal(t, 2*time.Second, b.config.Timeout)
	assert.Equal(t, 30*time.Second, b.config.ResetTimeout)
	assert.Equal(t, 1, b.config.HalfOpenMaxCalls)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(2)
	ctx := context.Background()
	fail := func(context.Context) error { return errBoom }

	assert.ErrorIs(t, b.Call(ctx, fail), errBoom)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.Call(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Call(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, now := newTestBreaker(1)
	ctx := context.Background()

	require.Error(t, b.Call(ctx, func(context.Context) error { return errBoom }))
	require.Equal(t, StateOpen, b.State())

	*now = now.Add(11 * time.Second)
	v, err := Do(b, ctx, func(context.Context) (float64, error) { return 0.7, nil })
	require.NoError(t, err)
	assert.Equal(t, 0.7, v)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1)
	ctx := context.Background()

	require.Error(t, b.Call(ctx, func(context.Context) error { return errBoom }))
	*now = now.Add(11 * time.Second)
	require.Error(t, b.Call(ctx, func(context.Context) error { return errBoom }))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_Timeout(t *testing.T) {
	b := New(&Config{Threshold: 1, Timeout: 20 * time.Millisecond}, nil)
	err := b.Call(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_IsFailureFilter(t *testing.T) {
	ignored := errors.New("not my fault")
	b := New(&Config{Threshold: 1, IsFailure: func(err error) bool { return !errors.Is(err, ignored) }}, nil)

	err := b.Call(context.Background(), func(context.Context) error { return ignored })
	assert.ErrorIs(t, err, ignored)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b, _ := newTestBreaker(1)
	require.Error(t, b.Call(context.Background(), func(context.Context) error { return errBoom }))
	b.Reset()
	assert.Equal(t, StateClosed, b.State())
}
