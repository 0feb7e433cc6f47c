package affinity

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/swarmflow/internal/circuitbreaker"
	"github.com/BaSui01/swarmflow/types"
)

// GuardConfig tunes the breaker around a Model.
type GuardConfig struct {
	FailureThreshold int
	CallTimeout      time.Duration
	ResetTimeout     time.Duration
}

// Guarded wraps a Model with a circuit breaker. While the breaker is open
// ScoreAffinity fails fast with circuitbreaker.ErrCircuitOpen.
type Guarded struct {
	inner   Model
	breaker *circuitbreaker.Breaker
}

// NewGuarded wraps inner. Zero-valued config fields take breaker defaults.
func NewGuarded(inner Model, cfg GuardConfig, logger *zap.Logger) *Guarded {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := circuitbreaker.New(&circuitbreaker.Config{
		Threshold:        cfg.FailureThreshold,
		Timeout:          cfg.CallTimeout,
		ResetTimeout:     cfg.ResetTimeout,
		HalfOpenMaxCalls: 1,
	}, logger.With(zap.String("model", "affinity")))
	return &Guarded{inner: inner, breaker: cb}
}

// ScoreAffinity implements Model.
func (g *Guarded) ScoreAffinity(ctx context.Context, agent types.AgentState, task *types.Task) (float64, error) {
	score, err := circuitbreaker.Do(g.breaker, ctx, func(ctx context.Context) (float64, error) {
		return g.inner.ScoreAffinity(ctx, agent, task)
	})
	if err != nil {
		return 0, fmt.Errorf("affinity for agent %s: %w", agent.ID, err)
	}
	if score < 0 || score > 1 {
		return clamp01(score), nil
	}
	return score, nil
}

// Breaker exposes the underlying breaker for inspection.
func (g *Guarded) Breaker() *circuitbreaker.Breaker {
	return g.breaker
}
