package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/BaSui01/swarmflow/config"
)

func TestFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Engine.MaxConcurrentTasks = 4
	cfg.Engine.RetryBackoff = 2 * time.Second
	cfg.Engine.ChainFailureRatio = 0.5
	cfg.Events.BufferSize = 32
	cfg.Affinity.Weight = 0.4

	ec := FromConfig(cfg)
	assert.Equal(t, 4, ec.Scheduler.MaxConcurrentTasks)
	assert.Equal(t, 2*time.Second, ec.Recovery.RetryBackoff)
	assert.Equal(t, 3, ec.Recovery.MaxRetryAttempts)
	assert.Equal(t, 0.5, ec.FailureRatioThreshold)
	assert.Equal(t, 32, ec.EventBuffer)
	assert.Equal(t, 45*time.Second, ec.TaskTimeout)
	assert.Equal(t, 0.4, ec.Registry.AffinityWeight)
	assert.Equal(t, 5, ec.Affinity.FailureThreshold)

	cfg.Affinity.Enabled = false
	assert.Zero(t, FromConfig(cfg).Registry.AffinityWeight)
}

func TestConfig_ApplyDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()
	def := DefaultConfig()
	assert.Equal(t, def.TickInterval, c.TickInterval)
	assert.Equal(t, def.SweepInterval, c.SweepInterval)
	assert.Equal(t, def.FailureRatioThreshold, c.FailureRatioThreshold)
	assert.Equal(t, def.Collaboration.MaxIterations, c.Collaboration.MaxIterations)
	assert.Zero(t, c.TaskTimeout)
}
