package engine

import (
	"time"

	"github.com/BaSui01/swarmflow/agent/affinity"
	"github.com/BaSui01/swarmflow/agent/registry"
	"github.com/BaSui01/swarmflow/collaboration"
	"github.com/BaSui01/swarmflow/config"
	"github.com/BaSui01/swarmflow/recovery"
	"github.com/BaSui01/swarmflow/scheduler"
)

// Config wires the component configurations together.
type Config struct {
	Scheduler     scheduler.Config
	Registry      registry.Config
	Collaboration collaboration.Config
	Recovery      recovery.Config
	Affinity      affinity.GuardConfig

	// TaskTimeout bounds a collaboration session; zero disables timeouts.
	TaskTimeout time.Duration
	// FailureRatioThreshold fails a chain whose failed fraction exceeds it
	// once remapping is rejected.
	FailureRatioThreshold float64
	TickInterval          time.Duration
	SweepInterval         time.Duration
	EventBuffer           int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Scheduler:             scheduler.DefaultConfig(),
		Registry:              registry.DefaultConfig(),
		Collaboration:         collaboration.DefaultConfig(),
		Recovery:              recovery.DefaultConfig(),
		Affinity:              affinity.GuardConfig{FailureThreshold: 5, ResetTimeout: 30 * time.Second},
		TaskTimeout:           45 * time.Second,
		FailureRatioThreshold: 0.3,
		TickInterval:          100 * time.Millisecond,
		SweepInterval:         time.Second,
		EventBuffer:           256,
	}
}

// FromConfig maps the loaded application configuration onto the engine.
func FromConfig(cfg *config.Config) Config {
	ec := cfg.Engine
	out := DefaultConfig()

	out.Scheduler = scheduler.Config{
		MaxConcurrentTasks:     ec.MaxConcurrentTasks,
		MaxDispatchPerTick:     ec.MaxDispatchPerTick,
		NoAgentBackoff:         ec.NoAgentBackoff,
		MaxCapabilityDeferrals: ec.MaxCapabilityDeferrals,
		DispatchRate:           ec.DispatchRate,
		DispatchBurst:          ec.DispatchBurst,
	}
	out.Registry = registry.Config{
		HeatDecayRate:        ec.HeatDecayRate,
		HeatIncrement:        ec.HeatIncrement,
		MinCapabilityOverlap: ec.MinCapabilityOverlap,
	}
	if cfg.Affinity.Enabled {
		out.Registry.AffinityWeight = cfg.Affinity.Weight
	}
	out.Collaboration = collaboration.Config{
		ConvergenceThreshold: ec.ConvergenceThreshold,
		MaxIterations:        ec.MaxIterations,
	}
	out.Recovery = recovery.Config{
		MaxRetryAttempts:       ec.MaxRetryAttempts,
		RetryBackoff:           ec.RetryBackoff,
		RetryMultiplier:        ec.RetryMultiplier,
		MaxRetryBackoff:        ec.MaxRetryBackoff,
		PathStabilityThreshold: ec.PathStabilityThreshold,
		MaxRemaps:              ec.MaxRemaps,
		MaxOffendingAgents:     out.Recovery.MaxOffendingAgents,
		DominanceRatio:         out.Recovery.DominanceRatio,
	}
	out.Affinity = affinity.GuardConfig{
		FailureThreshold: cfg.Affinity.FailureThreshold,
		ResetTimeout:     cfg.Affinity.ResetTimeout,
	}
	out.TaskTimeout = ec.TaskTimeout
	out.FailureRatioThreshold = ec.ChainFailureRatio
	out.TickInterval = ec.TickInterval
	out.SweepInterval = ec.SweepInterval
	out.EventBuffer = cfg.Events.BufferSize
	return out
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Collaboration.ConvergenceThreshold <= 0 {
		c.Collaboration.ConvergenceThreshold = def.Collaboration.ConvergenceThreshold
	}
	if c.Collaboration.MaxIterations <= 0 {
		c.Collaboration.MaxIterations = def.Collaboration.MaxIterations
	}
	if c.FailureRatioThreshold <= 0 {
		c.FailureRatioThreshold = def.FailureRatioThreshold
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
}
