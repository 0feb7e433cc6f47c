// =============================================================================
// 📦 SwarmFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Engine:    DefaultEngineConfig(),
		Affinity:  DefaultAffinityConfig(),
		Events:    DefaultEventsConfig(),
		Store:     DefaultStoreConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultEngineConfig 返回默认引擎配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentTasks:     10,
		ConvergenceThreshold:   0.9,
		MaxIterations:          10,
		TaskTimeout:            45 * time.Second,
		HeatDecayRate:          0.1,
		HeatIncrement:          0.25,
		MaxRetryAttempts:       3,
		RetryBackoff:           5 * time.Second,
		RetryMultiplier:        1.0,
		MaxRetryBackoff:        time.Minute,
		PathStabilityThreshold: 0.6,
		MaxRemaps:              3,
		ChainFailureRatio:      0.3,
		NoAgentBackoff:         2 * time.Second,
		MaxCapabilityDeferrals: 3,
		MinCapabilityOverlap:   0.3,
		MaxDispatchPerTick:     1,
		DispatchRate:           0,
		DispatchBurst:          1,
		TickInterval:           100 * time.Millisecond,
		SweepInterval:          time.Second,
	}
}

// DefaultAffinityConfig 返回默认亲和度配置
func DefaultAffinityConfig() AffinityConfig {
	return AffinityConfig{
		Enabled:          true,
		Weight:           0.3,
		Dimensions:       256,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// DefaultEventsConfig 返回默认事件总线配置
func DefaultEventsConfig() EventsConfig {
	return EventsConfig{
		BufferSize: 256,
	}
}

// DefaultStoreConfig 返回默认快照存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Backend:   "memory",
		KeyPrefix: "swarmflow",
		TTL:       24 * time.Hour,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "swarmflow",
		Password:        "",
		Name:            "swarmflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultServerConfig 返回默认运维端点配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Enabled:         false,
		HTTPPort:        9091,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stderr"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "swarmflow",
		SampleRate:   0.1,
	}
}
