// =============================================================================
// 📦 SwarmFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("swarmflow.yaml").
//	    WithEnvPrefix("SWARMFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/swarmflow/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 SwarmFlow 的完整配置结构
type Config struct {
	// Engine 调度与收敛引擎配置
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Affinity 亲和度模型配置
	Affinity AffinityConfig `yaml:"affinity" env:"AFFINITY"`

	// Events 事件总线配置
	Events EventsConfig `yaml:"events" env:"EVENTS"`

	// Store 快照持久化配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Redis 缓存配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// Server 运维 HTTP 端点配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Agents 模拟 Agent 池（仅 run 命令使用）
	Agents []types.AgentSpec `yaml:"agents" env:"-"`
}

// EngineConfig 调度、收敛、恢复参数
type EngineConfig struct {
	// 最大并发任务数
	MaxConcurrentTasks int `yaml:"max_concurrent_tasks" env:"MAX_CONCURRENT_TASKS"`
	// 收敛阈值
	ConvergenceThreshold float64 `yaml:"convergence_threshold" env:"CONVERGENCE_THRESHOLD"`
	// 最大收敛迭代次数
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// 协作会话超时
	TaskTimeout time.Duration `yaml:"task_timeout" env:"TASK_TIMEOUT"`
	// 热度衰减速率（每秒）
	HeatDecayRate float64 `yaml:"heat_decay_rate" env:"HEAT_DECAY_RATE"`
	// 每次分配增加的热度
	HeatIncrement float64 `yaml:"heat_increment" env:"HEAT_INCREMENT"`
	// 最大重试次数
	MaxRetryAttempts int `yaml:"max_retry_attempts" env:"MAX_RETRY_ATTEMPTS"`
	// 重试退避
	RetryBackoff time.Duration `yaml:"retry_backoff" env:"RETRY_BACKOFF"`
	// 重试退避倍数（1 表示固定退避）
	RetryMultiplier float64 `yaml:"retry_multiplier" env:"RETRY_MULTIPLIER"`
	// 最大重试退避
	MaxRetryBackoff time.Duration `yaml:"max_retry_backoff" env:"MAX_RETRY_BACKOFF"`
	// 路径稳定性阈值（重映射可行性）
	PathStabilityThreshold float64 `yaml:"path_stability_threshold" env:"PATH_STABILITY_THRESHOLD"`
	// 最大重映射次数
	MaxRemaps int `yaml:"max_remaps" env:"MAX_REMAPS"`
	// 任务链失败比例阈值
	ChainFailureRatio float64 `yaml:"chain_failure_ratio" env:"CHAIN_FAILURE_RATIO"`
	// 无可用 Agent 时的退避
	NoAgentBackoff time.Duration `yaml:"no_agent_backoff" env:"NO_AGENT_BACKOFF"`
	// 能力不匹配的最大延期次数
	MaxCapabilityDeferrals int `yaml:"max_capability_deferrals" env:"MAX_CAPABILITY_DEFERRALS"`
	// 最小能力重叠比例
	MinCapabilityOverlap float64 `yaml:"min_capability_overlap" env:"MIN_CAPABILITY_OVERLAP"`
	// 每个 tick 最多派发的任务数
	MaxDispatchPerTick int `yaml:"max_dispatch_per_tick" env:"MAX_DISPATCH_PER_TICK"`
	// 派发速率限制（每秒，0 表示不限）
	DispatchRate float64 `yaml:"dispatch_rate" env:"DISPATCH_RATE"`
	// 派发突发量
	DispatchBurst int `yaml:"dispatch_burst" env:"DISPATCH_BURST"`
	// 调度 tick 间隔
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	// 超时巡检间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// AffinityConfig 亲和度模型配置
type AffinityConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 与内部评分混合的权重
	Weight float64 `yaml:"weight" env:"WEIGHT"`
	// 哈希嵌入维度
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// 熔断连续失败阈值
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// 熔断恢复等待
	ResetTimeout time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
}

// EventsConfig 事件总线配置
type EventsConfig struct {
	// 订阅者默认缓冲区大小
	BufferSize int `yaml:"buffer_size" env:"BUFFER_SIZE"`
}

// StoreConfig 快照持久化配置
type StoreConfig struct {
	// 后端: memory, redis, sql
	Backend string `yaml:"backend" env:"BACKEND"`
	// Redis 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// Redis 快照过期时间
	TTL time.Duration `yaml:"ttl" env:"TTL"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// ServerConfig 运维 HTTP 端点配置（/healthz、/metrics、/v1/stats）
type ServerConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "SWARMFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	e := c.Engine
	if e.MaxConcurrentTasks <= 0 {
		errs = append(errs, "max_concurrent_tasks must be positive")
	}
	if e.ConvergenceThreshold <= 0 || e.ConvergenceThreshold > 1 {
		errs = append(errs, "convergence_threshold must be within (0,1]")
	}
	if e.MaxIterations <= 0 {
		errs = append(errs, "max_iterations must be positive")
	}
	if e.TaskTimeout <= 0 {
		errs = append(errs, "task_timeout must be positive")
	}
	if e.HeatDecayRate < 0 {
		errs = append(errs, "heat_decay_rate must not be negative")
	}
	if e.HeatIncrement < 0 || e.HeatIncrement > 1 {
		errs = append(errs, "heat_increment must be within [0,1]")
	}
	if e.MaxRetryAttempts < 0 {
		errs = append(errs, "max_retry_attempts must not be negative")
	}
	if e.PathStabilityThreshold < 0 || e.PathStabilityThreshold > 1 {
		errs = append(errs, "path_stability_threshold must be within [0,1]")
	}
	if e.ChainFailureRatio < 0 || e.ChainFailureRatio > 1 {
		errs = append(errs, "chain_failure_ratio must be within [0,1]")
	}
	if e.MinCapabilityOverlap < 0 || e.MinCapabilityOverlap > 1 {
		errs = append(errs, "min_capability_overlap must be within [0,1]")
	}
	if e.MaxDispatchPerTick <= 0 {
		errs = append(errs, "max_dispatch_per_tick must be positive")
	}
	if e.TickInterval <= 0 || e.SweepInterval <= 0 {
		errs = append(errs, "tick_interval and sweep_interval must be positive")
	}

	if c.Affinity.Weight < 0 || c.Affinity.Weight > 1 {
		errs = append(errs, "affinity weight must be within [0,1]")
	}

	switch c.Store.Backend {
	case "memory", "redis", "sql":
	default:
		errs = append(errs, fmt.Sprintf("unsupported store backend %q", c.Store.Backend))
	}

	if c.Server.Enabled && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		errs = append(errs, "invalid HTTP port")
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if err := a.Validate(); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("duplicate agent id %q", a.ID))
		}
		seen[a.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
