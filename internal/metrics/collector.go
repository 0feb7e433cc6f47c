// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// 调度指标
	tasksScheduled *prometheus.CounterVec
	tasksCompleted *prometheus.CounterVec
	tasksFailed    *prometheus.CounterVec
	taskRetries    prometheus.Counter
	taskDuration   *prometheus.HistogramVec
	queueDepth     *prometheus.GaugeVec
	tickDuration   prometheus.Histogram
	tickDispatched prometheus.Counter

	// 协作会话指标
	sessionIterations *prometheus.HistogramVec
	consensusScore    *prometheus.HistogramVec
	activeSessions    prometheus.Gauge
	sessionTimeouts   prometheus.Counter

	// Agent 指标
	agentFailures *prometheus.CounterVec
	agentsTotal   prometheus.Gauge

	// 任务链指标
	chainOutcomes *prometheus.CounterVec
	remapAttempts *prometheus.CounterVec

	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，指标注册到 prometheus 默认 Registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer, namespace, logger)
}

// NewCollectorWith 创建指标收集器并注册到指定 Registerer
func NewCollectorWith(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 调度指标
	c.tasksScheduled = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_scheduled_total",
			Help:      "Total number of tasks dispatched to agents",
		},
		[]string{"collaboration"},
	)

	c.tasksCompleted = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of completed tasks",
		},
		[]string{"strategy"},
	)

	c.tasksFailed = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Total number of permanently failed tasks",
		},
		[]string{"reason"},
	)

	c.taskRetries = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of task retries",
		},
	)

	c.taskDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Time from dispatch to session close in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"strategy"},
	)

	c.queueDepth = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_queue_depth",
			Help:      "Number of tasks per scheduler queue",
		},
		[]string{"queue"},
	)

	c.tickDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Scheduler tick duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	c.tickDispatched = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_dispatched_total",
			Help:      "Total number of tasks dispatched by ticks",
		},
	)

	// 协作会话指标
	c.sessionIterations = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_convergence_iterations",
			Help:      "Consensus iterations per converged session",
			Buckets:   prometheus.LinearBuckets(0, 1, 11),
		},
		[]string{"strategy"},
	)

	c.consensusScore = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_consensus_score",
			Help:      "Final consensus score per converged session",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
		[]string{"strategy"},
	)

	c.activeSessions = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of active collaboration sessions",
		},
	)

	c.sessionTimeouts = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_timeouts_total",
			Help:      "Total number of timed out sessions",
		},
	)

	// Agent 指标
	c.agentFailures = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_failures_total",
			Help:      "Total number of per-agent task failures",
		},
		[]string{"agent_id", "agent_type"},
	)

	c.agentsTotal = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_registered",
			Help:      "Number of registered agents",
		},
	)

	// 任务链指标
	c.chainOutcomes = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chains_finished_total",
			Help:      "Total number of finished chains",
		},
		[]string{"status", "reason"},
	)

	c.remapAttempts = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_remaps_total",
			Help:      "Total number of chain remap attempts",
		},
		[]string{"pattern", "accepted"},
	)

	// HTTP 指标
	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 缓存指标
	c.cacheHits = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🗓️ 调度指标记录
// =============================================================================

// RecordTaskScheduled 记录任务派发
func (c *Collector) RecordTaskScheduled(collaboration string) {
	c.tasksScheduled.WithLabelValues(collaboration).Inc()
}

// RecordTaskCompleted 记录任务完成
func (c *Collector) RecordTaskCompleted(strategy string, duration time.Duration) {
	c.tasksCompleted.WithLabelValues(strategy).Inc()
	c.taskDuration.WithLabelValues(strategy).Observe(duration.Seconds())
}

// RecordTaskFailed 记录任务永久失败
func (c *Collector) RecordTaskFailed(reason string) {
	c.tasksFailed.WithLabelValues(reason).Inc()
}

// RecordTaskRetry 记录任务重试
func (c *Collector) RecordTaskRetry() {
	c.taskRetries.Inc()
}

// RecordTick 记录一次调度 tick
func (c *Collector) RecordTick(duration time.Duration, dispatched int) {
	c.tickDuration.Observe(duration.Seconds())
	c.tickDispatched.Add(float64(dispatched))
}

// SetQueueDepth 更新队列深度
func (c *Collector) SetQueueDepth(pending, delayed, active int) {
	c.queueDepth.WithLabelValues("pending").Set(float64(pending))
	c.queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	c.queueDepth.WithLabelValues("active").Set(float64(active))
}

// =============================================================================
// 🤝 协作会话指标记录
// =============================================================================

// RecordConvergence 记录会话收敛
func (c *Collector) RecordConvergence(strategy string, iterations int, score float64) {
	c.sessionIterations.WithLabelValues(strategy).Observe(float64(iterations))
	c.consensusScore.WithLabelValues(strategy).Observe(score)
}

// SetActiveSessions 更新活跃会话数
func (c *Collector) SetActiveSessions(n int) {
	c.activeSessions.Set(float64(n))
}

// RecordSessionTimeout 记录会话超时
func (c *Collector) RecordSessionTimeout() {
	c.sessionTimeouts.Inc()
}

// =============================================================================
// 🎭 Agent 指标记录
// =============================================================================

// RecordAgentFailure 记录 Agent 执行失败
func (c *Collector) RecordAgentFailure(agentID, agentType string) {
	c.agentFailures.WithLabelValues(agentID, agentType).Inc()
}

// SetAgents 更新已注册 Agent 数
func (c *Collector) SetAgents(n int) {
	c.agentsTotal.Set(float64(n))
}

// =============================================================================
// 🔗 任务链指标记录
// =============================================================================

// RecordChainFinished 记录任务链结束
func (c *Collector) RecordChainFinished(status, reason string) {
	c.chainOutcomes.WithLabelValues(status, reason).Inc()
}

// RecordRemap 记录路径重映射尝试
func (c *Collector) RecordRemap(pattern string, accepted bool) {
	c.remapAttempts.WithLabelValues(pattern, strconv.FormatBool(accepted)).Inc()
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
