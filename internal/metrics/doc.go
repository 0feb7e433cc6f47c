// Copyright (c) SwarmFlow Authors.
// Licensed under the MIT License.

/*
包 metrics 提供基于 Prometheus 的调度引擎指标采集能力。

# 概述

Collector 使用 promauto 注册全部指标，NewCollector 注册到默认
Registry，NewCollectorWith 可注入独立 Registry（测试与多实例场景）。
所有指标按 namespace 隔离。

# 主要能力

  - 调度指标：派发/完成/失败/重试计数，任务耗时，队列深度，tick 耗时。
  - 协作会话指标：收敛迭代次数与共识分数直方图，活跃会话数，超时计数。
  - Agent 指标：失败计数（按 agent_id/agent_type），注册数量。
  - 任务链指标：结束状态与原因，重映射尝试（按失败模式与是否采纳）。
  - 运维指标：HTTP 请求、缓存命中、数据库连接与查询耗时。
*/
package metrics
