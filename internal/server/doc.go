// Copyright (c) SwarmFlow Authors.
// Licensed under the MIT License.

/*
包 server 提供只读的运维 HTTP 端点及其生命周期管理。

# 概述

Manager 封装 net/http.Server，负责非阻塞启动、优雅关闭与异步错误
传播。NewHandler 在引擎之上注册健康检查、Prometheus 指标、统计与
链/任务查询端点。

# 端点

  - GET /healthz：存活检查
  - GET /metrics：Prometheus 指标（promhttp）
  - GET /v1/stats：引擎按状态计数
  - GET /v1/agents：已注册 Agent 快照
  - GET /v1/chains/{id}、GET /v1/tasks/{id}：快照查询，未知 ID 返回 404

# 中间件

Recovery、Tracing（OpenTelemetry server span）、RequestLogger、
Metrics（路径归一化后记录耗时与状态码）。
*/
package server
