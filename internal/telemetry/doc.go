// Copyright (c) SwarmFlow Authors.
// Licensed under the MIT License.

/*
包 telemetry 负责 SwarmFlow 的 OpenTelemetry 接入。

# 概述

Init 在启用时通过 OTLP gRPC 导出 Span 与指标，并安装为全局 Provider；
禁用时保持 noop 全局实现，不连接任何外部服务。

# 埋点

  - Tracer/Meter：引擎与运维 HTTP 中间件共用的 Tracer 与 Meter。
  - SpanTick、SpanDispatch、SpanConverge、SpanRemap：引擎产生的 Span 名称。
  - TasksFinished：任务到达终态时递增的计数器（status、reason 属性）。
*/
package telemetry
