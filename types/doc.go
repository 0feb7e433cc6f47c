// Copyright (c) SwarmFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 SwarmFlow 引擎的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 registry、scheduler、
collaboration、recovery、chain、engine 等上层模块提供统一的类型契约。

# 核心类型

  - Task / TaskStatus / CollaborationType — 任务及其协作模式
  - TaskChain / ChainStrategy / FailurePoint — 任务链快照与失败记录
  - AgentSpec / AgentState — Agent 注册描述与只读快照
  - Result / Processor — Agent 执行契约与结果
  - SessionSnapshot / Event — 协作会话快照与引擎事件
  - Error / ErrorCode — 结构化错误体系，含 Retryable 标记

# 主要能力

  - Context 传播：WithTaskID / WithChainID / WithSessionID / WithAgentID
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
  - 快照复制：Task.Clone / Result.Clone
*/
package types
