// Copyright (c) SwarmFlow Authors.
// Licensed under the MIT License.

/*
Package main 提供 swarmflow 命令行程序。

# 子命令

  - run：加载配置与任务链定义，按配置注册模拟 Agent，驱动引擎直到链
    完成或失败，输出链快照与各任务结果的 JSON 报告。可选地通过
    --metrics-addr 或 server 配置暴露运维端点。
  - validate：解析并校验任务链定义（依赖存在、无环）。
  - migrate：对快照表执行 up/down/steps/status/version/info。
  - version：打印构建时注入的 Version、BuildTime、GitCommit。

# 运行时组件

run 命令装配引擎、Prometheus 指标、OpenTelemetry、快照存储
（memory/redis/sql）与事件持久化器，收到 SIGINT/SIGTERM 或超时后
优雅退出。
*/
package main
