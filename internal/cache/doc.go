// Copyright (c) SwarmFlow Authors.
// Licensed under the MIT License.

/*
包 cache 封装 go-redis 客户端，为任务与任务链快照提供带前缀的
键值存取。

# 核心类型

  - Manager：持有 Redis 客户端，提供 Get/Set/Delete/Scan/TTL 等操作，
    以及 GetJSON/SetJSON 序列化方法。后台定时 Ping 做健康检查。
  - Config：地址、密码、键前缀、默认 TTL 与连接池参数。
  - Recorder：命中与未命中统计的接收者，通常由 metrics.Collector 实现。

# 错误语义

键不存在时返回 ErrCacheMiss，可用 IsCacheMiss 判断；
Close 之后的所有操作返回 ErrClosed。
*/
package cache
