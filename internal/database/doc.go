// Copyright (c) SwarmFlow Authors.
// Licensed under the MIT License.

/*
包 database 提供基于 GORM 的数据库接入：方言工厂、连接池管理、
健康检查与事务重试。

# 方言

DSN 与 Dialector 按 config.DatabaseConfig.Driver 选择
postgres、mysql 或纯 Go 的 sqlite（glebarez）。Open 一步完成
打开数据库并包装为 PoolManager。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB/Ping/Stats/Close，
    后台定时探活并把连接数上报给 StatsRecorder。
  - PoolConfig：最大空闲连接、最大打开连接、生命周期与健康检查间隔。
  - TransactionFunc：事务回调。WithTransactionRetry 对死锁、
    序列化失败与 sqlite 锁冲突按指数退避重试。
*/
package database
