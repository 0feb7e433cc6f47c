// Copyright (c) SwarmFlow Authors.
// Licensed under the MIT License.

/*
包 migration 管理任务与任务链快照表的 Schema，支持 PostgreSQL、
MySQL 与 SQLite，基于 golang-migrate 实现。

# 概述

各方言的 SQL 迁移文件通过 embed.FS 内嵌在 migrations/<方言>/ 下，
SQLite 使用纯 Go 的 glebarez 驱动打开。

# 核心类型

  - Migrator：Up/Down/Steps/Version/Status/Info/Close。
  - DefaultMigrator：封装 golang-migrate 实例与数据库连接。
  - Runner：执行 swarmflow migrate 子命令，并报告快照表 Schema 状态。
  - SchemaState：快照表是否就绪（Ready）及其摘要（Summary）。
  - NewMigratorFromConfig：由 config.DatabaseConfig 构造迁移器。
*/
package migration
