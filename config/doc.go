// Package config 提供 SwarmFlow 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序加载，
// 并由 Validate 在启动前统一校验。
package config
