// Copyright (c) SwarmFlow Authors.
// Licensed under the MIT License.

/*
Package registry 维护已注册 Agent 的能力、负载、历史表现与热度，
并为任务计算评分、按协作类型选择参与者。

# 评分

	score = clamp01(0.5·能力重叠 + 0.2·负载余量 + 0.3·表现 − 0.2·热度)

配置了亲和度模型时再与模型分数混合：(1−β)·score + β·affinity。
模型出错时记录日志并回退到内部评分。

# 热度

每次分配增加固定热度（上限 1），随时间指数衰减：h(t)=h₀·e^(−rate·Δt)。

# 选择

solo 取最高分；parallel 取前 K 个；hierarchical 取主 Agent 加若干次级 Agent，
已出现两种以上类型后优先选择未出现的类型。同分按注册顺序决定。
*/
package registry
