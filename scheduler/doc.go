// Copyright (c) SwarmFlow Authors.
// Licensed under the MIT License.

/*
Package scheduler 维护待派发任务的优先级队列与延迟队列，并在每个 tick 中
选择最高优先级的就绪任务交给派发方。

有效优先级 = 显式优先级 + 等待奖励（0.1/秒，上限 5）− 0.2×复杂度
+ 截止时间紧迫奖励（最后 60 秒内线性增长，上限 5）。

并发槽位由 semaphore.Weighted 控制，派发速率可选地由 rate.Limiter 限制。
同一任务 id 在队列、延迟队列或执行中只会存在一份。
*/
package scheduler
