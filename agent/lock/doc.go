// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package lock 提供按 agent 维度的分布式执行锁、心跳与待处理去抖集合。

# 概述

Locker.Acquire 在很短的超时内轮询 SET NX。拿不到锁时调用方不等待，
而是通过 Pending.Defer 把 agent 放入待处理集合，多个竞争者只认领一次
drain 调度。剩余 TTL 无上限或远超租期倍数的锁被视为遗弃锁，由同一段
脚本复查 TTL 后直接覆盖。

持锁期间 Lease 的后台协程按 ExtendInterval 续期，检查点的
Lease.MaybeExtend 与之共享失败计数；连续失败达到上限后停止续期，运行
继续。Release 先停止后台续期再删除锁。Heartbeat 在各阶段覆盖写入运行编号与阶段，
teardown 时无条件清除。
*/
package lock
