// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package queue 实现主循环使用的延迟任务队列与 worker。

到期时间作为 ZSET 分数，任务载荷保存在独立的哈希中，另有按 agent 的索引
用于 QueuedFor。领取通过 Lua 脚本完成（ZRANGEBYSCORE 加 ZREM），
多个 worker 并发轮询时同一任务只会被领取一次。

Worker 以 errgroup 限制并发，process 任务交给 Loop.Run，drain 任务交给
Loop.DrainPending；失败的任务按指数退避重新投递，超过 max_attempts 后丢弃。

Lua 脚本按前缀拼接任务键，Redis Cluster 下需要把队列键放在同一个 hash slot。
*/
package queue
