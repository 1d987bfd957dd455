// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
agentloop 是 agent 主循环的 worker 进程。

worker 子命令连接 Redis 与记录库，组装预算、执行锁、燃烧率控制、
LLM 故障转移链和工具目录，然后启动三件事：

  - 队列 worker：领取到期任务并交给 Loop.Run / Loop.DrainPending
  - 定时调度：为 cron / interval 到期的 agent 投递 schedule 触发
  - 运维服务：/metrics、/healthz、/readyz

trigger、agent、migrate 是运维辅助命令，health 调用运维服务的 /readyz。
*/
package main
