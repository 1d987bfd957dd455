// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 kv 提供基于 Redis 的共享状态存储。

# 概述

同一 agent 的并发调用之间不共享内存，全部协调状态（周期、步数计数器、
分支计数、执行锁、心跳、冷却标记、任务队列）都落在这里。Store 负责连接
生命周期、统一键前缀与后台健康检查；原子操作由各业务包以 Lua 脚本实现。

# 核心类型

  - Store：持有 Redis 客户端与键前缀，提供 Key/Ping/Close。
  - ErrClosed：存储关闭后的哨兵错误。
*/
package kv
