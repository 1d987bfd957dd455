// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
包 config 提供 agentloop 的配置加载与默认值。

# 概述

配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加。环境变量名由
前缀与 env 标签拼接而成，例如 AGENTLOOP_LOCK_LEASE=2m。

# 配置分区

  - Redis / Database：共享状态存储与记录存储的连接参数
  - Budget：周期最大步数、最大深度与 TTL
  - Lock：租约、续约节奏、废弃锁判定倍数、心跳 TTL、pending 排空延迟
  - Burn：燃烧速率阈值、窗口、冷却与 follow-up 参数
  - Loop：迭代上限、墙钟上限、续跑延迟、工具超时
  - LLM：有序故障转移链、重试与粘性偏好
  - Queue / Log / Telemetry / Metrics：进程级基础设施

FileWatcher 轮询配置文件，worker 借此在运行中重新应用日志级别。
*/
package config
