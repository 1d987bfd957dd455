// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package records 是 worker 使用的 gorm 记录库。

Store 同时实现 loop.AgentStore、loop.RecordStore、loop.Outbox 和
loop.WorkTracker，表结构如下：

  - agents：charter、cron / interval 定时、步数与深度上限、燃烧率阈值
  - conversations：每个会话最近活跃时间与最近一次人类入站时间
  - outbound_messages：显式或隐式发送的外发队列，由渠道发送方消费
  - work_items：外部跟踪的未完成工作
  - steps、tool_calls、completions：只追加的运行记录

peer 渠道的入站消息不算人类入站，不会解除燃烧率冷却。
所有时间以 UTC 写入。
*/
package records
