// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package loop 实现 agent 的主处理循环。

# 概述

一次 Run 对应一个触发（消息、定时、后续、续跑、后台子任务、唤醒）。
Run 先获取执行锁，锁被占用时不等待，直接延后。持锁之后依次执行：

  - 冷却闸门与后续令牌校验（burnrate）
  - 建立或复用预算周期与分支（budget）
  - 迭代：燃烧率检查、扣步、模型调用、工具执行、继续判断

# 继续判断

Decide 按固定优先级合并信号：单独的 sleep、工具的 will_continue_work、
未解决的工具结果、继续短语、普通工具调用、软提示加外部待办。
模型的纯文本回复会隐式投递到最近活跃的会话。

# 收尾

所有持锁退出路径都会清除心跳、释放锁、使执行上下文失效。
后台子任务结束时递减父分支计数，整个 agent 没有未完成工作时唤醒父分支。
迭代或运行时间上限不会丢失进度：写入暂停标记并投递延迟续跑。
*/
package loop
