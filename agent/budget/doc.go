// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package budget 实现 agent 的预算周期与递归分支计数。

# 概述

一个 Cycle 是 agent 的顶层工作单元，携带步数上限与递归深度上限。
所有计数（步数、分支）保存在共享存储中，通过 Lua 脚本原子更新，
每次变更都会续期整组键的 TTL，因此停止活动的 agent 会自然过期。

# 核心方法

  - FindOrStartCycle：复用活跃周期或新建周期
  - CloseCycle：仅当 budget_id 匹配时关闭，迟到的调用方不会误关新周期
  - TryConsumeStep：比较并递增，并发下步数永不超过上限
  - BumpBranchDepth：后台子任务计数，钳制为非负
  - GetTotalOutstandingWork：汇总所有分支的未完成工作

ExecutionContext 通过 context.Context 在一次运行内传递，teardown 时失效。
*/
package budget
