// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package burnrate 实现消耗速率控制：在没有人类参与的情况下检测失控的消耗，
暂停当前周期并安排唯一一次延迟恢复。

# 组成

  - Meter：按 agent 记录每次补全的消耗，按滚动窗口计算 credits/hour，
    快照缓存在 expirable LRU 中，并发计算通过 singleflight 合并
  - Controller.ShouldPause：每次迭代前的暂停判断
  - Controller.Admit：运行开始时的冷却闸门
  - Schedule：cron/interval 触发的下一次到期时间，到期在即时不再安排后续运行

后续运行必须出示匹配的一次性令牌，否则直接结束。
*/
package burnrate
