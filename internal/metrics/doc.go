// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package metrics 把主循环事件、模型尝试和队列任务转换为 Prometheus 指标。

# 核心类型

  - Collector：实现 loop.EventSink 与 failover.AttemptObserver，
    使用独立的 Registry，通过 Handler 暴露 /metrics。

# 指标

  - runs_total / run_duration_seconds：按 outcome 分组
  - steps_consumed_total、budget_exhausted_total
  - tool_calls_total（tool/status）、tool_call_duration_seconds
  - llm_attempts_total（provider/model/result）、llm_attempt_duration_seconds
  - lock_contentions_total、burn_pauses_total
  - queue_tasks_total（type/result）、queue_task_latency_seconds

标签只使用有界取值，agent_id 不作为标签。
*/
package metrics
