// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package llm 定义主循环与模型 provider 之间的契约。

Provider 提供一次性 Completion 与流式 Stream 两种调用；ChatRequest、
ChatResponse、StreamChunk 是与具体厂商无关的消息结构。Error 携带
Retryable 标记，故障转移与重试据此决定是否在同一候选上再试。
*/
package llm
