// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

// Package openaicompat 实现 OpenAI Chat Completions 协议的通用 provider。
//
// DeepSeek、Qwen、GLM 等兼容 OpenAI 的上游只需在故障转移链配置中给出不同的
// BaseURL 与默认模型：
//
//	p := openaicompat.New(openaicompat.FromEndpoint(cfg.LLM.Chain[0]), logger)
//
// 非流式响应中的字符串参数会被还原为 JSON 对象；流式响应保持上游片段原样，
// 并按 index 为缺少 id 的工具调用片段补上 id，合并交给 failover.Accumulate。
package openaicompat
