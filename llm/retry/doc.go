// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package retry 为单次 provider 调用提供有界重试：指数退避加随机抖动，
只重试瞬时错误（默认依据 llm.IsRetryable），并响应 context 取消。

	r := retry.New(retry.PolicyFromConfig(cfg.LLM), logger)
	resp, err := retry.Do(ctx, r, func(ctx context.Context) (*llm.ChatResponse, error) {
		return provider.Completion(ctx, req)
	})
*/
package retry
