// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package failover 在多个 provider/model 候选之间做有序故障转移。

每个候选的尝试先经过 retry 包的有界退避，成功的响应还要通过 Validate 校验；
校验失败与请求失败一样会落到下一个候选。全部失败时返回包裹了每个候选错误的
ErrAllProvidersFailed。

流式模式下 Accumulate 把增量合并成完整响应，实时增量在送达观看者之前会移除
内部信号短语，但完整正文保持原样，供后续的决策逻辑使用。

PreferenceStore 记录每个 agent 最近一次成功的候选及连胜次数，Order 据此把粘性
偏好提到最前，连胜达到上限后恢复配置顺序。
*/
package failover
