// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package tools 提供 agent 循环使用的工具目录。

工具以 Register[P] 注册为类型化处理函数，通过一张查找表按名称解析；
未知工具走显式的错误分支。每次调用依次经过：按 agent 的速率限制
（x/time/rate）、额度检查（CreditGate）、参数解码、带超时与 panic
恢复的执行。所有失败都被归一化为有界的 ErrorPayload 写入 Outcome，
由循环决定是否需要下一轮跟进。
*/
package tools
