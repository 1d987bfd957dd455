// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package server 提供 worker 的运维 HTTP 服务。

NewOpsHandler 挂载 /metrics（Prometheus）、/healthz（存活）与 /readyz
（依次执行 Redis、数据库等探活，任一失败返回 503）。Manager 负责非阻塞启动、
优雅关闭和异步错误传播。
*/
package server
