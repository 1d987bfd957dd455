// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package database 打开记录库并管理连接池。

Open 按 config.DatabaseConfig 的驱动（postgres、mysql、sqlite）选择 gorm 方言，
PoolManager 负责连接池参数、后台探活和关闭。sqlite 使用纯 Go 的 glebarez 驱动，
连接数固定为 1。

WithTransactionRetry 对死锁、序列化失败、连接中断和 sqlite busy 做指数退避重试，
其余错误直接返回。
*/
package database
