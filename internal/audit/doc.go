// 版权所有 2024 Cyreal Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 audit 提供协调服务的安全审计事件记录。

# 核心类型

  - Sink：唯一方法 LogEvent(ctx, Entry)，协调服务器只依赖该接口。
  - Entry：事件 ID、时间、类型、严重级别、Agent、来源 IP、方法、
    请求 ID、消息与附加详情。
  - ZapSink：写入独立命名的 zap logger，严重级别映射到日志级别。
  - GormSink：通过 internal/database 持久化到 SQLite、PostgreSQL
    或 MySQL，支持 Query 与 Prune。
  - MultiSink：扇出到多个 Sink，错误通过 errors.Join 合并。
*/
package audit
