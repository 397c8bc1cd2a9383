// 版权所有 2024 Cyreal Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 封装 go-redis 客户端，为 Agent 发现层提供跨进程共享状态。

# 核心类型

  - Manager：持有 Redis 客户端与连接池配置，提供 JSON 键值读写、
    按模式扫描键、频道发布与订阅。
  - Config：地址、密码、键前缀、默认 TTL、连接池与健康检查间隔。

# 主要能力

  - 在线快照：SetJSON 以 TTL 写入 Agent 卡片，过期即视为离线。
  - 发布订阅：Publish/Subscribe 承载 Agent 公告，Subscribe 在返回前
    等待订阅确认，避免丢失首条消息。
  - 健康检查：后台定时 Ping，Close 时退出。
  - 错误语义：ErrCacheMiss 与 ErrClosed 哨兵错误。
*/
package cache
