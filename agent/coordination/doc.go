// 版权所有 2024 Cyreal Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 coordination 实现 Agent 协调服务器，即整个子系统的网络边界。

# 概述

Server 只在私有网络地址上监听（10/8、172.16/12、192.168/16、127/8、
::1），地址校验在打开任何套接字之前完成。默认使用 HTTPS，明文 HTTP
必须显式开启并以 WARN 级别记录。

# 请求流水线

POST /a2a 上的每个请求依次经过：

  - CORS：仅回显 localhost 与私网地址来源，其余为 "null"，从不使用 "*"
  - 方法检查：只接受 POST 与 OPTIONS
  - Content-Type 必须为 application/json（415 / -32600）
  - 请求体上限
  - 信封解析：语法错误为 -32700；非对象、字段类型错误或仅大小写不同的
    重复字段为 -32600。认证与分发读取同一组精确字段名
  - X-Agent-ID 与 Bearer Token 提取
  - 认证：agent.register 无需会话，其余方法需要主体与 X-Agent-ID
    一致的有效 Token 以及已认证会话（-32401）
  - 按来源 IP 固定 60 秒窗口限流（-32429）
  - MessageValidator 校验（-32600 / -32601 / -32602）
  - 心跳刷新
  - 分发：内置方法、能力表，或列出受支持方法的 -32601

# 连接与生命周期

GET /a2a/ws 建立 WebSocket 连接，复用相同的认证头。Broadcast 对所有
在线连接做尽力而为的扇出；SendRequest 按消息 id 建立一次性关联，
首个回复生效，默认 30 秒超时。

Agent 状态机为 unknown → authenticated → removed。心跳超时、显式注销
或 RevokeAgent 都会触发移除：吊销 Token、关闭连接、从发现缓存删除，
并向其余 Agent 广播 agent.unregister 通知。
*/
package coordination
