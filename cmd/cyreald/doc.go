// 版权所有 2024 Cyreal Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
Package main 提供 cyreald 协调守护进程入口。

# 概述

cmd/cyreald 加载配置，组装 Token 管理、Agent 注册表、服务发现、
串口能力、审计与指标，并启动协调服务器。

# 子命令

  - serve              : 启动守护进程，直到收到 SIGINT/SIGTERM
  - health             : 请求 /health 并以退出码报告结果
  - version            : 打印构建信息
  - token issue        : 用配置中的密钥签发运维 Token
  - token verify       : 离线校验 Token 签名与有效期

# 组装顺序

配置 → 日志（AtomicLevel，可热更新级别）→ 遥测 → 审计（zap + 可选数据库）
→ Token / 注册表 / 发现（none、multicast、redis）→ 能力 → 协调服务器
→ 独立的 Metrics 监听。关闭时逆序释放。
*/
package main
