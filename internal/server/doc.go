// 版权所有 2024 Cyreal Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 HTTP/HTTPS 服务器生命周期管理，支持非阻塞启动、
连接数上限、优雅关闭与立即关闭。

# 核心类型

  - Manager：封装 net/http.Server，持有监听器与异步错误通道，
    提供 Start/StartTLS/Shutdown/Close 生命周期方法。
  - Config：监听地址、读写与空闲超时、最大请求头、最大并发连接数
    与优雅关闭超时。
  - ListenFunc：打开监听套接字的函数，测试可替换为回环监听。

# 主要能力

  - 非阻塞启动：Start/StartTLS 在后台 goroutine 中运行服务。
  - 连接上限：通过 netutil.LimitListener 限制并发连接数。
  - TLS：StartTLS 使用调用方提供的 tls.Config 包装监听器。
  - 关闭：Shutdown 在超时内排空请求，Close 立即断开全部连接。
  - 错误传播：Errors() 返回异步错误通道。
*/
package server
