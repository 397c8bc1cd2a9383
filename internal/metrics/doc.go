// 版权所有 2024 Cyreal Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的协调服务指标采集能力，覆盖
HTTP、RPC、安全、Agent、Token 与连接六大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标。每个 Collector
持有独立的 prometheus.Registry，并通过 promauto.With 注册，
多个实例（例如测试中）互不冲突。Handler() 返回可直接挂载到
/metrics 的 promhttp 处理器。

# 核心类型

  - Collector：指标收集器，持有 Counter、Histogram、Gauge 等
    Prometheus 向量指标，按业务域分组管理。

# 主要能力

  - HTTP 指标：请求总数、请求耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - RPC 指标：按 method/code 分组的请求数与耗时。
  - 安全指标：认证失败原因、限流拒绝次数、校验拒绝错误码。
  - Agent 指标：注册数、生命周期转换、发现缓存大小。
  - Token 指标：有效与已吊销 Token 数量。
  - 连接指标：WebSocket 在线数、广播投递结果、主动请求结果。
*/
package metrics
