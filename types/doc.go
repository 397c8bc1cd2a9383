// Copyright (c) Cyreal Authors.
// Licensed under the MIT License.

/*
Package types 提供 cyreal 协调服务的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包。agent、config、cmd 等上层
模块共享的错误码与 context 键均定义于此，以避免循环依赖。

# 核心类型

  - Error / ErrorCode: 结构化错误，ErrorCode 即线上 JSON-RPC 错误码，
    同时携带 HTTP 状态码与 Retryable 标记
  - Context 传播：WithRequestID / WithAgentID / WithRemoteIP

# 主要能力

  - 错误构造：NewError / NewParseError / NewRateLimitError 等
  - 错误工具链：AsError / IsErrorCode / IsRetryable / GetErrorCode
*/
package types
