// 版权所有 2024 Cyreal Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 guardrails 为协调服务提供入站消息与 Agent 卡片的安全校验。

# 概述

guardrails 在请求进入分发之前完成结构校验与内容净化，用于识别并处理：

- 超大消息与非对象消息
- 缺失或类型错误的信封字段、未在白名单中的方法
- 原型污染键（__proto__ / constructor / prototype）
- 支付卡号（PAN，前缀表 + Luhn 双重判定）
- 超深嵌套、超长数组与超长字符串

# 核心类型

  - [MessageValidator]：按固定顺序执行七步校验，并在无阻断错误时输出净化结果
  - [PANDetector]：实现 [Validator] 接口的卡号检测器，支持脱敏
  - [ValidationResult] / [ValidationError]：带严重级别的校验结果
  - [ValidateAgentCard]：Agent 卡片结构、UUIDv4、semver、端点协议与新鲜度校验

# 严重级别

仅 high 与 critical 会阻断处理；low 与 medium 为提示性错误，消息仍会继续。
*/
package guardrails
