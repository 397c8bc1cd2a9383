// Copyright 2026 Cyreal Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 cyreal 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现
相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext，自动注册 Cleanup
  - 异步辅助: WaitFor / WaitForChannel
  - JSON 工具: MustJSON / MustParseJSON，失败时终止测试
  - 证书辅助: WriteSelfSignedCert 生成覆盖 localhost 的自签名证书

# 子包

  - testutil/mocks: MockProvider（串口 Provider），支持 Builder 模式、
    调用记录与错误注入
  - testutil/fixtures: CardBuilder，构造可通过卡片校验的 Agent 卡片

# 使用示例

	card := fixtures.NewCard(now).WithCapability("serial.write", a2a.CategorySerial).Build()
	provider := mocks.NewMockProvider().WithPort("/dev/ttyUSB0")
*/
package testutil
