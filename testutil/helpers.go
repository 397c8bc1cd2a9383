// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	msg, ok := testutil.WaitForChannel(sub.Channel(), 2*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// TestContext 返回 30s 超时的测试上下文，测试结束时取消
func TestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// ⏱️ 异步等待
// =============================================================================

// WaitFor 每 10ms 检查一次条件，直到满足或超时。
// 条件函数在调用方 goroutine 中执行，可以在其中重发报文。
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitForChannel 等待通道接收一个值或超时
func WaitForChannel[T any](ch <-chan T, timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v, ok := <-ch:
		return v, ok
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// =============================================================================
// 🔧 JSON
// =============================================================================

// MustJSON 序列化 v，失败时终止测试
func MustJSON(t testing.TB, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %T: %v", v, err)
	}
	return data
}

// MustParseJSON 将 s 解码为 T，失败时终止测试
func MustParseJSON[T any](t testing.TB, s string) T {
	t.Helper()
	var v T
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("unmarshal %T: %v\n%s", v, err, s)
	}
	return v
}
