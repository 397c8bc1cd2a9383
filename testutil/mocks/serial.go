// MockProvider 的串口 Provider 测试模拟实现。
//
// 支持端口注册、读写记录与错误注入。
package mocks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/macawi-ai/cyreal-sub001/agent/capabilities/serial"
)

// --- MockProvider 结构 ---

// Call 记录单次 Provider 调用
type Call struct {
	Method string
	Port   string
	Data   []byte
}

// MockProvider 是 serial.Provider 的模拟实现
type MockProvider struct {
	mu sync.Mutex

	ports     map[string]serial.Port
	readData  map[string][]byte
	errs      map[string]error
	calls     []Call
	listError error
}

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		ports:    make(map[string]serial.Port),
		readData: make(map[string][]byte),
		errs:     make(map[string]error),
	}
}

// --- Builder 方法 ---

// WithPort 注册端口，使用默认线路设置
func (m *MockProvider) WithPort(path string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ports[path] = serial.Port{Path: path, Settings: serial.DefaultSettings()}
	return m
}

// WithReadData 设置端口下一次读取返回的数据
func (m *MockProvider) WithReadData(path string, data []byte) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readData[path] = data
	return m
}

// WithError 让指定方法返回 err
func (m *MockProvider) WithError(method string, err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	if method == "list" {
		m.listError = err
		return m
	}
	m.errs[method] = err
	return m
}

// Calls 返回调用记录副本
func (m *MockProvider) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// --- serial.Provider 实现 ---

// List 返回注册的端口
func (m *MockProvider) List(context.Context) ([]serial.Port, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Method: "list"})
	if m.listError != nil {
		return nil, m.listError
	}
	out := make([]serial.Port, 0, len(m.ports))
	for _, p := range m.ports {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Read 返回预置数据
func (m *MockProvider) Read(_ context.Context, port string, maxBytes int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Method: "read", Port: port})
	if err := m.check("read", port); err != nil {
		return nil, err
	}
	data := m.readData[port]
	n := min(maxBytes, len(data))
	m.readData[port] = data[n:]
	return data[:n], nil
}

// Write 记录写入
func (m *MockProvider) Write(_ context.Context, port string, data []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Method: "write", Port: port, Data: append([]byte(nil), data...)})
	if err := m.check("write", port); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Configure 更新端口设置
func (m *MockProvider) Configure(_ context.Context, port string, settings serial.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Method: "configure", Port: port})
	if err := m.check("configure", port); err != nil {
		return err
	}
	p := m.ports[port]
	p.Settings = settings
	m.ports[port] = p
	return nil
}

func (m *MockProvider) check(method, port string) error {
	if err := m.errs[method]; err != nil {
		return err
	}
	if _, ok := m.ports[port]; !ok {
		return fmt.Errorf("%w: %s", serial.ErrPortNotFound, port)
	}
	return nil
}

var _ serial.Provider = (*MockProvider)(nil)
