// =============================================================================
// 📦 测试数据工厂 - Agent 卡片
// =============================================================================
// 提供可通过卡片校验的 Agent 卡片，用于测试
// =============================================================================
package fixtures

import (
	"time"

	"github.com/google/uuid"

	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
)

// =============================================================================
// 🤖 Agent 卡片工厂
// =============================================================================

// CardBuilder 构造测试用 Agent 卡片
type CardBuilder struct {
	card *a2a.AgentCard
}

// NewCard 返回一个合法卡片的构造器：随机 UUIDv4、semver 版本、
// 一个串口能力与一个私网 https 端点
func NewCard(now time.Time) *CardBuilder {
	card := a2a.NewAgentCard(uuid.NewString(), "test agent", "agent used in tests", "1.0.0", now)
	card.AddCapability(a2a.MethodSerialRead, "Serial Read", "", a2a.CategorySerial)
	card.AddEndpoint("https://192.168.1.20:3500/a2a", "https", "POST")
	return &CardBuilder{card: card}
}

// WithID 设置 agentId
func (b *CardBuilder) WithID(id string) *CardBuilder {
	b.card.AgentID = id
	return b
}

// WithName 设置名称
func (b *CardBuilder) WithName(name string) *CardBuilder {
	b.card.Name = name
	return b
}

// WithVersion 设置版本
func (b *CardBuilder) WithVersion(version string) *CardBuilder {
	b.card.Version = version
	return b
}

// WithCapability 追加能力
func (b *CardBuilder) WithCapability(id string, category a2a.CapabilityCategory) *CardBuilder {
	b.card.AddCapability(id, id, "", category)
	return b
}

// WithEndpoint 替换全部端点
func (b *CardBuilder) WithEndpoint(url string) *CardBuilder {
	b.card.Endpoints = nil
	b.card.AddEndpoint(url, "https", "POST")
	return b
}

// WithLastSeen 设置 lastSeen
func (b *CardBuilder) WithLastSeen(t time.Time) *CardBuilder {
	b.card.LastSeen = t
	return b
}

// Build 返回卡片副本
func (b *CardBuilder) Build() *a2a.AgentCard {
	return b.card.Clone()
}

// ValidCard 返回一张在 now 时刻合法的卡片
func ValidCard(now time.Time) *a2a.AgentCard {
	return NewCard(now).Build()
}
