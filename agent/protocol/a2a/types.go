// Package a2a defines the agent-to-agent wire model: agent cards and the
// request/response envelope exchanged with the coordination server.
package a2a

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// CapabilityCategory groups capabilities by the kind of resource they front.
type CapabilityCategory string

const (
	CategorySerial     CapabilityCategory = "serial"
	CategoryNetwork    CapabilityCategory = "network"
	CategoryGovernance CapabilityCategory = "governance"
	CategoryMonitoring CapabilityCategory = "monitoring"
	CategoryCustom     CapabilityCategory = "custom"
)

// IsValid reports whether c is one of the known categories.
func (c CapabilityCategory) IsValid() bool {
	switch c {
	case CategorySerial, CategoryNetwork, CategoryGovernance, CategoryMonitoring, CategoryCustom:
		return true
	default:
		return false
	}
}

// Capability describes one operation an agent exposes.
type Capability struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Description  string             `json:"description,omitempty"`
	Category     CapabilityCategory `json:"category"`
	InputSchema  json.RawMessage    `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage    `json:"outputSchema,omitempty"`
}

// Endpoint is a network location where an agent accepts calls.
type Endpoint struct {
	URL            string   `json:"url"`
	Protocol       string   `json:"protocol"`
	Methods        []string `json:"methods,omitempty"`
	Authentication string   `json:"authentication,omitempty"`
}

// AgentCard is the self-describing document an agent presents when it
// registers or announces itself.
type AgentCard struct {
	AgentID      string            `json:"agentId"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Version      string            `json:"version"`
	Capabilities []Capability      `json:"capabilities"`
	Endpoints    []Endpoint        `json:"endpoints"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastSeen     time.Time         `json:"lastSeen"`
}

// NewAgentCard creates a card with the required identity fields set and
// LastSeen stamped with now.
func NewAgentCard(agentID, name, description, version string, now time.Time) *AgentCard {
	return &AgentCard{
		AgentID:      agentID,
		Name:         name,
		Description:  description,
		Version:      version,
		Capabilities: make([]Capability, 0),
		Endpoints:    make([]Endpoint, 0),
		Metadata:     make(map[string]string),
		LastSeen:     now,
	}
}

// AddCapability appends a capability to the card.
func (c *AgentCard) AddCapability(id, name, description string, category CapabilityCategory) *AgentCard {
	c.Capabilities = append(c.Capabilities, Capability{
		ID:          id,
		Name:        name,
		Description: description,
		Category:    category,
	})
	return c
}

// AddEndpoint appends an endpoint to the card.
func (c *AgentCard) AddEndpoint(url, protocol string, methods ...string) *AgentCard {
	c.Endpoints = append(c.Endpoints, Endpoint{
		URL:            url,
		Protocol:       protocol,
		Methods:        methods,
		Authentication: "bearer",
	})
	return c
}

// SetMetadata sets a metadata key-value pair.
func (c *AgentCard) SetMetadata(key, value string) *AgentCard {
	if c.Metadata == nil {
		c.Metadata = make(map[string]string)
	}
	c.Metadata[key] = value
	return c
}

// HasCapability reports whether the card exposes a capability with the given id.
func (c *AgentCard) HasCapability(id string) bool {
	return c.GetCapability(id) != nil
}

// GetCapability retrieves a capability by id.
func (c *AgentCard) GetCapability(id string) *Capability {
	for i := range c.Capabilities {
		if c.Capabilities[i].ID == id {
			return &c.Capabilities[i]
		}
	}
	return nil
}

// MatchesCapability reports whether any capability has id q or a name
// containing q, ignoring case.
func (c *AgentCard) MatchesCapability(q string) bool {
	lq := strings.ToLower(q)
	for _, capability := range c.Capabilities {
		if capability.ID == q || strings.Contains(strings.ToLower(capability.Name), lq) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the card.
func (c *AgentCard) Clone() *AgentCard {
	if c == nil {
		return nil
	}
	out := *c
	if c.Capabilities != nil {
		out.Capabilities = make([]Capability, len(c.Capabilities))
		for i, capability := range c.Capabilities {
			capability.InputSchema = slices.Clone(capability.InputSchema)
			capability.OutputSchema = slices.Clone(capability.OutputSchema)
			out.Capabilities[i] = capability
		}
	}
	if c.Endpoints != nil {
		out.Endpoints = make([]Endpoint, len(c.Endpoints))
		for i, ep := range c.Endpoints {
			ep.Methods = slices.Clone(ep.Methods)
			out.Endpoints[i] = ep
		}
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Validate checks that the identity fields are present. Full structural
// checks live in the guardrails package.
func (c *AgentCard) Validate() error {
	if c.AgentID == "" {
		return ErrMissingAgentID
	}
	if c.Name == "" {
		return ErrMissingName
	}
	if c.Version == "" {
		return ErrMissingVersion
	}
	if len(c.Endpoints) == 0 {
		return ErrMissingEndpoint
	}
	return nil
}
