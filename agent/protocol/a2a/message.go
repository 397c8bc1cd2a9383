package a2a

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/macawi-ai/cyreal-sub001/types"
)

// JSONRPCVersion is echoed on every envelope the server writes.
const JSONRPCVersion = "2.0"

// MessageType is the kind of envelope.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// IsValid reports whether t is a known envelope type.
func (t MessageType) IsValid() bool {
	switch t {
	case MessageTypeRequest, MessageTypeResponse, MessageTypeNotification, MessageTypeError:
		return true
	default:
		return false
	}
}

// Method names accepted on the wire.
const (
	MethodAgentRegister    = "agent.register"
	MethodAgentDiscover    = "agent.discover"
	MethodAgentUnregister  = "agent.unregister"
	MethodSerialList       = "serial.list"
	MethodSerialRead       = "serial.read"
	MethodSerialWrite      = "serial.write"
	MethodSerialConfigure  = "serial.configure"
	MethodGovernanceStatus = "governance.status"
	MethodPing             = "ping"
	MethodHeartbeat        = "heartbeat"
)

var allowedMethods = []string{
	MethodAgentRegister,
	MethodAgentDiscover,
	MethodAgentUnregister,
	MethodSerialList,
	MethodSerialRead,
	MethodSerialWrite,
	MethodSerialConfigure,
	MethodGovernanceStatus,
	MethodPing,
	MethodHeartbeat,
}

// AllowedMethods returns the method allow-list in a fresh slice.
func AllowedMethods() []string {
	out := make([]string, len(allowedMethods))
	copy(out, allowedMethods)
	return out
}

// IsAllowedMethod reports whether method is on the allow-list.
func IsAllowedMethod(method string) bool {
	for _, m := range allowedMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Message is the envelope exchanged between agents and the server.
// ID holds the raw JSON id (string or number) so replies echo it verbatim.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id"`
	Type    MessageType     `json:"type"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *types.Error    `json:"error,omitempty"`
}

// NewID returns a fresh string id encoded as JSON.
func NewID() json.RawMessage {
	raw, _ := json.Marshal(uuid.NewString())
	return raw
}

// Key returns the id in a form usable as a map key.
func (m *Message) Key() string {
	return string(m.ID)
}

// NewRequest builds a request envelope with a generated id.
func NewRequest(method string, params any) (*Message, error) {
	return newWithParams(MessageTypeRequest, method, params)
}

// NewNotification builds a notification envelope with a generated id.
func NewNotification(method string, params any) (*Message, error) {
	return newWithParams(MessageTypeNotification, method, params)
}

func newWithParams(t MessageType, method string, params any) (*Message, error) {
	msg := &Message{JSONRPC: JSONRPCVersion, ID: NewID(), Type: t, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params for %s: %w", method, err)
		}
		msg.Params = raw
	}
	return msg, nil
}

// NewResponse builds a response to id carrying result.
func NewResponse(id json.RawMessage, result any) (*Message, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Type: MessageTypeResponse, Result: raw}, nil
}

// NewErrorResponse builds an error envelope. A nil id is written as null.
func NewErrorResponse(id json.RawMessage, err *types.Error) *Message {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Message{JSONRPC: JSONRPCVersion, ID: id, Type: MessageTypeError, Error: err}
}

// DecodeParams unmarshals the params member into v.
func (m *Message) DecodeParams(v any) error {
	if len(m.Params) == 0 || string(m.Params) == "null" {
		return ErrMessageNoParams
	}
	return json.Unmarshal(m.Params, v)
}

// DecodeResult unmarshals the result member into v.
func (m *Message) DecodeResult(v any) error {
	return json.Unmarshal(m.Result, v)
}

// Validate checks the envelope invariants that hold for every message.
func (m *Message) Validate() error {
	if len(m.ID) == 0 || string(m.ID) == "null" {
		return ErrMessageMissingID
	}
	if !m.Type.IsValid() {
		return ErrMessageInvalidType
	}
	if m.Method != "" && !IsAllowedMethod(m.Method) {
		return fmt.Errorf("a2a message: method %q not allowed", m.Method)
	}
	return nil
}
