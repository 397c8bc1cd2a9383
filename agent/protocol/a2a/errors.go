package a2a

import "errors"

// Agent card errors.
var (
	ErrMissingAgentID  = errors.New("agent card: missing agentId")
	ErrMissingName     = errors.New("agent card: missing name")
	ErrMissingVersion  = errors.New("agent card: missing version")
	ErrMissingEndpoint = errors.New("agent card: missing endpoint")
)

// Envelope errors.
var (
	ErrMessageMissingID   = errors.New("a2a message: missing id")
	ErrMessageInvalidType = errors.New("a2a message: invalid type")
	ErrMessageNoParams    = errors.New("a2a message: missing params")
)
