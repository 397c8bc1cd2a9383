// Package serial exposes serial ports as coordination capabilities. The
// device I/O itself is performed by a Provider.
package serial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/macawi-ai/cyreal-sub001/agent/capabilities"
	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
	"github.com/macawi-ai/cyreal-sub001/types"
)

var (
	portSchema      = json.RawMessage(`{"type":"object","properties":{"port":{"type":"string"}},"required":["port"]}`)
	readSchema      = json.RawMessage(`{"type":"object","properties":{"port":{"type":"string"},"maxBytes":{"type":"integer","minimum":1,"maximum":65536}},"required":["port"]}`)
	writeSchema     = json.RawMessage(`{"type":"object","properties":{"port":{"type":"string"},"data":{"type":"string","contentEncoding":"base64"}},"required":["port","data"]}`)
	configureSchema = json.RawMessage(`{"type":"object","properties":{"port":{"type":"string"},"settings":{"type":"object"}},"required":["port","settings"]}`)
)

// Capability adapts a Provider to the serial.* methods.
type Capability struct {
	provider Provider
	logger   *zap.Logger
}

// New creates the serial capability.
func New(provider Provider, logger *zap.Logger) *Capability {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Capability{
		provider: provider,
		logger:   logger.With(zap.String("component", "serial_capability")),
	}
}

// Methods implements capabilities.Capability.
func (c *Capability) Methods() map[string]capabilities.Metadata {
	return map[string]capabilities.Metadata{
		a2a.MethodSerialList: {
			Descriptor: a2a.Capability{Name: "Serial List", Description: "List serial ports", Category: a2a.CategorySerial},
			Permission: capabilities.PermissionRead,
		},
		a2a.MethodSerialRead: {
			Descriptor: a2a.Capability{Name: "Serial Read", Description: "Read pending bytes from a port", Category: a2a.CategorySerial, InputSchema: readSchema},
			Permission: capabilities.PermissionRead,
		},
		a2a.MethodSerialWrite: {
			Descriptor: a2a.Capability{Name: "Serial Write", Description: "Write bytes to a port", Category: a2a.CategorySerial, InputSchema: writeSchema},
			Permission: capabilities.PermissionWrite,
		},
		a2a.MethodSerialConfigure: {
			Descriptor: a2a.Capability{Name: "Serial Configure", Description: "Change a port's line settings", Category: a2a.CategorySerial, InputSchema: configureSchema},
			Permission: capabilities.PermissionConfigure,
		},
	}
}

// Handle implements capabilities.Capability.
func (c *Capability) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	switch method {
	case a2a.MethodSerialList:
		ports, err := c.provider.List(ctx)
		if err != nil {
			return nil, c.providerError(method, err)
		}
		return ListResult{Ports: ports}, nil

	case a2a.MethodSerialRead:
		var p ReadParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := ValidatePortPath(p.Port); err != nil {
			return nil, invalidParams(err)
		}
		if p.MaxBytes == 0 {
			p.MaxBytes = DefaultReadBytes
		}
		if p.MaxBytes < 0 || p.MaxBytes > MaxReadBytes {
			return nil, invalidParams(fmt.Errorf("maxBytes must be between 1 and %d", MaxReadBytes))
		}
		data, err := c.provider.Read(ctx, p.Port, p.MaxBytes)
		if err != nil {
			return nil, c.providerError(method, err)
		}
		return ReadResult{Port: p.Port, Data: data, Bytes: len(data)}, nil

	case a2a.MethodSerialWrite:
		var p WriteParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := ValidatePortPath(p.Port); err != nil {
			return nil, invalidParams(err)
		}
		if len(p.Data) == 0 || len(p.Data) > MaxWriteBytes {
			return nil, invalidParams(fmt.Errorf("data must be between 1 and %d bytes", MaxWriteBytes))
		}
		n, err := c.provider.Write(ctx, p.Port, p.Data)
		if err != nil {
			return nil, c.providerError(method, err)
		}
		c.logger.Debug("serial write", zap.String("port", p.Port), zap.Int("bytes", n))
		return WriteResult{Port: p.Port, BytesWritten: n}, nil

	case a2a.MethodSerialConfigure:
		var p ConfigureParams
		if err := decode(params, &p); err != nil {
			return nil, err
		}
		if err := ValidatePortPath(p.Port); err != nil {
			return nil, invalidParams(err)
		}
		if err := p.Settings.Validate(); err != nil {
			return nil, invalidParams(err)
		}
		if err := c.provider.Configure(ctx, p.Port, p.Settings); err != nil {
			return nil, c.providerError(method, err)
		}
		c.logger.Info("serial port configured", zap.String("port", p.Port), zap.Int("baud_rate", p.Settings.BaudRate))
		return ConfigureResult{Port: p.Port, Settings: p.Settings}, nil
	}
	return nil, types.NewError(types.ErrMethodNotFound, "unknown serial method "+method)
}

func (c *Capability) providerError(method string, err error) error {
	switch {
	case errors.Is(err, ErrPortNotFound):
		return invalidParams(err)
	case errors.Is(err, ErrNoDevice):
		return types.NewError(types.ErrInternal, "no device attached").WithCause(err).WithRetryable(true)
	default:
		c.logger.Warn("serial provider failed", zap.String("method", method), zap.Error(err))
		return types.NewInternalError(err)
	}
}

func decode(params json.RawMessage, v any) error {
	if len(params) == 0 || string(params) == "null" {
		return types.NewError(types.ErrInvalidParams, "params are required")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return invalidParams(err)
	}
	return nil
}

func invalidParams(err error) error {
	return types.NewError(types.ErrInvalidParams, err.Error()).WithCause(err)
}

var _ capabilities.Capability = (*Capability)(nil)
