package serial

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Parity names a parity mode.
type Parity string

const (
	ParityNone  Parity = "none"
	ParityEven  Parity = "even"
	ParityOdd   Parity = "odd"
	ParityMark  Parity = "mark"
	ParitySpace Parity = "space"
)

// FlowControl names a flow control mode.
type FlowControl string

const (
	FlowNone     FlowControl = "none"
	FlowHardware FlowControl = "hardware"
	FlowSoftware FlowControl = "software"
)

// Read limits.
const (
	DefaultReadBytes = 1024
	MaxReadBytes     = 64 * 1024
	MaxWriteBytes    = 64 * 1024
)

var (
	// ErrPortNotFound is returned for ports the provider does not know.
	ErrPortNotFound = errors.New("serial: port not found")

	// ErrNoDevice is returned when the provider has no device attached to
	// perform I/O.
	ErrNoDevice = errors.New("serial: no device attached")
)

var portPattern = regexp.MustCompile(`^[A-Za-z0-9/._-]{1,128}$`)

var standardBaudRates = map[int]bool{
	300: true, 1200: true, 2400: true, 4800: true, 9600: true, 19200: true,
	38400: true, 57600: true, 115200: true, 230400: true, 460800: true, 921600: true,
}

// Settings is a port's line configuration.
type Settings struct {
	BaudRate    int         `json:"baudRate" yaml:"baud_rate"`
	DataBits    int         `json:"dataBits" yaml:"data_bits"`
	StopBits    int         `json:"stopBits" yaml:"stop_bits"`
	Parity      Parity      `json:"parity" yaml:"parity"`
	FlowControl FlowControl `json:"flowControl" yaml:"flow_control"`
}

// DefaultSettings returns 9600 8N1 without flow control.
func DefaultSettings() Settings {
	return Settings{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: ParityNone, FlowControl: FlowNone}
}

// Validate checks every field against the supported values.
func (s Settings) Validate() error {
	if !standardBaudRates[s.BaudRate] {
		return fmt.Errorf("unsupported baud rate %d", s.BaudRate)
	}
	if s.DataBits < 5 || s.DataBits > 8 {
		return fmt.Errorf("data bits must be between 5 and 8")
	}
	if s.StopBits != 1 && s.StopBits != 2 {
		return fmt.Errorf("stop bits must be 1 or 2")
	}
	switch s.Parity {
	case ParityNone, ParityEven, ParityOdd, ParityMark, ParitySpace:
	default:
		return fmt.Errorf("unsupported parity %q", s.Parity)
	}
	switch s.FlowControl {
	case FlowNone, FlowHardware, FlowSoftware:
	default:
		return fmt.Errorf("unsupported flow control %q", s.FlowControl)
	}
	return nil
}

// Port describes one serial port.
type Port struct {
	Path        string   `json:"path" yaml:"path"`
	Description string   `json:"description,omitempty" yaml:"description"`
	Settings    Settings `json:"settings" yaml:"settings"`
}

// ValidatePortPath rejects empty, traversing or oddly shaped paths.
func ValidatePortPath(path string) error {
	if !portPattern.MatchString(path) {
		return fmt.Errorf("invalid port path %q", path)
	}
	if strings.Contains(path, "..") {
		return fmt.Errorf("port path must not contain '..'")
	}
	return nil
}

// Provider performs the device side of the serial methods.
type Provider interface {
	List(ctx context.Context) ([]Port, error)
	Read(ctx context.Context, port string, maxBytes int) ([]byte, error)
	Write(ctx context.Context, port string, data []byte) (int, error)
	Configure(ctx context.Context, port string, settings Settings) error
}

// ====== 方法参数与结果 ======

// ListResult is returned by serial.list.
type ListResult struct {
	Ports []Port `json:"ports"`
}

// ReadParams are the params of serial.read.
type ReadParams struct {
	Port     string `json:"port"`
	MaxBytes int    `json:"maxBytes,omitempty"`
}

// ReadResult is returned by serial.read. Data is base64 on the wire.
type ReadResult struct {
	Port  string `json:"port"`
	Data  []byte `json:"data"`
	Bytes int    `json:"bytes"`
}

// WriteParams are the params of serial.write. Data is base64 on the wire.
type WriteParams struct {
	Port string `json:"port"`
	Data []byte `json:"data"`
}

// WriteResult is returned by serial.write.
type WriteResult struct {
	Port         string `json:"port"`
	BytesWritten int    `json:"bytesWritten"`
}

// ConfigureParams are the params of serial.configure.
type ConfigureParams struct {
	Port     string   `json:"port"`
	Settings Settings `json:"settings"`
}

// ConfigureResult is returned by serial.configure.
type ConfigureResult struct {
	Port     string   `json:"port"`
	Settings Settings `json:"settings"`
}
