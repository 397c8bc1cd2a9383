package guardrails

import (
	"context"
)

// Validator 验证器接口
// 用于验证字符串内容的安全性和合规性
type Validator interface {
	// Validate 执行验证，返回验证结果
	Validate(ctx context.Context, content string) (*ValidationResult, error)
	// Name 返回验证器名称
	Name() string
	// Priority 返回优先级（数字越小优先级越高）
	Priority() int
}

// ValidationResult 验证结果
// Valid 仅在出现 high/critical 错误时变为 false
type ValidationResult struct {
	Valid    bool              `json:"valid"`
	Errors   []ValidationError `json:"errors,omitempty"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

// NewValidationResult 创建一个有效的验证结果
func NewValidationResult() *ValidationResult {
	return &ValidationResult{
		Valid:    true,
		Errors:   []ValidationError{},
		Metadata: make(map[string]any),
	}
}

// AddError 添加验证错误，阻断级别的错误会将结果标记为无效
func (r *ValidationResult) AddError(err ValidationError) {
	if IsBlocking(err.Severity) {
		r.Valid = false
	}
	r.Errors = append(r.Errors, err)
}

// Merge 合并另一个验证结果
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	if !other.Valid {
		r.Valid = false
	}
	r.Errors = append(r.Errors, other.Errors...)
	for k, v := range other.Metadata {
		r.Metadata[k] = v
	}
}

// HasCode 检查结果中是否存在指定错误码
func (r *ValidationResult) HasCode(code string) bool {
	for _, e := range r.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Blocking 返回所有阻断级别的错误
func (r *ValidationResult) Blocking() []ValidationError {
	var out []ValidationError
	for _, e := range r.Errors {
		if IsBlocking(e.Severity) {
			out = append(out, e)
		}
	}
	return out
}

// ValidationError 验证错误
type ValidationError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // critical, high, medium, low
	Field    string `json:"field,omitempty"`
}

// Severity 常量定义
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// IsBlocking 判断严重级别是否阻断处理
func IsBlocking(severity string) bool {
	return severity == SeverityCritical || severity == SeverityHigh
}

// Error 错误代码常量
const (
	ErrCodeMessageTooLarge   = "MESSAGE_TOO_LARGE"
	ErrCodeMalformedJSON     = "MALFORMED_JSON"
	ErrCodeNotObject         = "NOT_OBJECT"
	ErrCodeMissingField      = "MISSING_FIELD"
	ErrCodeInvalidType       = "INVALID_TYPE"
	ErrCodeInvalidValue      = "INVALID_VALUE"
	ErrCodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	ErrCodeUnknownField      = "UNKNOWN_FIELD"
	ErrCodeAmbiguousField    = "AMBIGUOUS_FIELD"
	ErrCodePrototypePollute  = "PROTOTYPE_POLLUTION"
	ErrCodePANDetected       = "PAN_DETECTED"
	ErrCodeMaxLengthExceeded = "MAX_LENGTH_EXCEEDED"
	ErrCodeMaxDepthExceeded  = "MAX_DEPTH_EXCEEDED"
	ErrCodeArrayTooLong      = "ARRAY_TOO_LONG"
	ErrCodeInvalidUUID       = "INVALID_UUID"
	ErrCodeInvalidVersion    = "INVALID_VERSION"
	ErrCodeInvalidCategory   = "INVALID_CATEGORY"
	ErrCodeInsecureEndpoint  = "INSECURE_ENDPOINT"
	ErrCodeStale             = "STALE_CARD"
	ErrCodeFuture            = "FUTURE_CARD"
)
