package guardrails

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
)

var methodPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9._-]{0,99}$`)

var envelopeFields = map[string]bool{
	"jsonrpc": true,
	"id":      true,
	"type":    true,
	"method":  true,
	"params":  true,
	"result":  true,
	"error":   true,
}

// MessageValidatorConfig 消息校验器配置
type MessageValidatorConfig struct {
	// MaxSize 原始消息最大字节数
	MaxSize int
	// MaxStringLength 单个字符串最大字符数，超出部分在净化结果中被截断
	MaxStringLength int
	// MaxDepth 最大嵌套深度（信封本身为第 0 层）
	MaxDepth int
	// MaxArrayLength 单个数组最大元素数
	MaxArrayLength int
	// MaxIDLength id 最大字符数
	MaxIDLength int
	// AllowedMethods 方法白名单，为空时使用协议白名单
	AllowedMethods []string
}

// DefaultMessageValidatorConfig 返回默认配置
func DefaultMessageValidatorConfig() *MessageValidatorConfig {
	return &MessageValidatorConfig{
		MaxSize:         1 << 20,
		MaxStringLength: 10000,
		MaxDepth:        5,
		MaxArrayLength:  1000,
		MaxIDLength:     100,
		AllowedMethods:  a2a.AllowedMethods(),
	}
}

// MessageResult 消息校验结果
type MessageResult struct {
	*ValidationResult
	// Sanitized 仅在没有阻断错误时生成
	Sanitized map[string]any `json:"sanitized,omitempty"`
}

// Message 将净化后的结果解码为协议信封
func (r *MessageResult) Message() (*a2a.Message, error) {
	if r.Sanitized == nil {
		return nil, fmt.Errorf("message rejected: no sanitized output")
	}
	raw, err := json.Marshal(r.Sanitized)
	if err != nil {
		return nil, fmt.Errorf("encode sanitized message: %w", err)
	}
	var msg a2a.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode sanitized message: %w", err)
	}
	return &msg, nil
}

// MessageValidator 入站消息校验器
type MessageValidator struct {
	config  MessageValidatorConfig
	methods map[string]bool
	pan     *PANDetector
}

// NewMessageValidator 创建消息校验器
func NewMessageValidator(config *MessageValidatorConfig) *MessageValidator {
	defaults := DefaultMessageValidatorConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = defaults.MaxSize
	}
	if cfg.MaxStringLength <= 0 {
		cfg.MaxStringLength = defaults.MaxStringLength
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaults.MaxDepth
	}
	if cfg.MaxArrayLength <= 0 {
		cfg.MaxArrayLength = defaults.MaxArrayLength
	}
	if cfg.MaxIDLength <= 0 {
		cfg.MaxIDLength = defaults.MaxIDLength
	}
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = defaults.AllowedMethods
	}

	methods := make(map[string]bool, len(cfg.AllowedMethods))
	for _, m := range cfg.AllowedMethods {
		methods[m] = true
	}
	return &MessageValidator{
		config:  cfg,
		methods: methods,
		pan:     NewPANDetector(nil),
	}
}

// Name 返回校验器名称
func (v *MessageValidator) Name() string {
	return "message_validator"
}

// MaxSize 返回消息字节上限
func (v *MessageValidator) MaxSize() int {
	return v.config.MaxSize
}

// Validate 按顺序执行校验：
// 大小、对象、必填字段、字段类型、原型污染、卡号、结构上限。
func (v *MessageValidator) Validate(raw []byte) *MessageResult {
	result := &MessageResult{ValidationResult: NewValidationResult()}

	if len(raw) > v.config.MaxSize {
		result.AddError(ValidationError{
			Code:     ErrCodeMessageTooLarge,
			Message:  fmt.Sprintf("message size %d exceeds limit %d", len(raw), v.config.MaxSize),
			Severity: SeverityCritical,
			Field:    "message",
		})
		return result
	}

	decoded, err := decodeJSON(raw)
	if err != nil {
		result.AddError(ValidationError{
			Code:     ErrCodeMalformedJSON,
			Message:  "message is not valid JSON",
			Severity: SeverityCritical,
			Field:    "message",
		})
		return result
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		result.AddError(ValidationError{
			Code:     ErrCodeNotObject,
			Message:  "message must be a JSON object",
			Severity: SeverityCritical,
			Field:    "message",
		})
		return result
	}

	v.checkRequired(obj, result)
	v.checkFields(obj, result)
	if params, ok := obj["params"]; ok {
		checkPrototypePollution("params", params, result)
	}
	v.checkPAN("", obj, result)
	v.checkLimits("", obj, 0, result)

	if result.Valid {
		result.Sanitized = v.sanitizeEnvelope(obj)
	}
	return result
}

// ValidateMessage 校验已解码的信封
func (v *MessageValidator) ValidateMessage(msg *a2a.Message) *MessageResult {
	raw, err := json.Marshal(msg)
	if err != nil {
		result := &MessageResult{ValidationResult: NewValidationResult()}
		result.AddError(ValidationError{
			Code:     ErrCodeMalformedJSON,
			Message:  "message cannot be encoded",
			Severity: SeverityCritical,
			Field:    "message",
		})
		return result
	}
	return v.Validate(raw)
}

// Sanitize 净化任意 JSON 值
func (v *MessageValidator) Sanitize(value any) any {
	return SanitizeValue(value, v.config.MaxStringLength)
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return out, nil
}

func (v *MessageValidator) checkRequired(obj map[string]any, result *MessageResult) {
	for _, field := range []string{"id", "type"} {
		if val, ok := obj[field]; !ok || val == nil {
			result.AddError(ValidationError{
				Code:     ErrCodeMissingField,
				Message:  fmt.Sprintf("%s is required", field),
				Severity: SeverityHigh,
				Field:    field,
			})
		}
	}
}

func (v *MessageValidator) checkFields(obj map[string]any, result *MessageResult) {
	switch id := obj["id"].(type) {
	case nil:
	case string:
		if utf8.RuneCountInString(id) > v.config.MaxIDLength {
			result.AddError(ValidationError{
				Code:     ErrCodeMaxLengthExceeded,
				Message:  fmt.Sprintf("id exceeds %d characters", v.config.MaxIDLength),
				Severity: SeverityHigh,
				Field:    "id",
			})
		}
		// id 会原样回显，不允许含有净化会改动的内容
		if SanitizeString(id, 0) != id {
			result.AddError(ValidationError{
				Code:     ErrCodeInvalidValue,
				Message:  "id contains characters that are not allowed",
				Severity: SeverityHigh,
				Field:    "id",
			})
		}
	case json.Number:
		if len(id.String()) > v.config.MaxIDLength {
			result.AddError(ValidationError{
				Code:     ErrCodeMaxLengthExceeded,
				Message:  fmt.Sprintf("id exceeds %d characters", v.config.MaxIDLength),
				Severity: SeverityHigh,
				Field:    "id",
			})
		}
	default:
		result.AddError(typeError("id", "string or number"))
	}

	if raw, ok := obj["type"]; ok && raw != nil {
		t, isString := raw.(string)
		switch {
		case !isString:
			result.AddError(typeError("type", "string"))
		case !a2a.MessageType(t).IsValid():
			result.AddError(ValidationError{
				Code:     ErrCodeInvalidValue,
				Message:  fmt.Sprintf("type %q is not allowed", truncateRunes(t, 32)),
				Severity: SeverityHigh,
				Field:    "type",
			})
		}
	}

	if raw, ok := obj["method"]; ok && raw != nil {
		m, isString := raw.(string)
		switch {
		case !isString:
			result.AddError(typeError("method", "string"))
		case !methodPattern.MatchString(m):
			result.AddError(ValidationError{
				Code:     ErrCodeInvalidValue,
				Message:  "method has an invalid format",
				Severity: SeverityHigh,
				Field:    "method",
			})
		case !v.methods[m]:
			result.AddError(ValidationError{
				Code:     ErrCodeMethodNotAllowed,
				Message:  fmt.Sprintf("method %q is not allowed", m),
				Severity: SeverityHigh,
				Field:    "method",
			})
		}
	}

	for _, field := range []string{"params", "result", "error"} {
		val, ok := obj[field]
		if !ok || val == nil {
			continue
		}
		if _, isObj := val.(map[string]any); !isObj {
			result.AddError(typeError(field, "null or object"))
		}
	}

	if raw, ok := obj["jsonrpc"]; ok && raw != a2a.JSONRPCVersion {
		result.AddError(ValidationError{
			Code:     ErrCodeInvalidValue,
			Message:  "jsonrpc must be \"2.0\" when present",
			Severity: SeverityMedium,
			Field:    "jsonrpc",
		})
	}

	for _, key := range sortedKeys(obj) {
		if envelopeFields[key] {
			continue
		}
		if name, ok := foldedEnvelopeField(key); ok {
			result.AddError(ValidationError{
				Code:     ErrCodeAmbiguousField,
				Message:  fmt.Sprintf("field differs from %q only in case", name),
				Severity: SeverityHigh,
				Field:    key,
			})
			continue
		}
		result.AddError(ValidationError{
			Code:     ErrCodeUnknownField,
			Message:  "unknown envelope field ignored",
			Severity: SeverityLow,
			Field:    key,
		})
	}
}

func checkPrototypePollution(path string, value any, result *MessageResult) {
	switch val := value.(type) {
	case map[string]any:
		for _, k := range sortedKeys(val) {
			childPath := path + "." + k
			if IsDangerousKey(k) {
				result.AddError(ValidationError{
					Code:     ErrCodePrototypePollute,
					Message:  fmt.Sprintf("forbidden key %q", k),
					Severity: SeverityCritical,
					Field:    childPath,
				})
				continue
			}
			checkPrototypePollution(childPath, val[k], result)
		}
	case []any:
		for i, child := range val {
			checkPrototypePollution(fmt.Sprintf("%s[%d]", path, i), child, result)
		}
	}
}

// checkPAN 扫描所有字符串与数字。同时检查净化后的形式，
// 保证净化结果再次校验时不会出现新的卡号。
func (v *MessageValidator) checkPAN(path string, value any, result *MessageResult) {
	switch val := value.(type) {
	case string:
		if v.pan.Contains(val) || v.pan.Contains(SanitizeString(val, v.config.MaxStringLength)) {
			result.AddError(panError(path))
		}
	case json.Number:
		if v.pan.Contains(val.String()) {
			result.AddError(panError(path))
		}
	case map[string]any:
		for _, k := range sortedKeys(val) {
			if v.pan.Contains(k) || v.pan.Contains(SanitizeString(k, v.config.MaxStringLength)) {
				result.AddError(panError(joinPath(path, k)))
			}
			v.checkPAN(joinPath(path, k), val[k], result)
		}
	case []any:
		for i, child := range val {
			v.checkPAN(fmt.Sprintf("%s[%d]", path, i), child, result)
		}
	}
}

func (v *MessageValidator) checkLimits(path string, value any, depth int, result *MessageResult) {
	switch val := value.(type) {
	case string:
		if utf8.RuneCountInString(val) > v.config.MaxStringLength {
			result.AddError(ValidationError{
				Code:     ErrCodeMaxLengthExceeded,
				Message:  fmt.Sprintf("string truncated to %d characters", v.config.MaxStringLength),
				Severity: SeverityMedium,
				Field:    path,
			})
		}
	case map[string]any:
		if depth > v.config.MaxDepth {
			result.AddError(depthError(path, v.config.MaxDepth))
			return
		}
		for _, k := range sortedKeys(val) {
			v.checkLimits(joinPath(path, k), val[k], depth+1, result)
		}
	case []any:
		if depth > v.config.MaxDepth {
			result.AddError(depthError(path, v.config.MaxDepth))
			return
		}
		if len(val) > v.config.MaxArrayLength {
			result.AddError(ValidationError{
				Code:     ErrCodeArrayTooLong,
				Message:  fmt.Sprintf("array has %d elements, limit is %d", len(val), v.config.MaxArrayLength),
				Severity: SeverityHigh,
				Field:    path,
			})
			return
		}
		for i, child := range val {
			v.checkLimits(fmt.Sprintf("%s[%d]", path, i), child, depth+1, result)
		}
	}
}

// sanitizeEnvelope 保留 type/method/jsonrpc 原值，净化字符串 id 与其余内容并丢弃未知字段
func (v *MessageValidator) sanitizeEnvelope(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj))
	for k, val := range obj {
		switch k {
		case "id":
			if id, ok := val.(string); ok {
				val = SanitizeString(id, v.config.MaxIDLength)
			}
			out[k] = val
		case "type", "method", "jsonrpc":
			out[k] = val
		case "params", "result", "error":
			out[k] = v.Sanitize(val)
		}
	}
	return out
}

// foldedEnvelopeField 返回与 key 仅大小写不同的信封字段
func foldedEnvelopeField(key string) (string, bool) {
	for name := range envelopeFields {
		if strings.EqualFold(key, name) {
			return name, true
		}
	}
	return "", false
}

func typeError(field, want string) ValidationError {
	return ValidationError{
		Code:     ErrCodeInvalidType,
		Message:  fmt.Sprintf("%s must be %s", field, want),
		Severity: SeverityHigh,
		Field:    field,
	}
}

func panError(path string) ValidationError {
	return ValidationError{
		Code:     ErrCodePANDetected,
		Message:  "payment card number detected",
		Severity: SeverityCritical,
		Field:    path,
	}
}

func depthError(path string, max int) ValidationError {
	return ValidationError{
		Code:     ErrCodeMaxDepthExceeded,
		Message:  fmt.Sprintf("nesting deeper than %d levels", max),
		Severity: SeverityHigh,
		Field:    path,
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
