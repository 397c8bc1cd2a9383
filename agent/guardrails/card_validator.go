package guardrails

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/macawi-ai/cyreal-sub001/agent/protocol/a2a"
)

// Agent 卡片新鲜度窗口
const (
	MaxCardAge        = 10 * time.Minute
	MaxCardClockSkew  = time.Minute
	maxDescriptionLen = 1000
)

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9 _-]{1,100}$`)

// IsUUIDv4 判断字符串是否为规范格式的 UUIDv4
func IsUUIDv4(s string) bool {
	if len(s) != 36 {
		return false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return false
	}
	return id.Version() == 4 && id.Variant() == uuid.RFC4122
}

// IsSecureEndpoint 判断端点 URL 是否使用 https 或 wss
func IsSecureEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return scheme == "https" || scheme == "wss"
}

// CheckFreshness 判断 lastSeen 是否位于 [now-10m, now+1m] 窗口内
func CheckFreshness(lastSeen, now time.Time) error {
	if lastSeen.IsZero() {
		return fmt.Errorf("lastSeen is required")
	}
	if lastSeen.Before(now.Add(-MaxCardAge)) {
		return fmt.Errorf("lastSeen %s is older than %s", lastSeen.UTC().Format(time.RFC3339), MaxCardAge)
	}
	if lastSeen.After(now.Add(MaxCardClockSkew)) {
		return fmt.Errorf("lastSeen %s is in the future", lastSeen.UTC().Format(time.RFC3339))
	}
	return nil
}

// ValidateAgentCard 校验 Agent 卡片的结构、标识、版本、能力、端点与新鲜度
func ValidateAgentCard(card *a2a.AgentCard, now time.Time) *ValidationResult {
	result := NewValidationResult()
	if card == nil {
		result.AddError(ValidationError{
			Code:     ErrCodeMissingField,
			Message:  "agent card is required",
			Severity: SeverityHigh,
			Field:    "agentCard",
		})
		return result
	}

	switch {
	case card.AgentID == "":
		result.AddError(missingField("agentId"))
	case !IsUUIDv4(card.AgentID):
		result.AddError(ValidationError{
			Code:     ErrCodeInvalidUUID,
			Message:  "agentId must be a UUIDv4",
			Severity: SeverityHigh,
			Field:    "agentId",
		})
	}

	switch {
	case card.Name == "":
		result.AddError(missingField("name"))
	case !agentNamePattern.MatchString(card.Name):
		result.AddError(ValidationError{
			Code:     ErrCodeInvalidValue,
			Message:  "name must match [A-Za-z0-9 _-]{1,100}",
			Severity: SeverityHigh,
			Field:    "name",
		})
	}

	if len(card.Description) > maxDescriptionLen {
		result.AddError(ValidationError{
			Code:     ErrCodeMaxLengthExceeded,
			Message:  fmt.Sprintf("description exceeds %d characters", maxDescriptionLen),
			Severity: SeverityMedium,
			Field:    "description",
		})
	}

	switch {
	case card.Version == "":
		result.AddError(missingField("version"))
	default:
		if _, err := semver.StrictNewVersion(card.Version); err != nil {
			result.AddError(ValidationError{
				Code:     ErrCodeInvalidVersion,
				Message:  "version must be a semantic version",
				Severity: SeverityHigh,
				Field:    "version",
			})
		}
	}

	for i, capability := range card.Capabilities {
		field := fmt.Sprintf("capabilities[%d]", i)
		if capability.ID == "" {
			result.AddError(missingField(field + ".id"))
		}
		if capability.Name == "" {
			result.AddError(missingField(field + ".name"))
		}
		if !capability.Category.IsValid() {
			result.AddError(ValidationError{
				Code:     ErrCodeInvalidCategory,
				Message:  fmt.Sprintf("category %q is not recognised", capability.Category),
				Severity: SeverityHigh,
				Field:    field + ".category",
			})
		}
	}

	if len(card.Endpoints) == 0 {
		result.AddError(missingField("endpoints"))
	}
	for i, ep := range card.Endpoints {
		if !IsSecureEndpoint(ep.URL) {
			result.AddError(ValidationError{
				Code:     ErrCodeInsecureEndpoint,
				Message:  "endpoint url must use https or wss",
				Severity: SeverityHigh,
				Field:    fmt.Sprintf("endpoints[%d].url", i),
			})
		}
	}

	if err := CheckFreshness(card.LastSeen, now); err != nil {
		code := ErrCodeStale
		switch {
		case card.LastSeen.IsZero():
			code = ErrCodeMissingField
		case card.LastSeen.After(now):
			code = ErrCodeFuture
		}
		result.AddError(ValidationError{
			Code:     code,
			Message:  err.Error(),
			Severity: SeverityHigh,
			Field:    "lastSeen",
		})
	}

	return result
}

func missingField(field string) ValidationError {
	return ValidationError{
		Code:     ErrCodeMissingField,
		Message:  fmt.Sprintf("%s is required", field),
		Severity: SeverityHigh,
		Field:    field,
	}
}
