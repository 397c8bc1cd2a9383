package guardrails

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// PANMatch 卡号匹配结果
type PANMatch struct {
	Brand    string `json:"brand"`
	Masked   string `json:"masked"`
	Position int    `json:"position"`
	Length   int    `json:"length"`
}

type prefixRange struct {
	lo, hi string
}

type cardBrand struct {
	name     string
	prefixes []prefixRange
	lengths  []int
}

// cardBrands 已知卡组织的前缀与长度
var cardBrands = []cardBrand{
	{name: "visa", prefixes: []prefixRange{{"4", "4"}}, lengths: []int{13, 16, 19}},
	{name: "mastercard", prefixes: []prefixRange{{"51", "55"}, {"2221", "2720"}}, lengths: []int{16}},
	{name: "amex", prefixes: []prefixRange{{"34", "34"}, {"37", "37"}}, lengths: []int{15}},
	{name: "discover", prefixes: []prefixRange{{"6011", "6011"}, {"644", "649"}, {"65", "65"}}, lengths: []int{16, 17, 18, 19}},
	{name: "diners", prefixes: []prefixRange{{"300", "305"}, {"36", "36"}, {"38", "39"}}, lengths: []int{14, 16, 19}},
	{name: "jcb", prefixes: []prefixRange{{"3528", "3589"}}, lengths: []int{16, 17, 18, 19}},
	{name: "unionpay", prefixes: []prefixRange{{"62", "62"}}, lengths: []int{16, 17, 18, 19}},
}

const (
	minPANLength = 13
	maxPANLength = 19
)

var (
	digitRunPattern   = regexp.MustCompile(`[0-9]+`)
	groupedPANPattern = regexp.MustCompile(`\b[0-9]{4}(?:[ -][0-9]{4}){2}[ -][0-9]{1,7}\b`)
)

// PANDetectorConfig 卡号检测器配置
type PANDetectorConfig struct {
	// Priority 验证器优先级
	Priority int
	// Severity 命中时的严重级别
	Severity string
}

// DefaultPANDetectorConfig 返回默认配置
func DefaultPANDetectorConfig() *PANDetectorConfig {
	return &PANDetectorConfig{
		Priority: 50,
		Severity: SeverityCritical,
	}
}

// PANDetector 支付卡号检测器
// 数字串必须同时满足已知前缀与 Luhn 校验才会被判定为卡号
type PANDetector struct {
	priority int
	severity string
}

// NewPANDetector 创建卡号检测器
func NewPANDetector(config *PANDetectorConfig) *PANDetector {
	if config == nil {
		config = DefaultPANDetectorConfig()
	}
	severity := config.Severity
	if severity == "" {
		severity = SeverityCritical
	}
	return &PANDetector{priority: config.Priority, severity: severity}
}

// Name 返回验证器名称
func (d *PANDetector) Name() string {
	return "pan_detector"
}

// Priority 返回优先级
func (d *PANDetector) Priority() int {
	return d.priority
}

// Validate 执行卡号检测验证
func (d *PANDetector) Validate(ctx context.Context, content string) (*ValidationResult, error) {
	result := NewValidationResult()
	matches := d.Detect(content)
	if len(matches) == 0 {
		return result, nil
	}
	result.AddError(ValidationError{
		Code:     ErrCodePANDetected,
		Message:  fmt.Sprintf("payment card number detected (%s)", matches[0].Masked),
		Severity: d.severity,
	})
	result.Metadata["pan_matches"] = matches
	return result, nil
}

// Detect 返回内容中的全部卡号
func (d *PANDetector) Detect(content string) []PANMatch {
	var matches []PANMatch
	seen := make(map[int]bool)

	for _, loc := range digitRunPattern.FindAllStringIndex(content, -1) {
		if m, ok := matchPAN(content[loc[0]:loc[1]], loc[0], loc[1]-loc[0]); ok {
			matches = append(matches, m)
			seen[loc[0]] = true
		}
	}
	for _, loc := range groupedPANPattern.FindAllStringIndex(content, -1) {
		if seen[loc[0]] {
			continue
		}
		digits := stripSeparators(content[loc[0]:loc[1]])
		if m, ok := matchPAN(digits, loc[0], loc[1]-loc[0]); ok {
			matches = append(matches, m)
		}
	}
	return matches
}

// Contains 判断内容中是否存在卡号
func (d *PANDetector) Contains(content string) bool {
	return len(d.Detect(content)) > 0
}

// Mask 将内容中的卡号替换为脱敏形式
func (d *PANDetector) Mask(content string) string {
	matches := d.Detect(content)
	if len(matches) == 0 {
		return content
	}
	var b strings.Builder
	last := 0
	for _, m := range sortedByPosition(matches) {
		if m.Position < last {
			continue
		}
		b.WriteString(content[last:m.Position])
		b.WriteString(m.Masked)
		last = m.Position + m.Length
	}
	b.WriteString(content[last:])
	return b.String()
}

// CardBrand 返回数字串对应的卡组织，未知时返回空串
func CardBrand(digits string) string {
	for _, brand := range cardBrands {
		if !containsInt(brand.lengths, len(digits)) {
			continue
		}
		for _, p := range brand.prefixes {
			if len(digits) < len(p.lo) {
				continue
			}
			head := digits[:len(p.lo)]
			if head >= p.lo && head <= p.hi {
				return brand.name
			}
		}
	}
	return ""
}

// Luhn 对纯数字串执行 mod-10 校验
func Luhn(digits string) bool {
	if len(digits) < 2 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		c := digits[i]
		if c < '0' || c > '9' {
			return false
		}
		n := int(c - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

func matchPAN(digits string, position, length int) (PANMatch, bool) {
	if len(digits) < minPANLength || len(digits) > maxPANLength {
		return PANMatch{}, false
	}
	brand := CardBrand(digits)
	if brand == "" || !Luhn(digits) {
		return PANMatch{}, false
	}
	return PANMatch{
		Brand:    brand,
		Masked:   maskPAN(digits),
		Position: position,
		Length:   length,
	}, true
}

// maskPAN 保留前 6 位与后 4 位
func maskPAN(digits string) string {
	return digits[:6] + strings.Repeat("*", len(digits)-10) + digits[len(digits)-4:]
}

func stripSeparators(s string) string {
	return strings.NewReplacer(" ", "", "-", "").Replace(s)
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func sortedByPosition(matches []PANMatch) []PANMatch {
	out := make([]PANMatch, len(matches))
	copy(out, matches)
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

var _ Validator = (*PANDetector)(nil)
