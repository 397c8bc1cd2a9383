package guardrails

import (
	"strings"
	"unicode/utf8"
)

// dangerousKeys 会被视为原型污染的键
var dangerousKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// IsDangerousKey 判断键名是否为原型污染键
func IsDangerousKey(key string) bool {
	return dangerousKeys[key]
}

var (
	dangerousChars   = strings.NewReplacer("<", "", ">", "", `"`, "", "'", "", "&", "")
	dangerousSchemes = []string{"javascript:", "data:"}
)

// SanitizeString 去除 <>"'& 字符与 javascript:/data: 片段，并截断到 maxLen 个字符。
// maxLen <= 0 表示不截断。结果满足 SanitizeString(SanitizeString(s)) == SanitizeString(s)。
func SanitizeString(s string, maxLen int) string {
	for {
		next := removeSchemes(dangerousChars.Replace(s))
		if next == s {
			break
		}
		s = next
	}
	return truncateRunes(s, maxLen)
}

// SanitizeValue 递归净化 JSON 值：删除危险键，净化所有字符串。
func SanitizeValue(v any, maxLen int) any {
	switch val := v.(type) {
	case string:
		return SanitizeString(val, maxLen)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if IsDangerousKey(k) {
				continue
			}
			out[k] = SanitizeValue(child, maxLen)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = SanitizeValue(child, maxLen)
		}
		return out
	default:
		return v
	}
}

func removeSchemes(s string) string {
	for _, scheme := range dangerousSchemes {
		for {
			idx := indexFoldASCII(s, scheme)
			if idx < 0 {
				break
			}
			s = s[:idx] + s[idx+len(scheme):]
		}
	}
	return s
}

// indexFoldASCII 按 ASCII 忽略大小写查找 sub（sub 须为小写 ASCII）
func indexFoldASCII(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		match := true
		for j := 0; j < len(sub); j++ {
			c := s[i+j]
			if 'A' <= c && c <= 'Z' {
				c += 'a' - 'A'
			}
			if c != sub[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func truncateRunes(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	i := 0
	for pos := range s {
		if i == maxLen {
			return s[:pos]
		}
		i++
	}
	return s
}
