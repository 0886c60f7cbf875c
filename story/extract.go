package story

import (
	"encoding/json"
	"fmt"
	"strings"
)

// decodeJSON unmarshals the first JSON value found in model output into v.
func decodeJSON(out string, v any) error {
	raw := extractJSON(out)
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("decode model output: %w", err)
	}
	return nil
}

// extractJSON strips a fenced code block and any prose around the first
// balanced JSON object or array.
func extractJSON(s string) string {
	s = stripFence(s)
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return strings.TrimSpace(s)
	}
	if end := balancedEnd(s, start); end != -1 {
		return s[start:end]
	}
	// unbalanced: cut at the last closing bracket
	last := strings.LastIndexAny(s, "}]")
	if last > start {
		return s[start : last+1]
	}
	return s[start:]
}

func stripFence(s string) string {
	i := strings.Index(s, "```")
	if i == -1 {
		return s
	}
	j := strings.Index(s[i+3:], "```")
	if j == -1 {
		return s
	}
	content := s[i+3 : i+3+j]
	// drop a language tag such as "json"
	if nl := strings.IndexByte(content, '\n'); nl != -1 && nl < 16 && !strings.ContainsAny(content[:nl], "{}[]") {
		content = content[nl+1:]
	}
	return content
}

func balancedEnd(s string, start int) int {
	depth := 0
	inStr, esc := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
