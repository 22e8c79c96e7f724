package gemini

import (
	"fmt"
	"strconv"
	"strings"
)

// settings reads loosely typed conversation options decoded from JSON.
type settings map[string]any

func (s settings) text(key, def string) string {
	if v, ok := s[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (s settings) number(key string) (float64, bool) {
	switch v := s[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func (s settings) count(key string, def int) int {
	if f, ok := s.number(key); ok && f > 0 {
		return int(f)
	}
	return def
}

// list accepts a JSON array or a comma separated string.
func (s settings) list(key string) []string {
	var raw []string
	switch v := s[key].(type) {
	case []any:
		for _, item := range v {
			raw = append(raw, fmt.Sprint(item))
		}
	case []string:
		raw = v
	case string:
		raw = strings.Split(v, ",")
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (s settings) nested(key string) settings {
	if m, ok := s[key].(map[string]any); ok {
		return m
	}
	return nil
}
