package confgen

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Accessors for loosely-typed subscription objects. Each takes a list of
// alternative keys and returns the first usable value.

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		}
	}
	return ""
}

func num(m map[string]any, keys ...string) int {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			if v == math.Trunc(v) {
				return int(v)
			}
		case int:
			return v
		case int64:
			return int(v)
		case uint64:
			return int(v)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				return n
			}
		}
	}
	return 0
}

func boolean(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		switch v := m[k].(type) {
		case bool:
			return v
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "1", "true", "yes", "tls":
				return true
			}
		case float64:
			return v != 0
		case int:
			return v != 0
		}
	}
	return false
}

func sub(m map[string]any, key string) map[string]any {
	switch v := m[key].(type) {
	case map[string]any:
		return v
	case map[any]any:
		return normalizeYAML(v).(map[string]any)
	}
	return nil
}

func strs(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case string:
		return splitList(v)
	case []any:
		return stringList(v)
	}
	return nil
}

// mbps reads bandwidth values such as 100, "100", "100 Mbps".
func mbps(m map[string]any, keys ...string) int {
	if n := num(m, keys...); n > 0 {
		return n
	}
	s := strings.ToLower(str(m, keys...))
	if s == "" {
		return 0
	}
	var n int
	fmt.Sscanf(s, "%d", &n)
	if strings.Contains(s, "gbps") {
		n *= 1000
	}
	return n
}

// normalizeYAML converts map[any]any trees into map[string]any.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	}
	return v
}
