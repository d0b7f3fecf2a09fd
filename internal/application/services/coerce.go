package services

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Coercion helpers for LLM output. Model responses are parsed into
// map[string]any first so that a single wrong-typed field drops that field
// instead of failing the whole parse. Unknown fields are ignored, wrong
// types are dropped, enums are defaulted by the callers.

func coerceString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case int:
		return float64(t), true
	}
	return 0, false
}

func coerceInt(v any) (int, bool) {
	f, ok := coerceFloat(v)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func coerceBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	}
	return false, false
}

// coerceStringSlice accepts a JSON array of mixed scalars, or a single
// scalar, and renders each element as a string. Empty elements are dropped.
func coerceStringSlice(v any) []string {
	var out []string
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if s := coerceString(item); s != "" {
				out = append(out, s)
			}
		}
	case string:
		if s := strings.TrimSpace(t); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func coerceMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return nil
}

func coerceSlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

// coerceValueJSON renders any extracted value as canonical JSON text, used
// as the dedup key for slot items.
func coerceValueJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	s := string(data)
	if s == "null" || s == `""` {
		return ""
	}
	return s
}

// valueKeyString renders a stored value_json as the plain string used for
// mapping-key comparison: JSON strings are unquoted, everything else keeps
// its compact JSON form.
func valueKeyString(valueJSON string) string {
	var s string
	if err := json.Unmarshal([]byte(valueJSON), &s); err == nil {
		return s
	}
	return valueJSON
}

// parseJSONObject unmarshals LLM output into a generic map. It tolerates a
// leading/trailing code fence, which some models emit despite the JSON
// response format.
func parseJSONObject(content string) (map[string]any, bool) {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		content = strings.TrimPrefix(content, "```json")
		content = strings.TrimPrefix(content, "```")
		content = strings.TrimSuffix(strings.TrimSpace(content), "```")
		content = strings.TrimSpace(content)
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		// Some models wrap the object in prose; retry on the outermost
		// braces before giving up.
		start := strings.Index(content, "{")
		end := strings.LastIndex(content, "}")
		if start < 0 || end <= start {
			return nil, false
		}
		if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
			return nil, false
		}
	}
	return parsed, true
}
