// Package value holds helpers for inspecting decoded JSON values whose shape
// is controlled by the supervisor rather than by us.
package value

// Truthy reports whether v would count as true in the supervisor's own
// runtime: nil, false, zero, NaN and the empty string are falsy, everything
// else (including empty objects and arrays) is truthy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0 && t == t
	case float32:
		return t != 0 && t == t
	case int:
		return t != 0
	case int64:
		return t != 0
	case int32:
		return t != 0
	case uint64:
		return t != 0
	case uint32:
		return t != 0
	default:
		return true
	}
}

// Object returns v as a JSON object when it is one.
func Object(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// Field returns m[key] as a JSON object when present and of that shape.
func Field(m map[string]any, key string) (map[string]any, bool) {
	if m == nil {
		return nil, false
	}
	return Object(m[key])
}

// String returns m[key] when it is a string.
func String(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}
