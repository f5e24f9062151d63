package protocol

import "strings"

// CamelToSnake converts "fromTime" -> "from_time". It does not handle
// acronym runs specially; the wire vocabulary here doesn't have any.
func CamelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r - 'A' + 'a')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SnakeToCamel converts "from_time" -> "fromTime".
func SnakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// MapKeysToSnake recursively rewrites the keys of a decoded JSON value from
// camelCase to snake_case, for storage in internal tables/envelopes.
func MapKeysToSnake(v interface{}) interface{} {
	return rewriteKeys(v, CamelToSnake)
}

// MapKeysToCamel recursively rewrites keys from snake_case to camelCase, for
// delivery on the wire.
func MapKeysToCamel(v interface{}) interface{} {
	return rewriteKeys(v, SnakeToCamel)
}

func rewriteKeys(v interface{}, f func(string) string) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[f(k)] = rewriteKeys(val, f)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = rewriteKeys(val, f)
		}
		return out
	default:
		return v
	}
}
