package identity

import "strings"

// Recovery-code digests are lowercase hex, so the Postgres text[] literal
// form needs no quoting or escaping.

func encodeTextArray(values []string) string {
	if len(values) == 0 {
		return "{}"
	}
	return "{" + strings.Join(values, ",") + "}"
}

func decodeTextArray(raw []byte) []string {
	trimmed := strings.Trim(string(raw), "{}")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, ",")
	for i, p := range parts {
		parts[i] = strings.Trim(p, `"`)
	}
	return parts
}
