package textutil

import "strings"

// NormalizeStringMap trims keys and values and drops entries that end up with
// an empty key or value. Returns nil when nothing survives so callers can
// pass the result straight to APIs that treat nil as "no attributes".
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
