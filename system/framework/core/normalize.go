package core

import "strings"

// TrimOrDefault trims a string and returns a default if empty.
func TrimOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}

// RequireText trims value and rejects it when empty.
func RequireText(component, field, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", Invalid(component, field, value, CodeInvalidArgument, "is required")
	}
	return trimmed, nil
}

// NormalizeName lower-cases and trims a rule or validator name so lookups are
// case-insensitive.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ClampLimit bounds a list limit to [1, max], substituting def when limit <= 0.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
