package credential

// Redacted replaces sensitive values in views returned to callers.
const Redacted = "[redacted]"

// RedactConfig returns a copy of cfg with every non-empty string leaf under a
// sensitive field name, and every value already in ciphertext format,
// replaced by Redacted.
func RedactConfig(cfg map[string]any) map[string]any {
	out, _ := redactValue(cfg, false).(map[string]any)
	return out
}

func redactValue(v any, sensitive bool) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return val
		}
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = redactValue(child, sensitive || IsSensitiveField(k))
		}
		return out
	case []any:
		if val == nil {
			return val
		}
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = redactValue(child, sensitive)
		}
		return out
	case string:
		if val != "" && (sensitive || IsCiphertext(val)) {
			return Redacted
		}
		return val
	default:
		return v
	}
}
