package credential

import (
	"strings"
	"unicode"
)

// Strong signals: any field whose normalized name contains one of these is secret-bearing.
var strongSignals = []string{
	"SECRET",
	"PASSWORD",
	"PRIVATE_KEY",
	"ACCESS_TOKEN",
	"SERVICE_ROLE",
	"BEARER",
	"JWT",
}

var exactSensitive = map[string]struct{}{
	"TOKEN":   {},
	"APIKEY":  {},
	"API_KEY": {},
}

// Names that trip a weak signal but never carry secrets.
var notSensitive = map[string]struct{}{
	"PUBLIC_KEY":  {},
	"AUTHOR":      {},
	"AUTH_MODE":   {},
	"AUTH_TYPE":   {},
	"PRIMARY_KEY": {},
	"SORT_KEY":    {},
}

// IsSensitiveField reports whether a configuration field name is expected to
// hold a credential. Names are compared upper-cased, both as written
// ("apiKey" -> "APIKEY") and with camelCase split into snake case
// ("accessToken" -> "ACCESS_TOKEN").
func IsSensitiveField(name string) bool {
	if name == "" {
		return false
	}
	for _, candidate := range normalizedNames(name) {
		if _, ok := notSensitive[candidate]; ok {
			return false
		}
	}
	for _, candidate := range normalizedNames(name) {
		if classify(candidate) {
			return true
		}
	}
	return false
}

func classify(upper string) bool {
	for _, signal := range strongSignals {
		if strings.Contains(upper, signal) {
			return true
		}
	}
	if _, ok := exactSensitive[upper]; ok {
		return true
	}
	return strings.HasSuffix(upper, "_KEY") ||
		strings.HasSuffix(upper, "_TOKEN") ||
		strings.Contains(upper, "AUTH")
}

func normalizedNames(name string) []string {
	upper := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	snake := strings.ToUpper(camelToSnake(name))
	if snake == upper {
		return []string{upper}
	}
	return []string{upper, snake}
}

func camelToSnake(name string) string {
	var b strings.Builder
	runes := []rune(strings.ReplaceAll(name, "-", "_"))
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) && (unicode.IsLower(runes[i-1]) || unicode.IsDigit(runes[i-1])) {
			b.WriteRune('_')
		}
		b.WriteRune(r)
	}
	return b.String()
}
