package security

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// SecretRedactor masks credentials in error messages and tool output before
// they are persisted or audited.
type SecretRedactor struct {
	// valuePatterns capture a label in group 1 and the secret in group 2.
	valuePatterns []*regexp.Regexp
	// tokenPatterns are replaced entirely.
	tokenPatterns []*regexp.Regexp
}

// NewSecretRedactor creates a redactor with patterns for common secrets.
func NewSecretRedactor() *SecretRedactor {
	return &SecretRedactor{
		valuePatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)((?:api[_-]?key|access[_-]?token|auth[_-]?token|secret|password|passwd)\s*[:=]\s*["']?)([A-Za-z0-9_\-\.+/]{8,})`),
			regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-\.]{10,256})`),
			regexp.MustCompile(`(?i)(Authorization:\s*Basic\s+)([A-Za-z0-9+/]{20,}={0,2})`),
			regexp.MustCompile(`((?:postgres|mysql|mongodb|redis)://[^:@/\s]*:)([^@\s]+)(@)`),
			regexp.MustCompile(`([?&]key=)([A-Za-z0-9_\-]{16,})`),
		},
		tokenPatterns: []*regexp.Regexp{
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
			regexp.MustCompile(`gh[pous]_[A-Za-z0-9]{36}`),
			regexp.MustCompile(`sk_(?:live|test)_[0-9A-Za-z]{24}`),
			regexp.MustCompile(`AIza[0-9A-Za-z\-_]{35}`),
			regexp.MustCompile(`xox[baprs]-[0-9]{10,}-[0-9]{10,}-[A-Za-z0-9]{24}`),
			regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.(?:eyJ[A-Za-z0-9_-]+)?\.[A-Za-z0-9_-]{20,}`),
			regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]+?-----END [A-Z ]*PRIVATE KEY-----`),
		},
	}
}

// Redact masks all detected secrets in text.
func (r *SecretRedactor) Redact(text string) string {
	if text == "" {
		return ""
	}
	for _, p := range r.tokenPatterns {
		text = p.ReplaceAllString(text, redacted)
	}
	for _, p := range r.valuePatterns {
		text = p.ReplaceAllStringFunc(text, func(match string) string {
			subs := p.FindStringSubmatch(match)
			if len(subs) < 3 || isPlaceholder(subs[2]) {
				return match
			}
			return subs[1] + redacted + strings.Join(subs[3:], "")
		})
	}
	return text
}

// RedactMap redacts string values of m, recursing into nested maps.
func (r *SecretRedactor) RedactMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = r.Redact(val)
		case map[string]any:
			out[k] = r.RedactMap(val)
		default:
			out[k] = v
		}
	}
	return out
}

// isPlaceholder reports values that are obviously not real secrets.
func isPlaceholder(value string) bool {
	lower := strings.ToLower(strings.Trim(value, `"'`))
	for _, safe := range []string{"example", "changeme", "placeholder", "xxxxxxxx", "your_"} {
		if strings.Contains(lower, safe) {
			return true
		}
	}
	return false
}
