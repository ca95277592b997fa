package logging

import (
	"regexp"
	"strings"
)

// Sensitive field names that should be redacted.
var sensitiveFields = []string{
	"password",
	"passphrase",
	"secret",
	"token",
	"api_key",
	"apikey",
	"api-key",
	"authorization",
	"credential",
	"private_key",
	"privatekey",
	"access_key",
	"accesskey",
}

// Patterns for secrets that should be redacted.
var secretPatterns = []*regexp.Regexp{
	// Tokens with well-known prefixes
	regexp.MustCompile(`(?i)(ghp_[a-zA-Z0-9]{36})`),                     // GitHub PAT
	regexp.MustCompile(`(?i)(gho_[a-zA-Z0-9]{36})`),                     // GitHub OAuth
	regexp.MustCompile(`(?i)(github_pat_[a-zA-Z0-9]{22}_[a-zA-Z0-9]+)`), // GitHub fine-grained PAT
	regexp.MustCompile(`(AKIA[0-9A-Z]{16})`),                            // AWS access key id

	// Bearer tokens
	regexp.MustCompile(`(?i)bearer\s+([a-zA-Z0-9._-]{20,})`),

	// PEM private key bodies pasted into commands
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),

	// Generic long strings that look like secrets
	regexp.MustCompile(`(?i)(key|token|secret|password|auth)[=:]["']?([a-zA-Z0-9+/=_-]{32,})["']?`),
}

// RedactedValue is the replacement for sensitive values.
const RedactedValue = "[REDACTED]"

// MaskedValue replaces every masked group of a command.
const MaskedValue = "<*masked*>"

// Redact replaces sensitive information in a string.
func Redact(s string) string {
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, RedactedValue)
	}
	return result
}

// MaskCommand hides the parts of cmd matched by the given rules.
// Each capture group of a match is replaced with MaskedValue; a rule
// without groups masks the whole match. Trailing whitespace is trimmed
// first. Nil rules are skipped.
func MaskCommand(cmd string, rules ...*regexp.Regexp) string {
	result := strings.TrimRight(cmd, " \t\r\n")
	for _, rule := range rules {
		if rule == nil {
			continue
		}
		result = maskWith(result, rule)
	}
	return result
}

func maskWith(text string, rule *regexp.Regexp) string {
	matches := rule.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		spans := m[2:]
		if len(spans) == 0 {
			spans = m[:2]
		}
		for i := 0; i+1 < len(spans); i += 2 {
			start, end := spans[i], spans[i+1]
			// Unmatched optional groups report -1, nested groups may overlap.
			if start < 0 || start < last {
				continue
			}
			b.WriteString(text[last:start])
			b.WriteString(MaskedValue)
			last = end
		}
	}
	b.WriteString(text[last:])
	return b.String()
}

// RedactMap redacts sensitive fields in a map.
func RedactMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))

	for k, v := range m {
		if IsSensitiveField(k) {
			result[k] = RedactedValue
		} else if nested, ok := v.(map[string]interface{}); ok {
			result[k] = RedactMap(nested)
		} else if str, ok := v.(string); ok {
			result[k] = Redact(str)
		} else {
			result[k] = v
		}
	}

	return result
}

// RedactEnv redacts environment variables, returning a safe copy.
func RedactEnv(env []string) []string {
	result := make([]string, len(env))

	for i, e := range env {
		parts := strings.SplitN(e, "=", 2)
		if len(parts) != 2 {
			result[i] = e
			continue
		}

		key := parts[0]
		if IsSensitiveField(key) {
			result[i] = key + "=" + RedactedValue
		} else {
			result[i] = key + "=" + Redact(parts[1])
		}
	}

	return result
}

// IsSensitiveField checks if a field name is considered sensitive.
func IsSensitiveField(name string) bool {
	lowerName := strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(lowerName, field) {
			return true
		}
	}
	return false
}
