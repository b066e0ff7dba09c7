package observability

import (
	"regexp"
	"strings"
)

// Redactor masks credentials in log output. Transport errors and upstream
// error bodies can echo whole headers back, so free-form text and
// attribute values both pass through it.
type Redactor struct {
	patterns []redactPattern
}

type redactPattern struct {
	regex       *regexp.Regexp
	replacement string
}

// NewRedactor creates a redactor with the default credential patterns.
func NewRedactor() *Redactor {
	r := &Redactor{}
	// Anthropic keys before the generic sk- pattern so the specific label wins.
	r.AddPattern(`sk-ant-[a-zA-Z0-9\-_]{8,}`, "[REDACTED_ANTHROPIC_KEY]")
	r.AddPattern(`sk-[a-zA-Z0-9\-_]{16,}`, "[REDACTED_API_KEY]")
	r.AddPattern(`Bearer\s+[a-zA-Z0-9\-_.~+/]+=*`, "Bearer [REDACTED]")
	r.AddPattern(`(?i)(x-api-key|authorization):\s*\S+`, "$1: [REDACTED]")
	return r
}

// AddPattern registers an extra pattern. Invalid expressions are ignored.
func (r *Redactor) AddPattern(pattern, replacement string) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return
	}
	r.patterns = append(r.patterns, redactPattern{regex: regex, replacement: replacement})
}

// Redact masks credential-shaped substrings.
func (r *Redactor) Redact(input string) string {
	for _, p := range r.patterns {
		input = p.regex.ReplaceAllString(input, p.replacement)
	}
	return input
}

// RedactValue masks the whole value when the attribute key names a secret,
// and otherwise scrubs the value like free-form text.
func (r *Redactor) RedactValue(key, value string) string {
	if sensitiveKey(key) {
		return "[REDACTED]"
	}
	return r.Redact(value)
}

// Markers are chosen to miss token-count attrs like max_tokens.
var sensitiveKeyMarkers = []string{
	"api_key", "apikey", "secret", "password", "credential",
	"authorization", "access_token", "refresh_token",
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range sensitiveKeyMarkers {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}
