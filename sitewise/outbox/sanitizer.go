package outbox

import (
	"regexp"
	"strings"
)

// Error messages end up in the last_error column and in operator tooling, so
// they are redacted and bounded before storage (CWE-209).
const (
	maxErrorLength       = 512
	errorTruncatedSuffix = "... (truncated)"
	redactedValue        = "[REDACTED]"
)

var sensitivePatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redactedValue + `@`,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|password|secret)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redactedValue,
	},
	{
		pattern:     regexp.MustCompile(`(?i)([?&](?:password|pwd|token|api[_-]?key)=)([^&\s]+)`),
		replacement: `$1` + redactedValue,
	},
}

func sanitizeErrorForStorage(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}

// SanitizeErrorMessage redacts credentials and tokens and enforces a bounded
// length, making the result safe to persist.
func SanitizeErrorMessage(msg string) string {
	redacted := strings.TrimSpace(msg)

	for _, matcher := range sensitivePatterns {
		redacted = matcher.pattern.ReplaceAllString(redacted, matcher.replacement)
	}

	return truncateError(redacted, maxErrorLength, errorTruncatedSuffix)
}

func truncateError(msg string, maxRunes int, suffix string) string {
	runes := []rune(msg)
	if len(runes) <= maxRunes {
		return msg
	}

	suffixRunes := []rune(suffix)
	if maxRunes <= len(suffixRunes) {
		return string(runes[:maxRunes])
	}

	return string(runes[:maxRunes-len(suffixRunes)]) + suffix
}
