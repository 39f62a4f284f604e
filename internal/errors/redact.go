package errors

import (
	"fmt"
	"regexp"
)

// redactionPatterns strips credentials from error text before it reaches a
// log sink: GitHub-style tokens, JWT-like API keys (Supabase anon/service
// keys are JWTs), credentials embedded in URLs, and Authorization headers.
var redactionPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,}\b`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\b`), "[REDACTED_JWT]"},
	{regexp.MustCompile(`(?i)://[^/\s:@]+:[^/\s@]+@`), "://[REDACTED]@"},
	{regexp.MustCompile(`(?i)(authorization:\s*bearer\s+)\S+`), "${1}[REDACTED]"},
}

// RedactString strips known credential shapes out of s.
func RedactString(s string) string {
	for _, p := range redactionPatterns {
		s = p.pattern.ReplaceAllString(s, p.replacement)
	}
	return s
}

// RedactAPIKey additionally strips literal occurrences of a configured API
// key, since it won't match any generic shape above.
func RedactAPIKey(s, apiKey string) string {
	if apiKey == "" {
		return s
	}
	return regexp.MustCompile(regexp.QuoteMeta(apiKey)).ReplaceAllString(s, "[REDACTED_KEY]")
}

// Redact returns an error whose message has been passed through the
// redaction filter. Only call this at the log boundary: when anything was
// redacted, the result is a plain string error and no longer satisfies
// errors.Is against the original sentinel chain; an error with nothing to
// redact is returned unchanged.
func Redact(err error) error {
	if err == nil {
		return nil
	}
	redacted := RedactString(err.Error())
	if redacted == err.Error() {
		return err
	}
	return fmt.Errorf("%s", redacted)
}

// RedactWithKey is Redact plus a literal API-key scrub.
func RedactWithKey(err error, apiKey string) error {
	if err == nil {
		return nil
	}
	msg := RedactAPIKey(RedactString(err.Error()), apiKey)
	if msg == err.Error() {
		return err
	}
	return fmt.Errorf("%s", msg)
}
