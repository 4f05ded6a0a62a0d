// Package redact scrubs credentials and personal data from strings before they
// are logged. Provider error messages can echo prompt fragments, and resume
// text routinely carries emails and phone numbers.
package redact

import "regexp"

// Placeholders substituted for each class of sensitive data.
const (
	RedactedCredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	RedactedKeyPlaceholder        = "[REDACTED_KEY]"
	RedactedJWTPlaceholder        = "[REDACTED_JWT]"
	RedactedEmailPlaceholder      = "[REDACTED_EMAIL]"
	RedactedPhonePlaceholder      = "[REDACTED_PHONE]"
)

type rule struct {
	re          *regexp.Regexp
	placeholder string
}

// Rules run in order; connection URLs go first so their user:pass@ part is not
// mistaken for an email address.
var rules = []rule{
	{
		re:          regexp.MustCompile(`(?i)\b(?:postgres(?:ql)?|rediss?|amqp|mongodb)://[^\s@]+@`),
		placeholder: RedactedCredentialPlaceholder,
	},
	{
		re:          regexp.MustCompile(`eyJ[A-Za-z0-9_-]+\.eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
		placeholder: RedactedJWTPlaceholder,
	},
	{
		re:          regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
		placeholder: RedactedKeyPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-.~+/]{8,}=*`),
		placeholder: RedactedKeyPlaceholder,
	},
	{
		re: regexp.MustCompile(
			`(?i)\b(?:api[_-]?key|token|secret|password|passwd|signing[_-]?key)\s*[=:]\s*['"]?[^'"&\s,]{3,}`,
		),
		placeholder: RedactedCredentialPlaceholder,
	},
	{
		re:          regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
		placeholder: RedactedEmailPlaceholder,
	},
	{
		re:          regexp.MustCompile(`(?:\+\d{1,3}[\s.-]?)?\(?\d{3}\)?[\s.-]?\d{3}[\s.-]\d{4}\b`),
		placeholder: RedactedPhonePlaceholder,
	},
}

// String redacts sensitive information from the input string.
func String(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, r := range rules {
		out = r.re.ReplaceAllString(out, r.placeholder)
	}
	return out
}

// Error redacts sensitive information from an error's Error() output.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
