// Package redact scrubs sensitive information from strings before they
// are logged. Error messages bubbling up from the database driver or the
// auth layer can carry connection strings, credentials and tokens that
// must never reach the log stream.
package redact

import "regexp"

// Redaction placeholders
const (
	CredentialPlaceholder = "[REDACTED_CREDENTIAL]"
	TokenPlaceholder      = "[REDACTED_TOKEN]"
	EmailPlaceholder      = "[REDACTED_EMAIL]"
)

var (
	// Database connection strings with inline credentials.
	dbConnRegex = regexp.MustCompile(`(?i)(postgres(?:ql)?|mysql)://[^@\s]+@`)

	// password=..., password: ... fragments.
	passwordRegex = regexp.MustCompile(`(?i)(password|passwd|pwd)([=:\s]['"]?)[^'"&\s]{3,}`)

	// Standard three-part base64url-encoded JWT tokens.
	jwtTokenRegex = regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`)

	// Email addresses.
	emailRegex = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
)

// String scrubs sensitive fragments from s.
func String(s string) string {
	s = dbConnRegex.ReplaceAllString(s, "$1://"+CredentialPlaceholder+"@")
	s = passwordRegex.ReplaceAllString(s, "$1$2"+CredentialPlaceholder)
	s = jwtTokenRegex.ReplaceAllString(s, TokenPlaceholder)
	s = emailRegex.ReplaceAllString(s, EmailPlaceholder)
	return s
}

// Error scrubs an error's message. Safe to call with nil.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
