// ABOUTME: Identifier normalization for matching local users to remote contacts
// ABOUTME: Emails are compared case-insensitively after trimming
package sync

import (
	"strings"
)

// NormalizeEmail converts email to lowercase for comparison.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail reports whether email has a local part and a dotted domain.
func ValidEmail(email string) bool {
	email = NormalizeEmail(email)
	at := strings.Index(email, "@")
	if at <= 0 {
		return false
	}
	domain := extractDomain(email)
	return domain != "" && strings.Contains(domain, ".") && !strings.HasPrefix(domain, ".") && !strings.HasSuffix(domain, ".")
}

// extractDomain extracts domain from email address.
func extractDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// emailOf pulls the canonical email out of a local field map.
func emailOf(fields map[string]any) string {
	v, _ := fields["email"].(string)
	return NormalizeEmail(v)
}
