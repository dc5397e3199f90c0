// Package redact masks personal data in transcript text before it is
// logged or written to session artifacts. Dictation input routinely
// contains spoken email addresses and phone numbers, so masking is on
// by default and controlled through privacy.redact_pii.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

const (
	emailMask = "[REDACTED_EMAIL]"
	phoneMask = "[REDACTED_PHONE]"
)

var active atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// SetEnabled toggles masking globally.
func SetEnabled(v bool) { active.Store(v) }

// Enabled reports whether masking is active.
func Enabled() bool { return active.Load() }

// Text masks email addresses and phone numbers in s. When masking is
// disabled, or s is blank, it is returned untouched.
func Text(s string) string {
	if !active.Load() || strings.TrimSpace(s) == "" {
		return s
	}
	s = emailRe.ReplaceAllString(s, emailMask)
	return phoneRe.ReplaceAllString(s, phoneMask)
}
