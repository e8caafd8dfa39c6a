package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField returns a slog.Attr with the supplied value redacted. Webhook
// signatures, bearer tokens, and customer references must never reach the
// log stream in the clear.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
