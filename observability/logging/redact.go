package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// RedactDSN hides the password of a URL-style database DSN. Key/value DSNs
// have their password= value masked. File DSNs are returned unchanged.
func RedactDSN(dsn string) string {
	trimmed := strings.TrimSpace(dsn)
	if parsed, err := url.Parse(trimmed); err == nil && parsed.User != nil {
		if _, ok := parsed.User.Password(); ok {
			parsed.User = url.UserPassword(parsed.User.Username(), RedactedValue)
			return parsed.String()
		}
		return trimmed
	}
	fields := strings.Fields(trimmed)
	for i, field := range fields {
		if key, _, ok := strings.Cut(field, "="); ok && strings.EqualFold(key, "password") {
			fields[i] = key + "=" + RedactedValue
		}
	}
	return strings.Join(fields, " ")
}

// DSNField returns a slog.Attr carrying the redacted DSN.
func DSNField(key, dsn string) slog.Attr {
	return slog.String(key, RedactDSN(dsn))
}
