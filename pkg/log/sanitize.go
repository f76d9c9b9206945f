package log

import (
	"regexp"
	"strings"
)

var (
	// sensitiveKeys marks field names whose values must be masked.
	sensitiveKeys = []string{
		"password", "passwd", "secret", "token", "api_key", "apikey",
		"access_token", "refresh_token", "authorization", "auth",
		"credential", "private_key", "dsn", "source",
	}

	// dsnPattern matches user:password@ segments inside connection strings.
	dsnPattern = regexp.MustCompile(`([a-zA-Z0-9_-]+):([^@/]+)@`)
)

// SanitizeField masks the value when the key names a sensitive field, and
// scrubs embedded DSN credentials otherwise.
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	lowerKey := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(lowerKey, sensitive) {
			return maskValue(value)
		}
	}

	if dsnPattern.MatchString(value) {
		return dsnPattern.ReplaceAllString(value, "$1:****@")
	}
	return value
}

// maskValue keeps a short prefix and suffix so operators can still match
// values across log lines without exposing them.
func maskValue(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "****" + value[len(value)-4:]
}
