package observability

import (
	"strings"

	"go.uber.org/zap"
)

// Mask hides all but the last four characters of a secret so log lines stay correlatable
// without leaking the value. Values of eight characters or fewer are hidden entirely.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return strings.Repeat("*", len(secret)-4) + secret[len(secret)-4:]
}

// Secret returns a zap field carrying the masked form of a value.
func Secret(key, value string) zap.Field {
	return zap.String(key, Mask(value))
}
