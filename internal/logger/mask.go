package logger

import (
	"strings"

	"go.uber.org/zap"
)

const maskPrefixLen = 3

// Mask hides a secret, keeping at most a short prefix.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	// Authorization headers keep their scheme so logs stay readable.
	if scheme, value, ok := strings.Cut(secret, " "); ok && (scheme == "Bearer" || scheme == "Basic") {
		return scheme + " " + Mask(value)
	}
	runes := []rune(secret)
	if len(runes) <= maskPrefixLen {
		return "…"
	}
	return string(runes[:maskPrefixLen]) + "…"
}

// Secret is a zap field whose value is masked.
func Secret(key, value string) zap.Field {
	return zap.String(key, Mask(value))
}
