// Package sanitize normalizes identifiers and validates operator-supplied
// paths and patterns.
//
// Collection names in vector stores (Qdrant, chromem) must match
// ^[a-z0-9_]{1,64}$; Identifier folds arbitrary config values into that
// shape.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxIdentifierLength is the longest collection name the stores accept.
	MaxIdentifierLength = 64

	// HashSuffixLength is len("_") plus eight hex digits.
	HashSuffixLength = 9

	// DefaultIdentifier is used when sanitization produces an empty result.
	DefaultIdentifier = "default"
)

// Identifier sanitizes s for use as a collection name.
//
//	"gatewayd-chunks" -> "gatewayd_chunks"
//	"CRM Notes!"      -> "crm_notes"
//	"" or "!!!"       -> "default"
//
// Over-long results are truncated with a hash suffix so distinct inputs
// stay distinct.
func Identifier(s string) string {
	if s == "" {
		return DefaultIdentifier
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	out := b.String()
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	out = strings.Trim(out, "_")
	if out == "" {
		return DefaultIdentifier
	}
	if len(out) > MaxIdentifierLength {
		out = truncateWithHash(out)
	}
	return out
}

func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	suffix := "_" + hex.EncodeToString(hash[:])[:8]
	base := strings.TrimRight(s[:MaxIdentifierLength-HashSuffixLength], "_")
	return base + suffix
}
