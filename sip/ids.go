package sip

import (
	"strings"

	"github.com/google/uuid"
)

func randHex(n int) string {
	s := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n < len(s) {
		return s[:n]
	}
	return s
}

// GenerateBranch returns a new RFC 3261 branch value.
func GenerateBranch() string { return MagicCookie + randHex(16) }

// GenerateTag returns a new From/To tag.
func GenerateTag() string { return randHex(10) }

// GenerateCallID returns a new Call-ID.
func GenerateCallID() string { return uuid.NewString() }
