package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/xkilldash9x/autoheal/internal/locator"
)

// Fingerprint keys a resolution: the canonical form of the hint, the trimmed description and the
// optional context tag, NUL separated and hashed with SHA-256.
func Fingerprint(hint locator.Descriptor, description, contextTag string) string {
	h := sha256.New()
	h.Write([]byte(locator.Canonical(hint)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(description)))
	h.Write([]byte{0})
	h.Write([]byte(contextTag))
	return hex.EncodeToString(h.Sum(nil))
}
