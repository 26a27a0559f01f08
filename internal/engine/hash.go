package engine

import (
	"crypto/sha256"
	"encoding/hex"
)

// errorHash identifies a failure reason compactly in outcome records: the
// first 16 hex characters of the reason's SHA-256.
func errorHash(reason string) string {
	sum := sha256.Sum256([]byte(reason))
	return hex.EncodeToString(sum[:8])
}
