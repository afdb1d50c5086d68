package utils

import (
	"crypto/sha256"
	"fmt"
)

// Fingerprint returns the content-addressed digest of raw file bytes. Byte-identical
// uploads always produce the same fingerprint, which is what the extraction
// idempotency check keys on.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// HashString digests an arbitrary string, used for cache keys.
func HashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return fmt.Sprintf("%x", sum)
}
