package testutil

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256Hex hashes data the way fsy names content versions.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
