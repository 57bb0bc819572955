package capture

import (
	"crypto/sha256"
	"encoding/hex"
)

// truncateBytes cuts in to at most maxBytes. maxBytes <= 0 keeps everything.
func truncateBytes(in []byte, maxBytes int) ([]byte, bool) {
	if maxBytes <= 0 || len(in) <= maxBytes {
		return in, false
	}
	return in[:maxBytes], true
}

func digest(in []byte) string {
	if len(in) == 0 {
		return ""
	}
	sum := sha256.Sum256(in)
	return hex.EncodeToString(sum[:])
}
