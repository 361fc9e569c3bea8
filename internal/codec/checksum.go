package codec

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Checksum returns the hex SHA-256 digest of data
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Verify reports whether data matches a digest produced by Checksum
func Verify(data []byte, digest string) bool {
	if digest == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(Checksum(data)), []byte(digest)) == 1
}
