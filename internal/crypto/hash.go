package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

// Hash returns the hex SHA-256 digest of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ContentDigest hashes the base64 text form of content. This is the
// representation uploaders hash before encryption, so stored digests stay
// comparable across clients.
func ContentDigest(content []byte) string {
	return Hash([]byte(base64.StdEncoding.EncodeToString(content)))
}

// VerifyIntegrity reports whether recovered content matches originalHash.
func VerifyIntegrity(originalHash string, recovered []byte) bool {
	computed := ContentDigest(recovered)
	return subtle.ConstantTimeCompare([]byte(strings.ToLower(originalHash)), []byte(computed)) == 1
}
