package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DefaultRotationInterval is the width of one key epoch.
const DefaultRotationInterval = 24 * time.Hour

// Key is a 256-bit symmetric content key.
type Key [KeySize]byte

// Hex returns the lowercase hex form of the key.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// Epoch returns the index of the interval bucket that contains now.
func Epoch(now time.Time, interval time.Duration) int64 {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	ms := now.UnixMilli()
	width := interval.Milliseconds()
	// floor division for timestamps before the Unix epoch
	e := ms / width
	if ms%width < 0 {
		e--
	}
	return e
}

// DeriveUserKey derives the per-user key for the epoch containing now.
//
// The key is SHA-256 over "<userID>-<masterKey>-<epoch>". It is a pure
// function: a ciphertext produced at time t can be decrypted later by
// calling DeriveUserKey again with t.
func DeriveUserKey(userID, masterKey string, now time.Time, interval time.Duration) Key {
	material := fmt.Sprintf("%s-%s-%d", userID, masterKey, Epoch(now, interval))
	return Key(sha256.Sum256([]byte(material)))
}
