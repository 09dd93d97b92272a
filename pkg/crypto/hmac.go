package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"hash"
)

// HMACSHA256Slice computes the HMAC-SHA256 of a message using the given key.
// Returns a 32-byte (256-bit) MAC. The PSK channel cipher authenticates
// iv || ciphertext this way.
func HMACSHA256Slice(key, message []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(message)
	return h.Sum(nil)
}

// NewHMACSHA256 returns a new hash.Hash for computing HMAC-SHA256
// incrementally. The counter-mode KDF feeds its PRF input in pieces.
func NewHMACSHA256(key []byte) hash.Hash {
	return hmac.New(sha256.New, key)
}

// HMACEqual compares two MACs for equality in constant time.
// Always use this instead of bytes.Equal when comparing tags.
func HMACEqual(mac1, mac2 []byte) bool {
	return hmac.Equal(mac1, mac2)
}
