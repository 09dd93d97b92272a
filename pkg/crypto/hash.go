// Package crypto provides the cryptographic primitives for M2M remote SIM
// provisioning: P-256 key agreement and signatures, the NIST SP 800-108
// counter-mode KDF, AES-CBC, AES-CMAC and the supporting hash and HMAC
// helpers. Higher layers (SCP03t codec, PSK channel cipher, key
// establishment) are built exclusively on this package.
package crypto

import (
	"crypto/sha256"
	"hash"
)

// SHA-256 output sizes.
const (
	// SHA256LenBits is the SHA-256 output length in bits.
	SHA256LenBits = 256

	// SHA256LenBytes is the SHA-256 output length in bytes.
	SHA256LenBytes = 32
)

// SHA256 computes the SHA-256 cryptographic hash of a message.
// Returns a 32-byte (256-bit) digest.
func SHA256(message []byte) [SHA256LenBytes]byte {
	return sha256.Sum256(message)
}

// SHA256Slice computes the SHA-256 hash and returns it as a slice.
// Profile integrity hashes use this form.
func SHA256Slice(message []byte) []byte {
	h := sha256.Sum256(message)
	return h[:]
}

// NewSHA256 returns a new hash.Hash for computing SHA-256 digests
// incrementally, e.g. over segmented profile data.
func NewSHA256() hash.Hash {
	return sha256.New()
}
