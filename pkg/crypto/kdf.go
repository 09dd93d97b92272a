package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// KDFLabelPrefix is prepended to every key-type label fed into the
// counter-mode KDF, giving all derivations a shared domain.
const KDFLabelPrefix = "M2M_RSP_"

// Key-type labels used across the provisioning flow.
const (
	// SCP03t session keys (GlobalPlatform Amendment D key derivation,
	// transported variant per SGP.02).
	KeyTypeSENC  = "s_enc"
	KeyTypeSMAC  = "s_mac"
	KeyTypeSRMAC = "s_rmac"

	// ISD-P keyset derived during key establishment.
	KeyTypeUsage      = "usage_key"
	KeyTypeEncryption = "encryption_key"
	KeyTypeMAC        = "mac_key"
)

// KDFCounterSHA256 derives key material using the counter-mode KDF from
// NIST SP 800-108 with HMAC-SHA-256 as the PRF:
//
//	K(i) = HMAC(key, BE32(i) || label || 0x00 || context || BE32(length*8))
//
// where label is KDFLabelPrefix || keyType and the counter i starts at 1.
// The concatenated blocks are truncated to length bytes.
//
// The derivation is deterministic: identical inputs always produce
// identical output, and distinct keyType or context values produce
// unrelated output (domain separation).
func KDFCounterSHA256(key []byte, keyType string, context []byte, length int) []byte {
	if length <= 0 {
		return nil
	}

	label := []byte(KDFLabelPrefix + keyType)

	var lengthBits [4]byte
	binary.BigEndian.PutUint32(lengthBits[:], uint32(length)*8)

	out := make([]byte, 0, ((length+SHA256LenBytes-1)/SHA256LenBytes)*SHA256LenBytes)
	var counter [4]byte
	for i := uint32(1); len(out) < length; i++ {
		binary.BigEndian.PutUint32(counter[:], i)

		h := NewHMACSHA256(key)
		h.Write(counter[:])
		h.Write(label)
		h.Write([]byte{0x00})
		h.Write(context)
		h.Write(lengthBits[:])
		out = h.Sum(out)
	}

	return out[:length]
}

// HKDFSHA256 derives key material using HKDF-SHA256 (RFC 5869).
// Used by the keystore envelope; protocol session keys use
// KDFCounterSHA256 instead.
//
// Parameters:
//   - inputKey: Input keying material (IKM)
//   - salt: Optional salt value (can be nil or empty)
//   - info: Optional context/application-specific info (can be nil or empty)
//   - length: Number of bytes to derive
//
// Returns the derived key material of the specified length.
func HKDFSHA256(inputKey, salt, info []byte, length int) ([]byte, error) {
	// HKDF = HKDF-Expand(PRK := HKDF-Extract(salt, IKM), info, L)
	reader := hkdf.New(sha256.New, inputKey, salt, info)
	result := make([]byte, length)
	if _, err := io.ReadFull(reader, result); err != nil {
		return nil, err
	}
	return result, nil
}

// HKDFExtractSHA256 performs only the HKDF-Extract operation.
// This extracts a pseudorandom key (PRK) from the input keying material.
func HKDFExtractSHA256(inputKey, salt []byte) []byte {
	return hkdf.Extract(sha256.New, inputKey, salt)
}

// HKDFExpandSHA256 performs only the HKDF-Expand operation.
// This expands a pseudorandom key into output keying material.
func HKDFExpandSHA256(prk, info []byte, length int) ([]byte, error) {
	reader := hkdf.Expand(sha256.New, prk, info)
	result := make([]byte, length)
	if _, err := io.ReadFull(reader, result); err != nil {
		return nil, err
	}
	return result, nil
}

// PBKDF2SHA256 derives a key from a secret using PBKDF2-HMAC-SHA256
// (RFC 8018). The PSK channel cipher derives its per-message encryption
// and MAC keys this way.
//
// Parameters:
//   - password: The secret to derive from
//   - salt: Salt value
//   - iterations: Number of iterations
//   - keyLen: Number of bytes to derive
//
// Returns the derived key material.
func PBKDF2SHA256(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}
