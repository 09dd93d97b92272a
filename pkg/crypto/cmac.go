// AES-CMAC (NIST SP 800-38B) for SCP03t command authentication.

package crypto

import (
	"crypto/aes"
	"crypto/subtle"
	"fmt"

	"github.com/aead/cmac"
)

// CMACFullSize is the untruncated AES-CMAC tag size in bytes.
const CMACFullSize = 16

// AESCMAC computes an AES-CMAC tag over data, truncated to tagSize bytes.
// Truncation keeps the leading bytes of the full tag. The key must be a
// valid AES key length (16, 24 or 32 bytes), tagSize between 1 and 16.
func AESCMAC(key, data []byte, tagSize int) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cmac: %w", err)
	}

	h, err := cmac.NewWithTagSize(block, CMACFullSize)
	if err != nil {
		return nil, fmt.Errorf("cmac: %w", err)
	}
	if tagSize < 1 || tagSize > CMACFullSize {
		return nil, fmt.Errorf("cmac: tag size must be between 1 and %d, got %d", CMACFullSize, tagSize)
	}

	h.Write(data)
	return h.Sum(nil)[:tagSize], nil
}

// AESCMACVerify recomputes the CMAC over data and compares it to tag in
// constant time. Returns true only on an exact match.
func AESCMACVerify(key, data, tag []byte) (bool, error) {
	expected, err := AESCMAC(key, data, len(tag))
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(expected, tag) == 1, nil
}
