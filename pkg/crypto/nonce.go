// Random value generation for challenges, IVs and AID suffixes.

package crypto

import (
	"crypto/rand"
	"fmt"
)

// Random value sizes used across the provisioning flow.
const (
	// ChallengeSize is the random challenge length exchanged during key
	// establishment (SGP.02 Section 3.1.2).
	ChallengeSize = 16

	// IVSize is the initialization vector length for the PSK channel
	// cipher, one AES block.
	IVSize = 16
)

// Nonce returns n cryptographically random bytes from crypto/rand.
func Nonce(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return buf, nil
}

// NewChallenge returns a fresh 16-byte random challenge.
func NewChallenge() ([]byte, error) {
	return Nonce(ChallengeSize)
}

// NewIV returns a fresh 16-byte initialization vector.
func NewIV() ([]byte, error) {
	return Nonce(IVSize)
}
