// Package psktls implements the pre-shared key transport cipher protecting
// ES5 and ES8 exchanges between the SM-SR and the eUICC.
//
// The construction follows the TLS-PSK model of RFC 4279 as profiled by GSMA
// SGP.02 Section 2.5, with per-message keys derived from the PSK via PBKDF2:
// payloads are AES-256-CBC encrypted and authenticated encrypt-then-MAC with
// HMAC-SHA256. The tag is always verified before any decryption is attempted.
package psktls

import (
	"errors"
	"fmt"

	"github.com/seclane/m2mrsp/pkg/crypto"
)

const (
	// PSKSizeAES128 and PSKSizeAES256 are the two accepted pre-shared key
	// lengths. The SM-SR issues 16-byte PSKs at eUICC registration; key
	// establishment upgrades the channel to a 32-byte shared secret.
	PSKSizeAES128 = 16
	PSKSizeAES256 = 32

	pbkdf2Iterations = 10000
	derivedKeySize   = 32
)

// macKeySalt is appended to the IV to domain-separate the MAC key
// derivation from the encryption key derivation.
var macKeySalt = []byte("mac_key")

var (
	// ErrInvalidKeyLength is returned for pre-shared keys that are neither
	// 16 nor 32 bytes long.
	ErrInvalidKeyLength = errors.New("psktls: PSK must be 16 or 32 bytes")

	// ErrMACVerification is returned when an envelope's tag does not
	// verify. Nothing is decrypted in that case.
	ErrMACVerification = errors.New("psktls: MAC verification failed")

	// ErrDecryption is returned when decryption of a verified envelope
	// fails, padding errors included.
	ErrDecryption = errors.New("psktls: decryption failed")
)

// Envelope is the wire shape of one sealed payload. All three fields encode
// as standard base64 in JSON:
//
//	{"iv": "...", "data": "...", "mac": "..."}
type Envelope struct {
	IV   []byte `json:"iv"`
	Data []byte `json:"data"`
	MAC  []byte `json:"mac"`
}

// Cipher seals and opens payloads under one pre-shared key. It is stateless
// apart from the key and safe for concurrent use.
type Cipher struct {
	psk []byte
}

// NewCipher validates the PSK length and returns a Cipher. The key is
// copied; the caller may discard its slice.
func NewCipher(psk []byte) (*Cipher, error) {
	if len(psk) != PSKSizeAES128 && len(psk) != PSKSizeAES256 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidKeyLength, len(psk))
	}

	return &Cipher{psk: append([]byte(nil), psk...)}, nil
}

// Seal encrypts and authenticates a payload. Every call draws a fresh IV,
// so sealing the same payload twice yields unrelated envelopes.
func (c *Cipher) Seal(plaintext []byte) (*Envelope, error) {
	iv, err := crypto.NewIV()
	if err != nil {
		return nil, fmt.Errorf("psktls: generate IV: %w", err)
	}

	encKey, macKey := c.deriveKeys(iv)

	ciphertext, err := crypto.EncryptCBC(encKey, iv, plaintext)
	if err != nil {
		return nil, fmt.Errorf("psktls: encrypt: %w", err)
	}

	return &Envelope{
		IV:   iv,
		Data: ciphertext,
		MAC:  crypto.HMACSHA256Slice(macKey, concat(iv, ciphertext)),
	}, nil
}

// Open verifies and decrypts an envelope. The HMAC is compared in constant
// time before any decryption; a bad tag returns ErrMACVerification and no
// plaintext.
func (c *Cipher) Open(env *Envelope) ([]byte, error) {
	if len(env.IV) != crypto.IVSize {
		return nil, fmt.Errorf("psktls: IV must be %d bytes, got %d", crypto.IVSize, len(env.IV))
	}

	encKey, macKey := c.deriveKeys(env.IV)

	expected := crypto.HMACSHA256Slice(macKey, concat(env.IV, env.Data))
	if !crypto.HMACEqual(expected, env.MAC) {
		return nil, ErrMACVerification
	}

	plaintext, err := crypto.DecryptCBC(encKey, env.IV, env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return plaintext, nil
}

// deriveKeys derives the per-message encryption and MAC keys. Salting with
// the IV makes both keys message-specific; the MAC key salt carries an extra
// suffix so the two keys are never related.
func (c *Cipher) deriveKeys(iv []byte) (encKey, macKey []byte) {
	encKey = crypto.PBKDF2SHA256(c.psk, iv, pbkdf2Iterations, derivedKeySize)
	macKey = crypto.PBKDF2SHA256(c.psk, concat(iv, macKeySalt), pbkdf2Iterations, derivedKeySize)
	return encKey, macKey
}

func concat(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}
