package scp03t

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/seclane/m2mrsp/pkg/crypto"
)

// CommandMACSize is the length of the truncated command MAC in bytes.
const CommandMACSize = 8

// ErrMACVerification is returned when a command MAC does not verify. It is
// distinct from ErrDecryption so callers can tell a tampered command from a
// key or padding failure and never fall through to decryption.
var ErrMACVerification = errors.New("scp03t: MAC verification failed")

// ErrDecryption is returned when command or response decryption fails.
var ErrDecryption = errors.New("scp03t: decryption failed")

// zeroIV is the initial chaining vector used when the caller supplies none.
// Session keys are single-use in the install flow, so the fixed vector never
// repeats under the same key.
var zeroIV = make([]byte, crypto.AESBlockSize)

// EncryptCommand encrypts a command payload under S-ENC with AES-CBC and
// PKCS#7 padding. A nil icv selects the zero vector.
func EncryptCommand(sENC, icv, data []byte) ([]byte, error) {
	if icv == nil {
		icv = zeroIV
	}

	ciphertext, err := crypto.EncryptCBC(sENC, icv, data)
	if err != nil {
		return nil, fmt.Errorf("scp03t: encrypt command: %w", err)
	}

	return ciphertext, nil
}

// DecryptResponse decrypts a payload under S-ENC. A nil icv selects the zero
// vector. All failures, including bad padding, surface as ErrDecryption.
func DecryptResponse(sENC, icv, data []byte) ([]byte, error) {
	if icv == nil {
		icv = zeroIV
	}

	plaintext, err := crypto.DecryptCBC(sENC, icv, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}

	return plaintext, nil
}

// CalculateMAC computes the truncated AES-CMAC over counter || data. The
// counter, when non-nil, makes replayed commands detectable; nil computes
// the MAC over data alone.
func CalculateMAC(sMAC, counter, data []byte) ([]byte, error) {
	msg := make([]byte, 0, len(counter)+len(data))
	msg = append(msg, counter...)
	msg = append(msg, data...)

	mac, err := crypto.AESCMAC(sMAC, msg, CommandMACSize)
	if err != nil {
		return nil, fmt.Errorf("scp03t: calculate MAC: %w", err)
	}

	return mac, nil
}

// VerifyMAC recomputes the command MAC and compares it in constant time.
// A mismatch returns ErrMACVerification.
func VerifyMAC(sMAC, counter, data, mac []byte) error {
	expected, err := CalculateMAC(sMAC, counter, data)
	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return ErrMACVerification
	}

	return nil
}
