// AES-CBC with PKCS#7 padding. Both the SCP03t codec and the PSK channel
// cipher protect payloads this way; authenticity comes from a separate MAC
// (AES-CMAC and HMAC-SHA256 respectively), never from the cipher itself.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// AESBlockSize is the AES block size in bytes.
const AESBlockSize = aes.BlockSize

// Errors for CBC operations.
var (
	// ErrInvalidPadding is returned when decrypted data does not end in
	// valid PKCS#7 padding. Callers treat this as a decryption failure.
	ErrInvalidPadding = errors.New("cbc: invalid PKCS#7 padding")

	// ErrInvalidCiphertext is returned when ciphertext is empty or not a
	// multiple of the AES block size.
	ErrInvalidCiphertext = errors.New("cbc: ciphertext is not a multiple of the block size")
)

// EncryptCBC encrypts plaintext with AES-CBC using the given key and IV.
// The plaintext is PKCS#7-padded, so any input length is accepted.
// The key must be 16, 24 or 32 bytes; the IV must be one block.
func EncryptCBC(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cbc: %w", err)
	}
	if len(iv) != AESBlockSize {
		return nil, fmt.Errorf("cbc: IV must be %d bytes, got %d", AESBlockSize, len(iv))
	}

	padded := pkcs7Pad(plaintext, AESBlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return ciphertext, nil
}

// DecryptCBC decrypts AES-CBC ciphertext and strips the PKCS#7 padding.
// Returns ErrInvalidCiphertext for malformed input and ErrInvalidPadding
// when the padding check fails (wrong key, wrong IV or tampered data).
func DecryptCBC(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cbc: %w", err)
	}
	if len(iv) != AESBlockSize {
		return nil, fmt.Errorf("cbc: IV must be %d bytes, got %d", AESBlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%AESBlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext, AESBlockSize)
}

// pkcs7Pad appends PKCS#7 padding up to the next multiple of blockSize.
// A full padding block is added when the input is already aligned.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad validates and strips PKCS#7 padding.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}

	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}

	return data[:len(data)-padLen], nil
}
