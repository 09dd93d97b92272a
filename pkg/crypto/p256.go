// P-256 key pairs, ECDSA signatures and ECDH key agreement.
// Key establishment between SM-DP and eUICC uses an ECKA-style exchange on
// the NIST P-256 curve (GSMA SGP.02 Section 3.1.2, key establishment with
// mutually authenticated ephemeral keys).

package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// P-256 sizes.
const (
	// P256GroupSizeBytes is the size of a coordinate or scalar in bytes.
	P256GroupSizeBytes = 32

	// P256PublicKeySizeBytes is the X9.62 uncompressed public key size.
	// Format: 0x04 || X (32 bytes) || Y (32 bytes)
	P256PublicKeySizeBytes = 65

	// P256SignatureSizeBytes is the raw signature size (r || s).
	P256SignatureSizeBytes = 64

	// P256SharedSecretSizeBytes is the ECDH shared secret size
	// (the x-coordinate of the shared point).
	P256SharedSecretSizeBytes = 32
)

// ErrInvalidPublicKey is returned when a peer public key is not a valid
// X9.62 uncompressed point on the P-256 curve. Parsing is fail-closed: a
// malformed point never reaches an ECDH or ECDSA operation.
var ErrInvalidPublicKey = errors.New("p256: invalid public key")

// P256KeyPair holds a P-256 private key usable for both ECDH key agreement
// and ECDSA signing. Entity identities and ephemeral key-establishment keys
// are both represented this way.
type P256KeyPair struct {
	ecdhPrivate  *ecdh.PrivateKey
	ecdsaPrivate *ecdsa.PrivateKey
}

// P256PublicKey returns the public key in X9.62 uncompressed format (65 bytes).
func (kp *P256KeyPair) P256PublicKey() []byte {
	return kp.ecdhPrivate.PublicKey().Bytes()
}

// P256PrivateKey returns the private key as a 32-byte scalar.
// Callers that persist this value must zeroize their copy when done.
func (kp *P256KeyPair) P256PrivateKey() []byte {
	return kp.ecdhPrivate.Bytes()
}

// ECDSAPrivate exposes the underlying ECDSA key for X.509 operations
// (certificate issuance and parsing).
func (kp *P256KeyPair) ECDSAPrivate() *ecdsa.PrivateKey {
	return kp.ecdsaPrivate
}

// P256GenerateKeyPair generates a new P-256 key pair from crypto/rand.
func P256GenerateKeyPair() (*P256KeyPair, error) {
	// Generate using crypto/ecdh (preferred for ECDH operations)
	ecdhPriv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDH key: %w", err)
	}

	// Mirror the key into crypto/ecdsa for signing operations.
	ecdsaPriv, err := ecdhToECDSA(ecdhPriv)
	if err != nil {
		return nil, fmt.Errorf("failed to convert to ECDSA key: %w", err)
	}

	return &P256KeyPair{
		ecdhPrivate:  ecdhPriv,
		ecdsaPrivate: ecdsaPriv,
	}, nil
}

// P256KeyPairFromPrivateKey creates a key pair from an existing 32-byte
// private key scalar, e.g. one restored from the sealed keystore.
func P256KeyPairFromPrivateKey(privateKey []byte) (*P256KeyPair, error) {
	if len(privateKey) != P256GroupSizeBytes {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", P256GroupSizeBytes, len(privateKey))
	}

	ecdhPriv, err := ecdh.P256().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	ecdsaPriv, err := ecdhToECDSA(ecdhPriv)
	if err != nil {
		return nil, fmt.Errorf("failed to convert to ECDSA key: %w", err)
	}

	return &P256KeyPair{
		ecdhPrivate:  ecdhPriv,
		ecdsaPrivate: ecdsaPriv,
	}, nil
}

// ecdhToECDSA converts an ecdh.PrivateKey to an ecdsa.PrivateKey.
func ecdhToECDSA(ecdhKey *ecdh.PrivateKey) (*ecdsa.PrivateKey, error) {
	d := new(big.Int).SetBytes(ecdhKey.Bytes())

	pubBytes := ecdhKey.PublicKey().Bytes()
	if len(pubBytes) != P256PublicKeySizeBytes || pubBytes[0] != 0x04 {
		return nil, errors.New("unexpected public key format")
	}

	x := new(big.Int).SetBytes(pubBytes[1:33])
	y := new(big.Int).SetBytes(pubBytes[33:65])

	return &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     x,
			Y:     y,
		},
		D: d,
	}, nil
}

// P256Sign signs a message using ECDSA with SHA-256.
// The message is hashed internally. Returns a 64-byte raw signature
// (r || s), each component zero-padded to 32 bytes.
func P256Sign(keyPair *P256KeyPair, message []byte) ([]byte, error) {
	hash := SHA256(message)

	r, s, err := ecdsa.Sign(rand.Reader, keyPair.ecdsaPrivate, hash[:])
	if err != nil {
		return nil, fmt.Errorf("ECDSA sign failed: %w", err)
	}

	// Fixed-size output: r and s right-aligned in 32 bytes each.
	sig := make([]byte, P256SignatureSizeBytes)
	rBytes := r.Bytes()
	sBytes := s.Bytes()
	copy(sig[P256GroupSizeBytes-len(rBytes):P256GroupSizeBytes], rBytes)
	copy(sig[P256SignatureSizeBytes-len(sBytes):], sBytes)

	return sig, nil
}

// P256Verify verifies a raw 64-byte ECDSA signature over a message.
//
// Verification is fail-closed: a malformed public key or a wrong-length
// signature returns false together with a descriptive error. A well-formed
// but non-matching signature returns (false, nil).
func P256Verify(publicKey, message, signature []byte) (bool, error) {
	if err := P256ValidatePublicKey(publicKey); err != nil {
		return false, err
	}

	x := new(big.Int).SetBytes(publicKey[1:33])
	y := new(big.Int).SetBytes(publicKey[33:65])

	pub := &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     x,
		Y:     y,
	}

	if len(signature) != P256SignatureSizeBytes {
		return false, fmt.Errorf("p256: signature must be %d bytes, got %d", P256SignatureSizeBytes, len(signature))
	}

	r := new(big.Int).SetBytes(signature[:P256GroupSizeBytes])
	s := new(big.Int).SetBytes(signature[P256GroupSizeBytes:])

	hash := SHA256(message)

	return ecdsa.Verify(pub, hash[:], r, s), nil
}

// P256ECDH computes the ECDH shared secret with a peer's public key.
// Both parties derive the identical 32-byte secret (the x-coordinate of
// the shared point). A malformed peer key yields ErrInvalidPublicKey.
func P256ECDH(keyPair *P256KeyPair, peerPublicKey []byte) ([]byte, error) {
	if len(peerPublicKey) != P256PublicKeySizeBytes {
		return nil, fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, P256PublicKeySizeBytes, len(peerPublicKey))
	}

	peerPub, err := ecdh.P256().NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}

	secret, err := keyPair.ecdhPrivate.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH computation failed: %w", err)
	}

	return secret, nil
}

// P256ValidatePublicKey validates that a public key is a well-formed
// uncompressed point on the curve. Errors wrap ErrInvalidPublicKey.
func P256ValidatePublicKey(publicKey []byte) error {
	if len(publicKey) != P256PublicKeySizeBytes {
		return fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidPublicKey, P256PublicKeySizeBytes, len(publicKey))
	}
	if publicKey[0] != 0x04 {
		return fmt.Errorf("%w: not in uncompressed format (missing 0x04 prefix)", ErrInvalidPublicKey)
	}

	x := new(big.Int).SetBytes(publicKey[1:33])
	y := new(big.Int).SetBytes(publicKey[33:65])

	if !elliptic.P256().IsOnCurve(x, y) {
		return fmt.Errorf("%w: point is not on the P-256 curve", ErrInvalidPublicKey)
	}

	return nil
}
