package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/seclane/m2mrsp/pkg/crypto"
)

// Keystore errors.
var (
	// ErrKeystoreAuth is returned when a sealed envelope fails
	// authentication (wrong storage secret or tampered data).
	ErrKeystoreAuth = errors.New("identity: keystore authentication failed")

	// ErrKeystoreFormat is returned when a sealed envelope cannot be
	// decoded.
	ErrKeystoreFormat = errors.New("identity: malformed keystore envelope")
)

const keystoreInfoPrefix = "m2mrsp/keystore/"

// Keystore seals entity private keys for persistence. Each envelope is
// AES-256-GCM encrypted under a key derived from the storage secret via
// HKDF-SHA256, with the entity ID bound into the derivation so an envelope
// sealed for one entity cannot be opened as another.
type Keystore struct {
	secret []byte
}

// NewKeystore creates a keystore around the given storage secret.
func NewKeystore(secret []byte) *Keystore {
	s := make([]byte, len(secret))
	copy(s, secret)
	return &Keystore{secret: s}
}

// sealedKey is the persisted envelope shape.
type sealedKey struct {
	Version int    `json:"v"`
	Nonce   string `json:"nonce"`
	Data    string `json:"data"`
}

// Seal encrypts a key pair's private scalar into an envelope bound to the
// entity ID.
func (k *Keystore) Seal(entityID string, kp *crypto.P256KeyPair) ([]byte, error) {
	aead, err := k.aead(entityID)
	if err != nil {
		return nil, err
	}

	nonce, err := crypto.Nonce(aead.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	sealed := aead.Seal(nil, nonce, kp.P256PrivateKey(), []byte(entityID))

	env := sealedKey{
		Version: 1,
		Nonce:   base64.StdEncoding.EncodeToString(nonce),
		Data:    base64.StdEncoding.EncodeToString(sealed),
	}
	return json.Marshal(env)
}

// Open decrypts an envelope sealed for the given entity ID and
// reconstructs the key pair.
func (k *Keystore) Open(entityID string, data []byte) (*crypto.P256KeyPair, error) {
	var env sealedKey
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystoreFormat, err)
	}
	if env.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrKeystoreFormat, env.Version)
	}

	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystoreFormat, err)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeystoreFormat, err)
	}

	aead, err := k.aead(entityID)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrKeystoreFormat, len(nonce))
	}

	priv, err := aead.Open(nil, nonce, sealed, []byte(entityID))
	if err != nil {
		return nil, ErrKeystoreAuth
	}

	kp, err := crypto.P256KeyPairFromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return kp, nil
}

// aead builds the AES-256-GCM AEAD for an entity's envelopes.
func (k *Keystore) aead(entityID string) (cipher.AEAD, error) {
	key, err := crypto.HKDFSHA256(k.secret, nil, []byte(keystoreInfoPrefix+entityID), 32)
	if err != nil {
		return nil, fmt.Errorf("identity: derive keystore key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	return aead, nil
}
