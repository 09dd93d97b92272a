package identity

import (
	"errors"
	"fmt"

	"github.com/seclane/m2mrsp/pkg/storage"
)

// storageKey returns the storage key holding an entity's sealed key.
func storageKey(entityID string) string {
	return "identity/" + entityID
}

// LoadOrCreate restores an entity's identity from storage, or generates
// and persists a fresh one if none is stored. The private key is kept
// sealed at rest; the certificate is reissued on every load.
//
// Returns ErrKeystoreAuth if a stored envelope does not open with the
// given keystore, e.g. after a storage secret change.
func LoadOrCreate(store storage.Storage, ks *Keystore, entityID string) (*Identity, error) {
	if store == nil {
		return nil, errors.New("identity: storage must not be nil")
	}
	if ks == nil {
		return nil, errors.New("identity: keystore must not be nil")
	}

	key := storageKey(entityID)

	sealed, err := store.Get(key)
	if err == nil {
		kp, err := ks.Open(entityID, sealed)
		if err != nil {
			return nil, err
		}
		return NewIdentityFromKeyPair(entityID, kp)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("identity: load sealed key: %w", err)
	}

	id, err := NewIdentity(entityID)
	if err != nil {
		return nil, err
	}

	sealed, err = ks.Seal(entityID, id.KeyPair)
	if err != nil {
		return nil, err
	}
	if err := store.Set(key, sealed); err != nil {
		return nil, fmt.Errorf("identity: persist sealed key: %w", err)
	}
	return id, nil
}
