package identity

import (
	"bytes"
	"errors"
	"testing"

	"github.com/seclane/m2mrsp/pkg/storage"
)

func TestLoadOrCreate(t *testing.T) {
	store := storage.NewMemory()
	ks := NewKeystore([]byte("storage secret"))

	first, err := LoadOrCreate(store, ks, "SM-DP-01")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	if _, err := store.Get("identity/SM-DP-01"); err != nil {
		t.Fatalf("sealed key not persisted: %v", err)
	}

	second, err := LoadOrCreate(store, ks, "SM-DP-01")
	if err != nil {
		t.Fatalf("LoadOrCreate (restore): %v", err)
	}
	if !bytes.Equal(first.PublicKey(), second.PublicKey()) {
		t.Error("restored identity has a different key pair")
	}

	// The certificate is reissued, but signatures made before the
	// restart must verify against the restored identity.
	sig, err := first.Sign([]byte("probe"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := second.Verify([]byte("probe"), sig)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Error("signature does not verify after restore")
	}
}

func TestLoadOrCreate_WrongSecret(t *testing.T) {
	store := storage.NewMemory()

	if _, err := LoadOrCreate(store, NewKeystore([]byte("secret A")), "SM-DP-01"); err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	_, err := LoadOrCreate(store, NewKeystore([]byte("secret B")), "SM-DP-01")
	if !errors.Is(err, ErrKeystoreAuth) {
		t.Errorf("error = %v, want ErrKeystoreAuth", err)
	}
}

func TestLoadOrCreate_DistinctEntities(t *testing.T) {
	store := storage.NewMemory()
	ks := NewKeystore([]byte("storage secret"))

	a, err := LoadOrCreate(store, ks, "SM-DP-01")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	b, err := LoadOrCreate(store, ks, "sm-sr-01")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}

	if bytes.Equal(a.PublicKey(), b.PublicKey()) {
		t.Error("entities share a key pair")
	}

	keys, err := store.List("identity/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("stored %d sealed keys, want 2", len(keys))
	}
}
