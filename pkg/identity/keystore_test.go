package identity

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/seclane/m2mrsp/pkg/crypto"
)

func TestKeystoreRoundTrip(t *testing.T) {
	kp, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("P256GenerateKeyPair failed: %v", err)
	}

	ks := NewKeystore([]byte("storage secret"))

	sealed, err := ks.Seal("SM-DP-01", kp)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	restored, err := ks.Open("SM-DP-01", sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if !bytes.Equal(restored.P256PrivateKey(), kp.P256PrivateKey()) {
		t.Error("restored private key differs from original")
	}
}

func TestKeystore_WrongSecret(t *testing.T) {
	kp, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("P256GenerateKeyPair failed: %v", err)
	}

	sealed, err := NewKeystore([]byte("secret A")).Seal("SM-DP-01", kp)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	_, err = NewKeystore([]byte("secret B")).Open("SM-DP-01", sealed)
	if !errors.Is(err, ErrKeystoreAuth) {
		t.Errorf("error = %v, want ErrKeystoreAuth", err)
	}
}

// Envelopes are bound to the entity they were sealed for.
func TestKeystore_WrongEntity(t *testing.T) {
	kp, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("P256GenerateKeyPair failed: %v", err)
	}

	ks := NewKeystore([]byte("storage secret"))
	sealed, err := ks.Seal("SM-DP-01", kp)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	_, err = ks.Open("SM-SR-01", sealed)
	if !errors.Is(err, ErrKeystoreAuth) {
		t.Errorf("error = %v, want ErrKeystoreAuth", err)
	}
}

func TestKeystore_Tampered(t *testing.T) {
	kp, err := crypto.P256GenerateKeyPair()
	if err != nil {
		t.Fatalf("P256GenerateKeyPair failed: %v", err)
	}

	ks := NewKeystore([]byte("storage secret"))
	sealed, err := ks.Seal("SM-DP-01", kp)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}

	var env sealedKey
	if err := json.Unmarshal(sealed, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	env.Data = env.Data[:len(env.Data)-8] + "AAAAAAA="
	tampered, _ := json.Marshal(env)

	if _, err := ks.Open("SM-DP-01", tampered); err == nil {
		t.Error("expected error for tampered envelope")
	}
}

func TestKeystore_MalformedEnvelope(t *testing.T) {
	ks := NewKeystore([]byte("storage secret"))

	if _, err := ks.Open("SM-DP-01", []byte("{")); !errors.Is(err, ErrKeystoreFormat) {
		t.Errorf("error = %v, want ErrKeystoreFormat", err)
	}
	if _, err := ks.Open("SM-DP-01", []byte(`{"v":2,"nonce":"","data":""}`)); !errors.Is(err, ErrKeystoreFormat) {
		t.Errorf("unsupported version: error = %v, want ErrKeystoreFormat", err)
	}
}
