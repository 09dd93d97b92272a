package session

import (
	"sync"
	"time"

	"github.com/seclane/m2mrsp/pkg/crypto"
)

// DerivedKeySize is the size of each derived key in bytes (256 bits).
const DerivedKeySize = 32

// kdfContext binds all session key derivations to the SCP03t profile.
var kdfContext = []byte("scp03t")

// KeySet holds the three keys derived from the ECDH shared secret at the end
// of key establishment.
type KeySet struct {
	Ku []byte // usage key
	Ke []byte // encryption key
	Km []byte // MAC key
}

// DeriveKeySet derives Ku, Ke and Km from a shared secret. The three
// derivations share the context and differ only in key type, which is what
// makes the keys mutually independent. Both sides of the handshake call
// this with the same secret and must arrive at the same set.
func DeriveKeySet(sharedSecret []byte) *KeySet {
	return &KeySet{
		Ku: crypto.KDFCounterSHA256(sharedSecret, crypto.KeyTypeUsage, kdfContext, DerivedKeySize),
		Ke: crypto.KDFCounterSHA256(sharedSecret, crypto.KeyTypeEncryption, kdfContext, DerivedKeySize),
		Km: crypto.KDFCounterSHA256(sharedSecret, crypto.KeyTypeMAC, kdfContext, DerivedKeySize),
	}
}

// Zeroize overwrites the key material in place.
func (k *KeySet) Zeroize() {
	for _, key := range [][]byte{k.Ku, k.Ke, k.Km} {
		for i := range key {
			key[i] = 0
		}
	}
}

// Config describes a session to be created.
type Config struct {
	Role      Role
	EntityID  string // owner of the session store
	PeerID    string // the other side of the handshake
	ISDPAID   string // target ISD-P, bound into the signed handshake data
	Challenge []byte // random challenge exchanged during initiation
}

// Session is one key-establishment context. All state transitions go through
// the owning Manager; accessors are safe for concurrent use.
type Session struct {
	id        string
	role      Role
	entityID  string
	peerID    string
	isdpAID   string
	challenge []byte

	ephemeral     *crypto.P256KeyPair
	peerPublicKey []byte
	keys          *KeySet
	step          Step

	createdAt time.Time
	expiresAt time.Time

	mu sync.RWMutex
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Role returns the session role.
func (s *Session) Role() Role { return s.role }

// EntityID returns the owning entity's identifier.
func (s *Session) EntityID() string { return s.entityID }

// PeerID returns the peer entity's identifier.
func (s *Session) PeerID() string { return s.peerID }

// ISDPAID returns the ISD-P this handshake is bound to.
func (s *Session) ISDPAID() string { return s.isdpAID }

// Challenge returns the random challenge of this handshake.
func (s *Session) Challenge() []byte { return s.challenge }

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// ExpiresAt returns the session deadline.
func (s *Session) ExpiresAt() time.Time { return s.expiresAt }

// Ephemeral returns the session's ephemeral key pair, or nil once it has
// been released.
func (s *Session) Ephemeral() *crypto.P256KeyPair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ephemeral
}

// PeerPublicKey returns the peer's ephemeral public key, if received.
func (s *Session) PeerPublicKey() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerPublicKey
}

// SetPeerPublicKey records the peer's ephemeral public key.
func (s *Session) SetPeerPublicKey(publicKey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peerPublicKey = append([]byte(nil), publicKey...)
}

// Step returns the session's progress.
func (s *Session) Step() Step {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.step
}

// Keys returns the derived key set. It fails with ErrSessionIncomplete until
// the handshake has completed: a pending session must never hand out
// half-established material.
func (s *Session) Keys() (*KeySet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.step != StepCompleted || s.keys == nil {
		return nil, ErrSessionIncomplete
	}
	return s.keys, nil
}

// complete stores the derived keys, releases the ephemeral private key and
// marks the session completed. Called by the Manager.
func (s *Session) complete(keys *KeySet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys = keys
	s.ephemeral = nil
	s.step = StepCompleted
}

// wipe zeroizes the derived keys and drops the ephemeral key pair.
func (s *Session) wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keys != nil {
		s.keys.Zeroize()
		s.keys = nil
	}
	s.ephemeral = nil
}
