// Package scp03t implements the transport-oriented variant of GlobalPlatform
// Secure Channel Protocol '03' used to protect profile installation commands
// in M2M remote SIM provisioning.
//
// See GlobalPlatform Card Specification Amendment D (SCP03) and GSMA SGP.02
// Section 4.1.3.3. The package covers session key derivation, command
// encryption with CMAC authentication, and ISO 7816-4 APDU framing for the
// INSTALL command. Transport of the resulting bytes is the caller's concern.
package scp03t

import (
	"github.com/seclane/m2mrsp/pkg/crypto"
)

// SessionKeySize is the length of each derived session key in bytes (AES-128).
const SessionKeySize = 16

// SessionKeys holds the three transport keys of one SCP03t secure channel.
type SessionKeys struct {
	ENC  []byte // S-ENC, command encryption
	MAC  []byte // S-MAC, command authentication
	RMAC []byte // S-RMAC, response authentication
}

// DeriveSessionKeys derives S-ENC, S-MAC and S-RMAC from the base key
// established during key establishment. The derivation context concatenates
// both parties' challenges and identities, so two channels never share
// session keys even when built from the same base key.
func DeriveSessionKeys(baseKey, hostChallenge, cardChallenge, hostID, cardID []byte) SessionKeys {
	context := make([]byte, 0, len(hostChallenge)+len(cardChallenge)+len(hostID)+len(cardID))
	context = append(context, hostChallenge...)
	context = append(context, cardChallenge...)
	context = append(context, hostID...)
	context = append(context, cardID...)

	return SessionKeys{
		ENC:  crypto.KDFCounterSHA256(baseKey, crypto.KeyTypeSENC, context, SessionKeySize),
		MAC:  crypto.KDFCounterSHA256(baseKey, crypto.KeyTypeSMAC, context, SessionKeySize),
		RMAC: crypto.KDFCounterSHA256(baseKey, crypto.KeyTypeSRMAC, context, SessionKeySize),
	}
}

// Zeroize overwrites all three session keys in place.
func (k *SessionKeys) Zeroize() {
	for _, key := range [][]byte{k.ENC, k.MAC, k.RMAC} {
		for i := range key {
			key[i] = 0
		}
	}
}
