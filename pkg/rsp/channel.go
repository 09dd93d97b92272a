package rsp

import (
	"encoding/binary"
	"fmt"

	"github.com/seclane/m2mrsp/pkg/psktls"
	"github.com/seclane/m2mrsp/pkg/scp03t"
	"github.com/seclane/m2mrsp/pkg/session"
)

// secureChannel is one established SM-DP to eUICC channel: the PSK
// cipher protecting envelopes end to end and the SCP03t session keys
// for the INSTALL command stream. Both sides derive it from the same
// key set, so the derivation inputs must match exactly.
type secureChannel struct {
	cipher  *psktls.Cipher
	scp     scp03t.SessionKeys
	counter uint16
}

// newSecureChannel derives a channel from a completed key
// establishment. Ke seals envelopes, Km is the SCP03t base key. Ku is
// not used here; it refreshes the SM-SR channel and never reaches the
// install path.
func newSecureChannel(keys *session.KeySet, challenge []byte, sessionID, hostID, cardID string) (*secureChannel, error) {
	cipher, err := psktls.NewCipher(keys.Ke)
	if err != nil {
		return nil, fmt.Errorf("rsp: channel cipher: %w", err)
	}

	scp := scp03t.DeriveSessionKeys(keys.Km, challenge, []byte(sessionID), []byte(hostID), []byte(cardID))

	return &secureChannel{
		cipher:  cipher,
		scp:     scp,
		counter: 1,
	}, nil
}

// nextCounter returns the current command counter as two big-endian
// bytes and advances it. The sender calls this per INSTALL command;
// the receiver mirrors it per command received.
func (c *secureChannel) nextCounter() []byte {
	counter := make([]byte, 2)
	binary.BigEndian.PutUint16(counter, c.counter)
	c.counter++
	return counter
}

// receiptPrefix binds the key establishment receipt to its purpose.
var receiptPrefix = []byte("receipt_")

// keSignedPayload is the byte string the SM-DP signs in its opening
// message: ephemeral public key, challenge and target ISD-P AID. The
// AID binds the handshake to one container so a captured init cannot
// be replayed against another.
func keSignedPayload(publicKey, challenge []byte, isdpAID string) []byte {
	payload := make([]byte, 0, len(publicKey)+len(challenge)+len(isdpAID))
	payload = append(payload, publicKey...)
	payload = append(payload, challenge...)
	payload = append(payload, isdpAID...)
	return payload
}

// keReceiptPayload is the byte string the eUICC signs as its receipt.
func keReceiptPayload(challenge []byte) []byte {
	payload := make([]byte, 0, len(receiptPrefix)+len(challenge))
	payload = append(payload, receiptPrefix...)
	payload = append(payload, challenge...)
	return payload
}
