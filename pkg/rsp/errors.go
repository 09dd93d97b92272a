package rsp

import (
	"errors"

	"github.com/seclane/m2mrsp/pkg/crypto"
	"github.com/seclane/m2mrsp/pkg/isdp"
	"github.com/seclane/m2mrsp/pkg/profile"
	"github.com/seclane/m2mrsp/pkg/psktls"
	"github.com/seclane/m2mrsp/pkg/session"
)

// Protocol error taxonomy. Conditions raised by lower layers keep their
// owning package's sentinel; the aliases here give protocol callers a
// single import to match against with errors.Is.
var (
	// ErrInvalidPublicKey is returned when a peer presents bytes that do
	// not decode to a P-256 point.
	ErrInvalidPublicKey = crypto.ErrInvalidPublicKey

	// ErrSignatureVerification is returned when a peer's signature over
	// key-establishment material does not verify.
	ErrSignatureVerification = errors.New("rsp: signature verification failed")

	// ErrMACVerification is returned when a PSK envelope fails its
	// authentication check.
	ErrMACVerification = psktls.ErrMACVerification

	// ErrDecryption is returned when an authenticated envelope cannot be
	// decrypted.
	ErrDecryption = psktls.ErrDecryption

	// ErrIntegrityCheck is returned when a downloaded profile does not
	// match its integrity hash.
	ErrIntegrityCheck = profile.ErrIntegrityMismatch

	// ErrInsufficientMemory is returned when ISD-P creation exceeds the
	// eUICC's free memory.
	ErrInsufficientMemory = isdp.ErrInsufficientMemory

	// ErrProfileNotFound is returned when an operation names a profile
	// the entity does not hold.
	ErrProfileNotFound = isdp.ErrProfileNotFound

	// ErrInvalidSession is returned for operations on unknown session IDs.
	ErrInvalidSession = session.ErrInvalidSession

	// ErrSessionExpired is returned for operations on sessions past their
	// deadline.
	ErrSessionExpired = session.ErrSessionExpired

	// ErrInvalidKeyLength is returned when a configured PSK is neither 16
	// nor 32 bytes.
	ErrInvalidKeyLength = psktls.ErrInvalidKeyLength

	// ErrPSKNotEstablished is returned when a secure-channel operation is
	// attempted before any PSK exists for the peer.
	ErrPSKNotEstablished = errors.New("rsp: no PSK established")

	// ErrEUICCNotRegistered is returned when an operation names an eUICC
	// the SM-SR has no EIS record for.
	ErrEUICCNotRegistered = errors.New("rsp: eUICC not registered")
)

// Routing errors.
var (
	// ErrUnknownDestination is returned when routing to an entity that
	// never registered.
	ErrUnknownDestination = errors.New("rsp: unknown destination entity")

	// ErrUnknownEndpoint is returned when the destination entity does not
	// serve the requested endpoint.
	ErrUnknownEndpoint = errors.New("rsp: unknown endpoint")
)
