package identity

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Certificate validation errors.
var (
	ErrCertificateParse       = errors.New("identity: failed to parse certificate")
	ErrCertificateExpired     = errors.New("identity: certificate expired")
	ErrCertificateNotYetValid = errors.New("identity: certificate not yet valid")
	ErrCertificateSignature   = errors.New("identity: certificate signature verification failed")
	ErrUntrustedIssuer        = errors.New("identity: certificate issuer is not trusted")
	ErrSubjectMismatch        = errors.New("identity: certificate subject does not match entity ID")
)

// CertVerifier validates a peer's certificate and returns the parsed
// certificate on success. Implementations must be safe for concurrent use.
type CertVerifier interface {
	Validate(der []byte, entityID string) (*x509.Certificate, error)
}

// Validator validates peer certificates against a set of pinned trust
// anchors. Each entity registers the certificates of its peers (or of a
// common CI root) before any protocol exchange.
//
// Validation never short-circuits to success: a certificate that is not
// pinned and not signed by a pinned anchor is rejected.
type Validator struct {
	mu    sync.RWMutex
	roots map[string]*x509.Certificate
}

// NewValidator creates an empty Validator. Use Trust to pin anchors.
func NewValidator() *Validator {
	return &Validator{
		roots: make(map[string]*x509.Certificate),
	}
}

// Trust pins a certificate as the trust anchor for the given entity ID.
// Re-pinning replaces the previous anchor.
func (v *Validator) Trust(entityID string, cert *x509.Certificate) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.roots[entityID] = cert
}

// TrustIdentity pins an identity's own certificate. Convenience for
// simulator wiring where entities exchange self-signed certificates.
func (v *Validator) TrustIdentity(id *Identity) {
	v.Trust(id.ID, id.Cert)
}

// Validate parses and validates a certificate presented by entityID.
//
// Checks, in order: parse, subject CN match, signature (either the pinned
// anchor itself, self-signature verified, or a certificate issued by the
// pinned anchor), validity period. Every failure returns a typed error.
func (v *Validator) Validate(der []byte, entityID string) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateParse, err)
	}

	if cert.Subject.CommonName != entityID {
		return nil, fmt.Errorf("%w: subject %q, entity %q", ErrSubjectMismatch, cert.Subject.CommonName, entityID)
	}

	v.mu.RLock()
	anchor, ok := v.roots[entityID]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no anchor pinned for %q", ErrUntrustedIssuer, entityID)
	}

	if bytes.Equal(cert.Raw, anchor.Raw) {
		// The pinned certificate itself; verify its self-signature.
		if err := cert.CheckSignatureFrom(cert); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertificateSignature, err)
		}
	} else {
		// A certificate issued by the pinned anchor.
		if err := cert.CheckSignatureFrom(anchor); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCertificateSignature, err)
		}
	}

	if err := validateCertTime(cert, time.Now()); err != nil {
		return nil, err
	}

	return cert, nil
}

// validateCertTime checks the certificate's validity window.
func validateCertTime(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if !cert.NotAfter.IsZero() && now.After(cert.NotAfter) {
		return ErrCertificateExpired
	}
	return nil
}

// StaticVerifier accepts any parseable certificate without checking its
// signature, subject or validity. Testing only. Never use this as the
// default verifier for an entity.
type StaticVerifier struct{}

// Validate parses the certificate and returns it without validation.
func (StaticVerifier) Validate(der []byte, entityID string) (*x509.Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateParse, err)
	}
	return cert, nil
}

// Verify Validator and StaticVerifier implement CertVerifier.
var (
	_ CertVerifier = (*Validator)(nil)
	_ CertVerifier = StaticVerifier{}
)
