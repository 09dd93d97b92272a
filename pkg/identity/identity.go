// Package identity manages the long-term identities of the provisioning
// entities (SM-DP, SM-SR, eUICC): a P-256 key pair and a self-signed X.509
// certificate per entity, plus the validation of peer certificates.
//
// In a production deployment certificates chain to a GSMA CI root
// (SGP.02 Section 2.5); the simulator models the same trust decisions with
// per-entity self-signed certificates pinned at registration time.
package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/seclane/m2mrsp/pkg/crypto"
)

// CertificateValidity is the lifetime of a generated entity certificate.
const CertificateValidity = 365 * 24 * time.Hour

// ErrCertificatePEM is returned when PEM decoding fails.
var ErrCertificatePEM = errors.New("identity: invalid certificate PEM")

// Identity is a provisioning entity's long-term identity: its ID, key pair
// and self-signed certificate.
type Identity struct {
	ID      string
	KeyPair *crypto.P256KeyPair
	Cert    *x509.Certificate
	CertDER []byte
}

// NewIdentity generates a fresh identity for the given entity ID: a P-256
// key pair and a self-signed certificate with the ID as subject CN.
func NewIdentity(id string) (*Identity, error) {
	if id == "" {
		return nil, errors.New("identity: entity ID must not be empty")
	}

	kp, err := crypto.P256GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}

	return newIdentityFromKeyPair(id, kp)
}

// NewIdentityFromKeyPair builds an identity around an existing key pair,
// e.g. one restored from the keystore. A fresh self-signed certificate is
// issued for it.
func NewIdentityFromKeyPair(id string, kp *crypto.P256KeyPair) (*Identity, error) {
	if id == "" {
		return nil, errors.New("identity: entity ID must not be empty")
	}
	if kp == nil {
		return nil, errors.New("identity: key pair must not be nil")
	}
	return newIdentityFromKeyPair(id, kp)
}

func newIdentityFromKeyPair(id string, kp *crypto.P256KeyPair) (*Identity, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("identity: serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   id,
			Organization: []string{"M2M RSP Simulator"},
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(CertificateValidity),
		SignatureAlgorithm:    x509.ECDSAWithSHA256,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	priv := kp.ECDSAPrivate()
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("identity: create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("identity: parse generated certificate: %w", err)
	}

	return &Identity{
		ID:      id,
		KeyPair: kp,
		Cert:    cert,
		CertDER: der,
	}, nil
}

// PublicKey returns the identity's public key in X9.62 uncompressed form.
func (i *Identity) PublicKey() []byte {
	return i.KeyPair.P256PublicKey()
}

// Sign signs a message with the identity's long-term key (ECDSA/SHA-256,
// raw 64-byte r||s signature).
func (i *Identity) Sign(message []byte) ([]byte, error) {
	return crypto.P256Sign(i.KeyPair, message)
}

// Verify checks a raw signature against this identity's public key.
func (i *Identity) Verify(message, signature []byte) (bool, error) {
	return crypto.P256Verify(i.PublicKey(), message, signature)
}

// CertPEM returns the certificate encoded as PEM.
func (i *Identity) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: i.CertDER})
}

// CertPublicKey returns the certificate's P-256 public key in X9.62
// uncompressed form, as consumed by the signature and ECDH helpers.
func CertPublicKey(cert *x509.Certificate) ([]byte, error) {
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("identity: certificate key is %T, want ECDSA", cert.PublicKey)
	}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("identity: certificate key: %w", err)
	}
	return ecdhPub.Bytes(), nil
}

// ParseCertPEM decodes a PEM-encoded certificate.
func ParseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrCertificatePEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("identity: parse certificate: %w", err)
	}
	return cert, nil
}
