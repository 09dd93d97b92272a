// Package profile builds and checks downloadable SIM profiles.
//
// The SM-DP prepares one profile per subscription: SIM credentials
// (IMSI, Ki, OPc), the USIM and ISIM applets and an integrity hash
// over the whole record. The hash is recomputed by the eUICC after
// download; a profile may only be installed when it matches.
package profile

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seclane/m2mrsp/pkg/crypto"
)

// Package errors.
var (
	// ErrIntegrityMismatch is returned when a profile's content does not
	// match its integrity hash.
	ErrIntegrityMismatch = errors.New("profile: integrity hash mismatch")
	// ErrInvalidICCID is returned when an ICCID is too short to derive
	// SIM credentials from.
	ErrInvalidICCID = errors.New("profile: invalid ICCID")
)

// Status is the delivery status of a profile.
//
// A profile moves prepared -> transmitted -> installed -> enabled, and
// may toggle between enabled and disabled afterwards.
type Status string

// Profile statuses as stored and serialized.
const (
	StatusPrepared    Status = "prepared"
	StatusTransmitted Status = "transmitted"
	StatusInstalled   Status = "installed"
	StatusEnabled     Status = "enabled"
	StatusDisabled    Status = "disabled"
)

// IsValid reports whether s is one of the defined statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusPrepared, StatusTransmitted, StatusInstalled, StatusEnabled, StatusDisabled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether a profile may move from s to next.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPrepared:
		return next == StatusTransmitted
	case StatusTransmitted:
		return next == StatusInstalled
	case StatusInstalled:
		return next == StatusEnabled
	case StatusEnabled:
		return next == StatusDisabled
	case StatusDisabled:
		return next == StatusEnabled
	default:
		return false
	}
}

// SIM credential and applet sizes.
const (
	// KiSize is the subscriber authentication key length in bytes.
	KiSize = 16
	// OPcSize is the derived operator code length in bytes.
	OPcSize = 16

	// iccidIMSIDigits is the span of the ICCID folded into the IMSI.
	iccidIMSIStart = 3
	iccidIMSIEnd   = 15

	// imsiMCCMNC is the test-network prefix of generated IMSIs.
	imsiMCCMNC = "001"
)

// Standard applet AIDs (ETSI TS 101 220 registered identifiers).
const (
	AIDUSIM = "A0000000871002"
	AIDISIM = "A0000000871004"
)

// SIMData carries the secret SIM credentials of a profile. Ki and OPc
// are hex encoded.
type SIMData struct {
	IMSI string `json:"imsi"`
	Ki   string `json:"ki"`
	OPc  string `json:"opc"`
}

// Applet is one application installed with the profile.
type Applet struct {
	AID      string `json:"aid"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// Profile is one downloadable subscription profile.
type Profile struct {
	Type      string   `json:"profileType"`
	ICCID     string   `json:"iccid"`
	Status    Status   `json:"status"`
	Timestamp int64    `json:"timestamp"`
	SIM       SIMData  `json:"sim_data"`
	Applets   []Applet `json:"applications"`
	// Hash is the hex SHA-256 over the profile's canonical JSON
	// encoding, computed with the Hash and Status fields empty.
	Hash string `json:"hash,omitempty"`
}

// Prepare builds a fresh profile for the subscription identified by
// iccid. The IMSI is derived from the ICCID on the 001 test network;
// Ki and OPc are drawn from crypto/rand.
//
// Returns ErrInvalidICCID if iccid is too short to derive an IMSI.
func Prepare(iccid, profileType string) (*Profile, error) {
	if len(iccid) < iccidIMSIEnd {
		return nil, fmt.Errorf("%w: %d digits", ErrInvalidICCID, len(iccid))
	}

	ki, err := crypto.Nonce(KiSize)
	if err != nil {
		return nil, fmt.Errorf("profile: Ki generation: %w", err)
	}
	opc, err := crypto.Nonce(OPcSize)
	if err != nil {
		return nil, fmt.Errorf("profile: OPc generation: %w", err)
	}

	p := &Profile{
		Type:      profileType,
		ICCID:     iccid,
		Status:    StatusPrepared,
		Timestamp: time.Now().Unix(),
		SIM: SIMData{
			IMSI: imsiMCCMNC + iccid[iccidIMSIStart:iccidIMSIEnd],
			Ki:   hex.EncodeToString(ki),
			OPc:  hex.EncodeToString(opc),
		},
		Applets: []Applet{
			{AID: AIDUSIM, Name: "USIM", Priority: 1},
			{AID: AIDISIM, Name: "ISIM", Priority: 2},
		},
	}

	hash, err := p.ComputeHash()
	if err != nil {
		return nil, err
	}
	p.Hash = hash
	return p, nil
}

// ComputeHash returns the hex SHA-256 over the profile's JSON encoding
// with the Hash and Status fields left empty. Status changes while the
// profile moves through delivery, so the digest binds the immutable
// content only and stays verifiable on the eUICC.
func (p *Profile) ComputeHash() (string, error) {
	clone := *p
	clone.Hash = ""
	clone.Status = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("profile: hash encoding: %w", err)
	}
	return hex.EncodeToString(crypto.SHA256Slice(data)), nil
}

// Verify recomputes the integrity hash and checks it against the
// stored one.
//
// Returns ErrIntegrityMismatch when they differ or no hash is stored.
func (p *Profile) Verify() error {
	if p.Hash == "" {
		return fmt.Errorf("%w: no hash stored", ErrIntegrityMismatch)
	}
	computed, err := p.ComputeHash()
	if err != nil {
		return err
	}
	if computed != p.Hash {
		return ErrIntegrityMismatch
	}
	return nil
}

// Clone returns a deep copy of the profile.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Applets = append([]Applet(nil), p.Applets...)
	return &clone
}
