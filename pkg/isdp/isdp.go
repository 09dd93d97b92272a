package isdp

import "time"

// ISDP is one ISD-P record, tracked by the SM-SR in its EIS and by the
// owning eUICC.
//
// Registry methods hand out clones; all mutation goes through the
// Registry so the lifecycle rules cannot be bypassed.
type ISDP struct {
	// AID is the application identifier, unique across all eUICCs
	// managed by the same SM-SR.
	AID string
	// EUICCID is the EID of the owning eUICC.
	EUICCID string
	// ICCID identifies the bound profile, set on installation.
	ICCID string
	// Memory is the number of memory units allocated at creation.
	Memory int
	// State is the current lifecycle state.
	State State
	// KeysetRefs names the SCP03 keysets provisioned into the ISD-P
	// security domain during profile installation.
	KeysetRefs []string
	// CreatedAt is the creation time recorded by the registry.
	CreatedAt time.Time
}

// Clone returns a deep copy of the record.
func (p *ISDP) Clone() *ISDP {
	if p == nil {
		return nil
	}
	clone := *p
	clone.KeysetRefs = append([]string(nil), p.KeysetRefs...)
	return &clone
}
