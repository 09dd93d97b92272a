// Package isdp manages ISD-P security domains and their lifecycles.
//
// An ISD-P (Issuer Security Domain - Profile) is the on-card container
// that holds exactly one downloaded profile. The SM-SR creates it ahead
// of profile download and the owning eUICC drives it through the
// lifecycle states of GSMA SGP.02 Section 3.1.1. The Registry enforces
// the transition rules and the per-eUICC memory budget.
package isdp

// State is the lifecycle state of an ISD-P security domain.
//
// The lawful transitions form a single chain with one loop:
//
//	CREATED -> UPLOADED -> INSTALLED -> ENABLED <-> DISABLED
//
// DELETED is reachable from every other state and is terminal.
type State int

const (
	// StateUnknown is the zero value and never a lawful state.
	StateUnknown State = iota
	// StateCreated is the initial state after SM-SR memory allocation.
	StateCreated
	// StateUploaded marks profile data received but not yet installed.
	StateUploaded
	// StateInstalled marks a verified profile bound to the ISD-P.
	StateInstalled
	// StateEnabled marks the profile actively serving the subscription.
	StateEnabled
	// StateDisabled marks an installed profile taken out of service.
	StateDisabled
	// StateDeleted marks a terminated ISD-P whose memory was reclaimed.
	StateDeleted
)

// String returns the state name as it appears in EIS records.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateUploaded:
		return "UPLOADED"
	case StateInstalled:
		return "INSTALLED"
	case StateEnabled:
		return "ENABLED"
	case StateDisabled:
		return "DISABLED"
	case StateDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

// IsValid reports whether s is one of the defined lifecycle states.
func (s State) IsValid() bool {
	return s >= StateCreated && s <= StateDeleted
}

// CanTransition reports whether the state machine permits moving from
// s to the given state.
func (s State) CanTransition(to State) bool {
	if to == StateDeleted {
		return s.IsValid() && s != StateDeleted
	}
	switch s {
	case StateCreated:
		return to == StateUploaded || to == StateInstalled
	case StateUploaded:
		return to == StateInstalled
	case StateInstalled:
		return to == StateEnabled
	case StateEnabled:
		return to == StateDisabled
	case StateDisabled:
		return to == StateEnabled
	default:
		return false
	}
}
