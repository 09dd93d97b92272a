// Package session manages key-establishment session state for the
// provisioning entities.
//
// Each entity owns a Manager holding the sessions it participates in. A
// session is created when key establishment starts, carries the ephemeral
// key pair and challenge while the handshake is in flight, and yields the
// derived key set only once the handshake has completed. Sessions expire;
// the Manager's sweeper collects them and wipes their key material.
//
// See GSMA SGP.02 Section 3.1.2 (key establishment between SM-DP and eUICC).
package session

// Role identifies which side of the key establishment a session context
// belongs to.
type Role int

const (
	// RoleUnknown indicates an uninitialized or invalid role.
	RoleUnknown Role = iota

	// RoleInitiator marks the side that starts key establishment and signs
	// its ephemeral key (the SM-DP).
	RoleInitiator

	// RoleResponder marks the side that verifies the initiator, derives
	// keys and returns the receipt (the eUICC).
	RoleResponder
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the role is a defined value.
func (r Role) IsValid() bool {
	return r == RoleInitiator || r == RoleResponder
}

// Step tracks the progress of one key establishment run.
type Step int

const (
	// StepUnknown indicates an uninitialized step.
	StepUnknown Step = iota

	// StepInitiated means the handshake is in flight: ephemeral key and
	// challenge exist, derived keys do not.
	StepInitiated

	// StepCompleted means both sides agreed on the shared secret and the
	// derived key set is available.
	StepCompleted
)

// String returns a human-readable name for the step.
func (s Step) String() string {
	switch s {
	case StepInitiated:
		return "Initiated"
	case StepCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}
