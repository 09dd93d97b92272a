// Package discovery lets simulator entities find each other: an
// in-process Directory mapping entity IDs to roles, an optional mDNS
// Advertiser announcing entities on the local network and a Resolver
// for browsing them. Core protocol paths never depend on this package;
// the router addresses entities by ID directly.
package discovery

import (
	"fmt"
	"strings"
)

// Role names the protocol role an entity plays.
type Role string

// Entity roles.
const (
	RoleSMDP  Role = "sm-dp"
	RoleSMSR  Role = "sm-sr"
	RoleEUICC Role = "euicc"
)

// IsValid reports whether the role is one of the defined roles.
func (r Role) IsValid() bool {
	switch r {
	case RoleSMDP, RoleSMSR, RoleEUICC:
		return true
	}
	return false
}

// DNS-SD service parameters for advertised entities.
const (
	// Service is the DNS-SD service type for simulator entities.
	Service = "_m2mrsp._udp"

	// DefaultDomain is the default mDNS domain.
	DefaultDomain = "local."

	// DefaultPort is advertised when an entry does not name a port.
	DefaultPort = 8001
)

// TXT record keys.
const (
	txtKeyID      = "id"
	txtKeyRole    = "role"
	txtKeyVersion = "ver"
)

// Entry describes one discoverable entity.
type Entry struct {
	// ID is the entity identifier, which is also its routing address
	// and its DNS-SD instance name.
	ID string

	// Role is the protocol role the entity plays.
	Role Role

	// Version is the advertised protocol version, e.g. "2.1.0".
	Version string

	// Port is the advertised port. Zero means the advertiser default.
	Port int
}

// Validate checks the entry fields.
//
// Returns ErrInvalidEntry if the ID is empty, the role is unknown or
// the port is out of range.
func (e Entry) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: empty entity ID", ErrInvalidEntry)
	}
	if !e.Role.IsValid() {
		return fmt.Errorf("%w: role %q", ErrInvalidEntry, e.Role)
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidEntry, e.Port)
	}
	return nil
}

// EncodeTXT encodes the entry as DNS-SD TXT records.
func EncodeTXT(e Entry) []string {
	txt := []string{
		txtKeyID + "=" + e.ID,
		txtKeyRole + "=" + string(e.Role),
	}
	if e.Version != "" {
		txt = append(txt, txtKeyVersion+"="+e.Version)
	}
	return txt
}

// ParseTXT decodes an entry from DNS-SD TXT records. Unknown keys are
// ignored; the port is not carried in TXT and stays zero.
//
// Returns ErrInvalidTXTRecord on malformed pairs or when the id or
// role key is missing.
func ParseTXT(txt []string) (Entry, error) {
	var e Entry
	for _, record := range txt {
		key, value, ok := strings.Cut(record, "=")
		if !ok {
			return Entry{}, fmt.Errorf("%w: %q", ErrInvalidTXTRecord, record)
		}
		switch key {
		case txtKeyID:
			e.ID = value
		case txtKeyRole:
			e.Role = Role(value)
		case txtKeyVersion:
			e.Version = value
		}
	}
	if e.ID == "" {
		return Entry{}, fmt.Errorf("%w: missing id", ErrInvalidTXTRecord)
	}
	if !e.Role.IsValid() {
		return Entry{}, fmt.Errorf("%w: missing or unknown role", ErrInvalidTXTRecord)
	}
	return e, nil
}
