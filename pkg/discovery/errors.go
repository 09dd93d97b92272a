package discovery

import "errors"

// Package-level sentinel errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed
	// advertiser.
	ErrClosed = errors.New("discovery: closed")

	// ErrAlreadyAdvertised is returned when advertising an entity that
	// is already being advertised.
	ErrAlreadyAdvertised = errors.New("discovery: entity already advertised")

	// ErrNotAdvertised is returned when stopping an entity that is not
	// being advertised.
	ErrNotAdvertised = errors.New("discovery: entity not advertised")

	// ErrDuplicateEntity is returned when registering an entity ID that
	// is already in the directory.
	ErrDuplicateEntity = errors.New("discovery: entity already registered")

	// ErrInvalidEntry is returned for entries with an empty ID, an
	// unknown role or an out-of-range port.
	ErrInvalidEntry = errors.New("discovery: invalid entry")

	// ErrInvalidTXTRecord is returned when TXT records cannot be decoded
	// into an entry.
	ErrInvalidTXTRecord = errors.New("discovery: invalid TXT record")

	// ErrServiceNotFound is returned when a lookup finds no matching
	// entity.
	ErrServiceNotFound = errors.New("discovery: service not found")

	// ErrTimeout is returned when a lookup times out.
	ErrTimeout = errors.New("discovery: operation timed out")
)
