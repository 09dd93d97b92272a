package session

import "errors"

// Session package errors.
var (
	// ErrInvalidSession is returned when a session lookup uses an unknown ID.
	ErrInvalidSession = errors.New("session: invalid session ID")

	// ErrSessionExpired is returned when a session is fetched past its
	// deadline. The sweeper removes such sessions eventually; Get reports
	// them immediately.
	ErrSessionExpired = errors.New("session: session expired")

	// ErrSessionIncomplete is returned when the derived key set is requested
	// before key establishment has completed.
	ErrSessionIncomplete = errors.New("session: key establishment not completed")

	// ErrInvalidRole is returned when a session is created with an undefined role.
	ErrInvalidRole = errors.New("session: invalid session role")

	// ErrMissingPeer is returned when a session is created without entity or
	// peer identifiers.
	ErrMissingPeer = errors.New("session: entity and peer IDs are required")
)
