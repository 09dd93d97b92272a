package transport

import "errors"

// Transport errors.
var (
	// ErrClosed is returned when an operation is attempted on a closed link.
	ErrClosed = errors.New("transport: closed")

	// ErrEnvelopeTooLarge is returned when an envelope exceeds MaxEnvelopeSize.
	ErrEnvelopeTooLarge = errors.New("transport: envelope too large")

	// ErrEnvelopeFormat is returned when an incoming frame cannot be decoded.
	ErrEnvelopeFormat = errors.New("transport: malformed envelope")
)
